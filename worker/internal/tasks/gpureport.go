package tasks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const hotspotUtilizationPercent = 80.0

// RunGPUReport samples the host's GPU devices via nvidia-smi and flags any
// device above the hotspot threshold, per spec.md §4.5's gpu_report
// semantics. It makes no LLM call.
func RunGPUReport(ctx context.Context, in Input) (Output, error) {
	devices, err := sampleGPUDevices(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("sample gpu devices: %w", err)
	}

	var b strings.Builder
	b.WriteString("# GPU report\n\n")
	hotspots := 0
	deviceRows := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		hot := d.UtilizationPercent > hotspotUtilizationPercent
		if hot {
			hotspots++
		}
		fmt.Fprintf(&b, "- device %d (%s): %dMB/%dMB used, %.1f%% util%s\n",
			d.Index, d.Name, d.UsedVRAMMB, d.TotalVRAMMB, d.UtilizationPercent, hotspotSuffix(hot))
		deviceRows = append(deviceRows, map[string]any{
			"device_index":     d.Index,
			"name":             d.Name,
			"total_vram_mb":    d.TotalVRAMMB,
			"used_vram_mb":     d.UsedVRAMMB,
			"utilization_pct":  d.UtilizationPercent,
			"hotspot":          hot,
		})
	}

	return Output{
		Result: map[string]any{
			"device_count":    len(devices),
			"hotspot_count":   hotspots,
			"devices":         deviceRows,
		},
		ReportMarkdown: b.String(),
	}, nil
}

func hotspotSuffix(hot bool) string {
	if hot {
		return " [HOTSPOT]"
	}
	return ""
}

type gpuSample struct {
	Index              int
	Name               string
	TotalVRAMMB        int
	UsedVRAMMB         int
	UtilizationPercent float64
}

// sampleGPUDevices shells out to nvidia-smi's CSV query mode, the
// conventional way to read device state without a vendor Go binding —
// the same os/exec pattern the teacher uses for its model-download
// helpers, redirected at a different binary. A host with no GPUs (or no
// nvidia-smi on PATH) is not a failure: it reports zero devices.
func sampleGPUDevices(ctx context.Context) ([]gpuSample, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,utilization.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return nil, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	samples := make([]gpuSample, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		idx, _ := strconv.Atoi(strings.TrimSpace(fields[0]))
		total, _ := strconv.Atoi(strings.TrimSpace(fields[2]))
		used, _ := strconv.Atoi(strings.TrimSpace(fields[3]))
		util, _ := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		samples = append(samples, gpuSample{
			Index:              idx,
			Name:               strings.TrimSpace(fields[1]),
			TotalVRAMMB:        total,
			UsedVRAMMB:         used,
			UtilizationPercent: util,
		})
	}
	return samples, nil
}
