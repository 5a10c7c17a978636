package dispatcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// placeGPU implements spec.md §4.5 step 2: filter by free VRAM, score the
// remainder with GPUDeviceRecord.SchedulingScore (lower wins), break ties
// on lowest device index. Returns the chosen device index, a short reason
// string for the Audit row, and an error when no GPU satisfies the floor.
func (d *Dispatcher) placeGPU(ctx context.Context, hostID int64, minVRAMMB int) (deviceIndex int, reason string, fallbackEligible bool, err error) {
	devices, err := d.store.ListGPUDevices(ctx, hostID)
	if err != nil {
		return -1, "", false, err
	}
	candidates := make([]state.GPUDeviceRecord, 0, len(devices))
	for _, g := range devices {
		if g.FreeVRAMMB >= minVRAMMB {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return -1, "no GPU met min_vram_mb floor", true, fmt.Errorf("insufficient_vram: no device with >= %dMB free on host %d", minVRAMMB, hostID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].SchedulingScore(), candidates[j].SchedulingScore()
		if si != sj {
			return si < sj
		}
		return candidates[i].DeviceIndex < candidates[j].DeviceIndex
	})
	chosen := candidates[0]
	reason = fmt.Sprintf("lowest score %.4f among %d eligible devices (used=%dMB/%dMB util=%.1f%%)",
		chosen.SchedulingScore(), len(candidates), chosen.UsedVRAMMB, chosen.TotalVRAMMB, chosen.UtilizationPercent)
	return chosen.DeviceIndex, reason, false, nil
}
