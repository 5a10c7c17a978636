package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type stagedContainer struct {
	ID       string
	Name     string
	Image    string
	Labels   map[string]string
	Networks []string
	State    string
}

// RunServiceMap builds a topology of nodes (allowlisted containers) and
// edges (shared network membership) from the manifest the dispatcher
// staged, per spec.md §4.5's service_map semantics. It makes no LLM call.
func RunServiceMap(ctx context.Context, in Input) (Output, error) {
	containers, err := stagedContainers(in.InputsDir)
	if err != nil {
		return Output{}, fmt.Errorf("read staged container manifest: %w", err)
	}

	nodes := make([]map[string]any, 0, len(containers))
	for _, c := range containers {
		nodes = append(nodes, map[string]any{
			"id":     c.ID,
			"name":   c.Name,
			"image":  c.Image,
			"labels": c.Labels,
		})
	}

	type edge struct{ A, B, Network string }
	var edges []edge
	for i := 0; i < len(containers); i++ {
		for j := i + 1; j < len(containers); j++ {
			if net := sharedNetwork(containers[i], containers[j]); net != "" {
				edges = append(edges, edge{A: containers[i].ID, B: containers[j].ID, Network: net})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	edgeRows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		edgeRows = append(edgeRows, map[string]any{"source": e.A, "target": e.B, "network": e.Network})
	}

	report := fmt.Sprintf("# Service map\n\nNodes: %d\nEdges: %d\n", len(nodes), len(edgeRows))
	return Output{
		Result: map[string]any{
			"node_count": len(nodes),
			"edge_count": len(edgeRows),
			"nodes":      nodes,
			"edges":      edgeRows,
		},
		ReportMarkdown: report,
	}, nil
}

func sharedNetwork(a, b stagedContainer) string {
	for _, na := range a.Networks {
		for _, nb := range b.Networks {
			if na == nb {
				return na
			}
		}
	}
	return ""
}

func stagedContainers(inputsDir string) ([]stagedContainer, error) {
	path := filepath.Join(inputsDir, "containers.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var containers []stagedContainer
	if err := json.Unmarshal(b, &containers); err != nil {
		return nil, err
	}
	return containers, nil
}
