package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/tracestore"
)

// loadPresets reads every *.json file in dir as a core.PipelineConfig,
// spec.md §4.7's "preset registry (JSON files loaded from disk)". A
// missing directory yields an empty registry rather than an error — presets
// are optional.
func loadPresets(dir string) (map[string]core.PipelineConfig, error) {
	presets := make(map[string]core.PipelineConfig)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return presets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("server: read presets dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("server: read preset %q: %w", path, err)
		}
		var cfg core.PipelineConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("server: parse preset %q: %w", path, err)
		}
		presets[cfg.ID] = cfg
	}
	return presets, nil
}

func presetInfos(presets map[string]core.PipelineConfig) []tracestore.PipelineInfo {
	out := make([]tracestore.PipelineInfo, 0, len(presets))
	for _, cfg := range presets {
		out = append(out, tracestore.PipelineInfo{ID: cfg.ID, Name: cfg.Name, Description: cfg.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loadExamplesSeed reads a curated examples.json (a PipelineConfig array)
// used to seed an empty user_pipelines table at first startup (spec.md
// §6.3). A missing file yields no examples rather than an error.
func loadExamplesSeed(path string) ([]core.PipelineConfig, error) {
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("server: read examples seed: %w", err)
	}
	var examples []core.PipelineConfig
	if err := json.Unmarshal(body, &examples); err != nil {
		return nil, fmt.Errorf("server: parse examples seed: %w", err)
	}
	return examples, nil
}
