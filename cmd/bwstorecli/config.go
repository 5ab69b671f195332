package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// FileConfig is the JWCC (JSON-with-comments-and-commas) config file
// format accepted via --config, standardized to plain JSON the same way
// the teacher loads its own ".tk.json".
type FileConfig struct {
	WriteBufferCapacity uint32 `json:"write_buffer_capacity"`
	DataNodeSize        uint32 `json:"data_node_size"`
	SegmentDir          string `json:"segment_dir"`
}

// DefaultFileConfig mirrors spec.md §6's configuration options table.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		WriteBufferCapacity: 1 << 20,
		DataNodeSize:        1 << 16,
		SegmentDir:          ".bwstore",
	}
}

// LoadFileConfig reads and standardizes a JWCC config file, falling back
// to defaults for any field the file leaves zero.
func LoadFileConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return FileConfig{}, fmt.Errorf("invalid JWCC in %q: %w", path, err)
	}

	var fileCfg FileConfig

	if err := json.Unmarshal(standardized, &fileCfg); err != nil {
		return FileConfig{}, fmt.Errorf("invalid config %q: %w", path, err)
	}

	if fileCfg.WriteBufferCapacity != 0 {
		cfg.WriteBufferCapacity = fileCfg.WriteBufferCapacity
	}

	if fileCfg.DataNodeSize != 0 {
		cfg.DataNodeSize = fileCfg.DataNodeSize
	}

	if fileCfg.SegmentDir != "" {
		cfg.SegmentDir = fileCfg.SegmentDir
	}

	return cfg, nil
}
