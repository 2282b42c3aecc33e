// Package kvtierconfig loads the named configuration record from
// spec.md §6's Configuration table. Grounded on friggdb/config.go's
// yaml-tagged struct-plus-defaults pattern, using gopkg.in/yaml.v3 (the
// teacher's own configuration library) in place of friggdb's
// overrides-style loader since this spec has a single flat record
// rather than per-component override blocks.
package kvtierconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors spec.md §6's Configuration table field for field.
type Config struct {
	TieringEnabled bool `yaml:"tiering_enabled"`

	LocalPath         string `yaml:"local_path"`
	RemotePath        string `yaml:"remote_path"`
	LocalBudgetBytes  int64  `yaml:"local_budget_bytes"`
	RemoteBudgetBytes int64  `yaml:"remote_budget_bytes"`
	Compress          bool   `yaml:"compress"`
	BlockSize         int    `yaml:"block_size"`

	HostBudgetBytes int64 `yaml:"host_budget_bytes"`
	ChunkSize       int   `yaml:"chunk_size"`

	NumKVHeads int `yaml:"num_kv_heads"`
	HeadDim    int `yaml:"head_dim"`
	ElemBytes  int `yaml:"elem_bytes"`
}

// Default returns a Config with spec.md §6's stated defaults
// (block_size=256) plus tiering_enabled=true, compress=true and
// elem_bytes=2; every other numeric field is zero, which callers are
// expected to override from their own runtime geometry.
func Default() Config {
	return Config{
		TieringEnabled: true,
		BlockSize:      256,
		Compress:       true,
		ElemBytes:      2,
	}
}

// Load reads and parses a YAML config file, starting from Default()
// so unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kvtierconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("kvtierconfig: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the system depends on:
// a valid local path and budget whenever tiering is enabled, and a
// coherent KV row geometry.
func (c Config) Validate() error {
	if !c.TieringEnabled {
		return nil
	}
	if c.LocalPath == "" {
		return fmt.Errorf("kvtierconfig: local_path is required when tiering_enabled")
	}
	if c.LocalBudgetBytes <= 0 {
		return fmt.Errorf("kvtierconfig: local_budget_bytes must be positive")
	}
	if c.RemotePath != "" && c.RemoteBudgetBytes <= 0 {
		return fmt.Errorf("kvtierconfig: remote_budget_bytes must be positive when remote_path is set")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("kvtierconfig: block_size must be positive")
	}
	if c.NumKVHeads <= 0 || c.HeadDim <= 0 || c.ElemBytes <= 0 {
		return fmt.Errorf("kvtierconfig: num_kv_heads, head_dim, and elem_bytes must be positive")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("kvtierconfig: chunk_size must be non-negative (0 selects auto)")
	}
	return nil
}

// ResolvedChunkSize applies the bridge ABI's auto-selection rule from
// spec.md §6: chunk_size 0 means 2048 for total_seq > 4096, else 512.
func (c Config) ResolvedChunkSize(totalSeq int) int {
	if c.ChunkSize != 0 {
		return c.ChunkSize
	}
	if totalSeq > 4096 {
		return 2048
	}
	return 512
}

// HasRemote reports whether a remote tier is configured.
func (c Config) HasRemote() bool {
	return c.RemotePath != ""
}
