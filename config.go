package leafdb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfig is the on-disk (YAML) form of Options, for callers that want to
// drive environment setup from a config file rather than construct Options
// in code.
type EnvConfig struct {
	Path         string `yaml:"path"`
	MapSizeBytes int64  `yaml:"map_size_bytes"`
	MaxReaders   int    `yaml:"max_readers"`
	MaxDatabases int    `yaml:"max_databases"`
	Sync         string `yaml:"sync"` // "none", "async", "data", "full"
	MetricsNS    string `yaml:"metrics_namespace"`
}

// LoadConfig reads and parses an EnvConfig from a YAML file.
func LoadConfig(path string) (EnvConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return EnvConfig{}, fmt.Errorf("leafdb: reading config: %w", err)
	}
	var cfg EnvConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("leafdb: parsing config: %w", err)
	}
	return cfg, nil
}

// ToOptions converts a parsed EnvConfig into the Options Open expects,
// starting from DefaultOptions for every field the config leaves unset; an
// empty sync mode yields FullSync.
func (c EnvConfig) ToOptions() (Options, error) {
	opts := DefaultOptions()
	if c.MapSizeBytes > 0 {
		opts.MapSize = c.MapSizeBytes
	}
	if c.MaxReaders > 0 {
		opts.MaxReaders = c.MaxReaders
	}
	if c.MaxDatabases > 0 {
		opts.MaxDatabases = c.MaxDatabases
	}
	if c.MetricsNS != "" {
		opts.MetricsNamespace = c.MetricsNS
	}
	switch c.Sync {
	case "", "full":
		opts.Sync = FullSync
	case "none":
		opts.Sync = NoSync
	case "async":
		opts.Sync = AsyncFlush
	case "data":
		opts.Sync = SyncData
	default:
		return Options{}, fmt.Errorf("leafdb: unknown sync mode %q", c.Sync)
	}
	return opts, nil
}
