package leafdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leafdb.yaml")
	content := `
path: /var/lib/leafdb/data.db
map_size_bytes: 134217728
max_readers: 64
max_databases: 32
sync: data
metrics_namespace: myapp
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/leafdb/data.db", cfg.Path)
	assert.Equal(t, int64(134217728), cfg.MapSizeBytes)
	assert.Equal(t, 64, cfg.MaxReaders)
	assert.Equal(t, 32, cfg.MaxDatabases)
	assert.Equal(t, "data", cfg.Sync)
	assert.Equal(t, "myapp", cfg.MetricsNS)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/leafdb.yaml")
	assert.Error(t, err)
}

func TestEnvConfigToOptionsAppliesDefaults(t *testing.T) {
	cfg := EnvConfig{}
	opts, err := cfg.ToOptions()
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().MapSize, opts.MapSize)
	assert.Equal(t, FullSync, opts.Sync)
}

func TestEnvConfigToOptionsMapsSyncModes(t *testing.T) {
	for sync, want := range map[string]SyncMode{
		"none":  NoSync,
		"async": AsyncFlush,
		"data":  SyncData,
		"full":  FullSync,
		"":      FullSync,
	} {
		cfg := EnvConfig{Sync: sync}
		opts, err := cfg.ToOptions()
		require.NoError(t, err)
		assert.Equal(t, want, opts.Sync, "sync=%q", sync)
	}
}

func TestEnvConfigToOptionsRejectsUnknownSync(t *testing.T) {
	cfg := EnvConfig{Sync: "bogus"}
	_, err := cfg.ToOptions()
	assert.Error(t, err)
}
