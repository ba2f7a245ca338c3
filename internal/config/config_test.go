package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	data := []byte(`
home: ` + dir + `
storage:
  backend: sqlite
saf:
  max_count: 42
  retrieval_timeout: 5s
  low_priority_ttl: 1h
dht:
  neighbourhood_size: 3
node:
  bootstrap:
    - aa@127.0.0.1:4000
`)
	require.NoError(t, os.WriteFile(path, data, 0600))
	t.Setenv("SAF_MAX_RETURNED", "7")
	t.Setenv("SAF_RETRIEVAL_TIMEOUT", "9s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Home)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(dir, "saf.db"), cfg.StoragePath())
	assert.Equal(t, 42, cfg.SAF.MaxCount)
	assert.Equal(t, time.Hour, cfg.SAF.LowPriorityTTL)
	assert.Equal(t, 7, cfg.SAF.MaxReturnedMessages)
	assert.Equal(t, 9*time.Second, cfg.SAF.RetrievalTimeout)
	assert.Equal(t, 3, cfg.DHT.NeighbourhoodSize)
	assert.Equal(t, []string{"aa@127.0.0.1:4000"}, cfg.Node.Bootstrap)
	// untouched defaults survive the overlay
	assert.Equal(t, 3*24*time.Hour, cfg.SAF.HighPriorityTTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"max count":     func(c *Config) { c.SAF.MaxCount = 0 },
		"bytes":         func(c *Config) { c.SAF.MaxBytes = 1 },
		"ttl":           func(c *Config) { c.SAF.MaxTTL = time.Minute },
		"backend":       func(c *Config) { c.Storage.Backend = "postgres" },
		"redis url":     func(c *Config) { c.Storage.Backend = "redis" },
		"neighbourhood": func(c *Config) { c.DHT.NeighbourhoodSize = 0 },
		"batch bytes":   func(c *Config) { c.SAF.BatchMaxBytes = 1 << 20 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestEnvBootstrapList(t *testing.T) {
	t.Setenv("SAF_HOME", t.TempDir())
	t.Setenv("SAF_BOOTSTRAP", " a@1:1, ,b@2:2 ")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1:1", "b@2:2"}, cfg.Node.Bootstrap)
}

func TestEnvPprof(t *testing.T) {
	t.Setenv("SAF_HOME", t.TempDir())
	t.Setenv("SAF_PPROF_ADDR", "127.0.0.1:6060")
	t.Setenv("SAF_PPROF_PUBLIC", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6060", cfg.HTTP.PprofAddr)
	assert.True(t, cfg.HTTP.PprofPublic)
}
