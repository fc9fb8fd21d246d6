package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name      string `validate:"required"`
	Workers   int    `validate:"gte=1"`
	Timeout   time.Duration
	Addresses []string
}

func (c testConfig) Validate() error {
	return Validate(c)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: lmgr\nworkers: 8\ntimeout: 300s\naddresses: a:1,b:2\n")
	override := writeFile(t, dir, "override.yaml", "workers: 16\n")

	var cfg testConfig
	_, err := LoadConfig(&cfg, dir, []string{override})
	require.NoError(t, err)
	assert.Equal(t, "lmgr", cfg.Name)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 300*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Addresses)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: lmgr\nworkers: 8\n")
	t.Setenv("LMGR_WORKERS", "3")

	var cfg testConfig
	_, err := LoadConfig(&cfg, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "workers: 0\n")

	var cfg testConfig
	_, err := LoadConfig(&cfg, dir, nil)
	assert.Error(t, err)
}

func TestLoadConfig_MissingDefault(t *testing.T) {
	var cfg testConfig
	_, err := LoadConfig(&cfg, t.TempDir(), nil)
	assert.Error(t, err)
}
