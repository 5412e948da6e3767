package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)

	p, err := cfg.PacingDefaults()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, p.MinDelay)
	require.Equal(t, 8*time.Second, p.MaxDelay)
	require.Equal(t, 50, p.BatchSize)
	require.Equal(t, time.Minute, p.BatchDelay)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "wablast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
db_dsn: "file:from-yaml.db"
pacing:
  min_delay: 1s
  max_delay: 2s
  batch_size: 10
queue:
  workers: 2
`), 0o644))
	t.Setenv("WA_DB_DSN", "file:from-env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, "file:from-env.db", cfg.DBDSN)
	require.Equal(t, 2, cfg.Queue.Workers)
	// untouched fields keep defaults
	require.Equal(t, "5s", cfg.Queue.BaseBackoff)

	p, err := cfg.PacingDefaults()
	require.NoError(t, err)
	require.Equal(t, time.Second, p.MinDelay)
	require.Equal(t, 10, p.BatchSize)
	require.Equal(t, time.Minute, p.BatchDelay)
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WA_HTTP_ADDR=:7070\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("WA_HTTP_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPAddr)
}

func TestInvalidDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnect:\n  delay: soon\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "reconnect.delay")
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	require.Error(t, err)
}
