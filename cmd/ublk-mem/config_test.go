package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	testCases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"512", 512, false},
		{"4k", 4 << 10, false},
		{"64M", 64 << 20, false},
		{" 1G ", 1 << 30, false},
		{"", 0, true},
		{"0M", 0, true},
		{"12X", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseSize(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "100 B", formatSize(100))
	assert.Equal(t, "64.0 MB", formatSize(64<<20))
	assert.Equal(t, "1.5 GB", formatSize(3<<29))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig([]string{"-c", filepath.Join(t.TempDir(), "missing.toml")}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, int64(64<<20), cfg.size)
	assert.Equal(t, int64(1<<20), cfg.maxIO)
	assert.Equal(t, 1, cfg.Queues)
	assert.Equal(t, 128, cfg.QueueDepth)
	assert.Equal(t, -1, cfg.DeviceID)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ublk-mem.toml")
	content := `
size = "16M"
queues = 4
queue_depth = 32

[log]
level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("UBLK_MEM_QUEUE_DEPTH", "8")

	cfg, err := loadConfig([]string{"-c", path, "-size", "8M", "-v"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, int64(8<<20), cfg.size, "flag wins over the file")
	assert.Equal(t, 4, cfg.Queues)
	assert.Equal(t, 8, cfg.QueueDepth, "environment wins over the file")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRecoverNeedsID(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")

	_, err := loadConfig([]string{"-c", missing, "-recover"}, io.Discard)
	assert.Error(t, err)

	cfg, err := loadConfig([]string{"-c", missing, "-recover", "-id", "3"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, cfg.Recover)
	assert.Equal(t, 3, cfg.DeviceID)
}

func TestLoadConfigDump(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")

	_, err := loadConfig([]string{"-c", missing, "-dump", "-id", "1"}, io.Discard)
	assert.Error(t, err, "dump without run_dir")

	t.Setenv("UBLK_MEM_RUN_DIR", t.TempDir())
	_, err = loadConfig([]string{"-c", missing, "-dump"}, io.Discard)
	assert.Error(t, err, "dump without id")

	cfg, err := loadConfig([]string{"-c", missing, "-dump", "-id", "1"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, cfg.dump)
}
