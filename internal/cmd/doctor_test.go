package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCheck(t *testing.T, results []checkResult, name string) checkResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no check named %q", name)
	return checkResult{}
}

func TestDoctorChecks_AllToolsPresent(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 0)
	lookPath := func(bin string) (string, error) { return "/usr/bin/" + bin, nil }

	results := doctorChecks(context.Background(), cfg, lookPath)

	assert.True(t, findCheck(t, results, "Go runtime").OK)
	assert.Equal(t, "/usr/bin/ffmpeg", findCheck(t, results, "Tool ffmpeg").Detail)
	assert.True(t, findCheck(t, results, "Data directory").OK)

	store := findCheck(t, results, "Job database")
	assert.True(t, store.OK, store.Detail)
	assert.Equal(t, filepath.Join(cfg.DataDir, "jobs.db"), store.Detail)
}

func TestDoctorChecks_MissingTools(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 0)
	lookPath := func(string) (string, error) { return "", errors.New("not found") }

	results := doctorChecks(context.Background(), cfg, lookPath)

	audible := findCheck(t, results, "Tool audible")
	assert.False(t, audible.OK)
	assert.True(t, audible.Warn, "audible is optional")

	ffmpeg := findCheck(t, results, "Tool ffmpeg")
	assert.False(t, ffmpeg.OK)
	assert.False(t, ffmpeg.Warn)
	assert.Contains(t, ffmpeg.Detail, "tools.ffmpeg")
}

func TestCheckDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	r := checkDataDir(dir)
	assert.True(t, r.OK, r.Detail)
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	assert.False(t, checkDataDir("  ").OK)
}
