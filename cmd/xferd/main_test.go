package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigFlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xferd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 4100\n\n[log]\nlevel = \"warn\"\n"), 0o644))
	t.Setenv("XFERD_PORT", "4200")
	t.Setenv("XFERD_STORAGE_DIR", "/env/storage")

	cli := &CLIConfig{
		configFile: path,
		port:       4300,
		storageDir: "ignored",
		logFormat:  "json",
		set:        map[string]bool{"port": true, "log-format": true},
	}
	cfg, err := buildConfig(cli)
	require.NoError(t, err)

	assert.Equal(t, 4300, cfg.Server.Port)
	assert.Equal(t, "/env/storage", cfg.Storage.Dir, "unset flags keep env values")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestBuildConfigRejectsInvalidFlag(t *testing.T) {
	cli := &CLIConfig{
		resumeKey: "port",
		set:       map[string]bool{"resume-key": true},
	}
	_, err := buildConfig(cli)
	assert.ErrorContains(t, err, "resume.key")
}
