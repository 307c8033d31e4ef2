package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainwire/boardkit/internal/conf"
)

func loadSettings(t *testing.T) *conf.Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, conf.WriteDefaultConfig(path))
	settings, err := conf.Load(path)
	require.NoError(t, err)
	settings.Logging.Console = false
	return settings
}

func TestRootRunsSubcommand(t *testing.T) {
	root := RootCommand(loadSettings(t), "test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"boards", "describe", "3", "--preset", "1"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"sampling_rate": 25`)
}

func TestRootRejectsInvalidSettings(t *testing.T) {
	settings := loadSettings(t)
	root := RootCommand(settings, "test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"boards", "list", "--log-level", "loud"})
	assert.Error(t, root.Execute())
}

func TestConfigSkipsInitialization(t *testing.T) {
	settings := loadSettings(t)
	root := RootCommand(settings, "test")
	settings.Logging.Level = "loud"
	var out bytes.Buffer
	root.SetOut(&out)
	path := filepath.Join(t.TempDir(), "fresh.yaml")
	root.SetArgs([]string{"config", "init", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), path)
}
