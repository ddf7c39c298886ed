package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresModelRoot(t *testing.T) {
	t.Setenv("PRINTVAULT_MODEL_ROOT", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRINTVAULT_MODEL_ROOT")
}

func TestLoadRejectsMissingRootDirectory(t *testing.T) {
	t.Setenv("PRINTVAULT_MODEL_ROOT", filepath.Join(t.TempDir(), "nope"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PRINTVAULT_MODEL_ROOT", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AutoReindex)
	assert.True(t, cfg.WatchEnabled)
	assert.Equal(t, int64(500*1024*1024), cfg.MaxUploadSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PRINTVAULT_MODEL_ROOT", t.TempDir())
	t.Setenv("PRINTVAULT_GCODE_ROOT", t.TempDir())
	t.Setenv("PRINTVAULT_AUTO_REINDEX", "false")
	t.Setenv("MAX_UPLOAD_SIZE", "1024")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.AutoReindex)
	assert.Equal(t, int64(1024), cfg.MaxUploadSize)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.SlicedRoot)
}

func TestSettingsDefaultsWhenFileMissing(t *testing.T) {
	m, err := LoadSettings(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	s := m.Get()
	assert.False(t, s.Printer.Enabled)
	assert.Equal(t, 15, s.UI.ProjectsPerPage)
	assert.Equal(t, 25, s.UI.FilesPerPage)
}

func TestSettingsUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	m, err := LoadSettings(path)
	require.NoError(t, err)

	s := m.Get()
	s.Printer = PrinterSettings{Enabled: true, URL: "http://voron.local:7125", APIKey: "k"}
	s.UI.ProjectsPerPage = 30
	require.NoError(t, m.Update(s))

	// A fresh manager sees the persisted state.
	m2, err := LoadSettings(path)
	require.NoError(t, err)
	got := m2.Get()
	assert.True(t, got.Printer.Enabled)
	assert.Equal(t, "http://voron.local:7125", got.Printer.URL)
	assert.Equal(t, 30, got.UI.ProjectsPerPage)
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	m, err := LoadSettings(path)
	require.NoError(t, err)

	bad := m.Get()
	bad.Printer.Enabled = true // no URL
	require.Error(t, m.Update(bad))

	// Nothing was written and the old settings stay in effect.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, m.Get().Printer.Enabled)
}

func TestSettingsRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("printer: [not a map"), 0o644))
	_, err := LoadSettings(path)
	assert.Error(t, err)
}
