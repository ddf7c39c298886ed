package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings are the runtime-mutable options, persisted as YAML and
// editable through the API without a restart.
type Settings struct {
	Printer PrinterSettings `yaml:"printer" json:"printer"`
	UI      UISettings      `yaml:"ui" json:"ui"`
}

// PrinterSettings configure the optional Moonraker integration.
type PrinterSettings struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
}

// UISettings hold presentation defaults.
type UISettings struct {
	ProjectsPerPage int `yaml:"projects_per_page" json:"projects_per_page"`
	FilesPerPage    int `yaml:"files_per_page" json:"files_per_page"`
}

func defaultSettings() Settings {
	return Settings{
		UI: UISettings{ProjectsPerPage: 15, FilesPerPage: 25},
	}
}

func (s *Settings) validate() error {
	if s.Printer.Enabled && s.Printer.URL == "" {
		return fmt.Errorf("printer.url is required when the printer integration is enabled")
	}
	if s.UI.ProjectsPerPage < 1 {
		s.UI.ProjectsPerPage = 15
	}
	if s.UI.FilesPerPage < 1 {
		s.UI.FilesPerPage = 25
	}
	return nil
}

// SettingsManager serializes access to the settings file.
type SettingsManager struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// LoadSettings reads the settings file, falling back to defaults when
// the file does not exist yet.
func LoadSettings(path string) (*SettingsManager, error) {
	m := &SettingsManager{path: path, current: defaultSettings()}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &m.current); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := m.current.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a copy of the current settings.
func (m *SettingsManager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates and persists new settings atomically, then makes
// them current. The old settings stay in effect when anything fails.
func (m *SettingsManager) Update(s Settings) error {
	if err := s.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist settings: %w", err)
	}

	m.current = s
	return nil
}
