package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PreferencesConfig represents the preferences.yaml structure.
type PreferencesConfig struct {
	Language string `yaml:"language"`
	Units    struct {
		Temperature string `yaml:"temperature"`
	} `yaml:"units"`
}

// Loader manages gateway configuration loading and reloading.
type Loader struct {
	configDir   string
	logger      *zap.Logger
	mu          sync.RWMutex
	preferences *PreferencesConfig
}

// NewLoader creates a new configuration loader rooted at configDir.
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// LoadAll loads all configuration files.
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadPreferences(); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadPreferences loads the preferences.yaml file.
func (l *Loader) LoadPreferences() error {
	path := filepath.Join(l.configDir, "preferences.yaml")
	l.logger.Debug("Loading preferences", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}

	var prefs PreferencesConfig
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return fmt.Errorf("failed to parse preferences: %w", err)
	}

	l.mu.Lock()
	l.preferences = &prefs
	l.mu.Unlock()

	l.logger.Info("Preferences loaded successfully",
		zap.String("language", prefs.Language),
		zap.String("temperature_unit", prefs.Units.Temperature))
	return nil
}

// Language returns the configured UI language as a BCP-47 tag. Errors when
// preferences were never loaded or the value is absent; callers fall back to
// their own defaults.
func (l *Loader) Language() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.preferences == nil {
		return "", fmt.Errorf("preferences not loaded")
	}
	if l.preferences.Language == "" {
		return "", fmt.Errorf("language preference not set")
	}
	return l.preferences.Language, nil
}

// TemperatureUnit returns the configured temperature unit. Errors when
// preferences were never loaded or the value is absent.
func (l *Loader) TemperatureUnit() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.preferences == nil {
		return "", fmt.Errorf("preferences not loaded")
	}
	if l.preferences.Units.Temperature == "" {
		return "", fmt.Errorf("temperature unit preference not set")
	}
	return l.preferences.Units.Temperature, nil
}
