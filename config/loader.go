package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the per-project override, discovered by walking
	// upward from the working directory.
	ProjectConfigFile = "coordinator.yaml"
	// UserConfigDir holds the user-level config, relative to the home dir.
	UserConfigDir = ".config/coordinator"
	// UserConfigFile is the file name inside UserConfigDir.
	UserConfigFile = "config.yaml"
)

// Loader resolves the effective configuration when the coordinator is run
// without an explicit -c path. Layers merge in increasing precedence:
// built-in defaults, then the user config, then the nearest project config.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load merges the config layers and validates the result. A missing layer
// is skipped silently; an unreadable or malformed one is logged and
// skipped, so a broken user config never blocks a run that a project
// config or the defaults could serve.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userPath), slog.String("error", err.Error()))
	}

	if projectPath := l.findProjectConfig(); projectPath != "" {
		if projectConfig, err := LoadFromFile(projectPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig writes a default user config if none exists yet, so
// operators have a file to edit instead of guessing the schema.
func (l *Loader) EnsureUserConfig() error {
	userPath := l.userConfigPath()
	if _, err := os.Stat(userPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory to the filesystem
// root and returns the first coordinator.yaml found, or "".
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
