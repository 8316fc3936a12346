package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skylark-fpv/fctuner/internal/analysis"
)

const (
	defaultBaudRate = 115200
	defaultDBFile   = "fctuner.db"
)

// Config is the main application configuration.
type Config struct {
	Settings Settings       `yaml:"settings"`
	Serial   SerialConfig   `yaml:"serial"`
	Storage  StorageConfig  `yaml:"storage"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// Settings holds global application settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level maps the configured log level name onto slog's levels. Unknown
// names fall back to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SerialConfig describes the flight-controller serial link.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baudRate"`
}

// StorageConfig holds tuning database settings.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// AnalysisConfig holds pipeline tunables.
type AnalysisConfig struct {
	Style string `yaml:"style"` // smooth, balanced or aggressive
}

// PilotStyle returns the configured response style, defaulting to balanced.
func (c AnalysisConfig) PilotStyle() (analysis.Style, error) {
	switch strings.ToLower(c.Style) {
	case "", string(analysis.StyleBalanced):
		return analysis.StyleBalanced, nil
	case string(analysis.StyleSmooth):
		return analysis.StyleSmooth, nil
	case string(analysis.StyleAggressive):
		return analysis.StyleAggressive, nil
	default:
		return "", fmt.Errorf("unknown pilot style %q", c.Style)
	}
}

// DBPath returns the tuning database location, rooted in the working
// directory when no data directory is configured.
func (c StorageConfig) DBPath() (string, error) {
	dir := c.DataDirectory
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		dir = wd
	}

	stat, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("data directory %q: %w", dir, err)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("data directory %q is not a directory", dir)
	}

	return filepath.Join(dir, defaultDBFile), nil
}

// LoadConfig reads and validates the yaml configuration. An empty path
// yields the defaults so read-only commands work without a file.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		Serial: SerialConfig{BaudRate: defaultBaudRate},
	}
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if config.Serial.BaudRate == 0 {
		config.Serial.BaudRate = defaultBaudRate
	}
	if _, err := config.Analysis.PilotStyle(); err != nil {
		return nil, err
	}

	return config, nil
}
