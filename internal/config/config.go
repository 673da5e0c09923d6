// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration. Paths left empty are derived from
// DataDir by Load.
type Config struct {
	Addr      string `env:"MUDRA_ADDR" envDefault:":8080"`
	DataDir   string `env:"MUDRA_DATA_DIR"`
	DBPath    string `env:"MUDRA_DB_PATH"`
	Catalog   string `env:"MUDRA_CATALOG"`
	PluginDir string `env:"MUDRA_PLUGIN_DIR"`
	ModelPath string `env:"MUDRA_MODEL_PATH"`
	WebDir    string `env:"MUDRA_WEB_DIR"`

	CameraID int  `env:"MUDRA_CAMERA_ID" envDefault:"0"`
	FPS      int  `env:"MUDRA_FPS" envDefault:"15"`
	Mirror   bool `env:"MUDRA_MIRROR" envDefault:"true"`

	// ClassifierCmd is the command line of an external model process. When
	// empty the centroid model at ModelPath is used.
	ClassifierCmd  []string      `env:"MUDRA_CLASSIFIER_CMD" envSeparator:" "`
	ClassifyBudget time.Duration `env:"MUDRA_CLASSIFY_BUDGET" envDefault:"300ms"`
	PluginTimeout  time.Duration `env:"MUDRA_PLUGIN_TIMEOUT" envDefault:"5s"`

	Tray bool `env:"MUDRA_TRAY" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MUDRA_LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment, fills derived paths and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) resolve() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".mudra")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "mudra.db")
	}
	if c.PluginDir == "" {
		c.PluginDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.ModelPath == "" {
		c.ModelPath = filepath.Join(c.DataDir, "model.json")
	}
	if c.Catalog == "" {
		c.Catalog = filepath.Join(c.DataDir, "patterns.json")
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("MUDRA_FPS must be in 1..120, got %d", c.FPS)
	}
	if c.CameraID < 0 {
		return fmt.Errorf("MUDRA_CAMERA_ID must not be negative, got %d", c.CameraID)
	}
	if c.ClassifyBudget < 0 {
		return fmt.Errorf("MUDRA_CLASSIFY_BUDGET must not be negative")
	}
	if c.PluginTimeout <= 0 {
		return fmt.Errorf("MUDRA_PLUGIN_TIMEOUT must be positive")
	}
	return nil
}
