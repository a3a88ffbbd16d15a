// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"drawbridge/internal/envutil"
)

// Duration accepts "30s" style values in YAML, which the decoder does not
// do for time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the drawbridge server configuration.
type Config struct {
	Listen      string   `yaml:"listen"`
	DataDir     string   `yaml:"data_dir"`
	RendererURL string   `yaml:"renderer_url"`
	TurnTimeout Duration `yaml:"turn_timeout"`
	Debug       bool     `yaml:"debug"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = envutil.String("DRAWBRIDGE_LISTEN", "127.0.0.1:8347")
	}
	if c.RendererURL == "" {
		c.RendererURL = "https://kroki.io"
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = Duration(5 * time.Minute)
	}
	if !c.Debug {
		c.Debug = envutil.Bool("DRAWBRIDGE_DEBUG")
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// Load reads a YAML config file and applies defaults for absent fields.
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.defaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}
