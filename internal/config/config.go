// Package config holds the CLI-facing configuration for captchabridge.
// Configuration is read from a YAML file and can be overridden through
// environment variables. The library core performs no validation of its own;
// required fields are checked here, at the application boundary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"captchabridge/internal/sandbox"
	"captchabridge/internal/widget"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "captchabridge.yaml"

// Config holds all captchabridge configuration.
type Config struct {
	Widget  WidgetConfig   `yaml:"widget"`
	Bridge  BridgeConfig   `yaml:"bridge"`
	Sandbox sandbox.Config `yaml:"sandbox"`
}

// WidgetConfig configures document generation.
type WidgetConfig struct {
	SiteKey    string `yaml:"site_key"`
	Size       string `yaml:"size"`  // invisible, normal, compact
	Theme      string `yaml:"theme"` // light, dark
	Language   string `yaml:"language"`
	HideBadge  bool   `yaml:"hide_badge"`
	Debug      bool   `yaml:"debug"`
	Enterprise bool   `yaml:"enterprise"`
	ScriptURL  string `yaml:"script_url"`
}

// BridgeConfig configures the challenge lifecycle.
type BridgeConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Widget: WidgetConfig{
			Size:  string(widget.SizeInvisible),
			Theme: string(widget.ThemeLight),
		},
		Bridge:  BridgeConfig{TimeoutMs: 30000},
		Sandbox: sandbox.DefaultConfig(),
	}
}

// Load reads path (DefaultFile when empty) on top of the defaults and applies
// environment overrides. A missing default file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults + env only.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("CAPTCHABRIDGE_SITE_KEY"); key != "" {
		c.Widget.SiteKey = key
	}
	if url := os.Getenv("CAPTCHABRIDGE_BASE_URL"); url != "" {
		c.Sandbox.BaseURL = url
	}
	if url := os.Getenv("CAPTCHABRIDGE_SCRIPT_URL"); url != "" {
		c.Widget.ScriptURL = url
	}
	if ms := os.Getenv("CAPTCHABRIDGE_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			c.Bridge.TimeoutMs = v
		}
	}
}

// Validate checks the fields the CLI cannot run without.
func (c Config) Validate() error {
	if c.Widget.SiteKey == "" {
		return fmt.Errorf("widget.site_key is required (or set CAPTCHABRIDGE_SITE_KEY)")
	}
	return nil
}

// WidgetConfig maps the file representation onto the builder's configuration.
func (c Config) WidgetConfig() widget.Config {
	return widget.Config{
		SiteKey:    c.Widget.SiteKey,
		Size:       widget.Size(c.Widget.Size),
		Theme:      widget.Theme(c.Widget.Theme),
		Language:   c.Widget.Language,
		HideBadge:  c.Widget.HideBadge,
		Debug:      c.Widget.Debug,
		Enterprise: c.Widget.Enterprise,
		ScriptURL:  c.Widget.ScriptURL,
	}
}

// Timeout returns the challenge timeout as a duration.
func (c Config) Timeout() time.Duration {
	if c.Bridge.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bridge.TimeoutMs) * time.Millisecond
}
