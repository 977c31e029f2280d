// Package config handles fixlink configuration from YAML files and the
// optional SQLite settings store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/fixlink/linkrewrite"
)

// Config is the top-level fixlink configuration.
type Config struct {
	Browser   BrowserConfig    `yaml:"browser"`
	Pages     []PageConfig     `yaml:"pages"`
	Platforms []PlatformConfig `yaml:"platforms"`
	Detector  DetectorConfig   `yaml:"detector"`
	Store     StoreConfig      `yaml:"store"`
	HTTP      HTTPConfig       `yaml:"http"`
	MCP       MCPConfig        `yaml:"mcp"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig is a page to open and watch.
type PageConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Platform string `yaml:"platform"` // empty: derived from the URL host
}

// PlatformConfig seeds per-platform settings.
type PlatformConfig struct {
	Name            string `yaml:"name"`
	Enabled         *bool  `yaml:"enabled"`
	TargetAuthority string `yaml:"target_authority"`
}

// DetectorConfig tunes menu detection.
type DetectorConfig struct {
	Throttle        time.Duration `yaml:"throttle"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	TriggerTTL      time.Duration `yaml:"trigger_ttl"`
	GeometryRadius  float64       `yaml:"geometry_radius"`
	MaxBuffer       int           `yaml:"max_buffer"`
}

// StoreConfig points at the SQLite settings database. Empty Path means
// settings come from the file only.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// HTTPConfig is the admin API listener. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MCPConfig is the MCP-over-QUIC listener. Empty QUICAddr disables it;
// without a certificate pair an ephemeral self-signed one is used.
type MCPConfig struct {
	QUICAddr string `yaml:"quic_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

// DefaultAuthorities are the target authorities used when none is
// configured.
var DefaultAuthorities = map[string]string{
	"x":         "fixvx.com",
	"instagram": "kkinstagram.com",
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and normalises authorities.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no pages.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Detector.Throttle <= 0 {
		c.Detector.Throttle = 200 * time.Millisecond
	}
	if c.Detector.CleanupInterval <= 0 {
		c.Detector.CleanupInterval = 30 * time.Second
	}
	if c.Detector.TriggerTTL <= 0 {
		c.Detector.TriggerTTL = 2000 * time.Millisecond
	}
	if c.Detector.GeometryRadius <= 0 {
		c.Detector.GeometryRadius = 500
	}
	if c.Detector.MaxBuffer <= 0 {
		c.Detector.MaxBuffer = 1000
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 200 * time.Millisecond
	}
	if c.Store.Debounce <= 0 {
		c.Store.Debounce = 500 * time.Millisecond
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
	for i := range c.Platforms {
		p := &c.Platforms[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Enabled == nil {
			on := true
			p.Enabled = &on
		}
		if p.TargetAuthority == "" {
			p.TargetAuthority = DefaultAuthorities[p.Name]
		}
	}
}

func (c *Config) normalize() error {
	for i := range c.Platforms {
		p := &c.Platforms[i]
		if p.Name == "" {
			return fmt.Errorf("config: platforms[%d]: missing name", i)
		}
		if p.TargetAuthority == "" {
			continue
		}
		norm, err := linkrewrite.NormalizeAuthority(p.TargetAuthority)
		if err != nil {
			return fmt.Errorf("config: platform %s: %w", p.Name, err)
		}
		p.TargetAuthority = norm
	}
	for _, pg := range c.Pages {
		if pg.URL == "" {
			return fmt.Errorf("config: page %s: missing url", pg.ID)
		}
	}
	return nil
}

// Settings returns the per-platform settings declared in the file, with
// built-in defaults for platforms not listed.
func (c *Config) Settings() map[string]Settings {
	out := make(map[string]Settings, len(DefaultAuthorities)+len(c.Platforms))
	for name, auth := range DefaultAuthorities {
		out[name] = Settings{Platform: name, Enabled: true, TargetAuthority: auth}
	}
	for _, p := range c.Platforms {
		out[p.Name] = Settings{Platform: p.Name, Enabled: *p.Enabled, TargetAuthority: p.TargetAuthority}
	}
	return out
}
