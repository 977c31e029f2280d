// Package fixlink adds a "copy fixed link" action to the post menus of
// social timelines. When the user opens a post's menu, the action is
// inserted next to the menu's own copy-link item; activating it copies the
// post's canonical link with the host swapped for an embed-friendly
// authority (fixvx.com for X, kkinstagram.com for Instagram).
//
// A Controller runs one platform on one page. A Service drives Chrome,
// opens the configured pages and runs a Controller per page, and exposes
// rewrite and stats over HTTP and MCP.
package fixlink

import (
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/variant"
)

// Config is the top-level fixlink configuration. Re-exported from internal.
type Config = config.Config

// PageConfig defines a page to watch.
type PageConfig = config.PageConfig

// Settings are the per-platform values the controller consumes.
type Settings = config.Settings

// Provider supplies Settings and change notifications.
type Provider = config.Provider

// Variant is the set of structural patterns for one platform.
type Variant = variant.Variant

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}

// VariantFor returns the built-in variant for a platform name ("x",
// "instagram").
func VariantFor(platform string) (Variant, bool) {
	return variant.Builtin(platform)
}
