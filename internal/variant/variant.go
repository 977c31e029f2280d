// Package variant describes one host UI's structural patterns: which
// selectors denote menus, menu items, posts and menu triggers, which link
// shapes carry a post's identity, and where an injected action goes.
package variant

import (
	"fmt"
	"regexp"
	"strings"
)

// InsertPolicy selects where the injector places the action.
type InsertPolicy int

const (
	// PolicyHead inserts as the container's first child.
	PolicyHead InsertPolicy = iota
	// PolicyAfterReference inserts right after a menu item whose text
	// matches one of ReferenceTexts, falling back to PolicyHead.
	PolicyAfterReference
)

func (p InsertPolicy) String() string {
	switch p {
	case PolicyHead:
		return "head"
	case PolicyAfterReference:
		return "after-reference"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts "head" and "after-reference".
func ParsePolicy(s string) (InsertPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "head", "":
		return PolicyHead, nil
	case "after-reference", "after_reference":
		return PolicyAfterReference, nil
	}
	return PolicyHead, fmt.Errorf("variant: unknown insert policy %q", s)
}

// LinkShape is one deep-link URL shape. Group is the submatch index of the
// embedded identifier; the whole match is the canonical path. Prefix
// namespaces identifiers found through this shape, whichever variant
// searches with it.
type LinkShape struct {
	Name    string
	Prefix  string
	Pattern *regexp.Regexp
	Group   int
}

// Find returns the canonical path and identifier embedded in href.
func (s LinkShape) Find(href string) (path, id string, ok bool) {
	m := s.Pattern.FindStringSubmatch(href)
	if m == nil || s.Group >= len(m) || m[s.Group] == "" {
		return "", "", false
	}
	return m[0], m[s.Group], true
}

// Variant is the full set of patterns for one platform. IDPrefix is the
// namespace of the platform's own shapes: only links of a shape with that
// prefix (or none) are canonical links for it.
type Variant struct {
	Platform string
	IDPrefix string
	Origin   string
	Hosts    []string

	Menu           string
	MenuItem       string
	ItemsContainer string
	Item           string
	Trigger        string
	IDAttr         string
	PrimaryLinks   string
	Shapes         []LinkShape

	ReferenceTexts []string
	Policy         InsertPolicy
	ActionTag      string
	ActionLabel    string
	ActionRole     string
}

// Validate checks the fields every component relies on.
func (v *Variant) Validate() error {
	switch {
	case v.Platform == "":
		return fmt.Errorf("variant: missing platform")
	case v.Menu == "" || v.MenuItem == "" || v.Item == "":
		return fmt.Errorf("variant %s: menu, menu item and item patterns are required", v.Platform)
	case len(v.Shapes) == 0:
		return fmt.Errorf("variant %s: no link shapes", v.Platform)
	}
	return nil
}

// PrefixOf returns the identifier namespace of shape.
func (v *Variant) PrefixOf(shape LinkShape) string {
	if shape.Prefix != "" {
		return shape.Prefix
	}
	return v.IDPrefix
}

// Owns reports whether links of shape are permalinks of this platform.
func (v *Variant) Owns(shape LinkShape) bool {
	return v.PrefixOf(shape) == v.IDPrefix
}

// MatchesHost reports whether a page host belongs to this platform.
func (v *Variant) MatchesHost(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, h := range v.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

var (
	statusShape = LinkShape{
		Name:    "status",
		Prefix:  "platformA",
		Pattern: regexp.MustCompile(`/[^/?#]+/status/(\d+)`),
		Group:   1,
	}
	shortcodeShape = LinkShape{
		Name:    "shortcode",
		Prefix:  "platformB",
		Pattern: regexp.MustCompile(`/(?:p|reel|tv)/([A-Za-z0-9_-]+)/`),
		Group:   1,
	}
)

// PlatformA is the X / Twitter timeline.
func PlatformA() Variant {
	return Variant{
		Platform:       "x",
		IDPrefix:       "platformA",
		Origin:         "https://x.com",
		Hosts:          []string{"x.com", "twitter.com", "mobile.twitter.com"},
		Menu:           `[role="menu"]`,
		MenuItem:       `[role="menuitem"]`,
		ItemsContainer: `[data-testid="Dropdown"]`,
		Item:           `article[data-testid="tweet"], article[role="article"]`,
		Trigger:        `[data-testid="caret"], [aria-label="More"]`,
		IDAttr:         "data-tweet-id",
		PrimaryLinks:   `a[href*="/status/"]`,
		Shapes:         []LinkShape{statusShape, shortcodeShape},
		ReferenceTexts: []string{"Copy link", "Copy link to post", "Embed post"},
		Policy:         PolicyAfterReference,
		ActionTag:      "div",
		ActionLabel:    "Copy fixed link",
		ActionRole:     "menuitem",
	}
}

// PlatformB is the Instagram feed.
func PlatformB() Variant {
	return Variant{
		Platform:       "instagram",
		IDPrefix:       "platformB",
		Origin:         "https://www.instagram.com",
		Hosts:          []string{"instagram.com"},
		Menu:           `div[role="dialog"]`,
		MenuItem:       `button, [role="button"]`,
		ItemsContainer: `div[role="dialog"] [data-menu-items]`,
		Item:           `article`,
		Trigger:        `[aria-label="More options"], svg[aria-label="More options"]`,
		IDAttr:         "data-media-id",
		PrimaryLinks:   `a[href*="/p/"], a[href*="/reel/"], a[href*="/tv/"]`,
		Shapes:         []LinkShape{shortcodeShape, statusShape},
		ReferenceTexts: []string{"Copy link"},
		Policy:         PolicyHead,
		ActionTag:      "button",
		ActionLabel:    "Copy fixed link",
		ActionRole:     "button",
	}
}

// Builtin returns the built-in variant for a platform name.
func Builtin(platform string) (Variant, bool) {
	switch strings.ToLower(platform) {
	case "x", "twitter", "platforma":
		return PlatformA(), true
	case "instagram", "platformb":
		return PlatformB(), true
	}
	return Variant{}, false
}

// ForHost picks the built-in variant serving a page host.
func ForHost(host string) (Variant, bool) {
	for _, v := range []Variant{PlatformA(), PlatformB()} {
		if v.MatchesHost(host) {
			return v, true
		}
	}
	return Variant{}, false
}
