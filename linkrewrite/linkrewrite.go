// Package linkrewrite swaps the host of a link while keeping every other
// byte of it intact.
//
// Transform is last-write-wins on the host: rewriting with A then B gives
// exactly what rewriting with B gives. Nothing here panics; bad input is
// reported through ErrInvalidURL and ErrInvalidAuthority.
package linkrewrite

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

var (
	ErrInvalidURL       = errors.New("linkrewrite: invalid url")
	ErrInvalidAuthority = errors.New("linkrewrite: invalid authority")
)

const (
	maxAuthority = 253
	maxLabel     = 63
)

var labelRE = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?$`)

// Components is a decomposed absolute URL. The raw fields hold the exact
// source bytes so String reproduces the input when nothing was changed.
type Components struct {
	Scheme   string
	Userinfo string // without the trailing '@'
	Host     string
	Port     string // without the leading ':'
	Path     string
	RawQuery string // without '?'
	Fragment string // without '#'

	hasUserinfo bool
	hasQuery    bool
	hasFragment bool
}

// Authority is host[:port].
func (c *Components) Authority() string {
	if c.Port == "" {
		return c.Host
	}
	return c.Host + ":" + c.Port
}

// String reassembles the URL.
func (c *Components) String() string {
	var b strings.Builder
	b.WriteString(c.Scheme)
	b.WriteString("://")
	if c.hasUserinfo || c.Userinfo != "" {
		b.WriteString(c.Userinfo)
		b.WriteByte('@')
	}
	b.WriteString(c.Authority())
	b.WriteString(c.Path)
	if c.hasQuery {
		b.WriteByte('?')
		b.WriteString(c.RawQuery)
	}
	if c.hasFragment {
		b.WriteByte('#')
		b.WriteString(c.Fragment)
	}
	return b.String()
}

// Parse decomposes raw. It requires a scheme and a non-empty host.
func Parse(raw string) (*Components, error) {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Opaque != "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no authority", ErrInvalidURL, raw)
	}

	// Split the source by hand so path, query and fragment keep their
	// original escaping; net/url only validates.
	i := strings.Index(raw, "://")
	if i <= 0 {
		return nil, fmt.Errorf("%w: %q has no authority", ErrInvalidURL, raw)
	}
	c := &Components{Scheme: raw[:i]}
	rest := raw[i+3:]

	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority, tail := rest[:end], rest[end:]

	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		c.Userinfo, c.hasUserinfo = authority[:at], true
		authority = authority[at+1:]
	}
	c.Host, c.Port = splitHostPort(authority)
	if c.Host == "" {
		return nil, fmt.Errorf("%w: %q has an empty host", ErrInvalidURL, raw)
	}

	if h := strings.IndexByte(tail, '#'); h >= 0 {
		c.Fragment, c.hasFragment = tail[h+1:], true
		tail = tail[:h]
	}
	if q := strings.IndexByte(tail, '?'); q >= 0 {
		c.RawQuery, c.hasQuery = tail[q+1:], true
		tail = tail[:q]
	}
	c.Path = tail
	return c, nil
}

func splitHostPort(authority string) (host, port string) {
	if strings.HasPrefix(authority, "[") {
		if end := strings.IndexByte(authority, ']'); end >= 0 {
			host, rest := authority[:end+1], authority[end+1:]
			if strings.HasPrefix(rest, ":") {
				return host, rest[1:]
			}
			return host, ""
		}
		return authority, ""
	}
	if c := strings.LastIndexByte(authority, ':'); c >= 0 {
		return authority[:c], authority[c+1:]
	}
	return authority, ""
}

// ValidateAuthority reports whether s is a safe replacement host: plain
// dot-separated alphanumeric labels with internal hyphens only.
func ValidateAuthority(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	if strings.Contains(s, "://") || strings.ContainsAny(s, `/\`) {
		return false
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return false
	}
	if len(s) > maxAuthority {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) > maxLabel || !labelRE.MatchString(label) {
			return false
		}
	}
	return true
}

// NormalizeAuthority lower-cases s, converts internationalised names to
// their ASCII form and validates the result.
func NormalizeAuthority(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !plainName(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, s)
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAuthority, s, err)
	}
	if !ValidateAuthority(ascii) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, s)
	}
	return ascii, nil
}

// plainName rejects the separators ToASCII would otherwise map or strip.
func plainName(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\:@?#`) && !strings.Contains(s, "..")
}

// Transform returns raw with its host replaced by target. Scheme,
// userinfo, port, path, query and fragment are kept byte for byte.
func Transform(raw, target string) (string, error) {
	c, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if !ValidateAuthority(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, target)
	}
	c.Host = target
	return c.String(), nil
}
