// Package identity derives a durable string key for a post subtree and
// locates the post's canonical link. Structurally equivalent subtrees
// always produce the same key, so a post re-rendered by a virtualised list
// resolves to the same identifier as before.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
)

// TextPrefix namespaces identifiers derived from visible text.
const TextPrefix = "text"

const textSample = 100

// Extractor applies a variant's identity rules.
type Extractor struct {
	v      variant.Variant
	logger *slog.Logger
}

// New creates an Extractor for v.
func New(v variant.Variant, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{v: v, logger: logger}
}

// Extract returns the item's durable identifier. Strategies, first hit wins:
// explicit attribute, deep link among primary links, deep link among all
// links, hash of the first 100 normalised characters of visible text.
func (e *Extractor) Extract(item tree.Node) (string, bool) {
	if item == nil {
		return "", false
	}
	if e.v.IDAttr != "" {
		if id, ok := item.Attr(e.v.IDAttr); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), true
		}
	}
	if e.v.PrimaryLinks != "" {
		if m, ok := e.searchLinks(item, e.v.PrimaryLinks, false); ok {
			return m.prefix + "-" + m.id, true
		}
	}
	if m, ok := e.searchLinks(item, "a[href]", false); ok {
		return m.prefix + "-" + m.id, true
	}
	return textID(item.Text())
}

// CanonicalLink returns the absolute permalink of the item: the first
// descendant link matching one of the platform's own shapes, reduced to the
// shape's path (query, fragment and sub-pages dropped for every shape). A
// post that only links to another platform's content has no canonical link.
func (e *Extractor) CanonicalLink(item tree.Node) (string, bool) {
	if item == nil {
		return "", false
	}
	var (
		m  linkMatch
		ok bool
	)
	if e.v.PrimaryLinks != "" {
		m, ok = e.searchLinks(item, e.v.PrimaryLinks, true)
	}
	if !ok {
		m, ok = e.searchLinks(item, "a[href]", true)
	}
	return m.link, ok
}

type linkMatch struct {
	link, id, prefix string
}

// searchLinks walks links matching sel and tries every shape in priority
// order on each, or only the platform's own shapes when own is set.
func (e *Extractor) searchLinks(item tree.Node, sel string, own bool) (linkMatch, bool) {
	links, err := item.QueryAll(sel)
	if err != nil {
		e.logger.Warn("identity: link query failed", "selector", sel, "error", err)
		return linkMatch{}, false
	}
	for _, shape := range e.v.Shapes {
		if own && !e.v.Owns(shape) {
			continue
		}
		for _, a := range links {
			href, has := a.Attr("href")
			if !has || href == "" {
				continue
			}
			path, found, matched := shape.Find(href)
			if !matched {
				continue
			}
			abs, err := e.resolve(href, path)
			if err != nil {
				e.logger.Debug("identity: unresolvable link", "href", href, "error", err)
				continue
			}
			return linkMatch{link: abs, id: found, prefix: e.v.PrefixOf(shape)}, true
		}
	}
	return linkMatch{}, false
}

// resolve turns href into scheme://host + canonical path, using the
// variant origin for relative links.
func (e *Extractor) resolve(href, path string) (string, error) {
	base, err := url.Parse(e.v.Origin)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(ref)
	return abs.Scheme + "://" + abs.Host + path, nil
}

// textID is the low-fidelity fallback: a short digest of the leading
// visible text.
func textID(text string) (string, bool) {
	norm := strings.Join(strings.Fields(text), " ")
	if norm == "" {
		return "", false
	}
	if r := []rune(norm); len(r) > textSample {
		norm = string(r[:textSample])
	}
	sum := sha256.Sum256([]byte(norm))
	return TextPrefix + "-" + hex.EncodeToString(sum[:])[:16], true
}
