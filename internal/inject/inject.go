// Package inject builds the "copy fixed link" action and places it inside
// an opened menu, at most once per menu.
//
// The action node carries its bound data as attributes so the activation
// handler can read it back without any Go-side state:
//
//	data-fixlink-action    effect marker
//	data-fixlink-source    canonical post link
//	data-fixlink-target    target authority
//	data-fixlink-platform  platform tag
//	data-fixlink-id        action id (uuid v7)
package inject

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/fixlink/internal/idgen"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/linkrewrite"
	"github.com/hazyhaar/fixlink/tree"
)

const (
	MarkerAttr   = "data-fixlink-action"
	SourceAttr   = "data-fixlink-source"
	TargetAttr   = "data-fixlink-target"
	PlatformAttr = "data-fixlink-platform"
	IDAttr       = "data-fixlink-id"

	// MarkerSelector matches any injected action.
	MarkerSelector = "[" + MarkerAttr + "]"

	markerValue = "copy-fixed-link"
	// minItems is how many menu-item children a descendant needs to be
	// taken as the items container.
	minItems = 2
	// maxAncestors bounds the walk from an activation target to its action.
	maxAncestors = 10
)

var (
	ErrInvalidAction    = errors.New("inject: invalid action")
	ErrNoInsertionPoint = errors.New("inject: no insertion point")
	ErrVerifyFailed     = errors.New("inject: post-condition failed")
)

// Action is a created, not necessarily inserted, action node with the
// data bound to it at creation.
type Action struct {
	ID        string
	Link      string
	Authority string
	Platform  string
	Node      tree.Node
}

// Injector creates and places actions on one host.
type Injector struct {
	Host   tree.Host
	Logger *slog.Logger
	NewID  idgen.Generator
}

// New creates an Injector with uuid v7 action ids.
func New(host tree.Host, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{Host: host, Logger: logger, NewID: idgen.UUIDv7()}
}

// CreateAction validates its inputs and builds a detached action node.
// Failures wrap ErrInvalidAction; nothing is added to the host tree.
func (in *Injector) CreateAction(link, authority, platform string, v variant.Variant) (*Action, error) {
	switch {
	case link == "":
		return nil, fmt.Errorf("%w: empty link", ErrInvalidAction)
	case platform == "" || !strings.EqualFold(platform, v.Platform):
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalidAction, platform)
	case !linkrewrite.ValidateAuthority(authority):
		return nil, fmt.Errorf("%w: target authority %q", ErrInvalidAction, authority)
	}
	if _, err := linkrewrite.Parse(link); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	id := in.newID()
	tag := v.ActionTag
	if tag == "" {
		tag = "div"
	}
	attrs := map[string]string{
		MarkerAttr:   markerValue,
		SourceAttr:   link,
		TargetAttr:   authority,
		PlatformAttr: v.Platform,
		IDAttr:       id,
		"tabindex":   "0",
	}
	if v.ActionRole != "" {
		attrs["role"] = v.ActionRole
	}
	label := v.ActionLabel
	if label == "" {
		label = "Copy fixed link"
	}

	node, err := in.Host.NewElement(tree.ElementSpec{Tag: tag, Attrs: attrs, Text: label})
	if err != nil {
		return nil, fmt.Errorf("inject: create element: %w", err)
	}
	return &Action{ID: id, Link: link, Authority: authority, Platform: v.Platform, Node: node}, nil
}

func (in *Injector) newID() string {
	if in.NewID == nil {
		return idgen.New()
	}
	return in.NewID()
}

// Inject places action in menu. A menu already carrying an action is left
// untouched and reported as success. It returns false with
// ErrNoInsertionPoint or ErrVerifyFailed when placement fails; an action whose
// placement cannot be verified is detached again.
func (in *Injector) Inject(action *Action, menu tree.Node, v variant.Variant) (bool, error) {
	if action == nil || tree.IsNil(action.Node) {
		return false, fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	if tree.IsNil(menu) || !menu.Connected() {
		return false, fmt.Errorf("%w: menu", tree.ErrDetached)
	}
	if HasMarker(menu) {
		return true, nil
	}

	container := in.container(menu, v)
	if container == nil {
		return false, ErrNoInsertionPoint
	}
	before, placement := in.position(container, v)

	if err := in.Host.Insert(container, action.Node, before); err != nil {
		return false, fmt.Errorf("%w: %v", ErrNoInsertionPoint, err)
	}

	found, err := menu.QueryAll(MarkerSelector)
	if err != nil {
		in.undo(action)
		return false, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if len(found) != 1 || !tree.Same(found[0], action.Node) {
		in.undo(action)
		return false, fmt.Errorf("%w: %d markers after insert", ErrVerifyFailed, len(found))
	}
	in.Logger.Debug("inject: action placed",
		"action_id", action.ID, "placement", placement)
	return true, nil
}

// container applies the fallbacks: the variant's items container, then
// the first descendant hosting several menu items, then the menu itself.
func (in *Injector) container(menu tree.Node, v variant.Variant) tree.Node {
	if v.ItemsContainer != "" {
		if ok, err := menu.Matches(v.ItemsContainer); err == nil && ok {
			return menu
		}
		found, err := menu.QueryAll(v.ItemsContainer)
		if err != nil {
			in.Logger.Warn("inject: container pattern failed", "error", err)
		} else if len(found) > 0 {
			return found[0]
		}
	}

	if v.MenuItem != "" {
		descendants, err := menu.QueryAll("*")
		if err == nil {
			for _, d := range descendants {
				if in.countItems(d, v.MenuItem) >= minItems {
					return d
				}
			}
		}
	}
	return menu
}

func (in *Injector) countItems(n tree.Node, sel string) int {
	count := 0
	for _, c := range in.Host.Children(n) {
		if ok, err := c.Matches(sel); err == nil && ok {
			count++
		}
	}
	return count
}

// position returns the sibling to insert before (nil appends) and a label
// for logging.
func (in *Injector) position(container tree.Node, v variant.Variant) (tree.Node, string) {
	children := in.Host.Children(container)
	if v.Policy == variant.PolicyAfterReference {
		for _, ref := range v.ReferenceTexts {
			want := normalize(ref)
			if want == "" {
				continue
			}
			for i, c := range children {
				if strings.Contains(normalize(c.Text()), want) {
					if i+1 < len(children) {
						return children[i+1], "after-reference"
					}
					return nil, "after-reference"
				}
			}
		}
	}
	if len(children) > 0 {
		return children[0], "head"
	}
	return nil, "head"
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// HasMarker reports whether n is or contains an injected action.
func HasMarker(n tree.Node) bool {
	if tree.IsNil(n) {
		return false
	}
	if ok, err := n.Matches(MarkerSelector); err == nil && ok {
		return true
	}
	found, err := n.QueryAll(MarkerSelector)
	return err == nil && len(found) > 0
}

// FindAction walks from an activation target (itself included) up to ten
// ancestors looking for an action node.
func FindAction(target tree.Node) tree.Node {
	if tree.IsNil(target) {
		return nil
	}
	n, err := tree.Closest(target, MarkerSelector, maxAncestors)
	if err != nil {
		return nil
	}
	return n
}

// ReadAction recovers the bound data of an action node. ok is false when
// any of the three bound attributes is missing.
func ReadAction(n tree.Node) (Action, bool) {
	if tree.IsNil(n) {
		return Action{}, false
	}
	link, ok1 := n.Attr(SourceAttr)
	target, ok2 := n.Attr(TargetAttr)
	platform, ok3 := n.Attr(PlatformAttr)
	if !ok1 || !ok2 || !ok3 {
		return Action{}, false
	}
	id, _ := n.Attr(IDAttr)
	return Action{ID: id, Link: link, Authority: target, Platform: platform, Node: n}, true
}

// undo takes back an action whose placement could not be verified.
func (in *Injector) undo(action *Action) {
	if err := in.Host.Detach(action.Node); err != nil {
		in.Logger.Debug("inject: detach unverified action", "id", action.ID, "error", err)
	}
}
