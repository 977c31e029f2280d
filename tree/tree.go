// Package tree defines the host UI tree that fixlink observes: a mutable,
// tree-shaped rendered surface exposing structure, text and geometry, plus
// the two event streams (mutation batches and user activations) the
// detector reacts to.
//
// Two hosts implement it: tree/htmltree (in-memory, used by tests and
// offline replay) and internal/cdptree (a live Chrome tab over CDP).
package tree

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrSelector is returned when a pattern cannot be compiled or evaluated.
	ErrSelector = errors.New("tree: bad selector")
	// ErrDetached is returned when an operation targets a node that is no
	// longer part of the rendered document.
	ErrDetached = errors.New("tree: node detached")
)

// SelectorError wraps ErrSelector with the offending pattern.
func SelectorError(sel string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrSelector, sel, err)
}

// Key is a stable surrogate for a node reference. Two Node values with the
// same Key denote the same rendered node. Keys are never reused within a
// host's lifetime.
type Key uint64

// Node is a read-only view of one element of the host tree.
type Node interface {
	Key() Key
	Tag() string
	Attr(name string) (string, bool)
	// Parent returns nil for the root element or a detached subtree root.
	Parent() Node
	Matches(sel string) (bool, error)
	// QueryAll returns matching descendants in document order, excluding
	// the node itself.
	QueryAll(sel string) ([]Node, error)
	Contains(other Node) bool
	Text() string
	Rect() Rect
	Connected() bool
}

// ElementSpec describes an element to create.
type ElementSpec struct {
	Tag   string
	Attrs map[string]string
	Text  string
}

// Host is the full host tree: queries, mutation and event subscription.
type Host interface {
	Root() Node
	Viewport() Rect
	QueryAll(sel string) ([]Node, error)

	NewElement(spec ElementSpec) (Node, error)
	// Insert places child under parent before the given sibling; a nil
	// before appends.
	Insert(parent, child, before Node) error
	// Detach removes n from its parent; detaching an orphan is a no-op.
	Detach(n Node) error
	Children(parent Node) []Node
	SetText(n Node, text string) error
	SetAttr(n Node, name, value string) error

	Subscribe(l Listener) (cancel func())
}

// MutationBatch is one notification of inserted and removed subtrees.
// The same logical insertion may be reported by several batches.
type MutationBatch struct {
	Added   []Node
	Removed []Node
}

// Activation is a user activation (click, tap) on Target.
type Activation struct {
	Target Node
	At     time.Time
}

// Listener receives host events. Either field may be nil.
type Listener struct {
	OnMutation   func(MutationBatch)
	OnActivation func(Activation)
}

// Ancestors returns n followed by up to max of its ancestors, nearest first.
func Ancestors(n Node, max int) []Node {
	if n == nil {
		return nil
	}
	out := []Node{n}
	cur := n
	for i := 0; i < max; i++ {
		cur = cur.Parent()
		if cur == nil {
			break
		}
		out = append(out, cur)
	}
	return out
}

// Closest walks from n upwards (n included) and returns the first node
// matching sel. max < 0 walks to the root.
func Closest(n Node, sel string, max int) (Node, error) {
	for i := 0; n != nil; i++ {
		if max >= 0 && i > max {
			return nil, nil
		}
		ok, err := n.Matches(sel)
		if err != nil {
			return nil, err
		}
		if ok {
			return n, nil
		}
		n = n.Parent()
	}
	return nil, nil
}

// Same reports whether a and b denote the same rendered node.
func Same(a, b Node) bool {
	if IsNil(a) || IsNil(b) {
		return IsNil(a) && IsNil(b)
	}
	return a.Key() == b.Key()
}

// IsNil reports a nil interface or an interface holding a nil pointer.
func IsNil(n Node) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
