// Package registry tracks which posts already received an action.
//
// Membership is kept on two layers: a weak layer keyed by node identity,
// for the common case of one node being checked many times, and a durable
// layer keyed by the extracted post identifier, which survives the node
// being replaced by a virtualised list. The durable layer is never evicted
// automatically; only Reset clears it.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/fixlink/tree"
)

// ErrNotItem is returned by MarkHandled for anything but a live tree.Node.
var ErrNotItem = errors.New("registry: not a content item")

// ExtractFunc derives a durable identifier from an item.
type ExtractFunc func(tree.Node) (string, bool)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	weak    map[tree.Key]tree.Node
	durable map[string]struct{}
	extract ExtractFunc
	marker  string
}

// New creates a Registry. marker is the selector matching the physical
// effect marker left by an injection.
func New(extract ExtractFunc, marker string) *Registry {
	return &Registry{
		weak:    make(map[tree.Key]tree.Node),
		durable: make(map[string]struct{}),
		extract: extract,
		marker:  marker,
	}
}

// MarkHandled records item on both layers.
func (r *Registry) MarkHandled(v any) error {
	item, ok := v.(tree.Node)
	if !ok || tree.IsNil(item) {
		return fmt.Errorf("%w: %T", ErrNotItem, v)
	}

	var id string
	var hasID bool
	if r.extract != nil {
		id, hasID = r.extract(item)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.weak[item.Key()] = item
	if hasID {
		r.durable[id] = struct{}{}
	}
	return nil
}

// IsHandled reports prior handling. With verifyEffectPresent the answer
// comes only from the item's current subtree: a present marker is true
// (and refreshes weak membership), an absent one is false even if the
// item was marked before, so a replaced subtree may be injected again.
func (r *Registry) IsHandled(item tree.Node, verifyEffectPresent bool) bool {
	if tree.IsNil(item) {
		return false
	}
	if verifyEffectPresent {
		if !r.markerPresent(item) {
			return false
		}
		r.mu.Lock()
		r.weak[item.Key()] = item
		r.mu.Unlock()
		return true
	}

	r.mu.Lock()
	_, weak := r.weak[item.Key()]
	r.mu.Unlock()
	if weak {
		return true
	}
	if r.extract == nil {
		return false
	}
	id, ok := r.extract(item)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, durable := r.durable[id]
	return durable
}

func (r *Registry) markerPresent(item tree.Node) bool {
	if r.marker == "" {
		return false
	}
	if ok, err := item.Matches(r.marker); err == nil && ok {
		return true
	}
	found, err := item.QueryAll(r.marker)
	return err == nil && len(found) > 0
}

// Reset clears the durable layer. Weak entries for nodes still alive stay
// until Sweep or Forget drops them.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.durable = make(map[string]struct{})
	r.mu.Unlock()
}

// Forget drops weak entries for removed nodes.
func (r *Registry) Forget(nodes ...tree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		if n != nil {
			delete(r.weak, n.Key())
		}
	}
}

// Sweep drops weak entries whose node left the document and returns how
// many were dropped. Durable identifiers are kept.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	nodes := make([]tree.Node, 0, len(r.weak))
	for _, n := range r.weak {
		nodes = append(nodes, n)
	}
	r.mu.Unlock()

	var gone []tree.Key
	for _, n := range nodes {
		if !n.Connected() {
			gone = append(gone, n.Key())
		}
	}

	r.mu.Lock()
	for _, k := range gone {
		delete(r.weak, k)
	}
	r.mu.Unlock()
	return len(gone)
}

// Stats is a point-in-time size report.
type Stats struct {
	Weak    int `json:"weak"`
	Durable int `json:"durable"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Weak: len(r.weak), Durable: len(r.durable)}
}
