// Package associate guesses which post a freshly opened menu belongs to.
//
// The host UI gives menus no reference to their post, so the resolver
// tries progressively weaker signals: the trigger the user just activated,
// the trigger nearest to the menu, the only visible post, and finally the
// visible post whose center is nearest to the menu's. Results are
// deterministic for identical geometry and trigger history, nothing more.
package associate

import (
	"log/slog"
	"math"

	"github.com/hazyhaar/fixlink/internal/trigger"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
)

// DefaultRadius is the maximum trigger-to-menu origin distance for the
// geometric trigger tier, in layout units.
const DefaultRadius = 500.0

// Tier names the strategy that produced an association.
type Tier int

const (
	TierNone Tier = iota
	TierTrackedTrigger
	TierNearestTrigger
	TierUniqueItem
	TierNearestItem
)

func (t Tier) String() string {
	switch t {
	case TierTrackedTrigger:
		return "tracked-trigger"
	case TierNearestTrigger:
		return "nearest-trigger"
	case TierUniqueItem:
		return "unique-item"
	case TierNearestItem:
		return "nearest-item"
	}
	return "none"
}

// Resolver finds the owning post of a menu.
type Resolver struct {
	Tracker *trigger.Tracker
	Radius  float64
	Logger  *slog.Logger
}

// New creates a Resolver with the default radius.
func New(tracker *trigger.Tracker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Tracker: tracker, Radius: DefaultRadius, Logger: logger}
}

// FindItem returns the post owning menu, or nil.
func (r *Resolver) FindItem(host tree.Host, menu tree.Node, v variant.Variant) tree.Node {
	item, _ := r.Resolve(host, menu, v)
	return item
}

// Resolve is FindItem plus the tier that produced the answer.
func (r *Resolver) Resolve(host tree.Host, menu tree.Node, v variant.Variant) (tree.Node, Tier) {
	if tree.IsNil(menu) {
		return nil, TierNone
	}
	if item := r.fromTrackedTrigger(v); item != nil {
		return item, TierTrackedTrigger
	}
	if item := r.fromNearestTrigger(host, menu, v); item != nil {
		return item, TierNearestTrigger
	}

	items, err := host.QueryAll(v.Item)
	if err != nil {
		r.Logger.Warn("associate: item query failed", "error", err)
		return nil, TierNone
	}
	rendered := items[:0:0]
	for _, it := range items {
		if !it.Rect().Empty() {
			rendered = append(rendered, it)
		}
	}
	if len(rendered) == 1 {
		return rendered[0], TierUniqueItem
	}
	if item := nearestVisible(host.Viewport(), menu, rendered); item != nil {
		return item, TierNearestItem
	}
	return nil, TierNone
}

func (r *Resolver) fromTrackedTrigger(v variant.Variant) tree.Node {
	if r.Tracker == nil {
		return nil
	}
	trig, ok := r.Tracker.Current()
	if !ok || !trig.Connected() {
		return nil
	}
	item, err := tree.Closest(trig, v.Item, -1)
	if err != nil {
		r.Logger.Warn("associate: ancestor walk failed", "error", err)
		return nil
	}
	return item
}

func (r *Resolver) fromNearestTrigger(host tree.Host, menu tree.Node, v variant.Variant) tree.Node {
	if v.Trigger == "" {
		return nil
	}
	triggers, err := host.QueryAll(v.Trigger)
	if err != nil {
		r.Logger.Warn("associate: trigger query failed", "error", err)
		return nil
	}
	origin := menu.Rect().Origin()
	var best tree.Node
	bestDist := math.Inf(1)
	for _, t := range triggers {
		rect := t.Rect()
		if rect.Empty() || menu.Contains(t) {
			continue
		}
		if d := tree.Distance(rect.Origin(), origin); d < bestDist {
			best, bestDist = t, d
		}
	}
	radius := r.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}
	if best == nil || bestDist >= radius {
		return nil
	}
	item, err := tree.Closest(best, v.Item, -1)
	if err != nil {
		r.Logger.Warn("associate: ancestor walk failed", "error", err)
		return nil
	}
	return item
}

// nearestVisible picks the viewport-intersecting item whose center is
// closest to the menu's center. Ties keep the first encountered.
func nearestVisible(viewport tree.Rect, menu tree.Node, items []tree.Node) tree.Node {
	center := menu.Rect().Center()
	var best tree.Node
	bestDist := math.Inf(1)
	for _, it := range items {
		rect := it.Rect()
		if !rect.Intersects(viewport) {
			continue
		}
		if d := tree.Distance(rect.Center(), center); d < bestDist {
			best, bestDist = it, d
		}
	}
	return best
}
