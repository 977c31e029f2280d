// Package detector watches a host tree for opened menus.
//
// Mutation batches are merged by a throttle and flushed on the loop
// goroutine; each flush yields the menus that are visible, hold at least
// one menu item and are not wrappers of another candidate. A menu node that
// was handled is reported once per run no matter how many overlapping
// notifications announce it; one the callback rejects is reported again on
// the next distinct notification. Activations bypass the throttle and feed the trigger
// tracker directly.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/fixlink/internal/trigger"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
)

const (
	DefaultThrottle        = 200 * time.Millisecond
	DefaultCleanupInterval = 30 * time.Second

	// eventBuffer is the capacity of the listener-to-loop channel.
	eventBuffer = 4096
	// menuAncestors bounds the upward search for an enclosing menu when
	// only its content was inserted.
	menuAncestors = 10
)

// Config for creating a Detector.
type Config struct {
	Host    tree.Host
	Variant variant.Variant
	Tracker *trigger.Tracker

	// OnMenuReady is called per new menu, in discovery order, on the loop
	// goroutine (or the Scan caller's). Returning false forgets the menu so
	// a later notification offers it again.
	OnMenuReady func(menu tree.Node) bool
	// OnActivation, if set, sees every activation after the tracker.
	OnActivation func(act tree.Activation)
	// OnRemoved, if set, receives removed subtrees after each flush.
	OnRemoved func(nodes []tree.Node)
	// OnCleanup, if set, runs on every cleanup tick.
	OnCleanup func()

	Throttle        time.Duration
	CleanupInterval time.Duration
	MaxBuffer       int
	Logger          *slog.Logger
}

// Stats are cumulative counters since New.
type Stats struct {
	Batches    uint64 `json:"batches"`
	Candidates uint64 `json:"candidates"`
	Dispatched uint64 `json:"dispatched"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
	Running    bool   `json:"running"`
}

// Detector observes one host for one variant.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	// mu guards seen and serialises candidate processing between the loop
	// and Scan.
	mu   sync.Mutex
	seen map[tree.Key]tree.Node

	// run guards the lifecycle fields below.
	run         sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}

	batches, candidates, dispatched, duplicates, dropped atomic.Uint64
	running                                              atomic.Bool
}

// New creates a stopped Detector.
func New(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Detector{
		cfg:    cfg,
		logger: cfg.Logger,
		seen:   make(map[tree.Key]tree.Node),
	}
}

// Start subscribes to the host and runs the loop until ctx is done or Stop
// is called. Starting a running detector is a no-op. Each run begins with
// an empty seen set.
func (d *Detector) Start(ctx context.Context) error {
	d.run.Lock()
	defer d.run.Unlock()
	if d.cancel != nil {
		return nil
	}

	d.mu.Lock()
	d.seen = make(map[tree.Key]tree.Node)
	d.mu.Unlock()

	events := make(chan tree.MutationBatch, eventBuffer)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.unsubscribe = d.cfg.Host.Subscribe(tree.Listener{
		OnMutation: func(b tree.MutationBatch) {
			select {
			case events <- b:
			default:
				d.dropped.Add(1)
				d.logger.Warn("detector: event buffer full, batch dropped",
					"added", len(b.Added), "removed", len(b.Removed))
			}
		},
		OnActivation: d.handleActivation,
	})
	d.cancel = cancel
	d.done = done
	d.running.Store(true)

	go d.loop(ctx, events, done)

	d.logger.Info("detector: started",
		"throttle", d.cfg.Throttle, "cleanup_interval", d.cfg.CleanupInterval)
	return nil
}

// Stop unsubscribes and waits for the loop to exit. Buffered mutations are
// discarded. Created actions and registry state are untouched.
func (d *Detector) Stop() {
	d.run.Lock()
	defer d.run.Unlock()
	if d.cancel == nil {
		return
	}
	d.unsubscribe()
	d.cancel()
	<-d.done
	d.cancel, d.unsubscribe, d.done = nil, nil, nil
	d.running.Store(false)
	d.logger.Info("detector: stopped")
}

// Running reports whether the loop is active.
func (d *Detector) Running() bool { return d.running.Load() }

func (d *Detector) loop(ctx context.Context, events <-chan tree.MutationBatch, done chan<- struct{}) {
	defer close(done)

	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()

	th := newThrottle(throttleConfig{Window: d.cfg.Throttle, MaxBuffer: d.cfg.MaxBuffer}, d.process)
	defer th.discard()

	for {
		select {
		case <-ctx.Done():
			return

		case b := <-events:
			th.add(b)

		case <-th.timerC():
			th.flush()

		case <-cleanup.C:
			d.cleanup()
		}
	}
}

func (d *Detector) handleActivation(act tree.Activation) {
	if d.cfg.Tracker != nil {
		d.cfg.Tracker.Observe(act, d.cfg.Variant.Trigger)
	}
	if d.cfg.OnActivation != nil {
		d.cfg.OnActivation(act)
	}
}

// process handles one flushed batch.
func (d *Detector) process(b tree.MutationBatch) {
	d.batches.Add(1)

	if len(b.Removed) > 0 {
		d.prune(b.Removed)
		if d.cfg.OnRemoved != nil {
			d.cfg.OnRemoved(b.Removed)
		}
	}
	if len(b.Added) == 0 {
		return
	}
	d.dispatch(d.collect(b.Added))
}

// Scan runs the candidate pipeline over the whole current document.
// Returns how many menus were dispatched.
func (d *Detector) Scan() int {
	menus, err := d.cfg.Host.QueryAll(d.cfg.Variant.Menu)
	if err != nil {
		d.logger.Warn("detector: scan failed", "error", err)
		return 0
	}
	return d.dispatch(d.collect(menus))
}

// collect returns the innermost qualifying menus among nodes, their
// descendants and their nearest enclosing menu, in discovery order and
// without repeats.
func (d *Detector) collect(nodes []tree.Node) []tree.Node {
	v := d.cfg.Variant
	var found []tree.Node
	inBatch := make(map[tree.Key]bool)

	consider := func(c tree.Node) {
		if tree.IsNil(c) || inBatch[c.Key()] {
			return
		}
		inBatch[c.Key()] = true
		if d.qualifies(c) {
			found = append(found, c)
		}
	}

	for _, n := range nodes {
		if tree.IsNil(n) || !n.Connected() {
			continue
		}
		if ok, err := n.Matches(v.Menu); err != nil {
			d.patternFailed("menu", err)
		} else if ok {
			consider(n)
		}
		if desc, err := n.QueryAll(v.Menu); err != nil {
			d.patternFailed("menu", err)
		} else {
			for _, c := range desc {
				consider(c)
			}
		}
		if p := n.Parent(); p != nil {
			if enclosing, err := tree.Closest(p, v.Menu, menuAncestors); err != nil {
				d.patternFailed("menu", err)
			} else {
				consider(enclosing)
			}
		}
	}

	d.candidates.Add(uint64(len(found)))
	return innermost(found)
}

// qualifies: visible and holding at least one menu item.
func (d *Detector) qualifies(c tree.Node) bool {
	if c.Rect().Empty() {
		return false
	}
	items, err := c.QueryAll(d.cfg.Variant.MenuItem)
	if err != nil {
		d.patternFailed("menu item", err)
		return false
	}
	return len(items) > 0
}

// innermost drops every candidate that contains another candidate.
func innermost(cands []tree.Node) []tree.Node {
	if len(cands) < 2 {
		return cands
	}
	out := cands[:0:0]
	for i, c := range cands {
		wrapper := false
		for j, o := range cands {
			if i != j && c.Contains(o) && !tree.Same(c, o) {
				wrapper = true
				break
			}
		}
		if !wrapper {
			out = append(out, c)
		}
	}
	return out
}

// dispatch marks unseen candidates and calls OnMenuReady for each, outside
// the lock. Rejected candidates are unmarked.
func (d *Detector) dispatch(cands []tree.Node) int {
	if len(cands) == 0 {
		return 0
	}
	fresh := make([]tree.Node, 0, len(cands))
	d.mu.Lock()
	for _, c := range cands {
		if _, ok := d.seen[c.Key()]; ok {
			d.duplicates.Add(1)
			continue
		}
		d.seen[c.Key()] = c
		fresh = append(fresh, c)
	}
	d.mu.Unlock()

	for _, c := range fresh {
		d.dispatched.Add(1)
		if d.cfg.OnMenuReady == nil || d.cfg.OnMenuReady(c) {
			continue
		}
		d.mu.Lock()
		delete(d.seen, c.Key())
		d.mu.Unlock()
	}
	return len(fresh)
}

// prune forgets seen menus that were removed or sat inside a removed subtree.
func (d *Detector) prune(removed []tree.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, n := range d.seen {
		for _, r := range removed {
			if tree.IsNil(r) {
				continue
			}
			if tree.Same(n, r) || r.Contains(n) {
				delete(d.seen, k)
				break
			}
		}
	}
}

func (d *Detector) cleanup() {
	d.mu.Lock()
	swept := 0
	for k, n := range d.seen {
		if !n.Connected() {
			delete(d.seen, k)
			swept++
		}
	}
	d.mu.Unlock()

	if swept > 0 {
		d.logger.Debug("detector: cleanup", "swept", swept)
	}
	if d.cfg.OnCleanup != nil {
		d.cfg.OnCleanup()
	}
}

func (d *Detector) patternFailed(what string, err error) {
	d.logger.Warn("detector: pattern failed",
		"pattern", what, "error", err)
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Batches:    d.batches.Load(),
		Candidates: d.candidates.Load(),
		Dispatched: d.dispatched.Load(),
		Duplicates: d.duplicates.Load(),
		Dropped:    d.dropped.Load(),
		Running:    d.running.Load(),
	}
}
