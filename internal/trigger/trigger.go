// Package trigger remembers the most recent user activation of a
// menu-trigger-shaped element. It is a single overwritable slot: a
// heuristic hint for the association resolver, valid for a short TTL.
package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/fixlink/tree"
)

// DefaultTTL bounds how long a recorded activation may be used.
const DefaultTTL = 2000 * time.Millisecond

// MaxAncestors is how far above the activation target a trigger is looked for.
const MaxAncestors = 10

// Record is the last trigger activation.
type Record struct {
	Node tree.Node
	At   time.Time
}

// Tracker holds one Record. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	rec    Record
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithTTL(d time.Duration) Option { return func(t *Tracker) { t.ttl = d } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

func New(opts ...Option) *Tracker {
	t := &Tracker{ttl: DefaultTTL, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	return t
}

// Record overwrites the slot with node, stamped now.
func (t *Tracker) Record(node tree.Node) {
	t.RecordAt(node, t.now())
}

// RecordAt overwrites the slot with an explicit timestamp.
func (t *Tracker) RecordAt(node tree.Node, at time.Time) {
	t.mu.Lock()
	t.rec = Record{Node: node, At: at}
	t.mu.Unlock()
}

// Current returns the recorded trigger while it is younger than the TTL.
func (t *Tracker) Current() (tree.Node, bool) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if tree.IsNil(rec.Node) {
		return nil, false
	}
	if t.now().Sub(rec.At) >= t.ttl {
		return nil, false
	}
	return rec.Node, true
}

// Last returns the raw slot regardless of age.
func (t *Tracker) Last() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// Observe inspects an activation: the target and up to MaxAncestors of its
// ancestors are tested against triggerSel and the nearest match is
// recorded. It reports whether the slot was overwritten.
func (t *Tracker) Observe(act tree.Activation, triggerSel string) bool {
	if triggerSel == "" || tree.IsNil(act.Target) {
		return false
	}
	for _, n := range tree.Ancestors(act.Target, MaxAncestors) {
		ok, err := n.Matches(triggerSel)
		if err != nil {
			t.logger.Warn("trigger: pattern failed", "selector", triggerSel, "error", err)
			return false
		}
		if ok {
			at := act.At
			if at.IsZero() {
				at = t.now()
			}
			t.RecordAt(n, at)
			return true
		}
	}
	return false
}
