package detector

import (
	"time"

	"github.com/hazyhaar/fixlink/tree"
)

// throttleConfig controls the batching behaviour.
type throttleConfig struct {
	// Window is the time between the first buffered batch and the flush.
	// Default: 200ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many nodes accumulate.
	// Default: 1000.
	MaxBuffer int
}

func (tc *throttleConfig) defaults() {
	if tc.Window <= 0 {
		tc.Window = DefaultThrottle
	}
	if tc.MaxBuffer <= 0 {
		tc.MaxBuffer = 1000
	}
}

// throttle merges mutation batches and releases them at most once per
// window. Unlike a debounce the timer is not pushed back by new input, so
// a page that never stops mutating is still flushed every window.
// Owned by the loop goroutine; not safe for concurrent use.
type throttle struct {
	cfg     throttleConfig
	added   []tree.Node
	removed []tree.Node
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func(tree.MutationBatch)
}

func newThrottle(cfg throttleConfig, flushFn func(tree.MutationBatch)) *throttle {
	cfg.defaults()
	return &throttle{cfg: cfg, flushFn: flushFn}
}

// add buffers b. Returns true if the buffer filled and was flushed.
func (t *throttle) add(b tree.MutationBatch) bool {
	t.added = append(t.added, b.Added...)
	t.removed = append(t.removed, b.Removed...)

	if len(t.added)+len(t.removed) >= t.cfg.MaxBuffer {
		t.flush()
		return true
	}
	if t.timer == nil {
		t.timer = time.NewTimer(t.cfg.Window)
		t.timerCh = t.timer.C
	}
	return false
}

// timerC fires when the window expires. Nil while nothing is buffered.
func (t *throttle) timerC() <-chan time.Time {
	return t.timerCh
}

func (t *throttle) pending() int {
	return len(t.added) + len(t.removed)
}

// flush hands the merged batch to flushFn and resets.
func (t *throttle) flush() {
	t.stopTimer()
	if t.pending() == 0 {
		return
	}
	b := tree.MutationBatch{Added: t.added, Removed: t.removed}
	t.added, t.removed = nil, nil
	t.flushFn(b)
}

// discard drops buffered input without flushing.
func (t *throttle) discard() {
	t.stopTimer()
	t.added, t.removed = nil, nil
}

func (t *throttle) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.timerCh = nil
	}
}
