// Package feedback shows the outcome of an action activation on the
// action node itself: a status attribute for styling plus a short label,
// restored after a delay.
package feedback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/fixlink/tree"
)

const (
	// StatusAttr carries "success" or "error" while feedback is shown.
	StatusAttr = "data-fixlink-status"

	SuccessLabel = "Link copied"
	// DefaultDelay is used by HideAfterDelay for a non-positive delay.
	DefaultDelay = 2 * time.Second
)

// Reporter is the feedback collaborator.
type Reporter interface {
	ShowSuccess(action tree.Node, platform string)
	ShowError(action tree.Node, msg, platform string)
	HideAfterDelay(action tree.Node, d time.Duration)
}

type shown struct {
	node  tree.Node
	label string
	timer *time.Timer
}

// DOM writes feedback into the host tree. Safe for concurrent use.
type DOM struct {
	host   tree.Host
	logger *slog.Logger

	mu     sync.Mutex
	active map[tree.Key]*shown
	closed bool
}

// NewDOM creates a DOM reporter on host.
func NewDOM(host tree.Host, logger *slog.Logger) *DOM {
	if logger == nil {
		logger = slog.Default()
	}
	return &DOM{host: host, logger: logger, active: make(map[tree.Key]*shown)}
}

func (f *DOM) ShowSuccess(action tree.Node, platform string) {
	f.show(action, "success", SuccessLabel, platform)
}

func (f *DOM) ShowError(action tree.Node, msg, platform string) {
	if msg == "" {
		msg = "Could not copy link"
	}
	f.show(action, "error", msg, platform)
}

func (f *DOM) show(action tree.Node, status, label, platform string) {
	if tree.IsNil(action) {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	s, ok := f.active[action.Key()]
	if !ok {
		s = &shown{node: action, label: action.Text()}
		f.active[action.Key()] = s
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	f.mu.Unlock()

	if err := f.host.SetAttr(action, StatusAttr, status); err != nil {
		f.logger.Debug("feedback: set status failed", "error", err)
	}
	if err := f.host.SetText(action, label); err != nil {
		f.logger.Debug("feedback: set label failed", "error", err)
	}
}

// HideAfterDelay restores the original label after d. A later Show or
// HideAfterDelay on the same node replaces the pending restore.
func (f *DOM) HideAfterDelay(action tree.Node, d time.Duration) {
	if tree.IsNil(action) {
		return
	}
	if d <= 0 {
		d = DefaultDelay
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[action.Key()]
	if !ok || f.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	key := action.Key()
	s.timer = time.AfterFunc(d, func() { f.restore(key, s) })
}

func (f *DOM) restore(key tree.Key, s *shown) {
	f.mu.Lock()
	if cur, ok := f.active[key]; !ok || cur != s || f.closed {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if s.node.Connected() {
		f.host.SetAttr(s.node, StatusAttr, "")
		f.host.SetText(s.node, s.label)
	}

	f.mu.Lock()
	if cur, ok := f.active[key]; ok && cur == s {
		delete(f.active, key)
	}
	f.mu.Unlock()
}

// Pending reports how many nodes still show feedback.
func (f *DOM) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Close cancels pending restores. Later calls are no-ops.
func (f *DOM) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for k, s := range f.active {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(f.active, k)
	}
}
