// Package cdptree implements tree.Host on a live Chrome tab.
//
// An injected script numbers elements as they are seen, reports inserted
// and removed subtrees from a MutationObserver and captures clicks at the
// document root; both streams arrive through a Runtime binding. Every Node
// operation is a small function evaluated in the page against that number.
package cdptree

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/fixlink/tree"
)

//go:embed fixlink.js
var pageJS string

// Host is a tree.Host over one rod page.
type Host struct {
	page   *rod.Page
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	nodes map[uint64]*Node

	lmu       sync.Mutex
	listeners map[int]tree.Listener
	nextL     int

	removeScript func() error
}

// New installs the page script (now and on every new document), adds the
// binding and starts forwarding events. Close releases it.
func New(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Host{
		page:      page,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		nodes:     make(map[uint64]*Node),
		listeners: make(map[int]tree.Listener),
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		logger.Warn("cdptree: addBinding failed (may already exist)", "error", err)
	}

	wait := page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			h.handlePayload(e.Payload)
		}
	})
	go wait()

	remove, err := page.EvalOnNewDocument(pageJS)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cdptree: register page script: %w", err)
	}
	h.removeScript = remove
	if _, err := page.Context(ctx).Eval(pageJS); err != nil {
		cancel()
		return nil, fmt.Errorf("cdptree: inject page script: %w", err)
	}

	logger.Debug("cdptree: page script installed")
	return h, nil
}

// Close stops event forwarding and unregisters the page script.
func (h *Host) Close() error {
	h.cancel()
	if h.removeScript != nil {
		if err := h.removeScript(); err != nil {
			return fmt.Errorf("cdptree: remove page script: %w", err)
		}
	}
	return nil
}

func (h *Host) handlePayload(payload string) {
	ev, err := decodeEvent(payload)
	if err != nil {
		h.logger.Warn("cdptree: bad event", "error", err)
		return
	}
	switch ev.Type {
	case "mutation":
		b := tree.MutationBatch{Added: h.wrapAll(ev.Added), Removed: h.wrapAll(ev.Removed)}
		for _, l := range h.snapshotListeners() {
			if l.OnMutation != nil {
				l.OnMutation(b)
			}
		}
	case "activation":
		act := tree.Activation{Target: h.node(ev.Target), At: ev.time()}
		ls := h.snapshotListeners()
		// Handlers evaluate in the page; keep the event reader free.
		go func() {
			for _, l := range ls {
				if l.OnActivation != nil {
					l.OnActivation(act)
				}
			}
		}()
	}
}

func (h *Host) snapshotListeners() []tree.Listener {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]tree.Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.listeners[id])
	}
	return out
}

func (h *Host) Subscribe(l tree.Listener) func() {
	h.lmu.Lock()
	id := h.nextL
	h.nextL++
	h.listeners[id] = l
	h.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.lmu.Lock()
			delete(h.listeners, id)
			h.lmu.Unlock()
		})
	}
}

// node returns the cached wrapper for seq; nil for 0.
func (h *Host) node(seq uint64) *Node {
	if seq == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[seq]; ok {
		return n
	}
	n := &Node{h: h, seq: seq}
	h.nodes[seq] = n
	return n
}

func (h *Host) wrapAll(seqs []uint64) []tree.Node {
	out := make([]tree.Node, 0, len(seqs))
	for _, s := range seqs {
		if n := h.node(s); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// forget drops wrappers whose element is gone, keeping the cache bounded.
func (h *Host) forget(seq uint64) {
	h.mu.Lock()
	delete(h.nodes, seq)
	h.mu.Unlock()
}

// eval runs fn in the page as a user gesture and decodes the result into out
// (may be nil).
func (h *Host) eval(out any, fn string, args ...any) error {
	res, err := h.page.Context(h.ctx).Evaluate(rod.Eval(fn, args...).ByUser())
	if err != nil {
		return err
	}
	if out == nil || res.Value.Nil() {
		return nil
	}
	return res.Value.Unmarshal(out)
}

// EvalJS evaluates fn with args and returns the string form of the result.
func (h *Host) EvalJS(ctx context.Context, fn string, args ...any) (string, error) {
	res, err := h.page.Context(ctx).Evaluate(rod.Eval(fn, args...).ByUser())
	if err != nil {
		return "", fmt.Errorf("cdptree: eval: %w", err)
	}
	return res.Value.Str(), nil
}

func (h *Host) Root() tree.Node {
	var seq uint64
	if err := h.eval(&seq, `() => window.__fixlink.id(document.documentElement)`); err != nil {
		h.logger.Debug("cdptree: root failed", "error", err)
		return nil
	}
	if n := h.node(seq); n != nil {
		return n
	}
	return nil
}

func (h *Host) Viewport() tree.Rect {
	var r tree.Rect
	if err := h.eval(&r, `() => ({x: 0, y: 0, width: window.innerWidth, height: window.innerHeight})`); err != nil {
		h.logger.Debug("cdptree: viewport failed", "error", err)
	}
	return r
}

func (h *Host) QueryAll(sel string) ([]tree.Node, error) {
	var res queryResult
	err := h.eval(&res, `(sel) => {
		try {
			return {ids: Array.from(document.querySelectorAll(sel), (el) => window.__fixlink.id(el))};
		} catch (e) {
			return {error: String(e)};
		}
	}`, sel)
	if err != nil {
		return nil, fmt.Errorf("cdptree: query: %w", err)
	}
	if res.Error != "" {
		return nil, tree.SelectorError(sel, fmt.Errorf("%s", res.Error))
	}
	return h.wrapAll(res.IDs), nil
}

func (h *Host) NewElement(spec tree.ElementSpec) (tree.Node, error) {
	if spec.Tag == "" {
		return nil, fmt.Errorf("cdptree: new element: empty tag")
	}
	attrs := spec.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	var seq uint64
	err := h.eval(&seq, `(tag, attrs, text) => {
		const el = document.createElement(tag);
		for (const [k, v] of Object.entries(attrs)) el.setAttribute(k, v);
		if (text) el.textContent = text;
		return window.__fixlink.id(el);
	}`, spec.Tag, attrs, spec.Text)
	if err != nil {
		return nil, fmt.Errorf("cdptree: new element: %w", err)
	}
	return h.node(seq), nil
}

func (h *Host) Insert(parent, child, before tree.Node) error {
	p, c := seqOf(parent), seqOf(child)
	if p == 0 || c == 0 {
		return fmt.Errorf("cdptree: insert: nil node")
	}
	var status string
	err := h.eval(&status, `(p, c, b) => {
		const P = window.__fixlink.get(p), C = window.__fixlink.get(c);
		if (!P || !C) return "detached";
		let B = null;
		if (b) {
			B = window.__fixlink.get(b);
			if (!B || B.parentNode !== P) return "reference";
		}
		P.insertBefore(C, B);
		return "";
	}`, p, c, seqOf(before))
	if err != nil {
		return fmt.Errorf("cdptree: insert: %w", err)
	}
	switch status {
	case "":
		return nil
	case "detached":
		return fmt.Errorf("cdptree: insert: %w", tree.ErrDetached)
	default:
		return fmt.Errorf("cdptree: insert: reference is not a child of parent")
	}
}

func (h *Host) Detach(n tree.Node) error {
	s := seqOf(n)
	if s == 0 {
		return fmt.Errorf("cdptree: detach: nil node")
	}
	err := h.eval(nil, `(s) => {
		const el = window.__fixlink.get(s);
		if (el && el.parentNode) el.parentNode.removeChild(el);
	}`, s)
	if err != nil {
		return fmt.Errorf("cdptree: detach: %w", err)
	}
	return nil
}

func (h *Host) Children(parent tree.Node) []tree.Node {
	s := seqOf(parent)
	if s == 0 {
		return nil
	}
	var ids []uint64
	err := h.eval(&ids, `(s) => {
		const el = window.__fixlink.get(s);
		return el ? Array.from(el.children, (c) => window.__fixlink.id(c)) : [];
	}`, s)
	if err != nil {
		h.logger.Debug("cdptree: children failed", "error", err)
		return nil
	}
	return h.wrapAll(ids)
}

func (h *Host) SetText(n tree.Node, text string) error {
	return h.mutate(n, `(s, text) => {
		const el = window.__fixlink.get(s);
		if (!el) return false;
		el.textContent = text;
		return true;
	}`, text)
}

func (h *Host) SetAttr(n tree.Node, name, value string) error {
	return h.mutate(n, `(s, name, value) => {
		const el = window.__fixlink.get(s);
		if (!el) return false;
		el.setAttribute(name, value);
		return true;
	}`, name, value)
}

func (h *Host) mutate(n tree.Node, fn string, args ...any) error {
	s := seqOf(n)
	if s == 0 {
		return fmt.Errorf("cdptree: nil node")
	}
	var ok bool
	if err := h.eval(&ok, fn, append([]any{s}, args...)...); err != nil {
		return fmt.Errorf("cdptree: %w", err)
	}
	if !ok {
		h.forget(s)
		return tree.ErrDetached
	}
	return nil
}

func seqOf(n tree.Node) uint64 {
	if cn, ok := n.(*Node); ok && cn != nil {
		return cn.seq
	}
	return 0
}
