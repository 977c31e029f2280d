package cdptree

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/hazyhaar/fixlink/tree"
)

// Node is an element of the live page, addressed by its script-assigned
// number. Reads of a detached node return zero values.
type Node struct {
	h   *Host
	seq uint64

	tagOnce sync.Once
	tag     string
}

var _ tree.Node = (*Node)(nil)

func (n *Node) Key() tree.Key { return tree.Key(n.seq) }

func (n *Node) Tag() string {
	n.tagOnce.Do(func() {
		n.h.eval(&n.tag, `(s) => {
			const el = window.__fixlink.get(s);
			return el ? el.tagName.toLowerCase() : "";
		}`, n.seq)
	})
	return n.tag
}

func (n *Node) Attr(name string) (string, bool) {
	var res struct {
		V  string `json:"v"`
		OK bool   `json:"ok"`
	}
	err := n.h.eval(&res, `(s, name) => {
		const el = window.__fixlink.get(s);
		if (!el || !el.hasAttribute(name)) return {ok: false};
		return {ok: true, v: el.getAttribute(name)};
	}`, n.seq, name)
	if err != nil {
		return "", false
	}
	return res.V, res.OK
}

func (n *Node) Parent() tree.Node {
	var seq uint64
	err := n.h.eval(&seq, `(s) => {
		const el = window.__fixlink.get(s);
		return el && el.parentElement ? window.__fixlink.id(el.parentElement) : 0;
	}`, n.seq)
	if err != nil || seq == 0 {
		return nil
	}
	return n.h.node(seq)
}

func (n *Node) Matches(sel string) (bool, error) {
	var res queryResult
	err := n.h.eval(&res, `(s, sel) => {
		const el = window.__fixlink.get(s);
		if (!el) return {detached: true};
		try {
			return {ok: el.matches(sel)};
		} catch (e) {
			return {error: String(e)};
		}
	}`, n.seq, sel)
	if err != nil {
		return false, fmt.Errorf("cdptree: matches: %w", err)
	}
	if res.Error != "" {
		return false, tree.SelectorError(sel, fmt.Errorf("%s", res.Error))
	}
	return res.OK, nil
}

func (n *Node) QueryAll(sel string) ([]tree.Node, error) {
	var res queryResult
	err := n.h.eval(&res, `(s, sel) => {
		const el = window.__fixlink.get(s);
		if (!el) return {detached: true, ids: []};
		try {
			return {ids: Array.from(el.querySelectorAll(sel), (c) => window.__fixlink.id(c))};
		} catch (e) {
			return {error: String(e)};
		}
	}`, n.seq, sel)
	if err != nil {
		return nil, fmt.Errorf("cdptree: query: %w", err)
	}
	if res.Error != "" {
		return nil, tree.SelectorError(sel, fmt.Errorf("%s", res.Error))
	}
	return n.h.wrapAll(res.IDs), nil
}

func (n *Node) Contains(other tree.Node) bool {
	o := seqOf(other)
	if o == 0 {
		return false
	}
	var ok bool
	n.h.eval(&ok, `(a, b) => {
		const x = window.__fixlink.get(a), y = window.__fixlink.get(b);
		return !!(x && y && x.contains(y));
	}`, n.seq, o)
	return ok
}

func (n *Node) Text() string {
	var s string
	n.h.eval(&s, `(s) => {
		const el = window.__fixlink.get(s);
		return el ? (el.innerText ?? el.textContent ?? "") : "";
	}`, n.seq)
	return s
}

func (n *Node) Rect() tree.Rect {
	var r tree.Rect
	n.h.eval(&r, `(s) => {
		const el = window.__fixlink.get(s);
		if (!el || !el.isConnected) return {x: 0, y: 0, width: 0, height: 0};
		const b = el.getBoundingClientRect();
		return {x: b.x, y: b.y, width: b.width, height: b.height};
	}`, n.seq)
	return r
}

func (n *Node) Connected() bool {
	var ok bool
	err := n.h.eval(&ok, `(s) => {
		const el = window.__fixlink.get(s);
		return !!(el && el.isConnected);
	}`, n.seq)
	if err == nil && !ok {
		n.h.forget(n.seq)
	}
	return ok
}

func (n *Node) String() string {
	return "<" + n.Tag() + " seq=" + strconv.FormatUint(n.seq, 10) + ">"
}
