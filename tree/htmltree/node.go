package htmltree

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fixlink/tree"
)

// Node wraps one *html.Node. The Document hands out a single wrapper per
// DOM node, so pointer equality and Key equality coincide.
type Node struct {
	doc *Document
	n   *html.Node
	key tree.Key
}

var _ tree.Node = (*Node)(nil)

func (n *Node) Key() tree.Key { return n.key }

func (n *Node) Tag() string { return n.n.Data }

// HTML returns the underlying node for callers that need raw access.
func (n *Node) HTML() *html.Node { return n.n }

func (n *Node) Attr(name string) (string, bool) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return getAttr(n.n, name)
}

func (n *Node) Parent() tree.Node {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	p := n.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return n.doc.wrap(p)
}

func (n *Node) Matches(sel string) (bool, error) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	g, err := n.doc.compile(sel)
	if err != nil {
		return false, err
	}
	return g.Match(n.n), nil
}

func (n *Node) QueryAll(sel string) ([]tree.Node, error) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.doc.queryLocked(n.n, sel)
}

func (n *Node) Contains(other tree.Node) bool {
	o := unwrap(other)
	if o == nil {
		return false
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	for p := o; p != nil; p = p.Parent {
		if p == n.n {
			return true
		}
	}
	return false
}

// Text is the whitespace-preserving text content, skipping script and style.
func (n *Node) Text() string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	var b strings.Builder
	collectText(n.n, &b)
	return b.String()
}

func (n *Node) Rect() tree.Rect {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	if r, ok := n.doc.rects[n.n]; ok {
		return r
	}
	box, ok := getAttr(n.n, BoxAttr)
	if !ok {
		return tree.Rect{}
	}
	return parseBox(box)
}

func (n *Node) Connected() bool {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	for p := n.n; p != nil; p = p.Parent {
		if p == n.doc.doc {
			return true
		}
	}
	return false
}

func (n *Node) String() string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(n.n.Data)
	for _, a := range n.n.Attr {
		if a.Key == "id" || a.Key == "role" || a.Key == "data-testid" {
			b.WriteString(" " + a.Key + "=" + strconv.Quote(a.Val))
		}
	}
	b.WriteString(">")
	return b.String()
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func parseBox(s string) tree.Rect {
	f := strings.Fields(s)
	if len(f) != 4 {
		return tree.Rect{}
	}
	var v [4]float64
	for i, p := range f {
		x, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return tree.Rect{}
		}
		v[i] = x
	}
	return tree.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
}
