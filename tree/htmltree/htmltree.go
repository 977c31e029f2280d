// Package htmltree is an in-memory tree.Host backed by golang.org/x/net/html
// and cascadia selectors. It drives the detector without a browser: tests
// and offline replays build a document, mutate it, and click on it, and
// every change is delivered to subscribers exactly like the live host does.
//
// Geometry is not computed: a node's box comes from SetRect or from a
// `data-box="x y w h"` attribute. Nodes with neither have zero extent.
package htmltree

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/fixlink/tree"
)

// BoxAttr carries a node's bounding box as four space-separated numbers.
const BoxAttr = "data-box"

// Document is an in-memory host tree. Safe for concurrent use; listeners
// are called synchronously, outside the lock, on the mutating goroutine.
type Document struct {
	mu       sync.RWMutex
	doc      *html.Node
	nodes    map[*html.Node]*Node
	nextKey  uint64
	rects    map[*html.Node]tree.Rect
	viewport tree.Rect
	sels     map[string]cascadia.SelectorGroup
	now      func() time.Time

	lmu       sync.Mutex
	listeners map[int]tree.Listener
	nextL     int
}

// Option configures a Document.
type Option func(*Document)

// WithViewport sets the visible area. Default: 1280x800 at the origin.
func WithViewport(r tree.Rect) Option { return func(d *Document) { d.viewport = r } }

// WithClock overrides the activation timestamp source.
func WithClock(now func() time.Time) Option { return func(d *Document) { d.now = now } }

// Parse reads a full HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmltree: parse: %w", err)
	}
	d := &Document{
		doc:       root,
		nodes:     make(map[*html.Node]*Node),
		rects:     make(map[*html.Node]tree.Rect),
		viewport:  tree.Rect{Width: 1280, Height: 800},
		sels:      make(map[string]cascadia.SelectorGroup),
		now:       time.Now,
		listeners: make(map[int]tree.Listener),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// MustParse panics on error. For tests.
func MustParse(s string, opts ...Option) *Document {
	d, err := ParseString(s, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Root returns the <html> element.
func (d *Document) Root() tree.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := d.doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.wrap(c)
		}
	}
	return nil
}

func (d *Document) Viewport() tree.Rect {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.viewport
}

// SetViewport moves the visible area, e.g. to simulate scrolling.
func (d *Document) SetViewport(r tree.Rect) {
	d.mu.Lock()
	d.viewport = r
	d.mu.Unlock()
}

func (d *Document) QueryAll(sel string) ([]tree.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryLocked(d.doc, sel)
}

// Query returns the first match or nil.
func (d *Document) Query(sel string) tree.Node {
	nodes, err := d.QueryAll(sel)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// SetRect assigns a bounding box, overriding any data-box attribute.
func (d *Document) SetRect(n tree.Node, r tree.Rect) {
	hn := unwrap(n)
	if hn == nil {
		return
	}
	d.mu.Lock()
	d.rects[hn] = r
	d.mu.Unlock()
}

func (d *Document) NewElement(spec tree.ElementSpec) (tree.Node, error) {
	if spec.Tag == "" {
		return nil, fmt.Errorf("htmltree: new element: empty tag")
	}
	tag := strings.ToLower(spec.Tag)
	hn := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for k, v := range spec.Attrs {
		hn.Attr = append(hn.Attr, html.Attribute{Key: k, Val: v})
	}
	if spec.Text != "" {
		hn.AppendChild(&html.Node{Type: html.TextNode, Data: spec.Text})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(hn), nil
}

func (d *Document) Insert(parent, child, before tree.Node) error {
	p, c := unwrap(parent), unwrap(child)
	if p == nil || c == nil {
		return fmt.Errorf("htmltree: insert: nil node")
	}
	d.mu.Lock()
	b := unwrap(before)
	if b != nil && b.Parent != p {
		d.mu.Unlock()
		return fmt.Errorf("htmltree: insert: reference is not a child of parent")
	}
	if c.Parent != nil {
		c.Parent.RemoveChild(c)
	}
	if b != nil {
		p.InsertBefore(c, b)
	} else {
		p.AppendChild(c)
	}
	added := d.wrap(c)
	d.mu.Unlock()

	d.emit(tree.MutationBatch{Added: []tree.Node{added}})
	return nil
}

func (d *Document) Children(parent tree.Node) []tree.Node {
	p := unwrap(parent)
	if p == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []tree.Node
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, d.wrap(c))
		}
	}
	return out
}

func (d *Document) SetText(n tree.Node, text string) error {
	hn := unwrap(n)
	if hn == nil {
		return fmt.Errorf("htmltree: set text: nil node")
	}
	d.mu.Lock()
	for c := hn.FirstChild; c != nil; {
		next := c.NextSibling
		hn.RemoveChild(c)
		c = next
	}
	hn.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	d.mu.Unlock()
	return nil
}

func (d *Document) SetAttr(n tree.Node, name, value string) error {
	hn := unwrap(n)
	if hn == nil {
		return fmt.Errorf("htmltree: set attr: nil node")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range hn.Attr {
		if hn.Attr[i].Key == name {
			hn.Attr[i].Val = value
			return nil
		}
	}
	hn.Attr = append(hn.Attr, html.Attribute{Key: name, Val: value})
	return nil
}

// RemoveAttr deletes an attribute if present.
func (d *Document) RemoveAttr(n tree.Node, name string) {
	hn := unwrap(n)
	if hn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := hn.Attr[:0]
	for _, a := range hn.Attr {
		if a.Key != name {
			kept = append(kept, a)
		}
	}
	hn.Attr = kept
}

func (d *Document) Subscribe(l tree.Listener) func() {
	d.lmu.Lock()
	id := d.nextL
	d.nextL++
	d.listeners[id] = l
	d.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.lmu.Lock()
			delete(d.listeners, id)
			d.lmu.Unlock()
		})
	}
}

// AppendHTML parses fragment in the context of parent, appends the result
// and notifies subscribers with one batch. It returns the inserted
// top-level elements.
func (d *Document) AppendHTML(parent tree.Node, fragment string) ([]tree.Node, error) {
	p := unwrap(parent)
	if p == nil {
		return nil, fmt.Errorf("htmltree: append: nil parent")
	}
	frag, err := html.ParseFragment(strings.NewReader(fragment), p)
	if err != nil {
		return nil, fmt.Errorf("htmltree: append: %w", err)
	}

	d.mu.Lock()
	var added []tree.Node
	for _, n := range frag {
		p.AppendChild(n)
		if n.Type == html.ElementNode {
			added = append(added, d.wrap(n))
		}
	}
	d.mu.Unlock()

	d.emit(tree.MutationBatch{Added: added})
	return added, nil
}

// Remove detaches n and notifies subscribers.
func (d *Document) Remove(n tree.Node) {
	hn := unwrap(n)
	if hn == nil {
		return
	}
	d.mu.Lock()
	if hn.Parent == nil {
		d.mu.Unlock()
		return
	}
	hn.Parent.RemoveChild(hn)
	d.mu.Unlock()

	d.emit(tree.MutationBatch{Removed: []tree.Node{n}})
}

// Detach implements tree.Host.
func (d *Document) Detach(n tree.Node) error {
	if unwrap(n) == nil {
		return fmt.Errorf("htmltree: detach: nil node")
	}
	d.Remove(n)
	return nil
}

// Replace swaps old for the elements parsed from fragment in a single
// batch, the way a virtualised list recycles a row.
func (d *Document) Replace(old tree.Node, fragment string) ([]tree.Node, error) {
	o := unwrap(old)
	if o == nil || o.Parent == nil {
		return nil, fmt.Errorf("htmltree: replace: %w", tree.ErrDetached)
	}
	frag, err := html.ParseFragment(strings.NewReader(fragment), o.Parent)
	if err != nil {
		return nil, fmt.Errorf("htmltree: replace: %w", err)
	}

	d.mu.Lock()
	parent := o.Parent
	var added []tree.Node
	for _, n := range frag {
		parent.InsertBefore(n, o)
		if n.Type == html.ElementNode {
			added = append(added, d.wrap(n))
		}
	}
	parent.RemoveChild(o)
	d.mu.Unlock()

	d.emit(tree.MutationBatch{Added: added, Removed: []tree.Node{old}})
	return added, nil
}

// Redeliver reports already-present nodes as inserted again, the way an
// overlapping observer path re-announces the same subtree.
func (d *Document) Redeliver(nodes ...tree.Node) {
	d.emit(tree.MutationBatch{Added: nodes})
}

// Click delivers a user activation on n.
func (d *Document) Click(n tree.Node) {
	d.lmu.Lock()
	ls := d.snapshotListeners()
	d.lmu.Unlock()
	act := tree.Activation{Target: n, At: d.now()}
	for _, l := range ls {
		if l.OnActivation != nil {
			l.OnActivation(act)
		}
	}
}

// Render serialises the document, for debugging and golden tests.
func (d *Document) Render() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	html.Render(&b, d.doc)
	return b.String()
}

func (d *Document) emit(b tree.MutationBatch) {
	d.lmu.Lock()
	ls := d.snapshotListeners()
	d.lmu.Unlock()
	for _, l := range ls {
		if l.OnMutation != nil {
			l.OnMutation(b)
		}
	}
}

func (d *Document) snapshotListeners() []tree.Listener {
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	// Subscription order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	out := make([]tree.Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.listeners[id])
	}
	return out
}

// wrap returns the cached wrapper for hn. Caller holds d.mu.
func (d *Document) wrap(hn *html.Node) *Node {
	if n, ok := d.nodes[hn]; ok {
		return n
	}
	d.nextKey++
	n := &Node{doc: d, n: hn, key: tree.Key(d.nextKey)}
	d.nodes[hn] = n
	return n
}

// compile caches parsed selector groups. Caller holds d.mu.
func (d *Document) compile(sel string) (cascadia.SelectorGroup, error) {
	if g, ok := d.sels[sel]; ok {
		return g, nil
	}
	g, err := cascadia.ParseGroup(sel)
	if err != nil {
		return nil, tree.SelectorError(sel, err)
	}
	d.sels[sel] = g
	return g, nil
}

// queryLocked returns matching descendants of root in document order.
func (d *Document) queryLocked(root *html.Node, sel string) ([]tree.Node, error) {
	g, err := d.compile(sel)
	if err != nil {
		return nil, err
	}
	var out []tree.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if g.Match(c) {
				out = append(out, d.wrap(c))
			}
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

func unwrap(n tree.Node) *html.Node {
	if hn, ok := n.(*Node); ok && hn != nil {
		return hn.n
	}
	return nil
}
