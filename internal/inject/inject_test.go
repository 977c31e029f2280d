package inject

import (
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/fixlink/internal/idgen"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
	"github.com/hazyhaar/fixlink/tree/htmltree"
)

const xMenu = `<html><body>
<div role="menu" id="menu" data-box="0 0 200 200">
  <div data-testid="Dropdown" id="dd">
    <div role="menuitem" id="m1">Follow</div>
    <div role="menuitem" id="m2">Copy  LINK</div>
    <div role="menuitem" id="m3">Report</div>
  </div>
</div>
</body></html>`

func newInjector(d *htmltree.Document) *Injector {
	in := New(d, nil)
	in.NewID = idgen.Sequence("act-")
	return in
}

func childIDs(d *htmltree.Document, n tree.Node) []string {
	var ids []string
	for _, c := range d.Children(n) {
		id, ok := c.Attr("id")
		if !ok {
			id, _ = c.Attr(MarkerAttr)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestCreateAction_Attributes(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	a, err := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", variant.PlatformA())
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if a.ID != "act-1" {
		t.Errorf("ID: got %q, want act-1", a.ID)
	}
	checks := map[string]string{
		SourceAttr:   "https://x.com/acct/status/1",
		TargetAttr:   "fixvx.com",
		PlatformAttr: "x",
		IDAttr:       "act-1",
		"role":       "menuitem",
	}
	for k, want := range checks {
		if got, _ := a.Node.Attr(k); got != want {
			t.Errorf("attr %s: got %q, want %q", k, got, want)
		}
	}
	if a.Node.Connected() {
		t.Error("created action should be detached")
	}
	back, ok := ReadAction(a.Node)
	if !ok || back.Link != a.Link || back.Authority != a.Authority || back.Platform != "x" {
		t.Errorf("ReadAction: got %+v", back)
	}
}

func TestCreateAction_Invalid(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	v := variant.PlatformA()
	cases := []struct {
		name, link, auth, platform string
	}{
		{"empty link", "", "fixvx.com", "x"},
		{"bad link", "not a url", "fixvx.com", "x"},
		{"bad authority", "https://x.com/a/status/1", "http://fixvx.com", "x"},
		{"empty authority", "https://x.com/a/status/1", "", "x"},
		{"unknown platform", "https://x.com/a/status/1", "fixvx.com", "myspace"},
		{"empty platform", "https://x.com/a/status/1", "fixvx.com", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, err := in.CreateAction(c.link, c.auth, c.platform, v)
			if !errors.Is(err, ErrInvalidAction) {
				t.Errorf("err: got %v, want ErrInvalidAction", err)
			}
			if a != nil {
				t.Errorf("action: got %+v, want nil", a)
			}
		})
	}
}

func TestInject_AfterReference(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	v := variant.PlatformA()
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)

	ok, err := in.Inject(a, d.Query("#menu"), v)
	if !ok || err != nil {
		t.Fatalf("Inject: ok=%v err=%v", ok, err)
	}
	got := strings.Join(childIDs(d, d.Query("#dd")), ",")
	if want := "m1,m2,copy-fixed-link,m3"; got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestInject_ReferenceIsLastChild(t *testing.T) {
	d := htmltree.MustParse(`<html><body><div role="menu" id="menu">
<div data-testid="Dropdown" id="dd"><div role="menuitem" id="m1">Mute</div><div role="menuitem" id="m2">Copy link</div></div>
</div></body></html>`)
	in := newInjector(d)
	v := variant.PlatformA()
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)
	if ok, err := in.Inject(a, d.Query("#menu"), v); !ok {
		t.Fatalf("Inject: %v", err)
	}
	got := strings.Join(childIDs(d, d.Query("#dd")), ",")
	if want := "m1,m2,copy-fixed-link"; got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestInject_NoReferenceFallsBackToHead(t *testing.T) {
	d := htmltree.MustParse(`<html><body><div role="menu" id="menu">
<div data-testid="Dropdown" id="dd"><div role="menuitem" id="m1">Mute</div><div role="menuitem" id="m2">Block</div></div>
</div></body></html>`)
	in := newInjector(d)
	v := variant.PlatformA()
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)
	if ok, err := in.Inject(a, d.Query("#menu"), v); !ok {
		t.Fatalf("Inject: %v", err)
	}
	got := strings.Join(childIDs(d, d.Query("#dd")), ",")
	if want := "copy-fixed-link,m1,m2"; got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestInject_HeadPolicyWithItemContainerFallback(t *testing.T) {
	d := htmltree.MustParse(`<html><body><div role="dialog" id="menu">
<div id="wrap"><div id="list"><button id="b1">Report</button><button id="b2">Copy link</button></div></div>
</div></body></html>`)
	in := newInjector(d)
	v := variant.PlatformB()
	a, _ := in.CreateAction("https://www.instagram.com/p/ABC/", "kkinstagram.com", "instagram", v)
	if ok, err := in.Inject(a, d.Query("#menu"), v); !ok {
		t.Fatalf("Inject: %v", err)
	}
	got := strings.Join(childIDs(d, d.Query("#list")), ",")
	if want := "copy-fixed-link,b1,b2"; got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestInject_MenuItselfAsLastResort(t *testing.T) {
	d := htmltree.MustParse(`<html><body><div role="dialog" id="menu"><span id="s">only</span></div></body></html>`)
	in := newInjector(d)
	v := variant.PlatformB()
	a, _ := in.CreateAction("https://www.instagram.com/p/ABC/", "kkinstagram.com", "instagram", v)
	if ok, err := in.Inject(a, d.Query("#menu"), v); !ok {
		t.Fatalf("Inject: %v", err)
	}
	got := strings.Join(childIDs(d, d.Query("#menu")), ",")
	if want := "copy-fixed-link,s"; got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestInject_IdempotentOnMarkedMenu(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	v := variant.PlatformA()
	menu := d.Query("#menu")

	for i := 0; i < 5; i++ {
		a, err := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := in.Inject(a, menu, v); !ok || err != nil {
			t.Fatalf("run %d: ok=%v err=%v", i, ok, err)
		}
	}
	found, _ := menu.QueryAll(MarkerSelector)
	if len(found) != 1 {
		t.Errorf("markers: got %d, want 1", len(found))
	}
	if id, _ := found[0].Attr(IDAttr); id != "act-1" {
		t.Errorf("kept action: got %q, want act-1", id)
	}
}

func TestInject_DetachedMenu(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	v := variant.PlatformA()
	menu := d.Query("#menu")
	d.Remove(menu)
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)
	if ok, err := in.Inject(a, menu, v); ok || !errors.Is(err, tree.ErrDetached) {
		t.Errorf("got ok=%v err=%v, want ErrDetached", ok, err)
	}
	if ok, err := in.Inject(nil, d.Root(), v); ok || !errors.Is(err, ErrInvalidAction) {
		t.Errorf("nil action: got ok=%v err=%v", ok, err)
	}
}

func TestFindAction(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	v := variant.PlatformA()
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)
	in.Inject(a, d.Query("#menu"), v)

	if _, err := d.AppendHTML(a.Node, `<span><b id="deep">icon</b></span>`); err != nil {
		t.Fatal(err)
	}
	if got := FindAction(d.Query("#deep")); !tree.Same(got, a.Node) {
		t.Errorf("FindAction from descendant: got %v", got)
	}
	if got := FindAction(d.Query("#m1")); got != nil {
		t.Errorf("FindAction on plain item: got %v, want nil", got)
	}
	if !HasMarker(d.Query("#menu")) || HasMarker(d.Query("#m1")) {
		t.Error("HasMarker mismatch")
	}
}

// racingHost inserts a second action alongside every insert, the way a
// concurrent copy of the extension would.
type racingHost struct {
	*htmltree.Document
}

func (h racingHost) Insert(parent, child, before tree.Node) error {
	if err := h.Document.Insert(parent, child, before); err != nil {
		return err
	}
	other, err := h.Document.NewElement(tree.ElementSpec{
		Tag:   "div",
		Attrs: map[string]string{MarkerAttr: markerValue, IDAttr: "foreign"},
	})
	if err != nil {
		return err
	}
	return h.Document.Insert(parent, other, nil)
}

func TestInject_UnverifiedActionDetached(t *testing.T) {
	d := htmltree.MustParse(xMenu)
	in := newInjector(d)
	in.Host = racingHost{d}
	v := variant.PlatformA()
	menu := d.Query("#menu")
	a, _ := in.CreateAction("https://x.com/acct/status/1", "fixvx.com", "x", v)

	ok, err := in.Inject(a, menu, v)
	if ok || !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got ok=%v err=%v, want ErrVerifyFailed", ok, err)
	}
	if a.Node.Connected() {
		t.Error("unverified action still attached")
	}
	found, _ := menu.QueryAll(MarkerSelector)
	if len(found) != 1 {
		t.Fatalf("markers: got %d, want 1", len(found))
	}
	if id, _ := found[0].Attr(IDAttr); id != "foreign" {
		t.Errorf("remaining action: got %q, want foreign", id)
	}
}
