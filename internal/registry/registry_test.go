package registry

import (
	"errors"
	"testing"

	"github.com/hazyhaar/fixlink/internal/identity"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
	"github.com/hazyhaar/fixlink/tree/htmltree"
)

const marker = `[data-fixlink-action]`

const post = `<article data-testid="tweet"><a href="/acct/status/42">x</a></article>`

func setup(t *testing.T) (*htmltree.Document, *Registry) {
	t.Helper()
	d := htmltree.MustParse(`<html><body><main>` + post + `</main></body></html>`)
	ex := identity.New(variant.PlatformA(), nil)
	return d, New(ex.Extract, marker)
}

func TestMarkHandled_RejectsNonItem(t *testing.T) {
	_, r := setup(t)
	for _, v := range []any{nil, "article", 42, (*htmltree.Node)(nil)} {
		if err := r.MarkHandled(v); !errors.Is(err, ErrNotItem) {
			t.Errorf("MarkHandled(%#v): got %v, want ErrNotItem", v, err)
		}
	}
}

func TestIsHandled_WeakAndDurable(t *testing.T) {
	d, r := setup(t)
	item := d.Query("article")
	if r.IsHandled(item, false) {
		t.Fatal("fresh item reported handled")
	}
	if err := r.MarkHandled(item); err != nil {
		t.Fatal(err)
	}
	if !r.IsHandled(item, false) {
		t.Fatal("marked item not handled")
	}

	// Virtual-scroll replacement: new node, same identifier.
	fresh, _ := d.Replace(item, post)
	if !r.IsHandled(fresh[0], false) {
		t.Error("replacement not recognised through durable id")
	}
	if s := r.Stats(); s.Weak != 1 || s.Durable != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestIsHandled_VerifyAllowsOneReinjection(t *testing.T) {
	d, r := setup(t)
	item := d.Query("article")
	r.MarkHandled(item)

	// The marker was never physically placed in this subtree.
	if r.IsHandled(item, true) {
		t.Fatal("verify=true without marker should be false")
	}

	// Inject once, as the controller would.
	if _, err := d.AppendHTML(item, `<div data-fixlink-action="1">copy</div>`); err != nil {
		t.Fatal(err)
	}
	if !r.IsHandled(item, true) {
		t.Fatal("verify=true with marker should be true")
	}

	// Marker removed externally.
	d.Remove(d.Query(marker))
	if r.IsHandled(item, true) {
		t.Error("verify=true after external removal should be false")
	}
	if !r.IsHandled(item, false) {
		t.Error("verify=false should still remember the item")
	}
}

func TestReset_ClearsDurableOnly(t *testing.T) {
	d, r := setup(t)
	item := d.Query("article")
	r.MarkHandled(item)
	r.Reset()
	if !r.IsHandled(item, false) {
		t.Error("weak membership should survive Reset")
	}
	fresh, _ := d.Replace(item, post)
	if r.IsHandled(fresh[0], false) {
		t.Error("durable id should be gone after Reset")
	}
}

func TestSweepAndForget(t *testing.T) {
	d, r := setup(t)
	item := d.Query("article")
	r.MarkHandled(item)
	d.Remove(item)

	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep dropped %d, want 1", n)
	}
	if s := r.Stats(); s.Weak != 0 || s.Durable != 1 {
		t.Errorf("after sweep Stats = %+v", s)
	}

	other := d.Query("main")
	r.MarkHandled(other)
	r.Forget(other, nil)
	if r.IsHandled(other, false) {
		t.Error("Forget did not drop weak entry")
	}
}

func TestIsHandled_Nil(t *testing.T) {
	_, r := setup(t)
	var n tree.Node
	if r.IsHandled(n, false) || r.IsHandled(n, true) {
		t.Error("nil item reported handled")
	}
}
