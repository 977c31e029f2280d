package fixlink

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/fixlink/internal/clipboard"
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/feedback"
	"github.com/hazyhaar/fixlink/internal/idgen"
	"github.com/hazyhaar/fixlink/internal/inject"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/tree"
	"github.com/hazyhaar/fixlink/tree/htmltree"
)

const timeline = `<html><body>
<main>
  <article data-testid="tweet" id="p1" data-box="0 0 600 300">
    <a href="/acct/status/111?s=20" id="l1">time</a>
    <div data-testid="caret" id="c1" data-box="550 10 20 20"></div>
  </article>
  <article data-testid="tweet" id="p2" data-box="0 300 600 300">
    <a href="/other/status/222" id="l2">time</a>
    <div data-testid="caret" id="c2" data-box="550 310 20 20"></div>
  </article>
</main>
<div id="layers"></div>
</body></html>`

const xMenu = `<div role="menu" data-box="400 20 200 150"><div data-testid="Dropdown">
  <div role="menuitem">Follow</div>
  <div role="menuitem">Copy link</div>
  <div role="menuitem">Report</div>
</div></div>`

type fixture struct {
	doc      *htmltree.Document
	settings *config.Static
	clip     *clipboard.Memory
	ctrl     *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		doc:      htmltree.MustParse(timeline),
		settings: config.NewStatic(config.Default().Settings()),
		clip:     &clipboard.Memory{},
	}
	ctrl, err := NewController(ControllerConfig{
		Host:          f.doc,
		Variant:       variant.PlatformA(),
		Settings:      f.settings,
		Clipboard:     f.clip,
		FeedbackDelay: 20 * time.Millisecond,
		Throttle:      10 * time.Millisecond,
		NewID:         idgen.Sequence("act-"),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// openMenu clicks the caret of post id and renders a menu in the layer.
func (f *fixture) openMenu(t *testing.T, caret string) tree.Node {
	t.Helper()
	f.doc.Click(f.doc.Query(caret))
	nodes, err := f.doc.AppendHTML(f.doc.Query("#layers"), xMenu)
	if err != nil {
		t.Fatalf("AppendHTML: %v", err)
	}
	return nodes[0]
}

func markers(t *testing.T, n tree.Node) []tree.Node {
	t.Helper()
	found, err := n.QueryAll(inject.MarkerSelector)
	if err != nil {
		t.Fatal(err)
	}
	return found
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_InjectsIntoOpenedMenu(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	menu := f.openMenu(t, "#c2")
	waitFor(t, "injection", func() bool { return f.ctrl.Stats().Injected == 1 })

	found := markers(t, menu)
	if len(found) != 1 {
		t.Fatalf("markers: got %d, want 1", len(found))
	}
	a, ok := inject.ReadAction(found[0])
	if !ok {
		t.Fatal("action attributes missing")
	}
	if a.Link != "https://x.com/other/status/222" {
		t.Errorf("link: got %q", a.Link)
	}
	if a.Authority != "fixvx.com" || a.Platform != "x" {
		t.Errorf("bound data: %+v", a)
	}
	if a.ID != "act-1" {
		t.Errorf("id: got %q", a.ID)
	}
}

func TestController_ConcurrentHandleMenuInjectsOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	menu := f.openMenu(t, "#c1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ctrl.HandleMenu(menu)
		}()
	}
	wg.Wait()
	// Let the detector's own dispatch of the same menu land too.
	waitFor(t, "detector flush", func() bool { return f.ctrl.Stats().Detector.Dispatched >= 1 })

	if got := len(markers(t, menu)); got != 1 {
		t.Fatalf("markers: got %d, want 1", got)
	}
	if got := f.ctrl.Stats().Injected; got != 1 {
		t.Errorf("injected: got %d, want 1", got)
	}
}

func TestController_ReopenedMenuGetsFreshAction(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	first := f.openMenu(t, "#c1")
	waitFor(t, "first injection", func() bool { return f.ctrl.Stats().Injected == 1 })
	f.doc.Remove(first)

	second := f.openMenu(t, "#c1")
	waitFor(t, "second injection", func() bool { return f.ctrl.Stats().Injected == 2 })
	if got := len(markers(t, second)); got != 1 {
		t.Errorf("markers in reopened menu: got %d, want 1", got)
	}
}

func TestController_ActivationCopiesRewrittenLink(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	menu := f.openMenu(t, "#c1")
	waitFor(t, "injection", func() bool { return len(markers(t, menu)) == 1 })
	action := markers(t, menu)[0]

	f.doc.Click(action)

	got, ok := f.clip.Last()
	if !ok || got != "https://fixvx.com/acct/status/111" {
		t.Fatalf("clipboard: got %q %v", got, ok)
	}
	if st, _ := action.Attr(feedback.StatusAttr); st != "success" {
		t.Errorf("status: got %q, want success", st)
	}
	waitFor(t, "feedback restore", func() bool {
		st, _ := action.Attr(feedback.StatusAttr)
		return st == ""
	})
	if s := f.ctrl.Stats(); s.Activations != 1 || s.Copied != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestController_ActivationFailureShowsError(t *testing.T) {
	f := newFixture(t)
	f.clip.Err = clipboard.ErrUnavailable
	f.start(t)

	menu := f.openMenu(t, "#c1")
	waitFor(t, "injection", func() bool { return len(markers(t, menu)) == 1 })
	action := markers(t, menu)[0]

	f.doc.Click(action)
	if st, _ := action.Attr(feedback.StatusAttr); st != "error" {
		t.Errorf("status: got %q, want error", st)
	}
	if s := f.ctrl.Stats(); s.CopyFailures != 1 || s.Copied != 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestController_ActivationElsewhereIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if f.ctrl.HandleActivation(tree.Activation{Target: f.doc.Query("#l1"), At: time.Now()}) {
		t.Error("activation on a plain link handled")
	}
	if len(f.clip.Writes()) != 0 {
		t.Error("clipboard written")
	}
}

func TestController_DisabledStopsObserving(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if !f.ctrl.Running() {
		t.Fatal("not running with default settings")
	}

	if err := f.settings.Set(Settings{Platform: "x", Enabled: false, TargetAuthority: "fixvx.com"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "detector stop", func() bool { return !f.ctrl.Running() })

	menu := f.openMenu(t, "#c1")
	if f.ctrl.HandleMenu(menu) {
		t.Fatal("injected while disabled")
	}
	if got := len(markers(t, menu)); got != 0 {
		t.Fatalf("markers while disabled: got %d", got)
	}

	// Re-enabling scans the page, so the menu left open is handled.
	if err := f.settings.Set(Settings{Platform: "x", Enabled: true, TargetAuthority: "fixvx.com"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "injection after enable", func() bool { return len(markers(t, menu)) == 1 })
}

func TestController_AuthorityChangeAppliesToNewActions(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	first := f.openMenu(t, "#c1")
	waitFor(t, "first injection", func() bool { return len(markers(t, first)) == 1 })

	if err := f.settings.Set(Settings{Platform: "x", Enabled: true, TargetAuthority: "vxtwitter.com"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "settings applied", func() bool { return f.ctrl.Settings().TargetAuthority == "vxtwitter.com" })

	second := f.openMenu(t, "#c2")
	waitFor(t, "second injection", func() bool { return len(markers(t, second)) == 1 })

	old, _ := inject.ReadAction(markers(t, first)[0])
	fresh, _ := inject.ReadAction(markers(t, second)[0])
	if old.Authority != "fixvx.com" {
		t.Errorf("existing action changed: %q", old.Authority)
	}
	if fresh.Authority != "vxtwitter.com" {
		t.Errorf("new action: got %q", fresh.Authority)
	}

	got, err := f.ctrl.Rewrite("https://x.com/acct/status/1?s=1#top")
	if err != nil || got != "https://vxtwitter.com/acct/status/1?s=1#top" {
		t.Errorf("Rewrite: %q %v", got, err)
	}
}

func TestController_NoPostNoInjection(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// Posts off screen and every trigger beyond the radius.
	f.doc.SetViewport(tree.Rect{X: 0, Y: 5000, Width: 1280, Height: 800})
	far := strings.Replace(xMenu, `data-box="400 20 200 150"`, `data-box="400 5200 200 150"`, 1)
	nodes, err := f.doc.AppendHTML(f.doc.Query("#layers"), far)
	if err != nil {
		t.Fatal(err)
	}
	menu := nodes[0]
	if f.ctrl.HandleMenu(menu) {
		t.Fatal("injected without a post")
	}
	if s := f.ctrl.Stats(); s.AssociationFailures == 0 {
		t.Errorf("association failure not counted: %+v", s)
	}
}

func TestController_FailedMenuRetriedOnLaterMutation(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.doc.Remove(f.doc.Query("#p1"))
	f.doc.Remove(f.doc.Query("#p2"))
	nodes, err := f.doc.AppendHTML(f.doc.Query("#layers"), xMenu)
	if err != nil {
		t.Fatal(err)
	}
	menu := nodes[0]
	waitFor(t, "association failure", func() bool { return f.ctrl.Stats().AssociationFailures == 1 })

	// The post renders late, then the menu changes again.
	if _, err := f.doc.AppendHTML(f.doc.Query("main"), `
<article data-testid="tweet" id="p3" data-box="0 0 600 300">
  <a href="/late/status/333">time</a>
</article>`); err != nil {
		t.Fatal(err)
	}
	dropdown, err := menu.QueryAll(`[data-testid="Dropdown"]`)
	if err != nil || len(dropdown) != 1 {
		t.Fatalf("dropdown: %v %d", err, len(dropdown))
	}
	if _, err := f.doc.AppendHTML(dropdown[0], `<div role="menuitem">Mute</div>`); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "injection on retry", func() bool { return len(markers(t, menu)) == 1 })
	a, _ := inject.ReadAction(markers(t, menu)[0])
	if a.Link != "https://x.com/late/status/333" {
		t.Errorf("link: got %q", a.Link)
	}
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestController_LogsPlatformOnce(t *testing.T) {
	var out syncBuffer
	doc := htmltree.MustParse(timeline)
	clip := &clipboard.Memory{}
	ctrl, err := NewController(ControllerConfig{
		Host:          doc,
		Variant:       variant.PlatformA(),
		Settings:      config.NewStatic(config.Default().Settings()),
		Clipboard:     clip,
		FeedbackDelay: 20 * time.Millisecond,
		Throttle:      10 * time.Millisecond,
		Logger:        slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctrl.Close)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc.Click(doc.Query("#c1"))
	nodes, err := doc.AppendHTML(doc.Query("#layers"), xMenu)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "injection", func() bool { return ctrl.Stats().Injected == 1 })
	doc.Click(markers(t, nodes[0])[0])
	if _, ok := clip.Last(); !ok {
		t.Fatal("nothing copied")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected several log lines, got %d", len(lines))
	}
	for _, line := range lines {
		if n := strings.Count(line, `"platform":`); n != 1 {
			t.Errorf("platform attr %d times in %s", n, line)
		}
	}
}

func TestController_StopKeepsActions(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	menu := f.openMenu(t, "#c1")
	waitFor(t, "injection", func() bool { return len(markers(t, menu)) == 1 })
	f.ctrl.Stop()
	f.ctrl.Stop()

	if f.ctrl.Running() {
		t.Error("running after Stop")
	}
	if got := len(markers(t, menu)); got != 1 {
		t.Errorf("markers after Stop: got %d", got)
	}
	if !strings.Contains(f.doc.Render(), inject.MarkerAttr) {
		t.Error("action removed from document")
	}
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.ctrl.Running() {
		t.Error("not running after restart")
	}
}

func TestNewController_Validates(t *testing.T) {
	doc := htmltree.MustParse(timeline)
	st := config.NewStatic(nil)
	if _, err := NewController(ControllerConfig{Variant: variant.PlatformA(), Settings: st}); err == nil {
		t.Error("nil host accepted")
	}
	if _, err := NewController(ControllerConfig{Host: doc, Variant: variant.PlatformA()}); err == nil {
		t.Error("nil settings accepted")
	}
	if _, err := NewController(ControllerConfig{Host: doc, Settings: st}); err == nil {
		t.Error("empty variant accepted")
	}
}
