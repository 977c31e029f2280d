package fixlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/fixlink/internal/clipboard"
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/linkrewrite"
	"github.com/hazyhaar/fixlink/tree/htmltree"
)

// testService returns a Service with one in-memory page attached as "feed".
func testService(t *testing.T) (*Service, *htmltree.Document) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Detector.Throttle = 10 * time.Millisecond
	s := NewService(cfg, nil, nil)
	t.Cleanup(s.Stop)

	doc := htmltree.MustParse(timeline)
	if _, err := s.Attach(context.Background(), "feed", doc, variant.PlatformA(), &clipboard.Memory{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return s, doc
}

func TestService_AttachAndStats(t *testing.T) {
	s, doc := testService(t)

	ctrl, ok := s.Controller("feed")
	if !ok || !ctrl.Running() {
		t.Fatal("controller not running")
	}
	if _, err := s.Attach(context.Background(), "feed", doc, variant.PlatformA(), nil); err == nil {
		t.Error("duplicate page id accepted")
	}

	doc.Click(doc.Query("#c1"))
	if _, err := doc.AppendHTML(doc.Query("#layers"), xMenu); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "injection", func() bool {
		st := s.Stats()
		return len(st) == 1 && st[0].Injected == 1
	})
	if st := s.Stats()[0]; st.ID != "feed" || st.Platform != "x" || st.TargetAuthority != "fixvx.com" {
		t.Errorf("stats: %+v", st)
	}
	if tot := s.Totals(); tot.Pages != 1 || tot.Injected != 1 {
		t.Errorf("totals: %+v", tot)
	}

	if err := s.Detach("feed"); err != nil {
		t.Fatal(err)
	}
	if ctrl.Running() {
		t.Error("controller running after Detach")
	}
	if err := s.Detach("feed"); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("second Detach: got %v", err)
	}
}

func TestService_ConcurrentAttachSameID(t *testing.T) {
	s := NewService(DefaultConfig(), nil, nil)
	t.Cleanup(s.Stop)
	doc := htmltree.MustParse(timeline)

	const n = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ctrls []*Controller
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ctrl, err := s.Attach(context.Background(), "feed", doc, variant.PlatformA(), &clipboard.Memory{})
			if err != nil {
				return
			}
			mu.Lock()
			ctrls = append(ctrls, ctrl)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if len(ctrls) != 1 {
		t.Fatalf("successful attaches: got %d, want 1", len(ctrls))
	}
	got, ok := s.Controller("feed")
	if !ok || got != ctrls[0] {
		t.Errorf("tracked controller differs from the one returned")
	}
	if st := s.Stats(); len(st) != 1 {
		t.Errorf("stats entries: got %d, want 1", len(st))
	}
}

func TestService_Rewrite(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	tests := []struct {
		raw, authority, want string
	}{
		{"https://x.com/acct/status/123", "", "https://fixvx.com/acct/status/123"},
		{"https://www.instagram.com/p/ABC123/?utm=1#c", "", "https://kkinstagram.com/p/ABC123/?utm=1#c"},
		{"https://twitter.com/acct/status/9", "vxtwitter.com", "https://vxtwitter.com/acct/status/9"},
		{"https://example.com/a", "fixvx.com", "https://fixvx.com/a"},
	}
	for _, tt := range tests {
		got, err := s.Rewrite(ctx, tt.raw, tt.authority)
		if err != nil {
			t.Errorf("Rewrite(%q, %q): %v", tt.raw, tt.authority, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Rewrite(%q, %q): got %q, want %q", tt.raw, tt.authority, got, tt.want)
		}
	}

	if _, err := s.Rewrite(ctx, "https://example.com/a", ""); !errors.Is(err, ErrNoVariant) {
		t.Errorf("unknown host: got %v", err)
	}
	if _, err := s.Rewrite(ctx, "https://x.com/a", "http://fixvx.com"); !errors.Is(err, linkrewrite.ErrInvalidAuthority) {
		t.Errorf("bad authority: got %v", err)
	}
	if _, err := s.Rewrite(ctx, "not a url", "fixvx.com"); !errors.Is(err, linkrewrite.ErrInvalidURL) {
		t.Errorf("bad url: got %v", err)
	}
}

func TestService_PutSettingsReachesController(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	if err := s.PutSettings(ctx, Settings{Platform: "x", Enabled: false, TargetAuthority: "fixvx.com"}); err != nil {
		t.Fatal(err)
	}
	ctrl, _ := s.Controller("feed")
	waitFor(t, "controller disabled", func() bool { return !ctrl.Running() })

	list, err := s.ListSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Platform != "instagram" || list[1].Enabled {
		t.Errorf("ListSettings: %+v", list)
	}
}

type readOnly struct{ config.Provider }

func TestService_ReadOnlySettings(t *testing.T) {
	s := NewService(DefaultConfig(), readOnly{config.NewStatic(config.Default().Settings())}, nil)
	t.Cleanup(s.Stop)
	err := s.PutSettings(context.Background(), Settings{Platform: "x", TargetAuthority: "fixvx.com"})
	if !errors.Is(err, ErrReadOnlySettings) {
		t.Fatalf("got %v, want ErrReadOnlySettings", err)
	}
	list, err := s.ListSettings(context.Background())
	if err != nil || len(list) != 2 {
		t.Errorf("ListSettings fallback: %+v %v", list, err)
	}
}

func TestVariantForPage(t *testing.T) {
	tests := []struct {
		pg   PageConfig
		want string
	}{
		{PageConfig{ID: "a", URL: "https://x.com/home"}, "x"},
		{PageConfig{ID: "b", URL: "https://www.instagram.com/"}, "instagram"},
		{PageConfig{ID: "c", URL: "https://example.com/", Platform: "x"}, "x"},
	}
	for _, tt := range tests {
		v, err := variantForPage(tt.pg)
		if err != nil || v.Platform != tt.want {
			t.Errorf("%s: got %q %v, want %q", tt.pg.ID, v.Platform, err, tt.want)
		}
	}
	if _, err := variantForPage(PageConfig{ID: "d", URL: "https://example.com/"}); !errors.Is(err, ErrNoVariant) {
		t.Errorf("unknown host: got %v", err)
	}
	if _, err := variantForPage(PageConfig{ID: "e", URL: "https://x.com/", Platform: "myspace"}); err == nil {
		t.Error("unknown platform accepted")
	}
}
