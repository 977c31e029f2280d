package browser

import "testing"

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeHeadless, "Headless": ModeHeadless, "headful": ModeHeadful}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q): got %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("http"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestBlockSet(t *testing.T) {
	got := blockSet([]string{"images", "Fonts", "media", "stylesheet", "script", "xhr"})
	for _, want := range []string{"image", "font", "media", "stylesheet"} {
		if !got[want] {
			t.Errorf("%s not blocked", want)
		}
	}
	if got["script"] || got["xhr"] {
		t.Error("script or xhr blocked")
	}
}

func TestOriginOf(t *testing.T) {
	if got := originOf("https://x.com/home?x=1"); got != "https://x.com" {
		t.Errorf("got %q", got)
	}
	if got := originOf("not a url"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.MemoryLimit != 1<<30 || m.cfg.XvfbDisplay != ":99" || m.cfg.ViewportWidth != 1280 {
		t.Errorf("defaults: %+v", m.cfg)
	}
	remove := m.OnRecycle(RecycleHooks{})
	if len(m.snapshotHooks()) != 1 {
		t.Fatal("hook not registered")
	}
	remove()
	if len(m.snapshotHooks()) != 0 {
		t.Error("hook not removed")
	}
}
