package fixlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/fixlink/internal/browser"
	"github.com/hazyhaar/fixlink/internal/cdptree"
	"github.com/hazyhaar/fixlink/internal/clipboard"
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/observability"
	"github.com/hazyhaar/fixlink/internal/variant"
	"github.com/hazyhaar/fixlink/linkrewrite"
	"github.com/hazyhaar/fixlink/tree"
)

var (
	// ErrUnknownPage is returned for a page ID that is not attached.
	ErrUnknownPage = errors.New("fixlink: unknown page")
	// ErrNoVariant is returned when no built-in platform matches.
	ErrNoVariant = errors.New("fixlink: no platform for host")
	// ErrReadOnlySettings is returned by PutSettings when the provider
	// cannot be written.
	ErrReadOnlySettings = errors.New("fixlink: settings are read-only")
)

// settingsWriter is implemented by config.Static and config.Store.
type settingsWriter interface {
	Put(ctx context.Context, st Settings) error
}

// settingsLister is implemented by config.Static and config.Store.
type settingsLister interface {
	List(ctx context.Context) ([]Settings, error)
}

type page struct {
	cfg  PageConfig
	ctrl *Controller
	tab  *browser.Tab
	host *cdptree.Host
}

func (p *page) close() {
	p.ctrl.Close()
	if p.host != nil {
		p.host.Close()
	}
	if p.tab != nil {
		p.tab.Close()
	}
}

// Service is the top-level orchestrator: it drives Chrome, opens every
// configured page and runs one Controller per page. Create one per
// process.
type Service struct {
	cfg      *Config
	settings Provider
	mgr      *browser.Manager
	logger   *slog.Logger

	mu    sync.Mutex
	pages map[string]*page // keyed by page ID
	// attaching reserves page IDs whose controller is still starting.
	attaching map[string]struct{}
	// reopen holds the browser-backed pages closed by a recycle.
	reopen []PageConfig

	removeHooks func()
}

// NewService creates a Service. settings nil means the file settings of
// cfg, held in memory.
func NewService(cfg *Config, settings Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if settings == nil {
		settings = config.NewStatic(cfg.Settings())
	}

	mode, err := browser.ParseMode(cfg.Browser.Stealth)
	if err != nil {
		logger.Warn("fixlink: unknown browser mode, using headless", "mode", cfg.Browser.Stealth)
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})

	return &Service{
		cfg:      cfg,
		settings: settings,
		mgr:      mgr,
		logger:   logger,
		pages:    make(map[string]*page),

		attaching: make(map[string]struct{}),
	}
}

// Start launches the browser and opens every configured page. A page that
// fails to open is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.mgr.Start(ctx); err != nil {
		return fmt.Errorf("fixlink: start browser: %w", err)
	}

	s.removeHooks = s.mgr.OnRecycle(browser.RecycleHooks{
		Before: s.closeBrowserPages,
		After:  func(ctx context.Context, _ *rod.Browser) { s.reopenPages(ctx) },
	})

	for _, pg := range s.cfg.Pages {
		if err := s.ObservePage(ctx, pg); err != nil {
			s.logger.Error("fixlink: failed to observe page", "url", pg.URL, "error", err)
		}
	}
	return nil
}

// ObservePage opens pg in a new tab and attaches a controller to it.
func (s *Service) ObservePage(ctx context.Context, pg PageConfig) error {
	v, err := variantForPage(pg)
	if err != nil {
		return err
	}

	tab, err := browser.OpenTab(ctx, s.mgr, pg.URL, pg.ID)
	if err != nil {
		return fmt.Errorf("fixlink: open tab: %w", err)
	}
	host, err := cdptree.New(ctx, tab.Page, s.logger)
	if err != nil {
		tab.Close()
		return fmt.Errorf("fixlink: attach page: %w", err)
	}
	clip := &clipboard.Page{Eval: host, Fallback: clipboard.System{}, Logger: s.logger}

	if _, err := s.attach(ctx, pg, v, host, clip, func(p *page) { p.tab, p.host = tab, host }); err != nil {
		host.Close()
		tab.Close()
		return err
	}
	s.logger.Info("fixlink: observing page", "url", pg.URL, "id", pg.ID, "platform", v.Platform)
	return nil
}

// Attach runs a controller for v on an already available host, such as an
// in-memory document. The page is tracked under id like a browser page.
func (s *Service) Attach(ctx context.Context, id string, host tree.Host, v Variant, clip clipboard.Writer) (*Controller, error) {
	pg := PageConfig{ID: id, Platform: v.Platform}
	return s.attach(ctx, pg, v, host, clip, nil)
}

// attach reserves pg.ID before building the controller, so concurrent
// attaches of one ID yield exactly one page.
func (s *Service) attach(ctx context.Context, pg PageConfig, v Variant, host tree.Host, clip clipboard.Writer, fill func(*page)) (*Controller, error) {
	if pg.ID == "" {
		return nil, fmt.Errorf("fixlink: attach: missing page id")
	}
	s.mu.Lock()
	_, dup := s.pages[pg.ID]
	_, busy := s.attaching[pg.ID]
	if dup || busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("fixlink: page %s already attached", pg.ID)
	}
	s.attaching[pg.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.attaching, pg.ID)
		s.mu.Unlock()
	}()

	dc := s.cfg.Detector
	ctrl, err := NewController(ControllerConfig{
		Host:            host,
		Variant:         v,
		Settings:        s.settings,
		Clipboard:       clip,
		Throttle:        dc.Throttle,
		CleanupInterval: dc.CleanupInterval,
		MaxBuffer:       dc.MaxBuffer,
		TriggerTTL:      dc.TriggerTTL,
		Radius:          dc.GeometryRadius,
		Logger:          s.logger.With("page", pg.ID),
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, fmt.Errorf("fixlink: start controller: %w", err)
	}

	p := &page{cfg: pg, ctrl: ctrl}
	if fill != nil {
		fill(p)
	}
	s.mu.Lock()
	s.pages[pg.ID] = p
	s.mu.Unlock()
	return ctrl, nil
}

// Detach stops and closes one page.
func (s *Service) Detach(id string) error {
	s.mu.Lock()
	p, ok := s.pages[id]
	delete(s.pages, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	p.close()
	return nil
}

// Controller returns the controller attached under id.
func (s *Service) Controller(id string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, false
	}
	return p.ctrl, true
}

// Stop closes every page and the browser.
func (s *Service) Stop() {
	if s.removeHooks != nil {
		s.removeHooks()
	}

	s.mu.Lock()
	pages := s.pages
	s.pages = make(map[string]*page)
	s.reopen = nil
	s.mu.Unlock()

	for id, p := range pages {
		p.close()
		s.logger.Info("fixlink: stopped page", "id", id)
	}
	s.mgr.Close()
}

// closeBrowserPages runs before a browser recycle: tabs are about to die,
// so their controllers stop now and the pages are remembered for reopen.
func (s *Service) closeBrowserPages() {
	s.mu.Lock()
	var closing []*page
	for id, p := range s.pages {
		if p.tab == nil {
			continue
		}
		closing = append(closing, p)
		s.reopen = append(s.reopen, p.cfg)
		delete(s.pages, id)
	}
	s.mu.Unlock()

	for _, p := range closing {
		p.close()
	}
	s.logger.Info("fixlink: pages closed for recycle", "count", len(closing))
}

func (s *Service) reopenPages(ctx context.Context) {
	s.mu.Lock()
	pending := s.reopen
	s.reopen = nil
	s.mu.Unlock()

	for _, pg := range pending {
		if err := s.ObservePage(ctx, pg); err != nil {
			s.logger.Error("fixlink: reopen page failed", "url", pg.URL, "error", err)
		}
	}
}

// Rewrite swaps the authority of raw. An empty authority selects the
// configured target authority of the platform owning raw's host.
func (s *Service) Rewrite(ctx context.Context, raw, authority string) (string, error) {
	if strings.TrimSpace(authority) == "" {
		u, err := linkrewrite.Parse(raw)
		if err != nil {
			return "", err
		}
		v, ok := variant.ForHost(u.Host)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoVariant, u.Host)
		}
		st, err := s.settings.Get(ctx, v.Platform)
		switch {
		case errors.Is(err, config.ErrUnknownPlatform):
			authority = config.DefaultAuthorities[v.Platform]
		case err != nil:
			return "", err
		default:
			authority = st.TargetAuthority
		}
	}
	return linkrewrite.Transform(raw, authority)
}

// PageStats are the stats of one attached page.
type PageStats struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
	Stats
}

// Stats returns one entry per attached page, ordered by page ID.
func (s *Service) Stats() []PageStats {
	s.mu.Lock()
	pages := make([]*page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.mu.Unlock()

	out := make([]PageStats, 0, len(pages))
	for _, p := range pages {
		out = append(out, PageStats{ID: p.cfg.ID, URL: p.cfg.URL, Stats: p.ctrl.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Totals sums the counters of every attached page.
func (s *Service) Totals() observability.Totals {
	var t observability.Totals
	for _, ps := range s.Stats() {
		t.Pages++
		t.Injected += int64(ps.Injected)
		t.Copied += int64(ps.Copied)
		t.Failures += int64(ps.AssociationFailures + ps.ExtractionFailures +
			ps.InjectionFailures + ps.CopyFailures)
	}
	return t
}

// ListSettings returns the settings of every known platform.
func (s *Service) ListSettings(ctx context.Context) ([]Settings, error) {
	if l, ok := s.settings.(settingsLister); ok {
		return l.List(ctx)
	}
	var out []Settings
	for _, name := range []string{variant.PlatformA().Platform, variant.PlatformB().Platform} {
		st, err := s.settings.Get(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// PutSettings stores st. Running controllers of that platform pick it up
// through the provider's change stream.
func (s *Service) PutSettings(ctx context.Context, st Settings) error {
	w, ok := s.settings.(settingsWriter)
	if !ok {
		return ErrReadOnlySettings
	}
	return w.Put(ctx, st)
}

func variantForPage(pg PageConfig) (Variant, error) {
	if pg.Platform != "" {
		v, ok := variant.Builtin(pg.Platform)
		if !ok {
			return Variant{}, fmt.Errorf("fixlink: page %s: unknown platform %q", pg.ID, pg.Platform)
		}
		return v, nil
	}
	u, err := url.Parse(pg.URL)
	if err != nil {
		return Variant{}, fmt.Errorf("fixlink: page %s: %w", pg.ID, err)
	}
	v, ok := variant.ForHost(u.Hostname())
	if !ok {
		return Variant{}, fmt.Errorf("%w: %s", ErrNoVariant, u.Hostname())
	}
	return v, nil
}
