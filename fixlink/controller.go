package fixlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/fixlink/internal/associate"
	"github.com/hazyhaar/fixlink/internal/clipboard"
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/detector"
	"github.com/hazyhaar/fixlink/internal/feedback"
	"github.com/hazyhaar/fixlink/internal/identity"
	"github.com/hazyhaar/fixlink/internal/idgen"
	"github.com/hazyhaar/fixlink/internal/inject"
	"github.com/hazyhaar/fixlink/internal/registry"
	"github.com/hazyhaar/fixlink/internal/trigger"
	"github.com/hazyhaar/fixlink/linkrewrite"
	"github.com/hazyhaar/fixlink/tree"
)

// clipboardTimeout bounds one clipboard write.
const clipboardTimeout = 5 * time.Second

// ControllerConfig wires a Controller. Host, Variant and Settings are
// required.
type ControllerConfig struct {
	Host     tree.Host
	Variant  Variant
	Settings Provider

	// Clipboard defaults to the OS clipboard.
	Clipboard clipboard.Writer
	// Feedback defaults to a feedback.DOM on Host.
	Feedback      feedback.Reporter
	FeedbackDelay time.Duration

	Throttle        time.Duration
	CleanupInterval time.Duration
	MaxBuffer       int
	TriggerTTL      time.Duration
	Radius          float64

	NewID  idgen.Generator
	Logger *slog.Logger
}

// Stats are cumulative controller counters plus the state of the parts it
// owns.
type Stats struct {
	Platform        string `json:"platform"`
	Enabled         bool   `json:"enabled"`
	TargetAuthority string `json:"target_authority"`

	Menus               uint64 `json:"menus"`
	Injected            uint64 `json:"injected"`
	Skipped             uint64 `json:"skipped"`
	AssociationFailures uint64 `json:"association_failures"`
	ExtractionFailures  uint64 `json:"extraction_failures"`
	InjectionFailures   uint64 `json:"injection_failures"`
	Activations         uint64 `json:"activations"`
	Copied              uint64 `json:"copied"`
	CopyFailures        uint64 `json:"copy_failures"`

	Detector detector.Stats `json:"detector"`
	Registry registry.Stats `json:"registry"`
}

// Controller runs one platform on one host. It owns the trigger record and
// the handled registry; nothing else mutates them.
type Controller struct {
	cfg     ControllerConfig
	variant Variant
	logger  *slog.Logger

	tracker   *trigger.Tracker
	extractor *identity.Extractor
	registry  *registry.Registry
	resolver  *associate.Resolver
	injector  *inject.Injector
	detector  *detector.Detector
	feedback  feedback.Reporter
	clip      clipboard.Writer

	// mu serialises HandleMenu: check-then-act on one menu must not
	// interleave with another call for the same menu.
	mu sync.Mutex

	smu      sync.RWMutex
	settings Settings

	// amu serialises applying settings to the detector.
	amu sync.Mutex

	run    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	menus, injected, skipped           atomic.Uint64
	assocFail, extractFail, injectFail atomic.Uint64
	activations, copied, copyFail      atomic.Uint64
}

// NewController builds a stopped Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("fixlink: controller: nil host")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("fixlink: controller: nil settings provider")
	}
	if err := cfg.Variant.Validate(); err != nil {
		return nil, fmt.Errorf("fixlink: controller: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clipboard == nil {
		cfg.Clipboard = clipboard.System{}
	}
	if cfg.FeedbackDelay <= 0 {
		cfg.FeedbackDelay = feedback.DefaultDelay
	}
	v := cfg.Variant
	logger := cfg.Logger.With("platform", v.Platform)

	c := &Controller{
		cfg:      cfg,
		variant:  v,
		logger:   logger,
		clip:     cfg.Clipboard,
		feedback: cfg.Feedback,
		settings: Settings{Platform: v.Platform},
	}
	if c.feedback == nil {
		c.feedback = feedback.NewDOM(cfg.Host, logger)
	}

	trackerOpts := []trigger.Option{trigger.WithLogger(logger)}
	if cfg.TriggerTTL > 0 {
		trackerOpts = append(trackerOpts, trigger.WithTTL(cfg.TriggerTTL))
	}
	c.tracker = trigger.New(trackerOpts...)
	c.extractor = identity.New(v, logger)
	c.registry = registry.New(c.extractor.Extract, inject.MarkerSelector)
	c.resolver = associate.New(c.tracker, logger)
	if cfg.Radius > 0 {
		c.resolver.Radius = cfg.Radius
	}
	c.injector = inject.New(cfg.Host, logger)
	if cfg.NewID != nil {
		c.injector.NewID = cfg.NewID
	}
	c.detector = detector.New(detector.Config{
		Host:         cfg.Host,
		Variant:      v,
		Tracker:      c.tracker,
		OnMenuReady:  c.menuReady,
		OnActivation: func(act tree.Activation) { c.HandleActivation(act) },
		OnRemoved:    func(nodes []tree.Node) { c.registry.Forget(nodes...) },
		OnCleanup: func() {
			if n := c.registry.Sweep(); n > 0 {
				logger.Debug("fixlink: swept detached items", "count", n)
			}
		},
		Throttle:        cfg.Throttle,
		CleanupInterval: cfg.CleanupInterval,
		MaxBuffer:       cfg.MaxBuffer,
		Logger:          logger,
	})
	return c, nil
}

// Platform returns the controller's platform name.
func (c *Controller) Platform() string { return c.variant.Platform }

// Start reads the platform settings, starts observing when enabled and
// follows setting changes until ctx is done or Stop is called. Starting a
// started controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before the first read so no change falls in between.
	changes, unsubscribe := c.cfg.Settings.Subscribe()
	done := make(chan struct{})
	c.ctx, c.cancel, c.done = ctx, cancel, done

	c.apply(ctx, c.loadSettings(ctx, c.Settings()))
	go c.watchSettings(ctx, changes, unsubscribe, done)
	return nil
}

// Stop stops observing and following settings. Actions already in the
// page and the registry are left as they are.
func (c *Controller) Stop() {
	c.run.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.run.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.detector.Stop()
}

// Close stops the controller and cancels pending feedback timers.
func (c *Controller) Close() {
	c.Stop()
	if d, ok := c.feedback.(*feedback.DOM); ok {
		d.Close()
	}
}

// Running reports whether the detector is observing.
func (c *Controller) Running() bool { return c.detector.Running() }

func (c *Controller) watchSettings(ctx context.Context, changes <-chan config.Change, unsubscribe func(), done chan<- struct{}) {
	defer close(done)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if !strings.EqualFold(ch.Platform, c.variant.Platform) {
				continue
			}
			c.apply(ctx, c.loadSettings(ctx, c.Settings()))
		}
	}
}

// loadSettings reads the current settings. A platform with no stored
// settings runs with the built-in authority; a failed read keeps prev.
func (c *Controller) loadSettings(ctx context.Context, prev Settings) Settings {
	st, err := c.cfg.Settings.Get(ctx, c.variant.Platform)
	switch {
	case err == nil:
		return st
	case errors.Is(err, config.ErrUnknownPlatform):
		auth, ok := config.DefaultAuthorities[c.variant.Platform]
		c.logger.Info("fixlink: no stored settings, using defaults", "enabled", ok, "target_authority", auth)
		return Settings{Platform: c.variant.Platform, Enabled: ok, TargetAuthority: auth}
	default:
		c.logger.Warn("fixlink: settings read failed, keeping previous", "error", err)
		return prev
	}
}

// apply records st and starts or stops the detector to match it. A
// (re)start scans the page so menus already open are handled.
func (c *Controller) apply(ctx context.Context, st Settings) {
	c.amu.Lock()
	defer c.amu.Unlock()

	c.smu.Lock()
	prev := c.settings
	c.settings = st
	c.smu.Unlock()
	if prev != st {
		c.logger.Info("fixlink: settings applied",
			"enabled", st.Enabled, "target_authority", st.TargetAuthority)
	}

	switch {
	case st.Enabled && !c.detector.Running():
		if err := c.detector.Start(ctx); err != nil {
			c.logger.Error("fixlink: detector start failed", "error", err)
			return
		}
		if n := c.detector.Scan(); n > 0 {
			c.logger.Debug("fixlink: open menus found at start", "count", n)
		}
	case !st.Enabled && c.detector.Running():
		c.detector.Stop()
	}
}

// Settings returns the settings snapshot in effect.
func (c *Controller) Settings() Settings {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.settings
}

// HandleMenu adds the action to menu unless it already has one or the post
// cannot be identified. It reports whether an action was inserted. Safe to
// call any number of times for the same menu.
func (c *Controller) HandleMenu(menu tree.Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.menus.Add(1)

	if inject.HasMarker(menu) {
		c.skipped.Add(1)
		return false
	}
	st := c.Settings()
	if !st.Enabled {
		c.skipped.Add(1)
		return false
	}

	item, tier := c.resolver.Resolve(c.cfg.Host, menu, c.variant)
	if item == nil {
		c.assocFail.Add(1)
		c.logger.Debug("fixlink: no post for menu", "menu", menu)
		return false
	}
	if c.registry.IsHandled(item, true) {
		c.skipped.Add(1)
		return false
	}

	link, ok := c.extractor.CanonicalLink(item)
	if !ok {
		c.extractFail.Add(1)
		c.logger.Debug("fixlink: no canonical link", "item", item, "tier", tier)
		return false
	}

	action, err := c.injector.CreateAction(link, st.TargetAuthority, c.variant.Platform, c.variant)
	if err != nil {
		c.injectFail.Add(1)
		c.logger.Warn("fixlink: create action failed", "link", link, "error", err)
		return false
	}
	ok, err = c.injector.Inject(action, menu, c.variant)
	if err != nil || !ok {
		c.injectFail.Add(1)
		c.logger.Warn("fixlink: inject failed", "link", link, "error", err)
		return false
	}
	if err := c.registry.MarkHandled(item); err != nil {
		c.logger.Warn("fixlink: mark handled failed", "error", err)
	}

	c.injected.Add(1)
	c.logger.Debug("fixlink: action injected", "link", link, "tier", tier, "action_id", action.ID)
	return true
}

// menuReady tells the detector whether to stop offering menu: true once
// it carries an action, false otherwise so a later notification retries.
func (c *Controller) menuReady(menu tree.Node) bool {
	if c.HandleMenu(menu) {
		return true
	}
	return inject.HasMarker(menu)
}

// HandleActivation copies the rewritten link when act targets one of this
// platform's actions, and reports the outcome on the action node. It
// returns false for activations elsewhere.
func (c *Controller) HandleActivation(act tree.Activation) bool {
	node := inject.FindAction(act.Target)
	if node == nil {
		return false
	}
	a, ok := inject.ReadAction(node)
	if !ok || !strings.EqualFold(a.Platform, c.variant.Platform) {
		return false
	}
	c.activations.Add(1)

	fixed, err := linkrewrite.Transform(a.Link, a.Authority)
	if err != nil {
		c.copyFail.Add(1)
		c.logger.Warn("fixlink: rewrite failed", "link", a.Link, "target_authority", a.Authority, "error", err)
		c.feedback.ShowError(node, "Invalid link", a.Platform)
		c.feedback.HideAfterDelay(node, c.cfg.FeedbackDelay)
		return true
	}

	ctx, cancel := context.WithTimeout(c.runContext(), clipboardTimeout)
	defer cancel()
	if err := c.clip.WriteText(ctx, fixed); err != nil {
		c.copyFail.Add(1)
		c.logger.Warn("fixlink: clipboard write failed", "error", err)
		c.feedback.ShowError(node, "Could not copy link", a.Platform)
		c.feedback.HideAfterDelay(node, c.cfg.FeedbackDelay)
		return true
	}

	c.copied.Add(1)
	c.logger.Info("fixlink: link copied", "link", fixed, "action_id", a.ID)
	c.feedback.ShowSuccess(node, a.Platform)
	c.feedback.HideAfterDelay(node, c.cfg.FeedbackDelay)
	return true
}

func (c *Controller) runContext() context.Context {
	c.run.Lock()
	defer c.run.Unlock()
	if c.ctx != nil && c.cancel != nil {
		return c.ctx
	}
	return context.Background()
}

// Rewrite swaps link's authority for the current target authority.
func (c *Controller) Rewrite(link string) (string, error) {
	return linkrewrite.Transform(link, c.Settings().TargetAuthority)
}

// ResetHandled forgets the durable post identifiers, so posts seen before
// can be handled again once their menus reopen.
func (c *Controller) ResetHandled() { c.registry.Reset() }

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	st := c.Settings()
	return Stats{
		Platform:            c.variant.Platform,
		Enabled:             st.Enabled,
		TargetAuthority:     st.TargetAuthority,
		Menus:               c.menus.Load(),
		Injected:            c.injected.Load(),
		Skipped:             c.skipped.Load(),
		AssociationFailures: c.assocFail.Load(),
		ExtractionFailures:  c.extractFail.Load(),
		InjectionFailures:   c.injectFail.Load(),
		Activations:         c.activations.Load(),
		Copied:              c.copied.Load(),
		CopyFailures:        c.copyFail.Load(),
		Detector:            c.detector.Stats(),
		Registry:            c.registry.Stats(),
	}
}
