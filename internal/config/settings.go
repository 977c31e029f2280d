package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/fixlink/linkrewrite"
)

// ErrUnknownPlatform is returned by Get for a platform with no settings.
var ErrUnknownPlatform = errors.New("config: unknown platform")

// Settings are the two values the controller consumes per platform.
type Settings struct {
	Platform        string `json:"platform"`
	Enabled         bool   `json:"enabled"`
	TargetAuthority string `json:"target_authority"`
}

// Change announces that a platform's settings may differ from the last
// read. Receivers call Get again.
type Change struct {
	Platform string `json:"platform"`
}

// Provider is the configuration collaborator.
type Provider interface {
	Get(ctx context.Context, platform string) (Settings, error)
	// Subscribe returns a change stream and a function that ends it.
	Subscribe() (<-chan Change, func())
}

// broadcaster fans Change values out to subscribers. Slow subscribers
// lose changes rather than block the publisher; a lost Change only delays
// a re-read until the next one.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Change
}

func (b *broadcaster) subscribe() (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Change)
	}
	id := b.next
	b.next++
	ch := make(chan Change, 16)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Static is an in-memory Provider seeded from the file configuration.
// Set updates a platform and notifies subscribers.
type Static struct {
	mu       sync.RWMutex
	settings map[string]Settings
	bc       broadcaster
}

// NewStatic creates a Static provider from settings keyed by platform.
func NewStatic(settings map[string]Settings) *Static {
	s := &Static{settings: make(map[string]Settings, len(settings))}
	for k, v := range settings {
		s.settings[strings.ToLower(k)] = v
	}
	return s
}

func (s *Static) Get(_ context.Context, platform string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[strings.ToLower(platform)]
	if !ok {
		return Settings{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return st, nil
}

// Set replaces a platform's settings after normalising the authority.
func (s *Static) Set(st Settings) error {
	st.Platform = strings.ToLower(strings.TrimSpace(st.Platform))
	if st.Platform == "" {
		return fmt.Errorf("config: set: missing platform")
	}
	auth, err := linkrewrite.NormalizeAuthority(st.TargetAuthority)
	if err != nil {
		return fmt.Errorf("config: set %s: %w", st.Platform, err)
	}
	st.TargetAuthority = auth

	s.mu.Lock()
	s.settings[st.Platform] = st
	s.mu.Unlock()
	s.bc.publish(Change{Platform: st.Platform})
	return nil
}

// Put is Set with the Store signature.
func (s *Static) Put(_ context.Context, st Settings) error { return s.Set(st) }

// List returns all platform settings ordered by platform.
func (s *Static) List(_ context.Context) ([]Settings, error) {
	s.mu.RLock()
	out := make([]Settings, 0, len(s.settings))
	for _, st := range s.settings {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *Static) Subscribe() (<-chan Change, func()) {
	return s.bc.subscribe()
}
