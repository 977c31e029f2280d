package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/fixlink/linkrewrite"
)

// Schema for the platform_settings table.
const Schema = `
CREATE TABLE IF NOT EXISTS platform_settings (
	platform         TEXT PRIMARY KEY,
	enabled          INTEGER NOT NULL DEFAULT 1,
	target_authority TEXT NOT NULL,
	updated_at       INTEGER NOT NULL
);
`

// Store is a Provider backed by the platform_settings table. Changes made
// by any connection are picked up by Watch and broadcast per platform.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	bc     broadcaster
	poll   *poller

	mu   sync.Mutex
	last map[string]Settings
}

// StoreOptions tunes change polling.
type StoreOptions struct {
	PollInterval time.Duration // default 200ms
	Debounce     time.Duration // default 500ms
	Logger       *slog.Logger
}

// NewStore wraps an opened database. The schema must already exist; see
// OpenDB.
func NewStore(db *sql.DB, opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Store{
		db:     db,
		logger: opts.Logger,
		poll: &poller{
			db:       db,
			interval: opts.PollInterval,
			debounce: opts.Debounce,
			version:  settingsVersion,
			logger:   opts.Logger,
		},
		last: make(map[string]Settings),
	}
}

// Seed inserts settings for platforms that have no row yet. Existing rows
// win over the file.
func (s *Store) Seed(ctx context.Context, settings map[string]Settings) error {
	for _, st := range settings {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO platform_settings (platform, enabled, target_authority, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(platform) DO NOTHING`,
			strings.ToLower(st.Platform), boolInt(st.Enabled), st.TargetAuthority, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("config: seed %s: %w", st.Platform, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, platform string) (Settings, error) {
	var st Settings
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT platform, enabled, target_authority
		FROM platform_settings WHERE platform = ?`,
		strings.ToLower(platform)).Scan(&st.Platform, &enabled, &st.TargetAuthority)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: get %s: %w", platform, err)
	}
	st.Enabled = enabled != 0
	return st, nil
}

// Put validates and upserts st, then bumps user_version so this process's
// own writes are seen by Watch.
func (s *Store) Put(ctx context.Context, st Settings) error {
	st.Platform = strings.ToLower(strings.TrimSpace(st.Platform))
	if st.Platform == "" {
		return fmt.Errorf("config: put: missing platform")
	}
	auth, err := linkrewrite.NormalizeAuthority(st.TargetAuthority)
	if err != nil {
		return fmt.Errorf("config: put %s: %w", st.Platform, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: put: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO platform_settings (platform, enabled, target_authority, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			enabled = excluded.enabled,
			target_authority = excluded.target_authority,
			updated_at = excluded.updated_at`,
		st.Platform, boolInt(st.Enabled), auth, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: put %s: %w", st.Platform, err)
	}

	var uv int64
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&uv); err != nil {
		return fmt.Errorf("config: put: user_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", (uv+1)&0x7fffffff)); err != nil {
		return fmt.Errorf("config: put: bump user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: put: commit: %w", err)
	}
	return nil
}

// List returns all platform settings ordered by platform.
func (s *Store) List(ctx context.Context) ([]Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, enabled, target_authority
		FROM platform_settings ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("config: list: %w", err)
	}
	defer rows.Close()

	var out []Settings
	for rows.Next() {
		var st Settings
		var enabled int
		if err := rows.Scan(&st.Platform, &enabled, &st.TargetAuthority); err != nil {
			return nil, fmt.Errorf("config: list: %w", err)
		}
		st.Enabled = enabled != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.bc.subscribe()
}

// Watch polls for changes until ctx is done, publishing one Change per
// platform whose row differs from the previous read.
func (s *Store) Watch(ctx context.Context) {
	if err := s.snapshot(ctx, false); err != nil {
		s.logger.Warn("config: initial settings read failed", "error", err)
	}
	s.logger.Info("config: watching settings",
		"interval", s.poll.interval, "debounce", s.poll.debounce)
	s.poll.run(ctx, func(ctx context.Context) error {
		return s.snapshot(ctx, true)
	})
}

// WatchStats reports poller counters.
func (s *Store) WatchStats() WatchStats { return s.poll.stats() }

func (s *Store) snapshot(ctx context.Context, publish bool) error {
	list, err := s.List(ctx)
	if err != nil {
		return err
	}
	cur := make(map[string]Settings, len(list))
	for _, st := range list {
		cur[st.Platform] = st
	}

	s.mu.Lock()
	var changed []string
	for name, st := range cur {
		if prev, ok := s.last[name]; !ok || prev != st {
			changed = append(changed, name)
		}
	}
	for name := range s.last {
		if _, ok := cur[name]; !ok {
			changed = append(changed, name)
		}
	}
	s.last = cur
	s.mu.Unlock()

	if publish {
		for _, name := range changed {
			s.logger.Info("config: platform settings changed", "platform", name)
			s.bc.publish(Change{Platform: name})
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
