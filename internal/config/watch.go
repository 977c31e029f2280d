package config

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// versionFunc reads a change token from the database. Two different values
// mean something changed.
type versionFunc func(ctx context.Context, db *sql.DB) (int64, error)

// settingsVersion combines PRAGMA data_version, which moves when another
// connection commits, with PRAGMA user_version, which Store.Put bumps for
// writes made on this connection pool.
func settingsVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var data, user int64
	if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&data); err != nil {
		return 0, err
	}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&user); err != nil {
		return 0, err
	}
	return data<<32 | (user & 0xffffffff), nil
}

// poller polls a database for changes and runs reload once the token has
// been stable for the debounce window.
type poller struct {
	db       *sql.DB
	interval time.Duration
	debounce time.Duration
	version  versionFunc
	logger   *slog.Logger

	current atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// WatchStats are point-in-time poller counters.
type WatchStats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

func (p *poller) stats() WatchStats {
	return WatchStats{
		Checks:  p.checks.Load(),
		Changes: p.changes.Load(),
		Errors:  p.errors.Load(),
		Reloads: p.reloads.Load(),
	}
}

// run blocks until ctx is done. A failing reload leaves the token
// unadvanced so it is retried on the next poll.
func (p *poller) run(ctx context.Context, reload func(context.Context) error) {
	if v, err := p.version(ctx, p.db); err != nil {
		p.logger.Warn("config: initial version check failed", "error", err)
	} else {
		p.current.Store(v)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			p.checks.Add(1)
			cur, err := p.version(ctx, p.db)
			if err != nil {
				p.errors.Add(1)
				if ctx.Err() == nil {
					p.logger.Warn("config: version check failed", "error", err)
				}
				continue
			}
			if cur == p.current.Load() || cur == pending {
				continue
			}
			p.changes.Add(1)
			pending = cur
			if p.debounce <= 0 {
				p.fire(ctx, reload, pending)
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(p.debounce)
			debounceCh = debounceTimer.C
			p.logger.Debug("config: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				p.fire(ctx, reload, pending)
				pending = -1
			}
		}
	}
}

func (p *poller) fire(ctx context.Context, reload func(context.Context) error, ver int64) {
	if err := reload(ctx); err != nil {
		p.errors.Add(1)
		p.logger.Error("config: reload failed", "error", err, "version", ver)
		return
	}
	p.reloads.Add(1)
	p.current.Store(ver)
	p.logger.Debug("config: settings reloaded", "version", ver)
}
