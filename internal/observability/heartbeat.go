// Package observability records periodic liveness rows in the settings
// database: process runtime metrics plus fixlink's running totals.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Schema is the heartbeats table.
const Schema = `
CREATE TABLE IF NOT EXISTS heartbeats (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_name      TEXT NOT NULL,
	hostname         TEXT NOT NULL,
	worker_pid       INTEGER NOT NULL,
	timestamp        INTEGER NOT NULL,
	goroutines_count INTEGER,
	memory_alloc_mb  REAL,
	memory_sys_mb    REAL,
	gc_count         INTEGER,
	pages            INTEGER NOT NULL DEFAULT 0,
	injected         INTEGER NOT NULL DEFAULT 0,
	copied           INTEGER NOT NULL DEFAULT 0,
	failures         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
	ON heartbeats(worker_name, timestamp DESC);
`

// Init creates the heartbeats table.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: schema: %w", err)
	}
	return nil
}

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int     `json:"goroutines_count"`
	MemoryAllocMB   float64 `json:"memory_alloc_mb"`
	MemorySysMB     float64 `json:"memory_sys_mb"`
	GCCount         uint32  `json:"gc_count"`
}

func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// Totals are the fixlink counters summed over every page.
type Totals struct {
	Pages    int   `json:"pages"`
	Injected int64 `json:"injected"`
	Copied   int64 `json:"copied"`
	Failures int64 `json:"failures"`
}

// HeartbeatWriter writes a row every interval until Stop or ctx is done.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	totals     func() Totals
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer. totals may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, totals func() Totals, logger *slog.Logger) *HeartbeatWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if totals == nil {
		totals = func() Totals { return Totals{} }
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		totals:     totals,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes one heartbeat immediately, then one per interval.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop ends the loop and waits for it. Start must have been called.
func (hw *HeartbeatWriter) Stop() {
	hw.stopOnce.Do(func() { close(hw.stop) })
	<-hw.done
}

// WriteHeartbeat inserts a single row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	t := hw.totals()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count,
			pages, injected, copied, failures
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount,
		t.Pages, t.Injected, t.Copied, t.Failures)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	hw.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			hw.beat(ctx)
		}
	}
}

func (hw *HeartbeatWriter) beat(ctx context.Context) {
	if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
		hw.logger.Error("observability: heartbeat write failed", "worker", hw.workerName, "error", err)
	}
}

// HeartbeatStatus is the latest heartbeat of a worker. Alive is false once
// the row is older than the staleness threshold.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	RuntimeMetrics
	Totals
	Alive bool `json:"alive"`
}

// LatestHeartbeat returns the newest row for workerName, or nil, nil when
// none has been written.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleness time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count,
		       pages, injected, copied, failures
		FROM heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, workerName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount,
		&hs.Pages, &hs.Injected, &hs.Copied, &hs.Failures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleness
	return &hs, nil
}

// CleanupHeartbeats deletes rows older than retention.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	res, err := db.ExecContext(ctx, "DELETE FROM heartbeats WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
