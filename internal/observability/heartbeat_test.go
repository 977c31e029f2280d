package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount < 1 || m.MemorySysMB <= 0 {
		t.Errorf("metrics: %+v", m)
	}
}

func TestHeartbeat_WriteAndLatest(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "fixlink", time.Minute)
	if err != nil || hs != nil {
		t.Fatalf("empty table: %+v %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "fixlink", time.Hour, func() Totals {
		return Totals{Pages: 2, Injected: 5, Copied: 3, Failures: 1}
	}, nil)
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	hs, err = LatestHeartbeat(ctx, db, "fixlink", time.Minute)
	if err != nil || hs == nil {
		t.Fatalf("latest: %+v %v", hs, err)
	}
	if !hs.Alive {
		t.Error("fresh heartbeat not alive")
	}
	if hs.Pages != 2 || hs.Injected != 5 || hs.Copied != 3 || hs.Failures != 1 {
		t.Errorf("totals: %+v", hs.Totals)
	}
	if other, _ := LatestHeartbeat(ctx, db, "other", time.Minute); other != nil {
		t.Error("heartbeat of another worker returned")
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	db := setupDB(t)
	hw := NewHeartbeatWriter(db, "fixlink", 10*time.Millisecond, nil, nil)
	hw.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		db.QueryRow("SELECT COUNT(*) FROM heartbeats").Scan(&n)
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	hw.Stop()
	hw.Stop()
	if n < 2 {
		t.Fatalf("heartbeats: got %d, want >= 2", n)
	}
}

func TestCleanupHeartbeats(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := db.Exec(`INSERT INTO heartbeats (worker_name, hostname, worker_pid, timestamp)
		VALUES ('fixlink', 'h', 1, ?)`, old); err != nil {
		t.Fatal(err)
	}
	hw := NewHeartbeatWriter(db, "fixlink", time.Hour, nil, nil)
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := CleanupHeartbeats(ctx, db, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted: got %d, want 1", n)
	}

	hs, _ := LatestHeartbeat(ctx, db, "fixlink", time.Minute)
	if hs == nil || !hs.Alive {
		t.Errorf("recent heartbeat lost: %+v", hs)
	}
}
