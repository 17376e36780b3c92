package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), FileName)
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", FileName)

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveProcess(&ProcessRow{InstanceID: "a1b2", PID: 4242, CreateTime: 1700000000000}); err != nil {
		t.Fatalf("SaveProcess: %v", err)
	}
	db1.Close()

	// Reopen and verify
	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	p, err := db2.LoadProcess("a1b2")
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if p == nil {
		t.Fatal("Expected process row after reopen")
	}
	if p.PID != 4242 || p.CreateTime != 1700000000000 {
		t.Errorf("Unexpected data: %+v", p)
	}
}

func TestSaveLoadProcesses(t *testing.T) {
	db := newTestDB(t)

	started := time.Unix(1700000000, 0)
	for _, p := range []*ProcessRow{
		{InstanceID: "zz", PID: 2, StartedAt: started},
		{InstanceID: "aa", PID: 1, StartedAt: started},
	} {
		if err := db.SaveProcess(p); err != nil {
			t.Fatalf("SaveProcess: %v", err)
		}
	}

	loaded, err := db.LoadProcesses()
	if err != nil {
		t.Fatalf("LoadProcesses: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 processes, got %d", len(loaded))
	}
	if loaded[0].InstanceID != "aa" || loaded[1].InstanceID != "zz" {
		t.Errorf("Wrong order: %s, %s", loaded[0].InstanceID, loaded[1].InstanceID)
	}
	if !loaded[0].StartedAt.Equal(started) {
		t.Errorf("StartedAt mismatch: %v", loaded[0].StartedAt)
	}
}

func TestSaveProcessReplaces(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveProcess(&ProcessRow{InstanceID: "a1b2", PID: 10}); err != nil {
		t.Fatalf("SaveProcess: %v", err)
	}
	if err := db.SaveProcess(&ProcessRow{InstanceID: "a1b2", PID: 11}); err != nil {
		t.Fatalf("SaveProcess: %v", err)
	}

	all, _ := db.LoadProcesses()
	if len(all) != 1 || all[0].PID != 11 {
		t.Errorf("Expected single row with pid 11, got %+v", all)
	}
}

func TestDeleteProcess(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveProcess(&ProcessRow{InstanceID: "gone", PID: 7}); err != nil {
		t.Fatalf("SaveProcess: %v", err)
	}
	if err := db.DeleteProcess("gone"); err != nil {
		t.Fatalf("DeleteProcess: %v", err)
	}

	p, err := db.LoadProcess("gone")
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil after delete, got %+v", p)
	}

	// Deleting a missing row is not an error
	if err := db.DeleteProcess("never-existed"); err != nil {
		t.Errorf("DeleteProcess missing: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	count, err := db.AliveProcessCount()
	if err != nil {
		t.Fatalf("AliveProcessCount: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 alive, got %d", count)
	}

	rows, err := db.LoadHeartbeats()
	if err != nil {
		t.Fatalf("LoadHeartbeats: %v", err)
	}
	if len(rows) != 1 || rows[0].Role != "primary" || rows[0].PID != db.PID() {
		t.Errorf("Unexpected heartbeat rows: %+v", rows)
	}

	if err := db.UnregisterProcess(); err != nil {
		t.Fatalf("UnregisterProcess: %v", err)
	}

	count, _ = db.AliveProcessCount()
	if count != 0 {
		t.Errorf("Expected 0 alive after unregister, got %d", count)
	}
}

func TestHeartbeatCleanup(t *testing.T) {
	db := newTestDB(t)

	// Insert a fake stale heartbeat (pid=99999, heartbeat 2 minutes ago)
	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO heartbeats (pid, role, started, heartbeat, is_owner) VALUES (?, ?, ?, ?, ?)",
		99999, "secondary", stale, stale, 0,
	)
	if err != nil {
		t.Fatalf("Insert stale: %v", err)
	}

	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	if err := db.CleanDeadProcesses(30 * time.Second); err != nil {
		t.Fatalf("CleanDeadProcesses: %v", err)
	}

	rows, _ := db.LoadHeartbeats()
	if len(rows) != 1 {
		t.Errorf("Expected 1 heartbeat after cleanup, got %d", len(rows))
	}
}

func TestTouchAndLastModified(t *testing.T) {
	db := newTestDB(t)

	ts0, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts0 != 0 {
		t.Errorf("Expected 0 before any touch, got %d", ts0)
	}

	if err := db.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ts1, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts1 == 0 {
		t.Error("Expected non-zero timestamp after touch")
	}

	time.Sleep(time.Millisecond)
	_ = db.Touch()
	ts2, _ := db.LastModified()
	if ts2 <= ts1 {
		t.Errorf("Expected timestamp to increase: %d <= %d", ts2, ts1)
	}
}

func TestMetadata(t *testing.T) {
	db := newTestDB(t)

	val, err := db.GetMeta("nonexistent")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty for missing key, got %q", val)
	}

	if err := db.SetMeta("source_root", "/proj"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("source_root")
	if val != "/proj" {
		t.Errorf("Expected '/proj', got %q", val)
	}

	version, _ := db.GetMeta("schema_version")
	if version != fmt.Sprintf("%d", SchemaVersion) {
		t.Errorf("Expected schema_version %d, got %q", SchemaVersion, version)
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB(t)
	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = db.LoadProcesses()
				_, _ = db.AliveProcessCount()
			}
		}()
	}
	errCh := make(chan error, 3*10*3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id := fmt.Sprintf("inst-%d", idx)
				errCh <- db.SaveProcess(&ProcessRow{InstanceID: id, PID: 1000 + j})
				errCh <- db.Heartbeat()
				errCh <- db.Touch()
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent write failed: %v", err)
		}
	}

	all, err := db.LoadProcesses()
	if err != nil {
		t.Fatalf("LoadProcesses: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 process rows, got %d", len(all))
	}
}

func TestElectOwner_FirstProcess(t *testing.T) {
	db := newTestDB(t)
	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	owner, err := db.ElectOwner(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectOwner: %v", err)
	}
	if !owner {
		t.Error("First process should become owner")
	}

	owner, err = db.ElectOwner(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectOwner (repeat): %v", err)
	}
	if !owner {
		t.Error("Repeat election should keep ownership")
	}
}

func TestElectOwner_SecondProcess(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().Unix()
	_, err := db.DB().Exec(
		"INSERT INTO heartbeats (pid, role, started, heartbeat, is_owner) VALUES (?, ?, ?, ?, ?)",
		10001, "primary", now, now, 1,
	)
	if err != nil {
		t.Fatalf("Insert owner: %v", err)
	}
	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	owner, err := db.ElectOwner(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectOwner: %v", err)
	}
	if owner {
		t.Error("Second process should NOT become owner while first is alive")
	}
}

func TestElectOwner_Failover(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO heartbeats (pid, role, started, heartbeat, is_owner) VALUES (?, ?, ?, ?, ?)",
		10001, "primary", stale, stale, 1,
	)
	if err != nil {
		t.Fatalf("Insert stale owner: %v", err)
	}
	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	owner, err := db.ElectOwner(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectOwner: %v", err)
	}
	if !owner {
		t.Error("Should become owner after stale owner is cleared")
	}

	var staleOwner int
	err = db.DB().QueryRow("SELECT is_owner FROM heartbeats WHERE pid = 10001").Scan(&staleOwner)
	if err != nil {
		t.Fatalf("Query stale PID: %v", err)
	}
	if staleOwner != 0 {
		t.Error("Stale PID should have is_owner=0")
	}
}

func TestResignOwner(t *testing.T) {
	db := newTestDB(t)
	if err := db.RegisterProcess("primary"); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if owner, err := db.ElectOwner(30 * time.Second); err != nil || !owner {
		t.Fatalf("ElectOwner: owner=%v err=%v", owner, err)
	}

	if err := db.ResignOwner(); err != nil {
		t.Fatalf("ResignOwner: %v", err)
	}

	rows, _ := db.LoadHeartbeats()
	if len(rows) != 1 || rows[0].IsOwner {
		t.Errorf("Should not be owner after resign: %+v", rows)
	}

	owner, err := db.ElectOwner(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectOwner after resign: %v", err)
	}
	if !owner {
		t.Error("Should become owner again after resign")
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Hold two connections at once so the pool cannot hand back the same one.
	c1, err := db.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer c1.Close()
	c2, err := db.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer c2.Close()

	for i, c := range []*sql.Conn{c1, c2} {
		var timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Errorf("conn %d busy_timeout = %d, want 5000", i, timeout)
		}
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d journal_mode = %q, want wal", i, mode)
		}
	}
}

func TestConcurrentHandles_SameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()
	if err := a.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for i, db := range []*StateDB{a, b} {
		wg.Add(1)
		go func(idx int, db *StateDB) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				errCh <- db.SaveProcess(&ProcessRow{InstanceID: fmt.Sprintf("h%d-%d", idx, j), PID: j + 1})
				errCh <- db.Touch()
			}
		}(i, db)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	rows, err := a.LoadProcesses()
	if err != nil {
		t.Fatalf("LoadProcesses: %v", err)
	}
	if len(rows) != 20 {
		t.Errorf("Expected 20 process rows, got %d", len(rows))
	}
}
