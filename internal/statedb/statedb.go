package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// FileName is the database file inside an instances root.
const FileName = "state.db"

// StateDB wraps a SQLite database holding runtime state that must survive an
// orchestrator restart: the process table of running secondaries and the
// heartbeats of orchestrator processes.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// ProcessRow is a spawned secondary process.
type ProcessRow struct {
	InstanceID string
	PID        int
	// CreateTime is the OS process creation time in milliseconds since the
	// epoch, used to reject a recycled PID on reattach.
	CreateTime int64
	StartedAt  time.Time
}

// HeartbeatRow is one live orchestrator process.
type HeartbeatRow struct {
	PID       int
	Role      string
	Started   time.Time
	Heartbeat time.Time
	IsOwner   bool
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them. WAL
	// allows concurrent readers while writing; the busy timeout waits up
	// to 5s if another process holds a lock; immediate transactions take
	// the write lock up front so a read-then-write never fails mid-way.
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

func dsn(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// PID returns the process id used for heartbeat rows.
func (s *StateDB) PID() int {
	return s.pid
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS processes (
			instance_id TEXT PRIMARY KEY,
			pid         INTEGER NOT NULL,
			create_time INTEGER NOT NULL DEFAULT 0,
			started_at  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create processes: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS heartbeats (
			pid       INTEGER PRIMARY KEY,
			role      TEXT NOT NULL,
			started   INTEGER NOT NULL,
			heartbeat INTEGER NOT NULL,
			is_owner  INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Processes ---

// SaveProcess inserts or replaces the process row for an instance.
func (s *StateDB) SaveProcess(p *ProcessRow) error {
	started := p.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO processes (instance_id, pid, create_time, started_at)
		VALUES (?, ?, ?, ?)
	`, p.InstanceID, p.PID, p.CreateTime, started.Unix())
	return err
}

// LoadProcess returns the process row for an instance, or nil when none is stored.
func (s *StateDB) LoadProcess(instanceID string) (*ProcessRow, error) {
	p := &ProcessRow{}
	var startedUnix int64
	err := s.db.QueryRow(`
		SELECT instance_id, pid, create_time, started_at FROM processes WHERE instance_id = ?
	`, instanceID).Scan(&p.InstanceID, &p.PID, &p.CreateTime, &startedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.StartedAt = time.Unix(startedUnix, 0)
	return p, nil
}

// LoadProcesses returns every stored process row ordered by instance id.
func (s *StateDB) LoadProcesses() ([]*ProcessRow, error) {
	rows, err := s.db.Query(`
		SELECT instance_id, pid, create_time, started_at FROM processes ORDER BY instance_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ProcessRow
	for rows.Next() {
		p := &ProcessRow{}
		var startedUnix int64
		if err := rows.Scan(&p.InstanceID, &p.PID, &p.CreateTime, &startedUnix); err != nil {
			return nil, err
		}
		p.StartedAt = time.Unix(startedUnix, 0)
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeleteProcess removes the process row for an instance.
func (s *StateDB) DeleteProcess(instanceID string) error {
	_, err := s.db.Exec("DELETE FROM processes WHERE instance_id = ?", instanceID)
	return err
}

// --- Heartbeat ---

// RegisterProcess records this process as a live orchestrator with role
// "primary" or "secondary".
func (s *StateDB) RegisterProcess(role string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO heartbeats (pid, role, started, heartbeat, is_owner)
		VALUES (?, ?, ?, ?, 0)
	`, s.pid, role, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterProcess removes this process from the heartbeat table.
func (s *StateDB) UnregisterProcess() error {
	_, err := s.db.Exec("DELETE FROM heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadProcesses removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadProcesses(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveProcessCount returns how many orchestrator processes have fresh heartbeats.
func (s *StateDB) AliveProcessCount() (int, error) {
	var count int
	cutoff := time.Now().Add(-30 * time.Second).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// LoadHeartbeats returns every heartbeat row ordered by pid.
func (s *StateDB) LoadHeartbeats() ([]*HeartbeatRow, error) {
	rows, err := s.db.Query("SELECT pid, role, started, heartbeat, is_owner FROM heartbeats ORDER BY pid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*HeartbeatRow
	for rows.Next() {
		h := &HeartbeatRow{}
		var started, beat int64
		var owner int
		if err := rows.Scan(&h.PID, &h.Role, &started, &beat, &owner); err != nil {
			return nil, err
		}
		h.Started = time.Unix(started, 0)
		h.Heartbeat = time.Unix(beat, 0)
		h.IsOwner = owner != 0
		result = append(result, h)
	}
	return result, rows.Err()
}

// --- Owner Election ---

// ElectOwner attempts to make this process the owner of the project's
// shared signals. Only one long-running primary may host them at a time.
// Returns true if this process is now (or already was) the owner.
func (s *StateDB) ElectOwner(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	// Clear is_owner for any heartbeat older than timeout (stale owner)
	if _, err := tx.Exec(
		"UPDATE heartbeats SET is_owner = 0 WHERE heartbeat < ? AND is_owner = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale owner: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM heartbeats WHERE is_owner = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: query owner: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE heartbeats SET is_owner = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignOwner clears the is_owner flag for this process.
func (s *StateDB) ResignOwner() error {
	_, err := s.db.Exec(
		"UPDATE heartbeats SET is_owner = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch updates a metadata timestamp recording the last process-table change.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the last_modified timestamp from metadata.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(val, "%d", &ts)
	return ts, err
}
