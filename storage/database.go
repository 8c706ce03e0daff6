package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "history.db"
	// DefaultMaintenanceInterval is how often history is pruned and the WAL
	// truncated.
	DefaultMaintenanceInterval = 6 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id              TEXT PRIMARY KEY,
  display_name         TEXT NOT NULL DEFAULT '',
  first_seen_timestamp INTEGER NOT NULL,
  last_seen_timestamp  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id TEXT PRIMARY KEY,
  peer_id    TEXT NOT NULL DEFAULT '',
  content    TEXT NOT NULL,
  direction  TEXT NOT NULL CHECK(direction IN ('sent','received')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_peer_time
ON messages (peer_id, timestamp, message_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_time
ON messages (timestamp DESC, message_id);
`,
}

// Store is the chat history database.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	retention time.Duration

	maintenanceInterval time.Duration
	stop                chan struct{}
	wg                  sync.WaitGroup
	closeOnce           sync.Once
}

// Open opens (or creates) history.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		stop:                make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenance()

	return store, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// SetRetention makes maintenance delete messages older than retention.
// Zero keeps every message.
func (s *Store) SetRetention(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = max(retention, 0)
}

// Maintain prunes messages that fell out of the retention window as of now
// and truncates the WAL. It returns the number of pruned messages.
func (s *Store) Maintain(now time.Time) (int64, error) {
	s.mu.Lock()
	retention := s.retention
	s.mu.Unlock()

	var pruned int64
	if retention > 0 {
		n, err := s.DeleteMessagesBefore(now.Add(-retention).UnixMilli())
		if err != nil {
			return 0, err
		}
		pruned = n
	}
	return pruned, s.checkpointWAL()
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenance() {
	if s.maintenanceInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				_, _ = s.Maintain(now)
			case <-s.stop:
				return
			}
		}
	}()
}
