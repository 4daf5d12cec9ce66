package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"grimm.is/cm2/internal/clock"
)

// SQLiteStore is an alternate Store backend that durably remembers the
// Manager/AWLAN rows across a CM restart, unlike MemStore. It is not the
// default: the configuration store's own persistence is an external
// collaborator per scope, but a real extender deployment wants its
// last-connected manager target to survive a process restart, so this
// backend is offered for that one row set.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
	clock clock.Clock

	watchMu  sync.RWMutex
	watchers []*watcher
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Pass
// ":memory:" for an ephemeral instance, useful in tests that want the SQL
// code path without a file on disk.
func NewSQLiteStore(path string, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY);
		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			value  BLOB,
			PRIMARY KEY (bucket, key)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite store schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: clk}, nil
}

func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name) VALUES (?)", name)
	return err
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM entries WHERE bucket = ? AND key = ?", bucket, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	s.mu.Lock()
	if _, err := s.db.Exec(`
		INSERT INTO entries (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
	`, bucket, key, value); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.notify(Row{Bucket: bucket, Key: key, Value: value, Timestamp: s.clock.Now()})
	return nil
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	result, err := s.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	s.notify(Row{Bucket: bucket, Key: key, Deleted: true, Timestamp: s.clock.Now()})
	return nil
}

func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT key, value FROM entries WHERE bucket = ?", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetJSON(bucket, key string, v interface{}) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *SQLiteStore) SetJSON(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

func (s *SQLiteStore) Watch(bucket, key string) <-chan Row {
	ch := make(chan Row, 32)
	w := &watcher{bucket: bucket, key: key, ch: ch}
	s.watchMu.Lock()
	s.watchers = append(s.watchers, w)
	s.watchMu.Unlock()
	return ch
}

func (s *SQLiteStore) Unwatch(target <-chan Row) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	kept := s.watchers[:0]
	for _, w := range s.watchers {
		if w.ch != target {
			kept = append(kept, w)
		}
	}
	s.watchers = kept
}

func (s *SQLiteStore) notify(row Row) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for _, w := range s.watchers {
		if w.bucket != row.Bucket {
			continue
		}
		if w.key != "" && w.key != row.Key {
			continue
		}
		select {
		case w.ch <- row:
		default:
		}
	}
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
