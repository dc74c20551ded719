package state

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/natefinch/atomic"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
)

// Store persists a single ActivityState.
type Store interface {
	// Load returns the persisted state or ErrNoState. A state without a
	// session counts as absent.
	Load(ctx context.Context) (*ActivityState, error)

	// Save replaces the persisted state.
	Save(ctx context.Context, s *ActivityState) error

	// Close releases the store.
	Close() error
}

// Open returns the store of the given type ("file" or "sqlite").
func Open(kind, path string) (Store, error) {
	switch kind {
	case "file", "":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("state: unsupported store type %q", kind)
	}
}

var errNilState = beaconerrors.NewPersistenceError(beaconerrors.CodeStateWrite, "refusing to write an empty activity state", nil)

// FileStore keeps the state as a JSON file replaced atomically on save.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context) (*ActivityState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, beaconerrors.NewPersistenceError(beaconerrors.CodeStateCorrupt, "failed to read activity state", err)
	}
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, beaconerrors.NewPersistenceError(beaconerrors.CodeStateCorrupt, "failed to decode activity state", err)
	}
	if !s.started() {
		return nil, ErrNoState
	}
	return s, nil
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, s *ActivityState) error {
	if s == nil {
		return errNilState
	}
	data, err := json.Marshal(s)
	if err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeStateWrite, "failed to encode activity state", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeStateWrite, "failed to write activity state", err)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

// SQLiteStore keeps the state as a single row in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS activity_state (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	event_count      INTEGER NOT NULL,
	session_count    INTEGER NOT NULL,
	subsession_count INTEGER NOT NULL,
	session_length   INTEGER NOT NULL,
	time_spent       INTEGER NOT NULL,
	last_activity    INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_interval    INTEGER NOT NULL
)`

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_sync=FULL")
	if err != nil {
		return nil, fmt.Errorf("state: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*ActivityState, error) {
	st := New()
	err := s.db.QueryRowContext(ctx, `
		SELECT event_count, session_count, subsession_count, session_length,
		       time_spent, last_activity, created_at, last_interval
		FROM activity_state WHERE id = 1`).Scan(
		&st.EventCount, &st.SessionCount, &st.SubsessionCount, &st.SessionLength,
		&st.TimeSpent, &st.LastActivity, &st.CreatedAt, &st.LastInterval,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, beaconerrors.NewPersistenceError(beaconerrors.CodeStateCorrupt, "failed to read activity state", err)
	}
	if !st.started() {
		return nil, ErrNoState
	}
	return st, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, st *ActivityState) error {
	if st == nil {
		return errNilState
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_state (id, event_count, session_count, subsession_count,
			session_length, time_spent, last_activity, created_at, last_interval)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_count = excluded.event_count,
			session_count = excluded.session_count,
			subsession_count = excluded.subsession_count,
			session_length = excluded.session_length,
			time_spent = excluded.time_spent,
			last_activity = excluded.last_activity,
			created_at = excluded.created_at,
			last_interval = excluded.last_interval`,
		st.EventCount, st.SessionCount, st.SubsessionCount, st.SessionLength,
		st.TimeSpent, st.LastActivity, st.CreatedAt, st.LastInterval,
	)
	if err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeStateWrite, "failed to write activity state", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
