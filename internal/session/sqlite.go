package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a single SQLite database. The session
// payload is stored as JSON; id/user_id/expires_at are real columns so
// lookups and TTL purging stay in SQL.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session update locks
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema. ttl is applied to sessions created through this store.
func NewSQLiteStore(ctx context.Context, dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	// WAL mode allows readers to proceed while a write is in flight.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// SQLite handles a single writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sessionLock returns the update mutex for a session ID, creating it on
// first use. Locks are never removed; the map stays small (one entry per
// live session seen by this process).
func (s *SQLiteStore) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts a new session. CreatedAt/UpdatedAt/ExpiresAt are filled in
// if the caller left them zero.
func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.ExpiresAt.IsZero() && s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, title, payload, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), sess.Title, string(payload),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads a session by ID. Expired sessions are reported as ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.get(ctx, id)
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Update applies fn to the current session state and persists the result.
// The read-modify-write is serialized per session ID, so concurrent
// approve/regenerate calls on the same session observe each other's writes.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now().UTC()

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, title = ?, payload = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), sess.Title, string(payload), sess.UpdatedAt.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns session metadata for a user, newest first. Expired sessions
// are filtered out.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, title, created_at, updated_at
		 FROM sessions WHERE user_id = ? AND expires_at > ?
		 ORDER BY updated_at DESC`,
		userID, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var status string
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.UserID, &status, &m.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		m.Status = Stage(status)
		m.CreatedAt = time.Unix(created, 0).UTC()
		m.UpdatedAt = time.Unix(updated, 0).UTC()
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// PurgeExpired deletes sessions past their TTL and returns how many rows
// were removed. Intended to run periodically from a maintenance loop.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
