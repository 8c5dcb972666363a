package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SQLiteStore persists sessions and TGTs in a single SQLite database,
// serving as both SessionStore and TGTStore. Records are kept as JSON with
// the expiry lifted into a column so expired rows can be reaped with one
// statement.
type SQLiteStore struct {
	db         *sql.DB
	sessionTTL time.Duration
	tgtTTL     time.Duration
}

// NewSQLiteStore opens (creating if needed) the database under dataDir.
func NewSQLiteStore(dataDir string, sessionTTL, tgtTTL time.Duration) (*SQLiteStore, error) {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if tgtTTL <= 0 {
		tgtTTL = DefaultTGTTTL
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "samlgate.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, sessionTTL: sessionTTL, tgtTTL: tgtTTL}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expiry INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry)`,
		`CREATE TABLE IF NOT EXISTS tgts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			data TEXT NOT NULL,
			expiry INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tgts_expiry ON tgts(expiry)`,
		`CREATE INDEX IF NOT EXISTS idx_tgts_user ON tgts(user_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Reap deletes rows whose expiry is older than the retention window. Expired
// rows are retained for the window so replayed IDs still resolve to
// ErrExpired rather than ErrNotFound.
func (s *SQLiteStore) Reap(retain time.Duration) error {
	cutoff := time.Now().Add(-retain).Unix()
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE expiry < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tgts WHERE expiry < ?`, cutoff)
	return err
}

// Create allocates and persists a fresh session.
func (s *SQLiteStore) Create(requestorID string) (*Session, error) {
	sess := &Session{
		ID:          NewID(),
		State:       StateCreated,
		RequestorID: requestorID,
		Expiry:      time.Now().Add(s.sessionTTL),
	}
	return sess, s.Persist(sess)
}

// Get returns the session, or ErrNotFound/ErrExpired.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	var data string
	var expiry int64
	err := s.db.QueryRow(`SELECT data, expiry FROM sessions WHERE id = ?`, id).Scan(&data, &expiry)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Expired() {
		return nil, ErrExpired
	}
	return &sess, nil
}

// Persist upserts the session.
func (s *SQLiteStore) Persist(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, data, expiry, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, expiry = excluded.expiry, updated_at = excluded.updated_at`,
		sess.ID, string(data), sess.Expiry.Unix(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// CreateTGT allocates and persists a fresh TGT. Exposed through TGTs().
func (s *SQLiteStore) createTGT(user User) (*TGT, error) {
	t := &TGT{
		ID:     NewID(),
		User:   user,
		Expiry: time.Now().Add(s.tgtTTL),
	}
	return t, s.persistTGT(t)
}

func (s *SQLiteStore) getTGT(id string) (*TGT, error) {
	var data string
	var expiry int64
	err := s.db.QueryRow(`SELECT data, expiry FROM tgts WHERE id = ?`, id).Scan(&data, &expiry)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t TGT
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode tgt %s: %w", id, err)
	}
	if t.Expired() {
		return nil, ErrExpired
	}
	return &t, nil
}

func (s *SQLiteStore) findTGTByUser(userID string) (*TGT, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM tgts WHERE user_id = ? AND expiry > ? ORDER BY expiry DESC LIMIT 1`,
		userID, time.Now().Unix()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t TGT
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode tgt for user %s: %w", userID, err)
	}
	if t.Expired() {
		return nil, ErrExpired
	}
	return &t, nil
}

func (s *SQLiteStore) persistTGT(t *TGT) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tgt %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO tgts (id, user_id, data, expiry, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, data = excluded.data, expiry = excluded.expiry, updated_at = excluded.updated_at`,
		t.ID, t.User.ID, string(data), t.Expiry.Unix(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// TGTs exposes the same database as a TGTStore.
func (s *SQLiteStore) TGTs() TGTStore { return sqliteTGTs{s} }

type sqliteTGTs struct{ s *SQLiteStore }

func (w sqliteTGTs) Create(user User) (*TGT, error)         { return w.s.createTGT(user) }
func (w sqliteTGTs) Get(id string) (*TGT, error)            { return w.s.getTGT(id) }
func (w sqliteTGTs) FindByUser(userID string) (*TGT, error) { return w.s.findTGTByUser(userID) }
func (w sqliteTGTs) Persist(t *TGT) error                   { return w.s.persistTGT(t) }
