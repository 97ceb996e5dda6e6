package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned for an unknown session.
	ErrNotFound = errors.New("store: session not found")
	// ErrSessionEnded is returned when writing to an ended session.
	ErrSessionEnded = errors.New("store: session already ended")
)

// Store is the SQLite accept history.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	// History holds typed text.
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MigrationStatus reports the schema version of the open database.
func (s *Store) MigrationStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

// BeginSession records the start of a session. Beginning an existing
// session updates its layout and leaves the rest untouched.
func (s *Store) BeginSession(ctx context.Context, id, layout string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_ns, layout) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET layout = excluded.layout`,
		id, at.UnixNano(), layout,
	)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession marks a session as ended.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_ns = ? WHERE id = ? AND ended_ns IS NULL",
		at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Open() {
		return ErrSessionEnded
	}
	return nil
}

// RecordAccept appends an accepted composition. The session is created
// on first use.
func (s *Store) RecordAccept(ctx context.Context, sessionID, text string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, started_ns) VALUES (?, ?)",
		sessionID, at.UnixNano(),
	); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	var ended sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT ended_ns FROM sessions WHERE id = ?", sessionID,
	).Scan(&ended); err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if ended.Valid {
		return ErrSessionEnded
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accepts (session_id, accepted_ns, text, rune_count)
		VALUES (?, ?, ?, ?)`,
		sessionID, at.UnixNano(), text, utf8.RuneCountInString(text),
	); err != nil {
		return fmt.Errorf("insert accept: %w", err)
	}

	return tx.Commit()
}

// GetSession returns a session with its accept totals.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionQuery+" WHERE s.id = ? GROUP BY s.id", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of
// zero or less returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := sessionQuery + " GROUP BY s.id ORDER BY s.started_ns DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const sessionQuery = `
	SELECT s.id, s.layout, s.started_ns, s.ended_ns,
	       COUNT(a.id), COALESCE(SUM(a.rune_count), 0)
	FROM sessions s LEFT JOIN accepts a ON a.session_id = s.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.Layout, &started, &ended, &sess.Accepts, &sess.Runes); err != nil {
		return nil, err
	}
	sess.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// RecentAccepts returns up to limit accepts, newest first.
func (s *Store) RecentAccepts(ctx context.Context, limit int) ([]*Accept, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryAccepts(ctx, `
		SELECT id, session_id, accepted_ns, text, rune_count
		FROM accepts ORDER BY accepted_ns DESC, id DESC LIMIT ?`, limit)
}

// SessionAccepts returns a session's accepts in the order they happened.
func (s *Store) SessionAccepts(ctx context.Context, sessionID string) ([]*Accept, error) {
	return s.queryAccepts(ctx, `
		SELECT id, session_id, accepted_ns, text, rune_count
		FROM accepts WHERE session_id = ? ORDER BY accepted_ns ASC, id ASC`, sessionID)
}

func (s *Store) queryAccepts(ctx context.Context, query string, args ...any) ([]*Accept, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accepts: %w", err)
	}
	defer rows.Close()

	var accepts []*Accept
	for rows.Next() {
		var a Accept
		var at int64
		if err := rows.Scan(&a.ID, &a.SessionID, &at, &a.Text, &a.RuneCount); err != nil {
			return nil, fmt.Errorf("scan accept: %w", err)
		}
		a.AcceptedAt = time.Unix(0, at)
		accepts = append(accepts, &a)
	}
	return accepts, rows.Err()
}

// Stats summarizes the database.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(ended_ns IS NULL), 0) FROM sessions",
	).Scan(&st.Sessions, &st.OpenSessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	var first, last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(rune_count), 0), MIN(accepted_ns), MAX(accepted_ns) FROM accepts",
	).Scan(&st.Accepts, &st.Runes, &first, &last); err != nil {
		return nil, fmt.Errorf("count accepts: %w", err)
	}
	if first.Valid {
		t := time.Unix(0, first.Int64)
		st.First = &t
	}
	if last.Valid {
		t := time.Unix(0, last.Int64)
		st.Last = &t
	}
	return &st, nil
}

// Prune deletes accepts older than before, then ended sessions left
// without accepts. It returns the number of accepts removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM accepts WHERE accepted_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete accepts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE ended_ns IS NOT NULL AND ended_ns < ?
		  AND NOT EXISTS (SELECT 1 FROM accepts WHERE session_id = sessions.id)`,
		before.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
