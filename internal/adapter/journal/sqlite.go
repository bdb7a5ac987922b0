// Package journal persists every frame the session sends or receives to a
// SQLite database, for offline inspection of a charge point's traffic.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ocpp-rpc/internal/domain"
)

// Direction tells whether a frame left or reached this side.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Entry is one journaled frame.
type Entry struct {
	Seq       int64
	Direction Direction
	Version   string
	Type      domain.MessageType
	ID        string
	Action    string
	Raw       string
	Error     string
	At        time.Time
}

// timeLayout is fixed width so stored times order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed frame journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal at dbPath and runs the schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS frames (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			direction  TEXT NOT NULL,
			version    TEXT NOT NULL DEFAULT '',
			type       INTEGER NOT NULL DEFAULT 0,
			message_id TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL DEFAULT '',
			raw        TEXT NOT NULL,
			error      TEXT NOT NULL DEFAULT '',
			at         TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS frames_message_id ON frames (message_id)")
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e. Seq is assigned by the store and a zero At is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO frames (direction, version, type, message_id, action, raw, error, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		string(e.Direction), e.Version, int(e.Type), e.ID, e.Action, e.Raw, e.Error,
		e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record frame: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		"SELECT seq, direction, version, type, message_id, action, raw, error, at FROM frames ORDER BY seq DESC LIMIT ?",
		limit)
}

// ByID returns every entry carrying message id, oldest first. A call and its
// answer share an id, so this yields the whole exchange.
func (s *Store) ByID(ctx context.Context, id string) ([]Entry, error) {
	return s.query(ctx,
		"SELECT seq, direction, version, type, message_id, action, raw, error, at FROM frames WHERE message_id = ? ORDER BY seq",
		id)
}

// Prune deletes entries recorded before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune frames: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var dir, at string
		var typ int
		if err := rows.Scan(&e.Seq, &dir, &e.Version, &typ, &e.ID, &e.Action, &e.Raw, &e.Error, &at); err != nil {
			return nil, err
		}
		e.Direction = Direction(dir)
		e.Type = domain.MessageType(typ)
		e.At, _ = time.Parse(timeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
