// Package sites records which page origins the user has allowed to connect.
package sites

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Choice is the user's standing answer for an origin.
type Choice int

const (
	Denied Choice = iota
	Approved
)

func (c Choice) String() string {
	if c == Approved {
		return "approved"
	}
	return "denied"
}

// ParseChoice parses "approved" or "denied".
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(s) {
	case "approved", "approve":
		return Approved, nil
	case "denied", "deny":
		return Denied, nil
	default:
		return Denied, fmt.Errorf("unknown choice %q", s)
	}
}

// Site is one recorded origin.
type Site struct {
	Origin    string    `json:"origin" yaml:"origin"`
	Choice    Choice    `json:"choice" yaml:"choice"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ErrEmptyOrigin is returned for an empty origin.
var ErrEmptyOrigin = errors.New("origin is empty")

// Store is a SQLite-backed origin table.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path. ":memory:" gives a private in-memory store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" one database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS sites (
		origin TEXT PRIMARY KEY,
		choice INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set records choice for origin, replacing any earlier answer.
func (s *Store) Set(ctx context.Context, origin string, choice Choice) error {
	if origin == "" {
		return ErrEmptyOrigin
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sites (origin, choice, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(origin) DO UPDATE SET choice = excluded.choice, updated_at = excluded.updated_at`,
		origin, int(choice), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", origin, err)
	}
	return nil
}

// Lookup returns the recorded choice for origin. ok is false when the origin
// has never been answered.
func (s *Store) Lookup(ctx context.Context, origin string) (choice Choice, ok bool, err error) {
	var c int
	err = s.db.QueryRowContext(ctx, `SELECT choice FROM sites WHERE origin = ?`, origin).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return Denied, false, nil
	}
	if err != nil {
		return Denied, false, fmt.Errorf("lookup %s: %w", origin, err)
	}
	return Choice(c), true, nil
}

// Revoke forgets origin. It reports whether anything was removed.
func (s *Store) Revoke(ctx context.Context, origin string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE origin = ?`, origin)
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", origin, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every recorded origin ordered by origin.
func (s *Store) List(ctx context.Context) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin, choice, updated_at FROM sites ORDER BY origin`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var (
			site    Site
			choice  int
			updated int64
		)
		if err := rows.Scan(&site.Origin, &choice, &updated); err != nil {
			return nil, err
		}
		site.Choice = Choice(choice)
		site.UpdatedAt = time.UnixMilli(updated)
		out = append(out, site)
	}
	return out, rows.Err()
}
