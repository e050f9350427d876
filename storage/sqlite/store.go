package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrEthical07/goIdP"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var _ goIdP.Store = (*Store)(nil)

// Store implements goIdP.Store plus the administrative writes used to register
// apps, orgs and SAML partners.
type Store struct {
	db      *sql.DB
	version int64
	now     func() time.Time
}

// Open opens the database at path, applies migrations and returns the store.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: storage path is required")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		dsn = "file:" + filepath.Clean(path)
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if path == MemoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	version, err := runMigrations(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &Store{db: db, version: version, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the raw handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// SchemaVersion is the goose version applied by Open.
func (s *Store) SchemaVersion() int64 { return s.version }

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// notFound maps sql.ErrNoRows to goIdP.ErrStoreNotFound.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return goIdP.ErrStoreNotFound
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// softDelete stamps deleted_at on the live row matching column = value.
func (s *Store) softDelete(ctx context.Context, table, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET deleted_at = ? WHERE `+column+` = ? AND deleted_at IS NULL`,
		toMillis(s.now()), value)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goIdP.ErrStoreNotFound
	}
	return nil
}
