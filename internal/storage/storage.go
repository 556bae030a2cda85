package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var errNoDB = errors.New("storage: missing database connection")

// Store is the SQLite backend for saved progress and authentication.
type Store struct {
	db       *sql.DB
	readOnly bool
	now      func() time.Time
}

type Options struct {
	BusyTimeout time.Duration
	Synchronous string
	CacheSize   int
	ReadOnly    bool
}

func sqliteDSN(path string, readOnly bool) (string, error) {
	if !readOnly {
		return path, nil
	}
	if path == ":memory:" {
		return "", fmt.Errorf("storage: read-only mode requires a file-backed database")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("mode", "ro")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func pragmas(options Options) []string {
	out := []string{"PRAGMA foreign_keys=ON"}
	if !options.ReadOnly {
		synchronous := options.Synchronous
		if synchronous == "" {
			synchronous = "NORMAL"
		}
		out = append(out,
			"PRAGMA journal_mode=WAL",
			fmt.Sprintf("PRAGMA synchronous=%s", synchronous),
			"PRAGMA journal_size_limit=67108864",
		)
	}
	return append(out,
		fmt.Sprintf("PRAGMA busy_timeout=%d", int(options.BusyTimeout/time.Millisecond)),
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA cache_size=%d", options.CacheSize),
	)
}

// Open opens the database at path, creating its directory when needed, and
// migrates it unless it is opened read-only.
func Open(path string, options Options) (*Store, error) {
	if path != ":memory:" && !options.ReadOnly {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create %s: %w", dir, err)
			}
		}
	}
	dsn, err := sqliteDSN(path, options.ReadOnly)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range pragmas(options) {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, readOnly: options.ReadOnly, now: time.Now}
	if !options.ReadOnly {
		if err := store.MigrateSchema(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ReadOnly() bool {
	if s == nil {
		return false
	}
	return s.readOnly
}

func (s *Store) IntegrityCheck() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// Vacuum compacts the database in place, or into target when it is set.
func (s *Store) Vacuum(target string) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	if target == "" {
		_, err := s.db.Exec("VACUUM")
		return err
	}
	_, err := s.db.Exec("VACUUM INTO ?", target)
	return err
}
