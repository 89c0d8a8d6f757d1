package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"donornotify/internal/donor"
	logx "donornotify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes Put transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, collection, id string) (donor.Record, error) {
	if s == nil || s.db == nil {
		return donor.Record{}, ErrDisabled
	}
	return getRecord(ctx, s.db, collection, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, collection, id string) (donor.Record, error) {
	var r donor.Record
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT status, email, name FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&status, &r.Email, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return donor.Record{}, ErrNotFound
	}
	if err != nil {
		return donor.Record{}, err
	}
	r.Status = donor.Status(status)
	return r, nil
}

func (s *sqliteStore) Put(ctx context.Context, collection, id string, rec donor.Record) (Change, error) {
	if s == nil || s.db == nil {
		return Change{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := getRecord(ctx, tx, collection, id)
	existed := true
	if errors.Is(err, ErrNotFound) {
		existed = false
	} else if err != nil {
		return Change{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents(collection, id, status, email, name, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(collection, id) DO UPDATE SET
		   status=excluded.status, email=excluded.email, name=excluded.name, updated_at=excluded.updated_at`,
		collection, id, string(rec.Status), rec.Email, rec.Name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, err
	}
	return Change{Before: prev, After: rec, Updated: existed}, nil
}
