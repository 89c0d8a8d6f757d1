// Package store emulates the watched document collection locally so the
// trigger path can be driven without the external document store.
//
// It only ever holds donor documents. Writes report the before/after pair so
// the caller can raise the same change event the external store would.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"donornotify/internal/donor"
	logx "donornotify/pkg/logx"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrDisabled = errors.New("store disabled")
)

// Config configures the store.
//
// Driver values:
//   - "memory": process-local map, lost on restart
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the store is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Change is the result of a write.
// Updated is false when the document did not exist before (a create), which
// does not fire an update trigger.
type Change struct {
	Before  donor.Record
	After   donor.Record
	Updated bool
}

// Store is the document API used by the ingress emulator routes.
type Store interface {
	Get(ctx context.Context, collection, id string) (donor.Record, error)
	Put(ctx context.Context, collection, id string, rec donor.Record) (Change, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
