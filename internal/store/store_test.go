package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"donornotify/internal/donor"
	logx "donornotify/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "donors.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestPutReportsCreateThenUpdate(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := donor.Record{Status: donor.StatusPending, Email: "a@x.com", Name: "Alice"}
			ch, err := st.Put(ctx, "donors", "d1", first)
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if ch.Updated {
				t.Fatal("first write must be a create")
			}

			second := first
			second.Status = donor.StatusApproved
			ch, err = st.Put(ctx, "donors", "d1", second)
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if !ch.Updated || ch.Before != first || ch.After != second {
				t.Fatalf("unexpected change: %+v", ch)
			}

			got, err := st.Get(ctx, "donors", "d1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != second {
				t.Fatalf("Get = %+v, want %+v", got, second)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(context.Background(), "donors", "nope")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.Put(ctx, "donors", "x", donor.Record{Name: "A"}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := st.Get(ctx, "staff", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound in other collection, got %v", err)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}
