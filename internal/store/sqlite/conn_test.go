package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fitiq/fitiq-sync/internal/store"
	"github.com/fitiq/fitiq-sync/internal/store/storetest"
)

func makeSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "nested", "vitalsync.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	return s
}

func TestSQLiteStore_Compliance(t *testing.T) {
	storetest.Run(t, makeSQLiteStore)
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vitalsync.db")
	s, err := New(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	_ = s.Close()

	s, err = New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.HealthPing(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
