package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fitiq/fitiq-sync/internal/store"
	"github.com/fitiq/fitiq-sync/internal/store/storetest"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// postgresDSN returns VITALSYNC_POSTGRES_DSN, or starts a throwaway container
// when VITALSYNC_PG_CONTAINER=1. Otherwise the test is skipped.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("VITALSYNC_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("VITALSYNC_PG_CONTAINER") != "1" {
		t.Skip("VITALSYNC_POSTGRES_DSN not set; skipping postgres store integration test")
	}
	containerOnce.Do(func() {
		containerDSN, containerErr = startContainer(context.Background())
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerDSN
}

func startContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vitalsync",
			"POSTGRES_PASSWORD": "vitalsync",
			"POSTGRES_DB":       "vitalsync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}
	return fmt.Sprintf("postgres://vitalsync:vitalsync@%s:%s/vitalsync?sslmode=disable", host, port.Port()), nil
}

// makePGStore isolates every store in its own schema.
func makePGStore(t *testing.T) store.Store {
	t.Helper()
	dsn := postgresDSN(t)
	ctx := context.Background()

	admin, err := Open(dsn)
	if err != nil {
		t.Fatalf("postgres open: %v", err)
	}
	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close()
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	s, err := New(ctx, dsn+sep+"search_path="+schema)
	if err != nil {
		t.Fatalf("postgres store: %v", err)
	}
	return s
}

func TestPostgresStore_Compliance(t *testing.T) {
	storetest.Run(t, makePGStore)
}
