// Package testutil provides shared test infrastructure: quiet loggers and a
// disposable PostgreSQL container for repository integration tests.
//
// Usage:
//
//	tc, err := testutil.StartPostgres(ctx)
//	if err != nil { t.Skip(err) }
//	defer tc.Terminate()
//	store, err := repository.Open(ctx, tc.DSN, logger)
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvPostgres opts into container-backed tests when set to a non-empty value.
const EnvPostgres = "QC_TEST_POSTGRES"

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "qc",
			"POSTGRES_PASSWORD": "qc",
			"POSTGRES_DB":       "qc",
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
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://qc:qc@%s:%s/qc?sslmode=disable", host, port.Port())

	// The log line can precede the listener by a few milliseconds.
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			_ = conn.Close(ctx)
			break
		}
		if time.Now().After(deadline) {
			_ = container.Terminate(ctx)
			return nil, fmt.Errorf("testutil: connect: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	return &TestContainer{Container: container, DSN: dsn}, nil
}

// PostgresEnabled reports whether container-backed tests were requested.
func PostgresEnabled() bool {
	return os.Getenv(EnvPostgres) != ""
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
