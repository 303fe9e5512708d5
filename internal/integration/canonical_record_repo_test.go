//go:build integration

// Package integration holds tests that need a real Postgres container
// (component F). Run with `go test -tags=integration ./internal/integration/...`;
// excluded from the default test run since it requires Docker.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	pgrepo "github.com/fairyhunter13/sessionadmit/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS session_digest_records (
	session_id        TEXT PRIMARY KEY,
	digest            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	retention_seconds INTEGER NOT NULL
)`

func TestCanonicalRecordRepo_UpsertAndGet_AgainstRealPostgres(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("sessionadmit"),
		postgres.WithUsername("sessionadmit"),
		postgres.WithPassword("sessionadmit"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schemaDDL)
	require.NoError(t, err)

	repo := pgrepo.NewCanonicalRecordRepo(pool)

	_, found, err := repo.Get(ctx, "sess-missing")
	require.NoError(t, err)
	require.False(t, found)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.Upsert(ctx, "sess-1", domain.SessionDigestRecord{
		Digest:           "-abc12345",
		CreatedAt:        now,
		LastSeenAt:       now,
		RetentionSeconds: 3600,
	}))

	rec, found, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "-abc12345", rec.Digest)
	require.Equal(t, 3600, rec.RetentionSeconds)

	later := now.Add(time.Minute)
	require.NoError(t, repo.Upsert(ctx, "sess-1", domain.SessionDigestRecord{
		Digest:           "-abc12345_def67890",
		CreatedAt:        now,
		LastSeenAt:       later,
		RetentionSeconds: 7200,
	}))

	rec, found, err = repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "-abc12345_def67890", rec.Digest)
	require.Equal(t, 7200, rec.RetentionSeconds)
}
