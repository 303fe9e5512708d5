package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sessionadmit/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

// rowStub implements pgx.Row for table-driven Scan behavior.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements postgres.PgxPool for tests without a live database.
type poolStub struct {
	execErr error
	row     rowStub
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func TestCanonicalRecordRepo_Upsert_Success(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewCanonicalRecordRepo(pool)

	err := repo.Upsert(context.Background(), "sess-1", domain.SessionDigestRecord{
		Digest:           "-abc12345",
		RetentionSeconds: 3600,
	})
	require.NoError(t, err)
}

func TestCanonicalRecordRepo_Upsert_Error(t *testing.T) {
	pool := &poolStub{execErr: errors.New("conn reset")}
	repo := postgres.NewCanonicalRecordRepo(pool)

	err := repo.Upsert(context.Background(), "sess-1", domain.SessionDigestRecord{Digest: "-abc12345"})
	require.Error(t, err)
}

func TestCanonicalRecordRepo_Get_Found(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{
		row: rowStub{scan: func(dest ...any) error {
			*dest[0].(*string) = "-abc12345"
			*dest[1].(*time.Time) = now
			*dest[2].(*time.Time) = now
			*dest[3].(*int) = 3600
			return nil
		}},
	}
	repo := postgres.NewCanonicalRecordRepo(pool)

	rec, found, err := repo.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "-abc12345", rec.Digest)
	require.Equal(t, 3600, rec.RetentionSeconds)
}

func TestCanonicalRecordRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewCanonicalRecordRepo(pool)

	_, found, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}
