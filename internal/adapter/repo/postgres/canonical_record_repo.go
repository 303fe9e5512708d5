package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CanonicalRecordRepo persists component F's durable mirror of the per-session
// digest record (§9 open question: Redis is the source of truth for the
// admission-path read, Postgres is a durable copy for audit/replay; the
// admission path only writes it and never reads it back).
type CanonicalRecordRepo struct{ Pool PgxPool }

// NewCanonicalRecordRepo constructs a CanonicalRecordRepo with the given pool.
func NewCanonicalRecordRepo(p PgxPool) *CanonicalRecordRepo {
	return &CanonicalRecordRepo{Pool: p}
}

// Upsert stores or replaces the canonical record for sessionID.
func (r *CanonicalRecordRepo) Upsert(ctx domain.Context, sessionID string, rec domain.SessionDigestRecord) error {
	tracer := otel.Tracer("repo.canonical_records")
	ctx, span := tracer.Start(ctx, "canonical_records.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "session_digest_records"),
	)

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	lastSeenAt := rec.LastSeenAt
	if lastSeenAt.IsZero() {
		lastSeenAt = createdAt
	}

	q := `
		INSERT INTO session_digest_records (session_id, digest, created_at, last_seen_at, retention_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			digest = EXCLUDED.digest,
			last_seen_at = EXCLUDED.last_seen_at,
			retention_seconds = EXCLUDED.retention_seconds`
	_, err := r.Pool.Exec(ctx, q, sessionID, rec.Digest, createdAt, lastSeenAt, rec.RetentionSeconds)
	if err != nil {
		return fmt.Errorf("op=canonical_record.upsert: %w", err)
	}
	return nil
}

// Get loads the canonical record for sessionID, reporting false if absent.
func (r *CanonicalRecordRepo) Get(ctx domain.Context, sessionID string) (domain.SessionDigestRecord, bool, error) {
	tracer := otel.Tracer("repo.canonical_records")
	ctx, span := tracer.Start(ctx, "canonical_records.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "session_digest_records"),
	)

	q := `SELECT digest, created_at, last_seen_at, retention_seconds FROM session_digest_records WHERE session_id=$1`
	row := r.Pool.QueryRow(ctx, q, sessionID)

	var rec domain.SessionDigestRecord
	if err := row.Scan(&rec.Digest, &rec.CreatedAt, &rec.LastSeenAt, &rec.RetentionSeconds); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SessionDigestRecord{}, false, nil
		}
		return domain.SessionDigestRecord{}, false, fmt.Errorf("op=canonical_record.get: %w", err)
	}
	return rec, true, nil
}

var _ domain.CanonicalRecordStore = (*CanonicalRecordRepo)(nil)
