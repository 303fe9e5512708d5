// Package quota implements the per-account sliding-window unique-session
// quota (component C): an atomic check-and-admit script over a sorted set
// keyed by session fingerprint. Like the concurrency limiter, this
// component fails closed on backend errors — quota is never assumed open.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// Status enumerates the outcome of an admit call.
type Status string

// Recognized outcomes.
const (
	StatusAdmitted Status = "admitted"
	StatusRejected Status = "rejected"
	StatusSkipped  Status = "skipped"
)

// Result carries the outcome plus the sliding-window stats observed at the
// time of the script's return.
type Result struct {
	Status  Status
	Current int64
	Max     int
	Window  int
}

// Manager brokers admit calls against the shared KV store.
type Manager struct {
	kv domain.KVClient
}

// NewManager constructs a Manager bound to kv.
func NewManager(kv domain.KVClient) *Manager {
	return &Manager{kv: kv}
}

func windowKey(accountID string) string { return "session_concurrency:" + accountID }

// admitScript implements §4.C's atomic check-and-admit exactly: an existing
// fingerprint always refreshes; a new fingerprint is admitted only if the
// live window (after expiring stale members) is under maxSessions.
const admitScript = `
local key = KEYS[1]
local fp = ARGV[1]
local now = tonumber(ARGV[2])
local windowSeconds = tonumber(ARGV[3])
local maxSessions = tonumber(ARGV[4])

local existing = redis.call('ZSCORE', key, fp)
if existing then
  redis.call('ZADD', key, now, fp)
  redis.call('EXPIRE', key, windowSeconds)
  local n = redis.call('ZCARD', key)
  return { 1, n }
end

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - windowSeconds * 1000)
local n = redis.call('ZCARD', key)
if n >= maxSessions then
  redis.call('EXPIRE', key, windowSeconds)
  return { 0, n }
end

redis.call('ZADD', key, now, fp)
redis.call('EXPIRE', key, windowSeconds)
return { 1, n + 1 }
`

// Admit enforces the sliding-window unique-session cap for one account
// (§4.C). Returns Skipped without touching the backend when disabled or the
// fingerprint is empty.
func (m *Manager) Admit(ctx context.Context, accountID, fingerprint string, cfg domain.SessionQuotaConfig) (Result, error) {
	if !cfg.Enabled || fingerprint == "" {
		return Result{Status: StatusSkipped}, nil
	}
	if accountID == "" {
		return Result{}, domain.NewCoreError(domain.CodeInvalidAccountID, domain.ErrInvalidAccountID, nil)
	}

	now := float64(time.Now().UnixMilli())
	res, err := m.kv.Eval(ctx, admitScript, []string{windowKey(accountID)}, fingerprint, now, cfg.WindowSeconds, cfg.MaxSessions)
	if err != nil {
		return Result{}, domain.NewCoreError(domain.CodeBackendUnavailable, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err), nil)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Result{}, domain.NewCoreError(domain.CodeBackendUnavailable, fmt.Errorf("%w: unexpected script result %v", domain.ErrBackendUnavailable, res), nil)
	}

	admitted := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	observability.SetQuotaWindowSize(accountID, count)

	if !admitted {
		observability.RecordQuotaRejection(accountID)
		return Result{Status: StatusRejected, Current: count, Max: cfg.MaxSessions, Window: cfg.WindowSeconds},
			domain.NewCoreError(domain.CodeSessionLimitExceeded, domain.ErrSessionLimitExceeded, map[string]any{
				"current": count,
				"max":     cfg.MaxSessions,
				"window":  cfg.WindowSeconds,
			})
	}

	return Result{Status: StatusAdmitted, Current: count, Max: cfg.MaxSessions, Window: cfg.WindowSeconds}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
