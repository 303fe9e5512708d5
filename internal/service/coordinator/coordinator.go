// Package coordinator implements the session coordinator and scheduler
// (component E): it builds the per-request session context, filters
// candidate accounts by stickiness and exclusivity, orchestrates components
// A-D in order, and releases everything it acquired in LIFO order on
// failure (a digest rejection leaves the release to the caller).
package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
	"github.com/fairyhunter13/sessionadmit/internal/service/digest"
	"github.com/fairyhunter13/sessionadmit/internal/service/quota"
)

var tracer = otel.Tracer("sessionadmit/coordinator")

const defaultStickyTTLHours = 168

// Config holds the renewal and default TTL knobs the coordinator needs that
// are not carried on the account record itself (§6 configuration keys).
type Config struct {
	StickyTTLHours          int
	RenewalThresholdMinutes int
}

// Coordinator is the process-lifetime orchestrator for admission decisions.
// Construct one instance explicitly and share it; it holds no singleton
// state (Design Notes: global mutable state is encapsulated, not ambient).
type Coordinator struct {
	kv        domain.KVClient
	registry  *concurrency.Registry
	quotaMgr  *quota.Manager
	validator *digest.Validator
	accounts  domain.AccountProvider
	audit     domain.AuditPublisher
	canonical domain.CanonicalRecordStore
	cfg       Config
}

// New constructs a Coordinator wiring components A-D plus the account
// catalog and audit publisher ports.
func New(kv domain.KVClient, registry *concurrency.Registry, quotaMgr *quota.Manager, validator *digest.Validator, accounts domain.AccountProvider, audit domain.AuditPublisher, cfg Config) *Coordinator {
	if cfg.StickyTTLHours <= 0 {
		cfg.StickyTTLHours = defaultStickyTTLHours
	}
	return &Coordinator{kv: kv, registry: registry, quotaMgr: quotaMgr, validator: validator, accounts: accounts, audit: audit, cfg: cfg}
}

// WithCanonicalStore wires component F's durable mirror. It is optional: a
// Coordinator built without one simply skips the mirror write, since Redis
// alone (component A) remains authoritative for admission decisions (§9
// Open Question, resolved in DESIGN.md).
func (c *Coordinator) WithCanonicalStore(s domain.CanonicalRecordStore) *Coordinator {
	c.canonical = s
	return c
}

// Request is the caller-supplied admission request.
type Request struct {
	APIKeyID          string
	APIKeyConcurrency domain.ResourceLimiterConfig
	AccountCandidates []string
	SessionHash       string
	Body              domain.RequestBody
	Cancel            domain.CancelSignal
}

// Handle is returned on successful admission. Release must be called
// exactly once when the upstream call completes or is aborted.
type Handle struct {
	AccountID      string
	SessionContext domain.SessionContext
	DigestResult   domain.DigestValidationResult

	releases []func() error
}

// Release runs every acquired resource's release callback in LIFO order.
// Idempotent per underlying Handle; safe to call once.
func (h *Handle) Release() error {
	var firstErr error
	for i := len(h.releases) - 1; i >= 0; i-- {
		if err := h.releases[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func stickyKey(sessionHash string) string { return "sticky_session:" + sessionHash }

func isResumeIndicated(meta domain.RequestMetadata) bool {
	if meta.Resume || meta.IsResume {
		return true
	}
	if meta.SessionType == "resume" || meta.SessionType == "existing" {
		return true
	}
	if meta.ConversationID != "" || meta.SessionID != "" {
		return true
	}
	return false
}

// buildSessionContext implements §4.E.1.
func (c *Coordinator) buildSessionContext(ctx context.Context, req Request) (domain.SessionContext, error) {
	sessionID := req.Body.Metadata.SessionID
	if sessionID == "" {
		sessionID = req.Body.Metadata.ConversationID
	}
	if sessionID == "" {
		sessionID = req.SessionHash
	}

	hasNonUserNonSystemMessage := false
	for _, m := range req.Body.Messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleSystem {
			hasNonUserNonSystemMessage = true
			break
		}
	}

	// Both reads are independent of one another, so batch them into a single
	// round trip via component A's pipeline operation rather than two.
	var bindingResult, digestResult *domain.PipelineResult
	err := c.kv.Pipeline(ctx, func(p domain.Pipeliner) error {
		bindingResult = p.Get(stickyKey(req.SessionHash))
		digestResult = p.Get("claude:session:digest:" + sessionID)
		return nil
	})
	if err != nil {
		return domain.SessionContext{}, domain.NewCoreError(domain.CodeBackendUnavailable, err, nil)
	}
	hasBinding := bindingResult.Found
	hasDigestRecord := digestResult.Found

	isNew := !hasNonUserNonSystemMessage && !hasBinding && !hasDigestRecord && !isResumeIndicated(req.Body.Metadata)

	return domain.SessionContext{
		SessionHash:           req.SessionHash,
		SessionID:             sessionID,
		IsNewSession:          isNew,
		DigestValidationCache: make(map[string]domain.DigestValidationResult),
		RequestBody:           req.Body,
	}, nil
}

// filterAccounts implements §4.E.2.
func (c *Coordinator) filterAccounts(ctx context.Context, sessCtx domain.SessionContext, candidates []domain.Account, boundAccountID string, hasBinding bool) []domain.Account {
	if sessCtx.IsNewSession {
		return candidates
	}

	var eligible []domain.Account
	if hasBinding {
		for _, a := range candidates {
			if a.AccountID == boundAccountID || !a.ExclusiveSessionOnly {
				eligible = append(eligible, a)
			}
		}
	} else {
		for _, a := range candidates {
			if !a.ExclusiveSessionOnly {
				eligible = append(eligible, a)
			}
		}
	}

	for _, a := range eligible {
		if a.ExclusiveSessionOnly && hasBinding && a.AccountID == boundAccountID && a.EnableMessageDigest {
			_ = c.validator.Validate(ctx, &sessCtx, a.AccountID, sessCtx.SessionID, sessCtx.SessionHash, a.SessionRetentionSeconds, sessCtx.IsNewSession, a.ExclusiveSessionOnly)
		}
	}
	return eligible
}

func (c *Coordinator) getStickyBinding(ctx context.Context, sessionHash string) (string, bool, error) {
	val, found, err := c.kv.Get(ctx, stickyKey(sessionHash))
	if err != nil {
		return "", false, err
	}
	return val, found, nil
}

func (c *Coordinator) registerBinding(ctx context.Context, sessionHash, accountID string, isNewSession bool) error {
	ttl := time.Duration(c.cfg.StickyTTLHours) * time.Hour
	key := stickyKey(sessionHash)

	if isNewSession {
		observability.RecordStickyBinding("created")
		return c.kv.Set(ctx, key, accountID, ttl)
	}

	remaining, found, err := c.kv.TTL(ctx, key)
	if err != nil {
		return err
	}
	threshold := time.Duration(c.cfg.RenewalThresholdMinutes) * time.Minute
	if !found || remaining < threshold {
		observability.RecordStickyBinding("renewed")
		return c.kv.Set(ctx, key, accountID, ttl)
	}
	observability.RecordStickyBinding("hit")
	return nil
}

// Admit orchestrates A-D for one request (§4.E.4). On any failure after the
// API-key-level slot is acquired, every resource acquired so far is released
// in LIFO order before the error is returned, except a digest rejection: that
// returns the Handle together with the error, and the caller releases it.
func (c *Coordinator) Admit(ctx context.Context, req Request) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Admit", trace.WithAttributes(
		attribute.String("api_key_id", req.APIKeyID),
		attribute.String("session_hash", req.SessionHash),
	))
	defer span.End()

	sessCtx, err := c.buildSessionContext(ctx, req)
	if err != nil {
		return nil, err
	}

	boundAccountID, hasBinding, err := c.getStickyBinding(ctx, req.SessionHash)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeBackendUnavailable, err, nil)
	}

	var candidates []domain.Account
	for _, id := range req.AccountCandidates {
		acc, err := c.accounts.GetAccount(ctx, id)
		if err != nil {
			continue
		}
		candidates = append(candidates, acc)
	}

	eligible := c.filterAccounts(ctx, sessCtx, candidates, boundAccountID, hasBinding)
	if len(eligible) == 0 {
		return nil, domain.NewCoreError(domain.CodeNoEligibleAccount, domain.ErrNoEligibleAccount, nil)
	}

	h := &Handle{SessionContext: sessCtx}

	apiKeyHandle, err := c.registry.Acquire(ctx, req.APIKeyID, req.APIKeyConcurrency, req.Cancel)
	if err != nil {
		observability.RecordAdmission(req.APIKeyID, "rejected")
		c.publishAudit(ctx, req, &Handle{SessionContext: sessCtx}, "rejected", domain.CodeFor(err))
		return nil, err
	}
	h.releases = append(h.releases, apiKeyHandle.Release)

	var selected *domain.Account
	var acctHandle *concurrency.Handle
	var lastErr error
	for i := range eligible {
		acc := eligible[i]
		hh, err := c.registry.Acquire(ctx, acc.AccountID, acc.Concurrency, req.Cancel)
		if err != nil {
			lastErr = err
			continue
		}
		selected = &eligible[i]
		acctHandle = hh
		break
	}
	if selected == nil {
		_ = h.Release()
		if lastErr == nil {
			lastErr = domain.NewCoreError(domain.CodeNoEligibleAccount, domain.ErrNoEligibleAccount, nil)
		}
		return nil, lastErr
	}
	h.releases = append(h.releases, acctHandle.Release)
	h.AccountID = selected.AccountID

	if err := c.registerBinding(ctx, req.SessionHash, selected.AccountID, sessCtx.IsNewSession); err != nil {
		_ = h.Release()
		return nil, domain.NewCoreError(domain.CodeBackendUnavailable, err, nil)
	}

	if _, err := c.quotaMgr.Admit(ctx, selected.AccountID, req.SessionHash, selected.SessionConcurrency); err != nil {
		_ = h.Release()
		observability.RecordAdmission(req.APIKeyID, "rejected")
		c.publishAudit(ctx, req, h, "rejected", domain.CodeFor(err))
		return nil, err
	}

	if selected.EnableMessageDigest {
		result := c.validator.Validate(ctx, &sessCtx, selected.AccountID, sessCtx.SessionID, sessCtx.SessionHash, selected.SessionRetentionSeconds, sessCtx.IsNewSession, selected.ExclusiveSessionOnly)
		h.DigestResult = result
		h.SessionContext = sessCtx
		if result.Err != nil {
			// Digest failure does not release concurrency/quota: the caller
			// aborts the upstream call and releases normally afterward.
			observability.RecordAdmission(req.APIKeyID, "rejected")
			c.publishAudit(ctx, req, h, "rejected", domain.CodeFor(result.Err))
			return h, result.Err
		}
		if result.Accepted {
			c.mirrorCanonicalRecord(sessCtx.SessionID, result.NewDigest, selected.SessionRetentionSeconds)
		}
	}

	observability.RecordAdmission(req.APIKeyID, "granted")
	c.publishAudit(ctx, req, h, "granted", "")
	return h, nil
}

// mirrorCanonicalRecord writes component F's durable mirror of the digest
// record Validate just accepted. It runs detached from the request context
// on its own bounded timeout so a slow or unavailable Postgres never adds
// latency to the admission path, matching the audit publisher's
// best-effort, never-block contract.
func (c *Coordinator) mirrorCanonicalRecord(sessionID, digest string, retentionSeconds int) {
	if c.canonical == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		now := time.Now().UTC()
		if err := c.canonical.Upsert(ctx, sessionID, domain.SessionDigestRecord{
			Digest:           digest,
			LastSeenAt:       now,
			RetentionSeconds: retentionSeconds,
		}); err != nil {
			observability.RecordKVBackendError("canonical_record_mirror")
		}
	}()
}

func (c *Coordinator) publishAudit(ctx context.Context, req Request, h *Handle, outcome string, code domain.ErrorCode) {
	if c.audit == nil {
		return
	}
	c.audit.Publish(ctx, domain.AdmissionEvent{
		SessionHash: req.SessionHash,
		SessionID:   h.SessionContext.SessionID,
		APIKeyID:    req.APIKeyID,
		AccountID:   h.AccountID,
		Outcome:     outcome,
		Code:        code,
		Transition:  h.DigestResult.Transition,
		OccurredAt:  time.Now(),
	})
}
