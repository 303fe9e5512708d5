package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// Validator persists and validates the session digest chain against the
// shared KV store (component D).
type Validator struct {
	kv domain.KVClient
}

// NewValidator constructs a Validator bound to kv.
func NewValidator(kv domain.KVClient) *Validator {
	return &Validator{kv: kv}
}

// digestKey implements §6's two-key persistence split: exclusive accounts
// keep their own digest chain per (accountId, sessionHash) so that two
// exclusive accounts never share one session's history, while non-exclusive
// accounts share the single claude:session:digest:{sessionId} chain.
func digestKey(exclusive bool, accountID, sessionHash, sessionID string) string {
	if exclusive {
		return "exclusive_session_digest:" + accountID + ":" + sessionHash
	}
	return "claude:session:digest:" + sessionID
}

// Validate classifies and persists the digest transition implied by
// sessCtx's current message history for one candidate account. It consults
// and populates sessCtx.DigestValidationCache first (§4.D per-request
// caching), so repeated calls for the same accountId within one request are
// free after the first.
//
// allowCreate permits initializing a record when none exists; when false and
// no record is found, the account is treated as not recognizing this session
// (SessionNotNew). exclusive selects the account's own
// exclusive_session_digest:{accountId}:{sessionHash} key instead of the
// shared claude:session:digest:{sessionId} key (§6 key table).
func (v *Validator) Validate(ctx context.Context, sessCtx *domain.SessionContext, accountID, sessionID, sessionHash string, retentionSeconds int, allowCreate, exclusive bool) domain.DigestValidationResult {
	if sessCtx.DigestValidationCache == nil {
		sessCtx.DigestValidationCache = make(map[string]domain.DigestValidationResult)
	}
	if cached, ok := sessCtx.DigestValidationCache[accountID]; ok {
		return cached
	}

	key := digestKey(exclusive, accountID, sessionHash, sessionID)
	newDigest := Compute(sessCtx.RequestBody.Messages)
	oldDigest, found, err := v.kv.Get(ctx, key)
	if err != nil {
		result := domain.DigestValidationResult{Err: domain.NewCoreError(domain.CodeBackendUnavailable, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err), nil)}
		sessCtx.DigestValidationCache[accountID] = result
		return result
	}
	if !found {
		oldDigest = ""
	}

	if oldDigest == "" && !allowCreate {
		result := domain.DigestValidationResult{
			Err: domain.NewCoreError(domain.CodeSessionNotNew, domain.ErrSessionNotNew, nil),
		}
		sessCtx.DigestValidationCache[accountID] = result
		return result
	}

	transition, classifyErr := Classify(oldDigest, newDigest)
	if classifyErr != nil {
		code := codeForViolation(classifyErr)
		observability.RecordDigestViolation(string(code))
		result := domain.DigestValidationResult{
			Err: domain.NewCoreError(code, classifyErr, nil),
		}
		sessCtx.DigestValidationCache[accountID] = result
		return result
	}

	observability.RecordDigestTransition(string(transition))

	// "refresh" with identical digests still rewrites and resets TTL here:
	// see DESIGN.md's resolution of the corresponding open question.
	if err := v.kv.Set(ctx, key, newDigest, time.Duration(retentionSeconds)*time.Second); err != nil {
		result := domain.DigestValidationResult{Err: domain.NewCoreError(domain.CodeBackendUnavailable, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err), nil)}
		sessCtx.DigestValidationCache[accountID] = result
		return result
	}

	result := domain.DigestValidationResult{
		Transition: transition,
		Accepted:   true,
		NewDigest:  newDigest,
	}
	sessCtx.DigestValidationCache[accountID] = result
	return result
}

func codeForViolation(err error) domain.ErrorCode {
	switch {
	case isErr(err, domain.ErrContentMismatch):
		return domain.CodeSessionContentMismatch
	case isErr(err, domain.ErrAppendViolation):
		return domain.CodeSessionAppendViolation
	case isErr(err, domain.ErrRollbackViolation):
		return domain.CodeSessionRollbackViolation
	case isErr(err, domain.ErrBranchViolation):
		return domain.CodeSessionBranchViolation
	default:
		return domain.CodeInvalidConfig
	}
}

func isErr(err, target error) bool { return err == target }
