// Package domain defines core entities, ports, and domain-specific errors
// for the admission-control and session-affinity core.
package domain

import (
	"context"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// Platform enumerates the recognized upstream LLM platforms a resource's
// targetServices may be scoped to.
type Platform string

// Recognized platforms for ResourceLimiterConfig.TargetServices.
const (
	PlatformClaude Platform = "claude"
	PlatformGemini Platform = "gemini"
	PlatformOpenAI Platform = "openai"
	PlatformDroid  Platform = "droid"
)

var recognizedPlatforms = map[Platform]struct{}{
	PlatformClaude: {}, PlatformGemini: {}, PlatformOpenAI: {}, PlatformDroid: {},
}

// ResourceLimiterConfig is the mutable, hot-reloadable concurrency policy for
// one resourceId (§3, §4.B).
//
//go:generate mockery --name=KVClient --with-expecter --filename=kvclient_mock.go
//go:generate mockery --name=AccountProvider --with-expecter --filename=account_provider_mock.go
type ResourceLimiterConfig struct {
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	MaxConcurrency   int               `json:"maxConcurrency" yaml:"maxConcurrency"`
	QueueSize        int               `json:"queueSize" yaml:"queueSize"`
	QueueWaitSeconds int               `json:"queueWaitSeconds" yaml:"queueWaitSeconds"`
	ExecutionSeconds int               `json:"executionSeconds" yaml:"executionSeconds"`
	TargetServices   map[Platform]bool `json:"targetServices" yaml:"targetServices"`
}

// DefaultResourceLimiterConfig mirrors the installation defaults unknown or
// missing fields normalize to.
func DefaultResourceLimiterConfig() ResourceLimiterConfig {
	return ResourceLimiterConfig{
		Enabled:          true,
		MaxConcurrency:   1,
		QueueSize:        0,
		QueueWaitSeconds: 30,
		ExecutionSeconds: 300,
	}
}

// Normalize applies the clamps from spec §4.B and drops unrecognized
// platforms from TargetServices. It never mutates the receiver's map.
func (c ResourceLimiterConfig) Normalize(defaults ResourceLimiterConfig) ResourceLimiterConfig {
	out := c
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = defaults.MaxConcurrency
	}
	if out.MaxConcurrency < 1 {
		out.MaxConcurrency = 1
	}
	if out.QueueSize < 0 {
		out.QueueSize = 0
	}
	if out.QueueWaitSeconds <= 0 {
		out.QueueWaitSeconds = defaults.QueueWaitSeconds
	}
	if out.QueueWaitSeconds < 1 {
		out.QueueWaitSeconds = 1
	}
	if out.ExecutionSeconds < 0 {
		out.ExecutionSeconds = 0
	}
	if len(out.TargetServices) > 0 {
		filtered := make(map[Platform]bool, len(out.TargetServices))
		for p, v := range out.TargetServices {
			if _, ok := recognizedPlatforms[p]; ok {
				filtered[p] = v
			}
		}
		out.TargetServices = filtered
	}
	return out
}

// Equal reports whether two normalized configs would drive the same limiter
// behavior (used by the hot-reconfig fast path in §4.B step 3).
func (c ResourceLimiterConfig) Equal(other ResourceLimiterConfig) bool {
	return c.Enabled == other.Enabled &&
		c.MaxConcurrency == other.MaxConcurrency &&
		c.QueueSize == other.QueueSize &&
		c.QueueWaitSeconds == other.QueueWaitSeconds &&
		c.ExecutionSeconds == other.ExecutionSeconds
}

// LimiterState is the in-process view of one resource's limiter (§3).
type LimiterState struct {
	ResourceID   string
	RunningCount int
	QueuedCount  int
	Settings     ResourceLimiterConfig
	LastAccessAt time.Time
}

// SessionQuotaConfig configures the per-account sliding-window quota (§4.C).
type SessionQuotaConfig struct {
	Enabled       bool
	MaxSessions   int
	WindowSeconds int
}

// SessionWindowEntry is one membership record in an account's sliding window (§3).
type SessionWindowEntry struct {
	AccountID      string
	Fingerprint    string
	LastActiveAtMs int64
}

// ContentPartKind discriminates the tagged union used to serialize message
// content deterministically for digest hashing (§4.D, Design Notes).
type ContentPartKind string

// Recognized content part kinds. Unknown kinds still serialize deterministically
// via their raw JSON form (Design Notes: "unknown content parts fall back to a
// deterministic serialization").
const (
	ContentKindText       ContentPartKind = "text"
	ContentKindToolUse    ContentPartKind = "tool_use"
	ContentKindToolResult ContentPartKind = "tool_result"
	ContentKindImage      ContentPartKind = "image"
)

// ContentPart is one element of a message's structured content array.
type ContentPart struct {
	Kind ContentPartKind `json:"kind"`
	// Text holds the literal text for ContentKindText.
	Text string `json:"text,omitempty"`
	// ToolName/ToolInput hold a tool_use invocation.
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput any    `json:"tool_input,omitempty"`
	// ToolResult holds a tool_result payload.
	ToolResult any `json:"tool_result,omitempty"`
	// ImageSource holds an image content source (e.g. base64 or URL reference).
	ImageSource string `json:"image_source,omitempty"`
	// Raw carries any content the other fields don't model, so unrecognized
	// shapes still participate in the digest deterministically.
	Raw any `json:"raw,omitempty"`
}

// MessageRole enumerates the roles the digest protocol distinguishes.
type MessageRole string

// Roles relevant to digest construction (§4.D).
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in the request body's message array.
type Message struct {
	Role    MessageRole   `json:"role"`
	Content []ContentPart `json:"content"`
}

// SessionDigestRecord is the Canonical Session Record persisted per sessionId (§3).
type SessionDigestRecord struct {
	Digest           string
	CreatedAt        time.Time
	LastSeenAt       time.Time
	RetentionSeconds int
}

// DigestTransition classifies how a new digest relates to the prior one (§4.D).
type DigestTransition string

// Transition kinds from the classification table in §4.D.
const (
	TransitionCreate   DigestTransition = "create"
	TransitionRefresh  DigestTransition = "refresh"
	TransitionAppend   DigestTransition = "append"
	TransitionRollback DigestTransition = "rollback"
	TransitionBranch   DigestTransition = "branch"
)

// DigestValidationResult is cached per-account in the request's SessionContext
// so the scheduler's multi-candidate evaluation does not re-validate (§4.D).
type DigestValidationResult struct {
	Transition DigestTransition
	Accepted   bool
	NewDigest  string
	Err        error
}

// StickyBinding maps a session fingerprint to exactly one account (§3).
type StickyBinding struct {
	AccountID  string
	TTLSeconds int
}

// Account is the subset of the external account catalog this core consumes (§3).
type Account struct {
	AccountID               string
	Platform                Platform
	ExclusiveSessionOnly    bool
	SessionRetentionSeconds int
	SessionConcurrency      SessionQuotaConfig
	Concurrency             ResourceLimiterConfig
	EnableMessageDigest     bool
	Status                  string
}

// SessionContext is built once per request by the coordinator (§4.E.1) and
// threaded through account filtering and digest validation.
type SessionContext struct {
	SessionHash           string
	SessionID             string
	IsNewSession          bool
	DigestValidationCache map[string]DigestValidationResult
	RequestBody           RequestBody
}

// RequestBody is the caller-supplied chat-completion payload, reduced to the
// fields this core inspects (message history and resume-indicating metadata).
type RequestBody struct {
	Messages []Message
	Metadata RequestMetadata
}

// RequestMetadata carries the resume-indicator fields §4.E.1 checks.
type RequestMetadata struct {
	UserID         string
	Resume         bool
	IsResume       bool
	SessionType    string
	ConversationID string
	SessionID      string
}

// AdmissionEvent is a best-effort audit record emitted by the coordinator
// after a terminal admission outcome (component G, SPEC_FULL §2).
type AdmissionEvent struct {
	SessionHash string
	SessionID   string
	APIKeyID    string
	AccountID   string
	Outcome     string // "granted" | "rejected"
	Code        ErrorCode
	Transition  DigestTransition
	OccurredAt  time.Time
}

// CancelEvent enumerates the observable client-lifecycle events the
// concurrency limiter listens for (Design Notes: cancellation-signal
// abstraction).
type CancelEvent string

// Recognized cancel events.
const (
	EventRequestClose    CancelEvent = "request-close"
	EventRequestAborted  CancelEvent = "request-aborted"
	EventResponseClose   CancelEvent = "response-close"
	EventResponseFinish  CancelEvent = "response-finish"
	EventResponseError   CancelEvent = "response-error"
)

// CancelSignal is the observer a caller supplies to acquire/admit/validate so
// that in-flight work can be released the moment the client disconnects,
// without requiring the caller to poll. Events() is read repeatedly until the
// channel closes; implementations must not block sends.
type CancelSignal interface {
	Events() <-chan CancelEvent
}

// KVClient is the shared KV/Scripting port (component A, §4.A). Every method
// is cancellable via ctx; connection loss surfaces ErrBackendUnavailable.
type KVClient interface {
	Get(ctx Context, key string) (string, bool, error)
	Set(ctx Context, key, value string, ttl time.Duration) error
	Expire(ctx Context, key string, ttl time.Duration) error
	TTL(ctx Context, key string) (time.Duration, bool, error)
	Del(ctx Context, key string) error
	Incr(ctx Context, key string) (int64, error)
	Decr(ctx Context, key string) (int64, error)
	ZAdd(ctx Context, key string, score float64, member string) error
	ZRem(ctx Context, key, member string) error
	ZScore(ctx Context, key, member string) (float64, bool, error)
	ZRange(ctx Context, key string, min, max float64) ([]string, error)
	ZCard(ctx Context, key string) (int64, error)
	ZRemRangeByScore(ctx Context, key string, min, max float64) error
	Eval(ctx Context, script string, keys []string, args ...any) (any, error)
	Pipeline(ctx Context, fn func(Pipeliner) error) error
}

// PipelineResult holds the value of a Pipeliner.Get call queued inside a
// Pipeline batch. It is only valid to read Value/Found after the Pipeline
// call that queued it has returned without error.
type PipelineResult struct {
	Value string
	Found bool
}

// Pipeliner batches independent KV operations into a single round trip to
// the backing store (§4.A's `pipeline` operation). Get queues a read and
// returns a *PipelineResult populated once the batch executes; the write
// methods are fire-and-forget within the batch.
type Pipeliner interface {
	Get(key string) *PipelineResult
	Set(key, value string, ttl time.Duration)
	Expire(key string, ttl time.Duration)
	Del(key string)
	Incr(key string)
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
}

// AccountProvider resolves account metadata by id. Account catalog
// persistence is out of scope (§1); this is the narrow port E depends on.
type AccountProvider interface {
	GetAccount(ctx Context, accountID string) (Account, error)
}

// AuditPublisher is the port component G implements; Publish must never
// block or fail the admission path (best-effort only).
type AuditPublisher interface {
	Publish(ctx Context, ev AdmissionEvent)
	Close() error
}

// CanonicalRecordStore is the port component F implements: a durable mirror
// of SessionDigestRecord, resolving the §9 open question about a single
// authoritative record (see DESIGN.md).
type CanonicalRecordStore interface {
	Upsert(ctx Context, sessionID string, rec SessionDigestRecord) error
	Get(ctx Context, sessionID string) (SessionDigestRecord, bool, error)
}
