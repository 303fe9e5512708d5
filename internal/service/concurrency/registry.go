// Package concurrency implements the per-resource distributed concurrency
// limiter registry (component B): bounded wait queues, wait/execution
// timeouts, hot reconfiguration, and auto-release on client disconnect.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

const (
	defaultRegistrySize  = 10000
	defaultRegistryTTL   = 30 * time.Minute
	defaultPollInterval  = 20 * time.Millisecond
	defaultLeaseSeconds  = 3600 // self-heals stale semaphore entries if release is lost
	queueCounterIdleTTL  = 10 * time.Minute
)

// resourceEntry is the in-process view of one resource's limiter settings.
// The registry owns it exclusively; remote state (running/queued members) is
// authoritative and lives in the KV store.
type resourceEntry struct {
	resourceID   string
	mu           sync.RWMutex
	settings     domain.ResourceLimiterConfig
	lastAccessAt time.Time
	reconfigMu   sync.Mutex // double-checked-locking guard for hot reconfig
}

func (e *resourceEntry) snapshot() domain.LimiterState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return domain.LimiterState{
		ResourceID:   e.resourceID,
		Settings:     e.settings,
		LastAccessAt: e.lastAccessAt,
	}
}

// Registry is the process-lifetime service that owns the in-process LRU of
// resourceEntry and brokers acquire/release against the shared KV store.
// Callers construct one instance and pass it explicitly; it holds no
// package-level singleton state.
type Registry struct {
	kv           domain.KVClient
	cache        *lru.LRU[string, *resourceEntry]
	defaults     domain.ResourceLimiterConfig
	pollInterval time.Duration
	leaseSeconds int
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithDefaults overrides the installation defaults unknown/missing fields
// normalize to.
func WithDefaults(defaults domain.ResourceLimiterConfig) Option {
	return func(r *Registry) { r.defaults = defaults }
}

// WithPollInterval overrides the wait-loop poll interval (tests use a
// shorter interval to keep S1/S2 fast).
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) { r.pollInterval = d }
}

// WithCacheSize overrides the LRU's max entry count and TTL.
func WithCacheSize(size int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.cache = lru.NewLRU[string, *resourceEntry](size, r.disposeEntry, ttl)
	}
}

// NewRegistry constructs a Registry bound to kv. The LRU's disposal hook only
// resets the resource's limiter gauges; remote state is left to expire by TTL
// (§4.B failure model).
func NewRegistry(kv domain.KVClient, opts ...Option) *Registry {
	r := &Registry{
		kv:           kv,
		defaults:     domain.DefaultResourceLimiterConfig(),
		pollInterval: defaultPollInterval,
		leaseSeconds: defaultLeaseSeconds,
	}
	r.cache = lru.NewLRU[string, *resourceEntry](defaultRegistrySize, r.disposeEntry, defaultRegistryTTL)
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) disposeEntry(resourceID string, _ *resourceEntry) {
	observability.SetLimiterGauges(resourceID, 0, 0)
}

// EvictIdle removes every in-process entry whose last access predates
// idleTimeout, freeing memory for resources with no recent traffic without
// waiting for the LRU's own TTL. Remote state in the KV store is untouched
// and self-heals independently (§4.B); this is purely in-process GC, run
// periodically by cmd/sweeper.
func (r *Registry) EvictIdle(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)
	evicted := 0
	for _, resourceID := range r.cache.Keys() {
		entry, ok := r.cache.Peek(resourceID)
		if !ok {
			continue
		}
		entry.mu.RLock()
		stale := entry.lastAccessAt.Before(cutoff)
		entry.mu.RUnlock()
		if stale {
			r.cache.Remove(resourceID)
			evicted++
		}
	}
	return evicted
}

// GetSettings returns the currently cached settings for resourceId, used by
// the hot-reconfig assertion (universal invariant 5). Returns the zero config and false if the
// resource has never been acquired or was evicted.
func (r *Registry) GetSettings(resourceID string) (domain.ResourceLimiterConfig, bool) {
	entry, ok := r.cache.Get(resourceID)
	if !ok {
		return domain.ResourceLimiterConfig{}, false
	}
	return entry.snapshot().Settings, true
}

func semKey(resourceID string) string   { return "sem:" + resourceID }
func queueKey(resourceID string) string { return "concurrency:queue:" + resourceID }

// getOrCreate looks up resourceId in the LRU, creating a new entry if absent,
// and applies hot reconfiguration via double-checked locking (§4.B step 3).
func (r *Registry) getOrCreate(resourceID string, cfg domain.ResourceLimiterConfig) *resourceEntry {
	entry, ok := r.cache.Get(resourceID)
	if !ok {
		entry = &resourceEntry{resourceID: resourceID, settings: cfg, lastAccessAt: time.Now()}
		r.cache.Add(resourceID, entry)
		return entry
	}
	r.cache.Add(resourceID, entry) // re-adding renews the entry's TTL on access

	entry.mu.RLock()
	unchanged := entry.settings.Equal(cfg)
	entry.mu.RUnlock()
	if unchanged {
		entry.mu.Lock()
		entry.lastAccessAt = time.Now()
		entry.mu.Unlock()
		return entry
	}

	entry.reconfigMu.Lock()
	defer entry.reconfigMu.Unlock()
	entry.mu.RLock()
	stillChanged := !entry.settings.Equal(cfg)
	entry.mu.RUnlock()
	if stillChanged {
		entry.mu.Lock()
		entry.settings = cfg
		entry.lastAccessAt = time.Now()
		entry.mu.Unlock()
	}
	return entry
}

// Acquire enforces the per-resourceId bounded-concurrency contract (§4.B).
// On success the returned Handle's Release must be called exactly once by
// the caller, unless a terminal cancel event or execution timeout fires
// first (those auto-release and surface their reason via Handle.Err()).
func (r *Registry) Acquire(ctx context.Context, resourceID string, cfgIn domain.ResourceLimiterConfig, cancel domain.CancelSignal) (*Handle, error) {
	if resourceID == "" {
		return nil, domain.NewCoreError(domain.CodeInvalidResourceID, domain.ErrInvalidResourceID, nil)
	}

	cfg := cfgIn.Normalize(r.defaults)
	if !cfg.Enabled {
		return noopHandle(resourceID), nil
	}

	entry := r.getOrCreate(resourceID, cfg)

	jobID := uuid.NewString()
	var cancelCh <-chan domain.CancelEvent
	if cancel != nil {
		cancelCh = cancel.Events()
	}

	// A free slot admits at once without entering the wait queue, so
	// QueueSize bounds only the requests that actually have to wait.
	admitted, err := r.tryAcquire(ctx, resourceID, jobID, cfg.MaxConcurrency)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeBackendUnavailable, err, nil)
	}
	if admitted {
		return r.admit(resourceID, jobID, cfg, entry, cancel, cancelCh), nil
	}

	qKey := queueKey(resourceID)
	waiting, err := r.kv.Incr(ctx, qKey)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeBackendUnavailable, fmt.Errorf("%w: enqueue: %v", domain.ErrBackendUnavailable, err), nil)
	}
	_ = r.kv.Expire(ctx, qKey, queueCounterIdleTTL)

	if int(waiting) > cfg.QueueSize {
		_, _ = r.kv.Decr(ctx, qKey)
		observability.RecordRejection(resourceID, string(domain.CodeQueueFull))
		return nil, domain.NewCoreError(domain.CodeQueueFull, domain.ErrQueueFull, map[string]any{
			"currentWaiting": int(waiting) - 1,
			"maxQueueSize":   cfg.QueueSize,
		})
	}

	leaveQueue := func() { _, _ = r.kv.Decr(ctx, qKey) }

	deadline := time.Now().Add(time.Duration(cfg.QueueWaitSeconds) * time.Second)
	queuedAt := time.Now()

	for {
		admitted, err := r.tryAcquire(ctx, resourceID, jobID, cfg.MaxConcurrency)
		if err != nil {
			leaveQueue()
			return nil, domain.NewCoreError(domain.CodeBackendUnavailable, err, nil)
		}
		if admitted {
			leaveQueue()
			observability.RecordQueueWait(resourceID, time.Since(queuedAt))
			return r.admit(resourceID, jobID, cfg, entry, cancel, cancelCh), nil
		}

		select {
		case <-cancelCh:
			leaveQueue()
			observability.RecordRejection(resourceID, string(domain.CodeClientDisconnected))
			return nil, domain.NewCoreError(domain.CodeClientDisconnected, domain.ErrClientDisconnected, nil)
		case <-ctx.Done():
			leaveQueue()
			return nil, domain.NewCoreError(domain.CodeClientDisconnected, domain.ErrClientDisconnected, nil)
		default:
		}

		if time.Now().After(deadline) {
			leaveQueue()
			observability.RecordRejection(resourceID, string(domain.CodeTimeoutQueue))
			return nil, domain.NewCoreError(domain.CodeTimeoutQueue, domain.ErrQueueWaitTimeout, map[string]any{
				"timeout":     cfg.QueueWaitSeconds,
				"timeoutMs":   cfg.QueueWaitSeconds * 1000,
				"timeoutType": "queue",
			})
		}

		select {
		case <-time.After(r.pollInterval):
		case <-cancelCh:
			leaveQueue()
			observability.RecordRejection(resourceID, string(domain.CodeClientDisconnected))
			return nil, domain.NewCoreError(domain.CodeClientDisconnected, domain.ErrClientDisconnected, nil)
		case <-ctx.Done():
			leaveQueue()
			return nil, domain.NewCoreError(domain.CodeClientDisconnected, domain.ErrClientDisconnected, nil)
		}
	}
}

// tryAcquireScript atomically expires stale leases, checks the running
// count against maxConcurrency, and admits the job id if there is room.
const tryAcquireScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local job = ARGV[2]
local now = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - lease * 1000)
local n = redis.call('ZCARD', key)
if n < max then
  redis.call('ZADD', key, now, job)
  redis.call('EXPIRE', key, lease)
  return 1
end
return 0
`

func (r *Registry) tryAcquire(ctx context.Context, resourceID, jobID string, maxConcurrency int) (bool, error) {
	now := float64(time.Now().UnixMilli())
	res, err := r.kv.Eval(ctx, tryAcquireScript, []string{semKey(resourceID)}, maxConcurrency, jobID, now, r.leaseSeconds)
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	default:
		return false, nil
	}
}

const releaseScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`

func (r *Registry) releaseRemote(resourceID, jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.kv.Eval(ctx, releaseScript, []string{semKey(resourceID)}, jobID)
	return err
}

// admit attaches cancel/timeout observers and returns the caller's Handle.
func (r *Registry) admit(resourceID, jobID string, cfg domain.ResourceLimiterConfig, entry *resourceEntry, cancel domain.CancelSignal, cancelCh <-chan domain.CancelEvent) *Handle {
	h := &Handle{
		resourceID: resourceID,
		jobID:      jobID,
		errCh:      make(chan error, 1),
		admittedAt: time.Now(),
		release: func() error {
			return r.releaseRemote(resourceID, jobID)
		},
	}

	stop := make(chan struct{})
	h.stopListening = func() { close(stop) }

	go func() {
		var timeoutCh <-chan time.Time
		if cfg.ExecutionSeconds > 0 {
			timer := time.NewTimer(time.Duration(cfg.ExecutionSeconds) * time.Second)
			defer timer.Stop()
			timeoutCh = timer.C
		}
		select {
		case <-stop:
		case <-cancelCh:
			h.autoRelease(domain.NewCoreError(domain.CodeClientDisconnected, domain.ErrClientDisconnected, nil))
		case <-timeoutCh:
			h.autoRelease(domain.NewCoreError(domain.CodeTimeoutExecution, domain.ErrExecutionTimeout, map[string]any{
				"timeoutType": "execution",
			}))
		}
	}()

	return h
}
