// Package redis adapts a pooled go-redis client to the domain.KVClient port
// (component A): typed string/sorted-set operations plus atomic scripting,
// with connection loss surfaced as domain.ErrBackendUnavailable.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// Client wraps a single pooled *redis.Client and implements domain.KVClient.
// It is safe for concurrent use by components B, C, D, and E.
type Client struct {
	rdb *goredis.Client
	cb  *observability.CircuitBreaker

	maxElapsedTime   time.Duration
	initialInterval  time.Duration
	maxInterval      time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBackoff overrides the retry budget used for transient connection errors.
func WithBackoff(maxElapsedTime, initialInterval, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.maxElapsedTime = maxElapsedTime
		c.initialInterval = initialInterval
		c.maxInterval = maxInterval
	}
}

// New constructs a Client from a DSN (e.g. "redis://localhost:6379/0").
func New(dsn string, opts ...Option) (*Client, error) {
	parsed, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=kv.New: parse redis url: %w", err)
	}
	c := &Client{
		rdb:             goredis.NewClient(parsed),
		cb:              observability.NewCircuitBreaker(5, 10*time.Second, 0.6),
		maxElapsedTime:  5 * time.Second,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewFromClient wraps an existing *redis.Client, used by tests against
// miniredis where the DSN is not a real connection string.
func NewFromClient(rdb *goredis.Client) *Client {
	return &Client{
		rdb:             rdb,
		cb:              observability.NewCircuitBreaker(5, 10*time.Second, 0.6),
		maxElapsedTime:  5 * time.Second,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// withRetry runs op under an exponential backoff budget, retrying only
// transient connection errors. Once the circuit is open it fails fast
// without touching the network.
func (c *Client) withRetry(ctx context.Context, operation string, op func() error) error {
	if !c.cb.CanExecute() {
		observability.RecordCircuitBreakerStatus("kv", operation, int(c.cb.GetState()))
		observability.RecordKVBackendError(operation)
		return domain.ErrBackendUnavailable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = c.maxInterval
	bo.MaxElapsedTime = c.maxElapsedTime
	bctx := backoff.WithContext(bo, ctx)

	err := backoff.Retry(func() error {
		if err := op(); err != nil {
			if errors.Is(err, goredis.Nil) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, bctx)

	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return err
		}
		c.cb.RecordFailure()
		observability.RecordCircuitBreakerStatus("kv", operation, int(c.cb.GetState()))
		observability.RecordKVBackendError(operation)
		slog.Warn("kv backend operation failed", slog.String("op", operation), slog.Any("error", err))
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendUnavailable, operation, err)
	}
	c.cb.RecordSuccess()
	return nil
}

// Get returns the value and whether the key was present.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := c.withRetry(ctx, "get", func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", false, err
	}
	return val, found, nil
}

// Set stores value under key with the given TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withRetry(ctx, "set", func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Expire resets the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.withRetry(ctx, "expire", func() error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// TTL returns the remaining time-to-live on key and whether it exists. A key
// with no expiry set reports found=true with a negative duration, mirroring
// Redis's PTTL -1 convention.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var ttl time.Duration
	var found bool
	err := c.withRetry(ctx, "ttl", func() error {
		v, err := c.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if v == -2 {
			found = false
			return nil
		}
		found = true
		ttl = v
		return nil
	})
	return ttl, found, err
}

// Del removes a key.
func (c *Client) Del(ctx context.Context, key string) error {
	return c.withRetry(ctx, "del", func() error {
		return c.rdb.Del(ctx, key).Err()
	})
}

// Incr atomically increments a counter key and returns its new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, "incr", func() error {
		v, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Decr atomically decrements a counter key and returns its new value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, "decr", func() error {
		v, err := c.rdb.Decr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZAdd adds or updates a sorted-set member with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.withRetry(ctx, "zadd", func() error {
		return c.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes a sorted-set member.
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	return c.withRetry(ctx, "zrem", func() error {
		return c.rdb.ZRem(ctx, key, member).Err()
	})
}

// ZScore returns a member's score and whether it is present.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	var found bool
	err := c.withRetry(ctx, "zscore", func() error {
		v, err := c.rdb.ZScore(ctx, key, member).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		score, found = v, true
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, false, err
	}
	return score, found, nil
}

// ZRange returns members with score in [min, max], inclusive.
func (c *Client) ZRange(ctx context.Context, key string, min, max float64) ([]string, error) {
	var members []string
	err := c.withRetry(ctx, "zrangebyscore", func() error {
		v, err := c.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
		if err != nil {
			return err
		}
		members = v
		return nil
	})
	return members, err
}

// ZCard returns the cardinality of a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, "zcard", func() error {
		v, err := c.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZRemRangeByScore removes members with score in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return c.withRetry(ctx, "zremrangebyscore", func() error {
		return c.rdb.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
	})
}

// Eval runs a Lua script atomically against the store. Scripts are loaded
// via EVALSHA with automatic fallback to EVAL on NOSCRIPT, matching
// go-redis's *Script helper behavior.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	var result any
	sc := goredis.NewScript(script)
	err := c.withRetry(ctx, "eval", func() error {
		v, err := sc.Run(ctx, c.rdb, keys, args...).Result()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// pendingGet pairs a queued Get's *domain.PipelineResult with the go-redis
// command handle it will be populated from once the batch executes.
type pendingGet struct {
	result *domain.PipelineResult
	cmd    *goredis.StringCmd
}

// pipeliner implements domain.Pipeliner over a single go-redis Pipeliner.
type pipeliner struct {
	ctx  context.Context
	pipe goredis.Pipeliner
	gets []pendingGet
}

func (p *pipeliner) Get(key string) *domain.PipelineResult {
	cmd := p.pipe.Get(p.ctx, key)
	result := &domain.PipelineResult{}
	p.gets = append(p.gets, pendingGet{result: result, cmd: cmd})
	return result
}

func (p *pipeliner) Set(key, value string, ttl time.Duration) { p.pipe.Set(p.ctx, key, value, ttl) }
func (p *pipeliner) Expire(key string, ttl time.Duration)     { p.pipe.Expire(p.ctx, key, ttl) }
func (p *pipeliner) Del(key string)                           { p.pipe.Del(p.ctx, key) }
func (p *pipeliner) Incr(key string)                          { p.pipe.Incr(p.ctx, key) }
func (p *pipeliner) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(p.ctx, key, goredis.Z{Score: score, Member: member})
}
func (p *pipeliner) ZRem(key, member string) { p.pipe.ZRem(p.ctx, key, member) }

var _ domain.Pipeliner = (*pipeliner)(nil)

// Pipeline queues the operations fn issues against the returned Pipeliner
// and executes them in a single round trip to Redis. Queued Get results are
// populated on their *domain.PipelineResult once execution completes; a
// missing key resolves to Found=false rather than an error, matching Get's
// own contract.
func (c *Client) Pipeline(ctx context.Context, fn func(domain.Pipeliner) error) error {
	p := &pipeliner{ctx: ctx, pipe: c.rdb.Pipeline()}
	if err := fn(p); err != nil {
		return err
	}

	err := c.withRetry(ctx, "pipeline", func() error {
		_, execErr := p.pipe.Exec(ctx)
		if execErr != nil && !errors.Is(execErr, goredis.Nil) {
			return execErr
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, g := range p.gets {
		v, gerr := g.cmd.Result()
		if gerr != nil {
			continue // goredis.Nil (not found) or a per-command error; leave Found=false.
		}
		g.result.Value, g.result.Found = v, true
	}
	return nil
}

var _ domain.KVClient = (*Client)(nil)
