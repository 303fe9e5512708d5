package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewFromClient(rdb)
	c.maxElapsedTime = 200 * time.Millisecond
	c.initialInterval = 5 * time.Millisecond
	c.maxInterval = 20 * time.Millisecond
	return c, mr
}

func TestClient_GetSet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", val)
}

func TestClient_IncrAndDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, c.Del(ctx, "counter"))
	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Decr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestClient_SortedSetOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "zs", 1, "a"))
	require.NoError(t, c.ZAdd(ctx, "zs", 2, "b"))
	require.NoError(t, c.ZAdd(ctx, "zs", 3, "c"))

	card, err := c.ZCard(ctx, "zs")
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	score, found, err := c.ZScore(ctx, "zs", "b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(2), score)

	_, found, err = c.ZScore(ctx, "zs", "missing")
	require.NoError(t, err)
	require.False(t, found)

	members, err := c.ZRange(ctx, "zs", 1, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, c.ZRemRangeByScore(ctx, "zs", 1, 1))
	card, err = c.ZCard(ctx, "zs")
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	require.NoError(t, c.ZRem(ctx, "zs", "b"))
	card, err = c.ZCard(ctx, "zs")
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
}

func TestClient_Eval(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	res, err := c.Eval(ctx, `return ARGV[1]`, nil, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", res)
}

func TestClient_Expire(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Expire(ctx, "k", time.Minute))
}

func TestClient_TTL(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.TTL(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	ttl, found, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.InDelta(t, time.Minute, ttl, float64(2*time.Second))
}

func TestClient_Pipeline(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "existing", "v1", time.Minute))

	var existing, missing *domain.PipelineResult
	err := c.Pipeline(ctx, func(p domain.Pipeliner) error {
		existing = p.Get("existing")
		missing = p.Get("missing")
		p.Set("written", "v2", time.Minute)
		p.Incr("counter")
		return nil
	})
	require.NoError(t, err)
	require.True(t, existing.Found)
	require.Equal(t, "v1", existing.Value)
	require.False(t, missing.Found)

	val, found, err := c.Get(ctx, "written")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", val)

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestClient_Pipeline_PropagatesFnError(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := c.Pipeline(ctx, func(p domain.Pipeliner) error {
		p.Set("k", "v", time.Minute)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClient_BackendUnavailable_OnConnectionLoss(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Close()

	_, _, err := c.Get(ctx, "k")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_, _, _ = c.Get(ctx, "k")
	}

	err := c.Set(ctx, "k", "v", time.Minute)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}
