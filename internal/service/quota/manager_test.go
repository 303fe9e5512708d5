package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	kvredis "github.com/fairyhunter13/sessionadmit/internal/adapter/kv/redis"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

func newTestManager(t *testing.T) (*Manager, *kvredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := kvredis.NewFromClient(rdb)
	return NewManager(kv), kv
}

// S4 Session quota atomicity.
func TestManager_S4_SlidingWindowAtomicity(t *testing.T) {
	m, kv := newTestManager(t)
	cfg := domain.SessionQuotaConfig{Enabled: true, MaxSessions: 5, WindowSeconds: 3600}

	var mu sync.Mutex
	admitted, rejected := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Admit(context.Background(), "acct-1", fmt.Sprintf("fp-%d", i), cfg)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Status == StatusAdmitted {
				admitted++
			} else {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, admitted)
	require.Equal(t, 15, rejected)

	card, err := kv.ZCard(context.Background(), "session_concurrency:acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), card)
}

func TestManager_ExistingFingerprintAlwaysRefreshes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cfg := domain.SessionQuotaConfig{Enabled: true, MaxSessions: 1, WindowSeconds: 3600}

	res, err := m.Admit(ctx, "acct-1", "fp-1", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusAdmitted, res.Status)

	// Same fingerprint must refresh even though the window is already full.
	res, err = m.Admit(ctx, "acct-1", "fp-1", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusAdmitted, res.Status)

	res, err = m.Admit(ctx, "acct-1", "fp-2", cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrSessionLimitExceeded)
	require.Equal(t, StatusRejected, res.Status)
}

func TestManager_SkippedWhenDisabledOrEmptyFingerprint(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cfg := domain.SessionQuotaConfig{Enabled: false, MaxSessions: 5, WindowSeconds: 3600}

	res, err := m.Admit(ctx, "acct-1", "fp-1", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)

	cfg.Enabled = true
	res, err = m.Admit(ctx, "acct-1", "", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)
}

func TestManager_InvalidAccountID(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := domain.SessionQuotaConfig{Enabled: true, MaxSessions: 5, WindowSeconds: 3600}
	_, err := m.Admit(context.Background(), "", "fp-1", cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrInvalidAccountID)
}
