package coordinator

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	kvredis "github.com/fairyhunter13/sessionadmit/internal/adapter/kv/redis"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
	"github.com/fairyhunter13/sessionadmit/internal/service/digest"
	"github.com/fairyhunter13/sessionadmit/internal/service/quota"
)

type fakeAccountProvider struct {
	accounts map[string]domain.Account
}

func (f *fakeAccountProvider) GetAccount(_ context.Context, accountID string) (domain.Account, error) {
	acc, ok := f.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.ErrInvalidAccountID
	}
	return acc, nil
}

type fakeAudit struct {
	events []domain.AdmissionEvent
}

func (f *fakeAudit) Publish(_ context.Context, ev domain.AdmissionEvent) { f.events = append(f.events, ev) }
func (f *fakeAudit) Close() error                                        { return nil }

func newTestCoordinator(t *testing.T, accounts map[string]domain.Account) (*Coordinator, *fakeAudit) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := kvredis.NewFromClient(rdb)
	registry := concurrency.NewRegistry(kv)
	quotaMgr := quota.NewManager(kv)
	validator := digest.NewValidator(kv)
	audit := &fakeAudit{}
	provider := &fakeAccountProvider{accounts: accounts}

	c := New(kv, registry, quotaMgr, validator, provider, audit, Config{StickyTTLHours: 168, RenewalThresholdMinutes: 60})
	return c, audit
}

func sharedAccount(id string) domain.Account {
	return domain.Account{
		AccountID:          id,
		Platform:           domain.PlatformClaude,
		Concurrency:        domain.ResourceLimiterConfig{Enabled: true, MaxConcurrency: 5, QueueSize: 5, QueueWaitSeconds: 5},
		SessionConcurrency: domain.SessionQuotaConfig{Enabled: true, MaxSessions: 5, WindowSeconds: 3600},
	}
}

func exclusiveAccount(id string) domain.Account {
	a := sharedAccount(id)
	a.ExclusiveSessionOnly = true
	return a
}

// S7 Exclusivity filter.
func TestFilterAccounts_S7_ExclusivityFilter(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	candidates := []domain.Account{
		exclusiveAccount("A"),
		exclusiveAccount("B"),
		sharedAccount("C"),
		sharedAccount("D"),
	}
	sessCtx := domain.SessionContext{IsNewSession: false, DigestValidationCache: map[string]domain.DigestValidationResult{}}

	eligible := c.filterAccounts(context.Background(), sessCtx, candidates, "", false)
	require.Len(t, eligible, 2)
	require.ElementsMatch(t, []string{"C", "D"}, ids(eligible))

	eligible = c.filterAccounts(context.Background(), sessCtx, candidates, "A", true)
	require.Len(t, eligible, 3)
	require.ElementsMatch(t, []string{"A", "C", "D"}, ids(eligible))
}

func ids(accounts []domain.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.AccountID
	}
	return out
}

func TestAdmit_NewSessionGrantsAndBinds(t *testing.T) {
	accounts := map[string]domain.Account{"A": sharedAccount("A")}
	c, audit := newTestCoordinator(t, accounts)

	req := Request{
		APIKeyID:          "key-1",
		APIKeyConcurrency: domain.ResourceLimiterConfig{Enabled: true, MaxConcurrency: 5, QueueSize: 5, QueueWaitSeconds: 5},
		AccountCandidates: []string{"A"},
		SessionHash:       "hash-1",
		Body: domain.RequestBody{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentPart{{Kind: domain.ContentKindText, Text: "hi"}}}},
		},
	}

	h, err := c.Admit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "A", h.AccountID)
	require.True(t, h.SessionContext.IsNewSession)
	require.NoError(t, h.Release())

	require.Len(t, audit.events, 1)
	require.Equal(t, "granted", audit.events[0].Outcome)
}

func TestAdmit_NoEligibleAccountWhenAllExclusiveAndUnbound(t *testing.T) {
	accounts := map[string]domain.Account{"A": exclusiveAccount("A")}
	c, _ := newTestCoordinator(t, accounts)

	req := Request{
		APIKeyID:          "key-1",
		APIKeyConcurrency: domain.ResourceLimiterConfig{Enabled: true, MaxConcurrency: 5, QueueSize: 5, QueueWaitSeconds: 5},
		AccountCandidates: []string{"A"},
		SessionHash:       "hash-1",
		Body: domain.RequestBody{
			Messages: []domain.Message{
				{Role: domain.RoleUser, Content: []domain.ContentPart{{Kind: domain.ContentKindText, Text: "hi"}}},
				{Role: domain.RoleAssistant, Content: []domain.ContentPart{{Kind: domain.ContentKindText, Text: "hello"}}},
			},
		},
	}

	_, err := c.Admit(context.Background(), req)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrNoEligibleAccount)
}
