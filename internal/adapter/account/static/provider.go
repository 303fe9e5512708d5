// Package static implements domain.AccountProvider over an in-memory map.
// Account catalog persistence is out of scope, so this is the only adapter
// cmd/server wires for its demo mode and the one tests reach for, grounded
// in the teacher's thin in-memory collaborator stubs (internal/adapter/ai/stub).
package static

import (
	"sync"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

// Provider resolves accounts from a fixed, in-memory catalog.
type Provider struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

// New builds a Provider seeded with the given accounts, keyed by AccountID.
func New(accounts ...domain.Account) *Provider {
	p := &Provider{accounts: make(map[string]domain.Account, len(accounts))}
	for _, a := range accounts {
		p.accounts[a.AccountID] = a
	}
	return p
}

// Put adds or replaces an account in the catalog.
func (p *Provider) Put(a domain.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[a.AccountID] = a
}

// GetAccount implements domain.AccountProvider.
func (p *Provider) GetAccount(_ domain.Context, accountID string) (domain.Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.ErrInvalidAccountID
	}
	return a, nil
}

var _ domain.AccountProvider = (*Provider)(nil)
