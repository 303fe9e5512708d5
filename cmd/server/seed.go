package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	accountstatic "github.com/fairyhunter13/sessionadmit/internal/adapter/account/static"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

// accountSeedYAML is the on-disk shape for ACCOUNTS_SEED_FILE: a flat list of
// accounts, each carrying the same fields domain.Account does.
type accountSeedYAML struct {
	Accounts []accountSeedEntry `yaml:"accounts"`
}

type accountSeedEntry struct {
	AccountID               string                       `yaml:"accountId"`
	Platform                string                       `yaml:"platform"`
	ExclusiveSessionOnly    bool                         `yaml:"exclusiveSessionOnly"`
	SessionRetentionSeconds int                          `yaml:"sessionRetentionSeconds"`
	SessionConcurrency      domain.SessionQuotaConfig    `yaml:"sessionConcurrency"`
	Concurrency             domain.ResourceLimiterConfig `yaml:"concurrency"`
	EnableMessageDigest     bool                         `yaml:"enableMessageDigest"`
	Status                  string                       `yaml:"status"`
}

// loadAccountsFromYAML parses an account catalog seed file. Account catalog
// persistence itself is out of scope, so this only feeds the in-process
// static.Provider cmd/server wires for its demo mode.
func loadAccountsFromYAML(path string) ([]domain.Account, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=seed.loadAccounts: %w", err)
	}
	var doc accountSeedYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("op=seed.loadAccounts: yaml parse: %w", err)
	}
	accounts := make([]domain.Account, 0, len(doc.Accounts))
	for _, e := range doc.Accounts {
		if e.Status == "" {
			e.Status = "active"
		}
		accounts = append(accounts, domain.Account{
			AccountID:               e.AccountID,
			Platform:                domain.Platform(e.Platform),
			ExclusiveSessionOnly:    e.ExclusiveSessionOnly,
			SessionRetentionSeconds: e.SessionRetentionSeconds,
			SessionConcurrency:      e.SessionConcurrency,
			Concurrency:             e.Concurrency,
			EnableMessageDigest:     e.EnableMessageDigest,
			Status:                  e.Status,
		})
	}
	return accounts, nil
}

// defaultDemoAccounts seeds a minimal catalog when no ACCOUNTS_SEED_FILE is
// configured, so cmd/server is runnable out of the box against a single
// demo account.
func defaultDemoAccounts() []domain.Account {
	return []domain.Account{
		{
			AccountID: "demo-account",
			Platform:  domain.PlatformClaude,
			Concurrency: domain.ResourceLimiterConfig{
				Enabled: true, MaxConcurrency: 4, QueueSize: 10, QueueWaitSeconds: 30, ExecutionSeconds: 300,
			},
			SessionConcurrency: domain.SessionQuotaConfig{
				Enabled: true, MaxSessions: 5, WindowSeconds: 3600,
			},
			EnableMessageDigest: true,
			Status:              "active",
		},
	}
}

func buildAccountProvider(seedFile string) (*accountstatic.Provider, error) {
	if seedFile == "" {
		return accountstatic.New(defaultDemoAccounts()...), nil
	}
	accounts, err := loadAccountsFromYAML(seedFile)
	if err != nil {
		return nil, err
	}
	return accountstatic.New(accounts...), nil
}
