package remote

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vonshlovens/cloudsync/internal/config"
)

// Factory builds the client for an account
type Factory func(account string) (*Client, error)

// Registry owns one Client per account. Clients are created on first use and
// live until evicted.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	factory Factory
}

// NewRegistry creates an empty registry backed by factory
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		factory: factory,
	}
}

// ConfigFactory builds clients from the accounts in cfg
func ConfigFactory(cfg *config.Config, logger *slog.Logger) Factory {
	return func(account string) (*Client, error) {
		acct, err := cfg.Account(account)
		if err != nil {
			return nil, err
		}
		return New(Options{
			ServerURL:     acct.ServerURL,
			Username:      acct.Username,
			Password:      acct.Password,
			RetryAttempts: cfg.Sync.RetryAttempts,
			RetryDelay:    cfg.Sync.RetryDelay(),
			Timeout:       cfg.Sync.RequestTimeout(),
			Logger:        logger,
		})
	}
}

// Get returns the client for account, creating it if needed
func (r *Registry) Get(account string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[account]; ok {
		return c, nil
	}
	c, err := r.factory(account)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for account %q: %w", account, err)
	}
	r.clients[account] = c
	return c, nil
}

// Evict drops the client for account, e.g. after the account was removed or
// its credentials changed
func (r *Registry) Evict(account string) {
	r.mu.Lock()
	c, ok := r.clients[account]
	delete(r.clients, account)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Accounts lists the accounts that currently hold a client
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close evicts every client
func (r *Registry) Close() {
	for _, name := range r.Accounts() {
		r.Evict(name)
	}
}
