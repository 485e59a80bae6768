// Package account holds the registry of configured server accounts.
package account

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/events"
)

// Account identifies a user on a sync server. Accounts are equal when their
// names are equal; the rest of the fields are connection details.
type Account struct {
	// Name is the unique identity of the account, typically user@host.
	Name string
	// ServerURL is the base URL of the sync server.
	ServerURL string
	// Username and Password are the credentials presented to the server.
	Username string
	Password string
	// ServerVersion is the advertised server version, e.g. "8.2.1".
	ServerVersion string
}

// SameAs reports account equality. Accounts are compared by name, never by
// identity, so refreshed credential copies still count as the same account.
func (a Account) SameAs(other Account) bool {
	return a.Name == other.Name
}

// Registry holds the accounts known to the daemon. Accounts may be removed at
// any time; removal is announced on the event bus so in-flight work can react.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Account
	bus      *events.Bus
	logger   zerolog.Logger
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBus sets the event bus used to announce account removal.
func WithBus(bus *events.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// NewRegistry creates an empty account registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		accounts: make(map[string]Account),
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds or replaces an account.
func (r *Registry) Register(a Account) {
	r.mu.Lock()
	r.accounts[a.Name] = a
	r.mu.Unlock()

	r.logger.Info().Str("account", a.Name).Str("server", a.ServerURL).Msg("account registered")
}

// Remove drops an account and announces the removal. Removing an unknown
// account is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	_, ok := r.accounts[name]
	delete(r.accounts, name)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info().Str("account", name).Msg("account removed")
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.AccountRemoved,
			Data: map[string]any{"account_name": name},
		})
	}
}

// Exists reports whether an account with the given name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[name]
	return ok
}

// Get returns the account with the given name.
func (r *Registry) Get(name string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[name]
	return a, ok
}

// All returns a snapshot of all registered accounts.
func (r *Registry) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		all = append(all, a)
	}
	return all
}
