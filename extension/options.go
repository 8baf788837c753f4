package extension

import (
	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/plugin"
	"github.com/nimbuscredit/ledger/provider"
	"github.com/nimbuscredit/ledger/replica"
	"github.com/nimbuscredit/ledger/seat"
)

// Option configures the Ledger Forge extension.
type Option func(*Extension)

// WithPlugin registers a plugin with the credit ledger's shared hook
// registry.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCreditStore supplies the credit ledger's storage backend, enabling
// the Credits API and Wallet service. Required before the Lifecycle
// Applier, Top-Up Engine, or Seats API can be built.
func WithCreditStore(s credit.Store) Option {
	return func(e *Extension) { e.creditStore = s }
}

// WithReplicaStore supplies the Stripe replica read model, required by
// the Lifecycle Applier, Top-Up Engine, and Seats API.
func WithReplicaStore(s replica.Store) Option {
	return func(e *Extension) { e.replicaStore = s }
}

// WithProviderClient supplies the payment processor client, required by
// the Top-Up Engine and Seats API.
func WithProviderClient(c provider.Client) Option {
	return func(e *Extension) { e.providerClient = c }
}

// WithSeatStore supplies the seat-membership storage backend, required
// for the Seats API.
func WithSeatStore(s seat.Store) Option {
	return func(e *Extension) { e.seatStore = s }
}

// WithCatalog supplies the Config Resolver's {test, production} plan
// catalog and selects the active environment ("test" or "production",
// default "production"). Overridden by a "catalog_env" key loaded from
// YAML config, if present.
func WithCatalog(cfg catalog.Config, activeEnv string) Option {
	return func(e *Extension) {
		e.catalogCfg = &cfg
		e.catalogEnv = activeEnv
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
