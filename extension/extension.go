// Package extension provides the Forge extension adapter for Ledger.
//
// It implements the forge.Extension interface to integrate the credit
// ledger into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management: Credits, Wallet, the Config
// Resolver, the Lifecycle Applier, the Top-Up Engine, and the Seats API,
// each constructed and registered whenever its dependencies (a credit
// store, a Stripe replica, a payment processor client, a plan catalog)
// were supplied via Option.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.ledger" or "ledger" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/lifecycle"
	"github.com/nimbuscredit/ledger/plugin"
	"github.com/nimbuscredit/ledger/provider"
	"github.com/nimbuscredit/ledger/replica"
	"github.com/nimbuscredit/ledger/seat"
	"github.com/nimbuscredit/ledger/topup"
	"github.com/nimbuscredit/ledger/wallet"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "ledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Double-entry credit ledger and subscription lifecycle engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config Config

	// Dependencies, supplied via Option. All optional: each component
	// below is only built, and only registered in the DI container, when
	// its dependencies are present.
	creditStore    credit.Store
	replicaStore   replica.Store
	providerClient provider.Client
	seatStore      seat.Store
	catalogCfg     *catalog.Config
	catalogEnv     string
	plugins        *plugin.Registry

	credits   *credit.Service
	walletSvc *wallet.Service
	resolver  *catalog.Resolver
	applier   *lifecycle.Applier
	topUp     *topup.Engine
	seats     *seat.Engine
}

// New creates a new Ledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		plugins:       plugin.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Credits returns the Credits API service, nil unless a credit store was
// supplied via WithCreditStore.
func (e *Extension) Credits() *credit.Service { return e.credits }

// Wallet returns the Wallet convenience layer over Credits, nil under the
// same condition as Credits.
func (e *Extension) Wallet() *wallet.Service { return e.walletSvc }

// Catalog returns the Config Resolver, nil unless a catalog was supplied
// via WithCatalog.
func (e *Extension) Catalog() *catalog.Resolver { return e.resolver }

// Lifecycle returns the Lifecycle Applier, nil unless Credits, Catalog, and
// a Stripe replica were all supplied.
func (e *Extension) Lifecycle() *lifecycle.Applier { return e.applier }

// TopUp returns the Top-Up Engine, nil unless Credits, Catalog, a Stripe
// replica, and a payment processor client were all supplied.
func (e *Extension) TopUp() *topup.Engine { return e.topUp }

// Seats returns the Seats API engine, nil under the same condition as
// TopUp plus a seat store.
func (e *Extension) Seats() *seat.Engine { return e.seats }

// Register implements [forge.Extension]. It loads configuration, builds
// whichever components have their dependencies satisfied, and registers
// all of them in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	e.buildCreditLedger()

	return e.registerCreditLedgerComponents(fapp)
}

// buildCreditLedger constructs the extension's components in dependency
// order, skipping any whose prerequisites weren't supplied.
func (e *Extension) buildCreditLedger() {
	if e.creditStore != nil {
		e.credits = credit.New(e.creditStore, credit.WithPlugins(e.plugins))
		e.walletSvc = wallet.New(e.credits)
	}
	if e.catalogCfg != nil {
		env := e.config.CatalogEnv
		if env == "" {
			env = e.catalogEnv
		}
		if env == "" {
			env = "production"
		}
		e.resolver = catalog.NewResolver(*e.catalogCfg, env)
	}
	if e.credits == nil || e.resolver == nil || e.replicaStore == nil {
		return
	}
	if e.providerClient != nil {
		e.topUp = topup.New(e.credits, e.resolver, e.replicaStore, e.providerClient)
		if e.seatStore != nil {
			e.seats = seat.New(e.seatStore, e.credits, e.resolver, e.replicaStore, e.providerClient)
		}
	}
	// Built after Seats so the Lifecycle Applier's grantTo=seat-users mode
	// can resolve real seat ownership; nil when no seat store was supplied,
	// falling back to the Applier's own first_seat_user_id metadata path.
	var seatLister lifecycle.SeatUserLister
	if e.seats != nil {
		seatLister = e.seats
	}
	e.applier = lifecycle.New(e.credits, e.resolver, e.replicaStore, seatLister, lifecycle.WithPlugins(e.plugins))
}

// registerCreditLedgerComponents provides every successfully-built
// component in the DI container so application code can depend on them
// by type.
func (e *Extension) registerCreditLedgerComponents(fapp forge.App) error {
	c := fapp.Container()
	if e.credits != nil {
		if err := vessel.Provide(c, func() (*credit.Service, error) { return e.credits, nil }); err != nil {
			return err
		}
		if err := vessel.Provide(c, func() (*wallet.Service, error) { return e.walletSvc, nil }); err != nil {
			return err
		}
	}
	if e.resolver != nil {
		if err := vessel.Provide(c, func() (*catalog.Resolver, error) { return e.resolver, nil }); err != nil {
			return err
		}
	}
	if e.applier != nil {
		if err := vessel.Provide(c, func() (*lifecycle.Applier, error) { return e.applier, nil }); err != nil {
			return err
		}
	}
	if e.topUp != nil {
		if err := vessel.Provide(c, func() (*topup.Engine, error) { return e.topUp, nil }); err != nil {
			return err
		}
	}
	if e.seats != nil {
		if err := vessel.Provide(c, func() (*seat.Engine, error) { return e.seats, nil }); err != nil {
			return err
		}
	}
	return nil
}

// Start implements [forge.Extension]. Storage-backend migration, if any,
// is the caller's responsibility: the concrete store (e.g.
// credit/store/postgres.Store) is constructed and migrated before being
// handed to WithCreditStore/WithReplicaStore, since Store is consumed here
// only through its interface.
func (e *Extension) Start(ctx context.Context) error {
	e.plugins.EmitInit(ctx, e)
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	e.plugins.EmitShutdown(ctx)
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension]. It reports healthy once the
// extension has registered; per-backend connectivity checks belong to the
// concrete store the caller constructed.
func (e *Extension) Health(_ context.Context) error {
	if e.credits == nil && e.resolver == nil {
		return errors.New("ledger: extension not configured with any component")
	}
	return nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("ledger: configuration is required but not found in config files; " +
				"ensure 'extensions.ledger' or 'ledger' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("ledger: configuration loaded",
		forge.F("catalog_env", e.config.CatalogEnv),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.ledger" first (namespaced pattern).
	if cm.IsSet("extensions.ledger") {
		if err := cm.Bind("extensions.ledger", &cfg); err == nil {
			e.Logger().Debug("ledger: loaded config from file",
				forge.F("key", "extensions.ledger"),
			)
			return cfg, true
		}
		e.Logger().Warn("ledger: failed to bind extensions.ledger config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "ledger" key.
	if cm.IsSet("ledger") {
		if err := cm.Bind("ledger", &cfg); err == nil {
			e.Logger().Debug("ledger: loaded config from file",
				forge.F("key", "ledger"),
			)
			return cfg, true
		}
		e.Logger().Warn("ledger: failed to bind ledger config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.CatalogEnv == "" {
		cfg.CatalogEnv = e.catalogEnv
	}
	if cfg.CatalogEnv == "" {
		cfg.CatalogEnv = defaults.CatalogEnv
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// String fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.CatalogEnv == "" && programmaticConfig.CatalogEnv != "" {
		yamlConfig.CatalogEnv = programmaticConfig.CatalogEnv
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
