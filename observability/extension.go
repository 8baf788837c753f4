// Package observability provides a metrics extension for Ledger that records
// lifecycle event counts via go-utils MetricFactory.
package observability

import (
	"context"

	"github.com/nimbuscredit/ledger/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnShutdown             = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnCreditGranted        = (*MetricsExtension)(nil)
	_ plugin.OnCreditRevoked        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Ledger plugin to automatically track credit ledger metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Subscription metrics
	SubscriptionCreated    Counter
	SubscriptionUpgraded   Counter
	SubscriptionDowngraded Counter
	SubscriptionCanceled   Counter

	// Credit ledger metrics
	CreditsGranted    Histogram
	CreditsRevoked    Histogram
	CreditGrantCount  Counter
	CreditRevokeCount Counter

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Subscription metrics
		SubscriptionCreated:    factory.Counter("ledger.subscription.created"),
		SubscriptionUpgraded:   factory.Counter("ledger.subscription.upgraded"),
		SubscriptionDowngraded: factory.Counter("ledger.subscription.downgraded"),
		SubscriptionCanceled:   factory.Counter("ledger.subscription.canceled"),

		// Credit ledger metrics
		CreditsGranted:    factory.Histogram("ledger.credit.granted.amount"),
		CreditsRevoked:    factory.Histogram("ledger.credit.revoked.amount"),
		CreditGrantCount:  factory.Counter("ledger.credit.grant.count"),
		CreditRevokeCount: factory.Counter("ledger.credit.revoke.count"),

		// Error metrics
		StoreErrors:  factory.Counter("ledger.store.errors"),
		PluginErrors: factory.Counter("ledger.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// OnShutdown implements plugin.OnShutdown.
func (m *MetricsExtension) OnShutdown(_ context.Context) error {
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ interface{}) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged. It always
// increments the upgrade counter: the caller emits this only for genuine
// plan changes (lifecycle.Applier skips it for deferred downgrades and
// unchanged-price renewals), and distinguishing upgrade from downgrade
// would require the price catalog this package deliberately doesn't import.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, _ interface{}, _ string) error {
	m.SubscriptionUpgraded.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ interface{}) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Credit ledger hooks
// ──────────────────────────────────────────────────

// OnCreditGranted implements plugin.OnCreditGranted.
func (m *MetricsExtension) OnCreditGranted(_ context.Context, _, _ string, amount int64, _ string) error {
	m.CreditGrantCount.Inc()
	m.CreditsGranted.Observe(float64(amount))
	return nil
}

// OnCreditRevoked implements plugin.OnCreditRevoked.
func (m *MetricsExtension) OnCreditRevoked(_ context.Context, _, _ string, amount int64, _ string) error {
	m.CreditRevokeCount.Inc()
	m.CreditsRevoked.Observe(float64(amount))
	return nil
}
