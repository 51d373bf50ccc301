// Package observability provides a metrics extension for Redeem that records
// lifecycle event counts via go-utils MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/plugin"
	"github.com/xraph/redeem/usage"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentCreated   = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentActivated = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentSuspended = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentCancelled = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentRedeemed  = (*MetricsExtension)(nil)
	_ plugin.OnInstrumentExpired   = (*MetricsExtension)(nil)
	_ plugin.OnRedemption          = (*MetricsExtension)(nil)
	_ plugin.OnReload              = (*MetricsExtension)(nil)
	_ plugin.OnRefund              = (*MetricsExtension)(nil)
	_ plugin.OnAdjustment          = (*MetricsExtension)(nil)
	_ plugin.OnLedgerViolation     = (*MetricsExtension)(nil)
	_ plugin.OnPromotionApplied    = (*MetricsExtension)(nil)
	_ plugin.OnPromotionRejected   = (*MetricsExtension)(nil)
	_ plugin.OnUsageLimitReached   = (*MetricsExtension)(nil)
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
// Register it as a Redeem plugin to automatically track redemption metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Instrument metrics
	InstrumentIssued    Counter
	InstrumentActivated Counter
	InstrumentSuspended Counter
	InstrumentCancelled Counter
	InstrumentRedeemed  Counter
	InstrumentExpired   Counter

	// Ledger metrics
	Redemptions      Counter
	Reloads          Counter
	Refunds          Counter
	Adjustments      Counter
	RedemptionAmount Histogram
	LedgerViolations Counter

	// Promotion metrics
	PromotionsApplied  Counter
	PromotionsRejected Counter
	UsageLimitsReached Counter
	DiscountAmount     Histogram

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Instrument metrics
		InstrumentIssued:    factory.Counter("redeem.instrument.issued"),
		InstrumentActivated: factory.Counter("redeem.instrument.activated"),
		InstrumentSuspended: factory.Counter("redeem.instrument.suspended"),
		InstrumentCancelled: factory.Counter("redeem.instrument.cancelled"),
		InstrumentRedeemed:  factory.Counter("redeem.instrument.redeemed"),
		InstrumentExpired:   factory.Counter("redeem.instrument.expired"),

		// Ledger metrics
		Redemptions:      factory.Counter("redeem.ledger.redemptions"),
		Reloads:          factory.Counter("redeem.ledger.reloads"),
		Refunds:          factory.Counter("redeem.ledger.refunds"),
		Adjustments:      factory.Counter("redeem.ledger.adjustments"),
		RedemptionAmount: factory.Histogram("redeem.ledger.redemption_cents"),
		LedgerViolations: factory.Counter("redeem.ledger.violations"),

		// Promotion metrics
		PromotionsApplied:  factory.Counter("redeem.promotion.applied"),
		PromotionsRejected: factory.Counter("redeem.promotion.rejected"),
		UsageLimitsReached: factory.Counter("redeem.promotion.usage_limits_reached"),
		DiscountAmount:     factory.Histogram("redeem.promotion.discount_cents"),

		// Error metrics
		StoreErrors:  factory.Counter("redeem.store.errors"),
		PluginErrors: factory.Counter("redeem.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Instrument lifecycle hooks
// ──────────────────────────────────────────────────

// OnInstrumentCreated implements plugin.OnInstrumentCreated.
func (m *MetricsExtension) OnInstrumentCreated(_ context.Context, _ interface{}) error {
	m.InstrumentIssued.Inc()
	return nil
}

// OnInstrumentActivated implements plugin.OnInstrumentActivated.
func (m *MetricsExtension) OnInstrumentActivated(_ context.Context, _ interface{}) error {
	m.InstrumentActivated.Inc()
	return nil
}

// OnInstrumentSuspended implements plugin.OnInstrumentSuspended.
func (m *MetricsExtension) OnInstrumentSuspended(_ context.Context, _ interface{}) error {
	m.InstrumentSuspended.Inc()
	return nil
}

// OnInstrumentCancelled implements plugin.OnInstrumentCancelled.
func (m *MetricsExtension) OnInstrumentCancelled(_ context.Context, _ interface{}) error {
	m.InstrumentCancelled.Inc()
	return nil
}

// OnInstrumentRedeemed implements plugin.OnInstrumentRedeemed.
func (m *MetricsExtension) OnInstrumentRedeemed(_ context.Context, _ interface{}) error {
	m.InstrumentRedeemed.Inc()
	return nil
}

// OnInstrumentExpired implements plugin.OnInstrumentExpired.
func (m *MetricsExtension) OnInstrumentExpired(_ context.Context, _ interface{}) error {
	m.InstrumentExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnRedemption implements plugin.OnRedemption.
func (m *MetricsExtension) OnRedemption(_ context.Context, _, entry interface{}) error {
	m.Redemptions.Inc()
	if en, ok := entry.(*ledger.Entry); ok {
		m.RedemptionAmount.Observe(float64(-en.Amount.Amount))
	}
	return nil
}

// OnReload implements plugin.OnReload.
func (m *MetricsExtension) OnReload(_ context.Context, _, _ interface{}) error {
	m.Reloads.Inc()
	return nil
}

// OnRefund implements plugin.OnRefund.
func (m *MetricsExtension) OnRefund(_ context.Context, _, _ interface{}) error {
	m.Refunds.Inc()
	return nil
}

// OnAdjustment implements plugin.OnAdjustment.
func (m *MetricsExtension) OnAdjustment(_ context.Context, _, _ interface{}) error {
	m.Adjustments.Inc()
	return nil
}

// OnLedgerViolation implements plugin.OnLedgerViolation.
func (m *MetricsExtension) OnLedgerViolation(_ context.Context, _, _ string) error {
	m.LedgerViolations.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Promotion hooks
// ──────────────────────────────────────────────────

// OnPromotionApplied implements plugin.OnPromotionApplied.
func (m *MetricsExtension) OnPromotionApplied(_ context.Context, _, usageRecord interface{}) error {
	m.PromotionsApplied.Inc()
	if u, ok := usageRecord.(*usage.Usage); ok {
		m.DiscountAmount.Observe(float64(u.DiscountAmount.Amount))
	}
	return nil
}

// OnPromotionRejected implements plugin.OnPromotionRejected.
func (m *MetricsExtension) OnPromotionRejected(_ context.Context, _, _, _ string) error {
	m.PromotionsRejected.Inc()
	return nil
}

// OnUsageLimitReached implements plugin.OnUsageLimitReached.
func (m *MetricsExtension) OnUsageLimitReached(_ context.Context, _ string, _ int64) error {
	m.UsageLimitsReached.Inc()
	return nil
}
