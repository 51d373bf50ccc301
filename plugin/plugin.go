// Package plugin provides an extensible plugin system for Redeem.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Instrument lifecycle hooks
// ──────────────────────────────────────────────────

// OnInstrumentCreated is called when a new instrument is issued.
type OnInstrumentCreated interface {
	Plugin
	OnInstrumentCreated(ctx context.Context, inst interface{}) error
}

// OnInstrumentActivated is called when a pending instrument becomes active.
type OnInstrumentActivated interface {
	Plugin
	OnInstrumentActivated(ctx context.Context, inst interface{}) error
}

// OnInstrumentSuspended is called when an active instrument is suspended.
type OnInstrumentSuspended interface {
	Plugin
	OnInstrumentSuspended(ctx context.Context, inst interface{}) error
}

// OnInstrumentResumed is called when a suspended instrument returns to active.
type OnInstrumentResumed interface {
	Plugin
	OnInstrumentResumed(ctx context.Context, inst interface{}) error
}

// OnInstrumentCancelled is called when an instrument is cancelled.
type OnInstrumentCancelled interface {
	Plugin
	OnInstrumentCancelled(ctx context.Context, inst interface{}) error
}

// OnInstrumentRedeemed is called when an instrument's balance reaches zero
// through redemption and its status becomes redeemed.
type OnInstrumentRedeemed interface {
	Plugin
	OnInstrumentRedeemed(ctx context.Context, inst interface{}) error
}

// OnInstrumentExpired is called when lazy expiry evaluation transitions an
// instrument to expired.
type OnInstrumentExpired interface {
	Plugin
	OnInstrumentExpired(ctx context.Context, inst interface{}) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnRedemption is called after a redemption entry is committed.
type OnRedemption interface {
	Plugin
	OnRedemption(ctx context.Context, inst, entry interface{}) error
}

// OnReload is called after a reload entry is committed.
type OnReload interface {
	Plugin
	OnReload(ctx context.Context, inst, entry interface{}) error
}

// OnRefund is called after a refund entry is committed.
type OnRefund interface {
	Plugin
	OnRefund(ctx context.Context, inst, entry interface{}) error
}

// OnAdjustment is called after an adjustment entry is committed.
type OnAdjustment interface {
	Plugin
	OnAdjustment(ctx context.Context, inst, entry interface{}) error
}

// OnLedgerViolation is called when reconstruction detects a corrupted
// invariant and the instrument is quarantined.
type OnLedgerViolation interface {
	Plugin
	OnLedgerViolation(ctx context.Context, instrumentID string, detail string) error
}

// ──────────────────────────────────────────────────
// Promotion hooks
// ──────────────────────────────────────────────────

// OnPromotionCreated is called when a new promotion is created.
type OnPromotionCreated interface {
	Plugin
	OnPromotionCreated(ctx context.Context, rule interface{}) error
}

// OnPromotionUpdated is called when a promotion is updated.
type OnPromotionUpdated interface {
	Plugin
	OnPromotionUpdated(ctx context.Context, oldRule, newRule interface{}) error
}

// OnPromotionApplied is called after a promotion application is committed.
type OnPromotionApplied interface {
	Plugin
	OnPromotionApplied(ctx context.Context, rule, usageRecord interface{}) error
}

// OnPromotionRejected is called when an evaluation or application is
// refused, with the rejection reason.
type OnPromotionRejected interface {
	Plugin
	OnPromotionRejected(ctx context.Context, ruleID, clientID, reason string) error
}

// OnUsageLimitReached is called when a rule's total usage limit is hit.
type OnUsageLimitReached interface {
	Plugin
	OnUsageLimitReached(ctx context.Context, ruleID string, totalCount int64) error
}

// ──────────────────────────────────────────────────
// Extension points
// ──────────────────────────────────────────────────

// CodeGenerator provides custom instrument code generation. When an
// instrument is issued without an explicit code, the first registered
// generator is consulted.
type CodeGenerator interface {
	Plugin
	GenerateCode(ctx context.Context) (string, error)
}

// PromotionValidator vets a promotion before it is created or updated.
// Returning an error rejects the promotion.
type PromotionValidator interface {
	Plugin
	ValidatePromotion(ctx context.Context, rule interface{}) error
}
