// Package audithook bridges Redeem lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/plugin"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/usage"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnInstrumentCreated   = (*Extension)(nil)
	_ plugin.OnInstrumentActivated = (*Extension)(nil)
	_ plugin.OnInstrumentSuspended = (*Extension)(nil)
	_ plugin.OnInstrumentResumed   = (*Extension)(nil)
	_ plugin.OnInstrumentCancelled = (*Extension)(nil)
	_ plugin.OnInstrumentRedeemed  = (*Extension)(nil)
	_ plugin.OnInstrumentExpired   = (*Extension)(nil)
	_ plugin.OnRedemption          = (*Extension)(nil)
	_ plugin.OnReload              = (*Extension)(nil)
	_ plugin.OnRefund              = (*Extension)(nil)
	_ plugin.OnAdjustment          = (*Extension)(nil)
	_ plugin.OnLedgerViolation     = (*Extension)(nil)
	_ plugin.OnPromotionCreated    = (*Extension)(nil)
	_ plugin.OnPromotionUpdated    = (*Extension)(nil)
	_ plugin.OnPromotionApplied    = (*Extension)(nil)
	_ plugin.OnPromotionRejected   = (*Extension)(nil)
	_ plugin.OnUsageLimitReached   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly — callers inject
// the concrete *chronicle.Chronicle at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Redeem lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Instrument lifecycle hooks
// ──────────────────────────────────────────────────

// OnInstrumentCreated implements plugin.OnInstrumentCreated.
func (e *Extension) OnInstrumentCreated(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentIssued, SeverityInfo, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_issued",
	)
}

// OnInstrumentActivated implements plugin.OnInstrumentActivated.
func (e *Extension) OnInstrumentActivated(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentActivated, SeverityInfo, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_activated",
	)
}

// OnInstrumentSuspended implements plugin.OnInstrumentSuspended.
func (e *Extension) OnInstrumentSuspended(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentSuspended, SeverityWarning, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_suspended",
	)
}

// OnInstrumentResumed implements plugin.OnInstrumentResumed.
func (e *Extension) OnInstrumentResumed(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentResumed, SeverityInfo, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_resumed",
	)
}

// OnInstrumentCancelled implements plugin.OnInstrumentCancelled.
func (e *Extension) OnInstrumentCancelled(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentCancelled, SeverityWarning, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_cancelled",
	)
}

// OnInstrumentRedeemed implements plugin.OnInstrumentRedeemed.
func (e *Extension) OnInstrumentRedeemed(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentRedeemed, SeverityInfo, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryRedemption, nil,
		"event", "instrument_redeemed",
	)
}

// OnInstrumentExpired implements plugin.OnInstrumentExpired.
func (e *Extension) OnInstrumentExpired(ctx context.Context, inst interface{}) error {
	return e.record(ctx, ActionInstrumentExpired, SeverityInfo, OutcomeSuccess,
		ResourceInstrument, instrumentID(inst), CategoryIssuance, nil,
		"event", "instrument_expired",
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnRedemption implements plugin.OnRedemption.
func (e *Extension) OnRedemption(ctx context.Context, inst, entry interface{}) error {
	return e.record(ctx, ActionRedemption, SeverityInfo, OutcomeSuccess,
		ResourceLedger, instrumentID(inst), CategoryRedemption, nil,
		entryMeta(entry, "redemption")...,
	)
}

// OnReload implements plugin.OnReload.
func (e *Extension) OnReload(ctx context.Context, inst, entry interface{}) error {
	return e.record(ctx, ActionReload, SeverityInfo, OutcomeSuccess,
		ResourceLedger, instrumentID(inst), CategoryRedemption, nil,
		entryMeta(entry, "reload")...,
	)
}

// OnRefund implements plugin.OnRefund.
func (e *Extension) OnRefund(ctx context.Context, inst, entry interface{}) error {
	return e.record(ctx, ActionRefund, SeverityInfo, OutcomeSuccess,
		ResourceLedger, instrumentID(inst), CategoryRedemption, nil,
		entryMeta(entry, "refund")...,
	)
}

// OnAdjustment implements plugin.OnAdjustment.
func (e *Extension) OnAdjustment(ctx context.Context, inst, entry interface{}) error {
	return e.record(ctx, ActionAdjustment, SeverityWarning, OutcomeSuccess,
		ResourceLedger, instrumentID(inst), CategoryRedemption, nil,
		entryMeta(entry, "adjustment")...,
	)
}

// OnLedgerViolation implements plugin.OnLedgerViolation.
func (e *Extension) OnLedgerViolation(ctx context.Context, instrumentID, detail string) error {
	return e.record(ctx, ActionLedgerViolation, SeverityCritical, OutcomeFailure,
		ResourceLedger, instrumentID, CategoryIntegrity, nil,
		"instrument_id", instrumentID,
		"detail", detail,
	)
}

// ──────────────────────────────────────────────────
// Promotion hooks
// ──────────────────────────────────────────────────

// OnPromotionCreated implements plugin.OnPromotionCreated.
func (e *Extension) OnPromotionCreated(ctx context.Context, rule interface{}) error {
	return e.record(ctx, ActionPromotionCreated, SeverityInfo, OutcomeSuccess,
		ResourcePromotion, ruleID(rule), CategoryPromotion, nil,
		"event", "promotion_created",
	)
}

// OnPromotionUpdated implements plugin.OnPromotionUpdated.
func (e *Extension) OnPromotionUpdated(ctx context.Context, _, newRule interface{}) error {
	return e.record(ctx, ActionPromotionUpdated, SeverityInfo, OutcomeSuccess,
		ResourcePromotion, ruleID(newRule), CategoryPromotion, nil,
		"event", "promotion_updated",
	)
}

// OnPromotionApplied implements plugin.OnPromotionApplied.
func (e *Extension) OnPromotionApplied(ctx context.Context, rule, usageRecord interface{}) error {
	meta := []any{"event", "promotion_applied"}
	if u, ok := usageRecord.(*usage.Usage); ok {
		meta = append(meta,
			"client_id", u.ClientID,
			"discount_cents", u.DiscountAmount.Amount,
			"final_cents", u.FinalAmount.Amount,
		)
	}
	return e.record(ctx, ActionPromotionApplied, SeverityInfo, OutcomeSuccess,
		ResourcePromotion, ruleID(rule), CategoryPromotion, nil,
		meta...,
	)
}

// OnPromotionRejected implements plugin.OnPromotionRejected.
func (e *Extension) OnPromotionRejected(ctx context.Context, ruleID, clientID, reason string) error {
	return e.record(ctx, ActionPromotionRejected, SeverityInfo, OutcomeFailure,
		ResourcePromotion, ruleID, CategoryPromotion, nil,
		"client_id", clientID,
		"reason", reason,
	)
}

// OnUsageLimitReached implements plugin.OnUsageLimitReached.
func (e *Extension) OnUsageLimitReached(ctx context.Context, ruleID string, totalCount int64) error {
	return e.record(ctx, ActionUsageLimitReached, SeverityWarning, OutcomeSuccess,
		ResourceUsage, ruleID, CategoryPromotion, nil,
		"rule_id", ruleID,
		"total_count", totalCount,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// instrumentID extracts the instrument id from a hook payload.
func instrumentID(inst interface{}) string {
	if i, ok := inst.(*instrument.Instrument); ok {
		return i.ID.String()
	}
	return ""
}

// ruleID extracts the promotion rule id from a hook payload.
func ruleID(rule interface{}) string {
	if r, ok := rule.(*promotion.Rule); ok {
		return r.ID.String()
	}
	return ""
}

// entryMeta builds metadata key/value pairs from a ledger entry payload.
func entryMeta(entry interface{}, event string) []any {
	meta := []any{"event", event}
	if en, ok := entry.(*ledger.Entry); ok {
		meta = append(meta,
			"entry_id", en.ID.String(),
			"seq", en.Seq,
			"amount_cents", en.Amount.Amount,
			"balance_after_cents", en.BalanceAfter.Amount,
		)
	}
	return meta
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
