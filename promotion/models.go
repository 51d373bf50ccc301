// Package promotion defines time-windowed, usage-limited discount rules
// and their evaluation against a proposed purchase.
package promotion

import (
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

// DiscountType selects how a rule computes its discount.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed_amount"
	DiscountBOGO       DiscountType = "bogo"
	DiscountFreeItem   DiscountType = "free_service"
)

// Valid reports whether d is a known discount type.
func (d DiscountType) Valid() bool {
	switch d {
	case DiscountPercentage, DiscountFixed, DiscountBOGO, DiscountFreeItem:
		return true
	default:
		return false
	}
}

// RequiresPriceLookup reports whether the discount cannot be derived from
// the purchase amount alone and needs a caller-supplied item price.
func (d DiscountType) RequiresPriceLookup() bool {
	return d == DiscountBOGO || d == DiscountFreeItem
}

// Audience restricts who a rule targets.
type Audience string

const (
	AudienceAll       Audience = "all"
	AudienceNew       Audience = "new_clients"
	AudienceReturning Audience = "returning_clients"
)

// Rule is a stateless eligibility rule (promotion). Usage counters live
// with the engine's usage tracker, not on the rule; TimesUsed is a cached
// total maintained on successful applications.
type Rule struct {
	types.Entity
	ID     id.PromotionID `json:"id"`
	Code   string         `json:"code"`
	Name   string         `json:"name"`
	Active bool           `json:"active"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`

	DiscountType DiscountType `json:"discount_type"`
	Percentage   int64        `json:"percentage,omitempty"`
	Amount       types.Money  `json:"amount,omitempty"`

	MinimumPurchase types.Money  `json:"minimum_purchase"`
	MaximumDiscount *types.Money `json:"maximum_discount,omitempty"`

	// Zero means unlimited.
	UsageLimitTotal     int64 `json:"usage_limit_total"`
	UsageLimitPerClient int64 `json:"usage_limit_per_client"`

	// Empty means all services qualify.
	ApplicableServiceIDs []string `json:"applicable_service_ids,omitempty"`

	Audience  Audience          `json:"audience"`
	TimesUsed int64             `json:"times_used"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InWindow reports whether now falls inside [ValidFrom, ValidUntil].
func (r *Rule) InWindow(now time.Time) bool {
	if !r.ValidFrom.IsZero() && now.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && now.After(r.ValidUntil) {
		return false
	}
	return true
}

// IsCurrentlyActive reports whether the rule can admit any purchase at all:
// the active flag is set, now is inside the window, and the total usage
// limit is not exhausted.
func (r *Rule) IsCurrentlyActive(now time.Time, totalUsage int64) bool {
	if !r.Active || !r.InWindow(now) {
		return false
	}
	return r.UsageLimitTotal == 0 || totalUsage < r.UsageLimitTotal
}

// Purchase is a proposed transaction to evaluate a rule against.
// AppointmentID ties the application to the appointment being paid for;
// it is carried into the usage record untouched.
type Purchase struct {
	Amount        types.Money
	ServiceIDs    []string
	ClientID      string
	AppointmentID string
	Now           time.Time
}

// Reason explains why a purchase was rejected. Evaluation short-circuits
// in a fixed order so callers can assert the exact rejection reason.
type Reason string

const (
	ReasonRuleDisabled            Reason = "rule_disabled"
	ReasonOutOfWindow             Reason = "out_of_window"
	ReasonUsageLimitReached       Reason = "usage_limit_reached"
	ReasonClientUsageLimitReached Reason = "client_usage_limit_reached"
	ReasonBelowMinimumPurchase    Reason = "below_minimum_purchase"
	ReasonServiceNotApplicable    Reason = "service_not_applicable"
)

// UsageCounts is the read side of the engine's usage tracker.
type UsageCounts interface {
	TotalCount() int64
	ClientCount(clientID string) int64
}

// Result is the outcome of evaluating a rule against a purchase.
type Result struct {
	Eligible bool        `json:"eligible"`
	Reason   Reason      `json:"reason,omitempty"`
	Discount types.Money `json:"discount"`
	// RequiresPriceLookup is set for BOGO/free-service rules when no item
	// price was supplied; the discount cannot be derived from the purchase
	// amount alone.
	RequiresPriceLookup bool `json:"requires_price_lookup,omitempty"`
}

func ineligible(reason Reason) Result {
	return Result{Eligible: false, Reason: reason}
}

// Evaluate checks the purchase against the rule, short-circuiting on the
// first failing check. counts may be nil when no usage has been recorded.
// itemPrice is required for BOGO/free-service rules; pass nil otherwise.
func (r *Rule) Evaluate(p Purchase, counts UsageCounts, itemPrice *types.Money) Result {
	if !r.Active {
		return ineligible(ReasonRuleDisabled)
	}
	if !r.InWindow(p.Now) {
		return ineligible(ReasonOutOfWindow)
	}

	var total, client int64
	if counts != nil {
		total = counts.TotalCount()
		client = counts.ClientCount(p.ClientID)
	}
	if r.UsageLimitTotal > 0 && total >= r.UsageLimitTotal {
		return ineligible(ReasonUsageLimitReached)
	}
	if r.UsageLimitPerClient > 0 && client >= r.UsageLimitPerClient {
		return ineligible(ReasonClientUsageLimitReached)
	}

	if r.MinimumPurchase.IsPositive() {
		if !p.Amount.SameCurrency(r.MinimumPurchase) || p.Amount.LessThan(r.MinimumPurchase) {
			return ineligible(ReasonBelowMinimumPurchase)
		}
	}
	if len(r.ApplicableServiceIDs) > 0 && !anyOverlap(r.ApplicableServiceIDs, p.ServiceIDs) {
		return ineligible(ReasonServiceNotApplicable)
	}

	discount, needsPrice := r.ComputeDiscount(p.Amount, itemPrice)
	return Result{Eligible: true, Discount: discount, RequiresPriceLookup: needsPrice}
}

// ComputeDiscount is a pure function of the rule's discount fields, the purchase
// amount, and (for BOGO/free-service rules) a caller-supplied item price.
// It never discounts more than the purchase amount. The second return is
// true when an item price was needed but not supplied.
func (r *Rule) ComputeDiscount(amount types.Money, itemPrice *types.Money) (types.Money, bool) {
	switch r.DiscountType {
	case DiscountPercentage:
		d := amount.Percent(r.Percentage)
		if r.MaximumDiscount != nil && r.MaximumDiscount.SameCurrency(d) {
			d = d.Min(*r.MaximumDiscount)
		}
		return d, false
	case DiscountFixed:
		if !r.Amount.SameCurrency(amount) {
			return types.Zero(amount.Currency), false
		}
		return r.Amount.Min(amount), false
	case DiscountBOGO, DiscountFreeItem:
		if itemPrice == nil {
			return types.Zero(amount.Currency), true
		}
		if !itemPrice.SameCurrency(amount) {
			return types.Zero(amount.Currency), false
		}
		return itemPrice.Min(amount), false
	default:
		return types.Zero(amount.Currency), false
	}
}

func anyOverlap(applicable, requested []string) bool {
	for _, a := range applicable {
		for _, s := range requested {
			if a == s {
				return true
			}
		}
	}
	return false
}
