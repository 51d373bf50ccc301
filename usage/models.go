// Package usage tracks per-rule, per-client promotion usage: an in-memory
// tracker enforcing limits, and the append-only audit records behind it.
package usage

import (
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

// Usage is an immutable audit record of one promotion application.
type Usage struct {
	types.Entity
	ID             id.UsageID     `json:"id"`
	RuleID         id.PromotionID `json:"rule_id"`
	ClientID       string         `json:"client_id"`
	DiscountAmount types.Money    `json:"discount_amount"`
	OriginalAmount types.Money    `json:"original_amount"`
	FinalAmount    types.Money    `json:"final_amount"`
	Timestamp      time.Time      `json:"timestamp"`
	AppointmentID  string         `json:"appointment_id,omitempty"`
}

// RejectReason explains why a consume attempt was refused.
type RejectReason string

const (
	RejectTotalLimit  RejectReason = "total_limit"
	RejectClientLimit RejectReason = "client_limit"
)

// Tracker holds the usage counters for one rule. It is not safe for
// concurrent use by itself; the engine serializes access per rule id.
// Invariant: totalCount == sum of perClient values.
type Tracker struct {
	ruleID      id.PromotionID
	totalLimit  int64 // 0 = unlimited
	clientLimit int64 // 0 = unlimited
	totalCount  int64
	perClient   map[string]int64
}

// NewTracker creates an empty tracker for a rule with the given limits.
func NewTracker(ruleID id.PromotionID, totalLimit, clientLimit int64) *Tracker {
	return &Tracker{
		ruleID:      ruleID,
		totalLimit:  totalLimit,
		clientLimit: clientLimit,
		perClient:   make(map[string]int64),
	}
}

// Hydrate replays prior usage records into the counters. Called once when
// the tracker is built from storage.
func (t *Tracker) Hydrate(records []*Usage) {
	for _, u := range records {
		t.perClient[u.ClientID]++
		t.totalCount++
	}
}

// RuleID returns the rule this tracker counts for.
func (t *Tracker) RuleID() id.PromotionID { return t.ruleID }

// TotalCount implements promotion.UsageCounts.
func (t *Tracker) TotalCount() int64 { return t.totalCount }

// ClientCount implements promotion.UsageCounts.
func (t *Tracker) ClientCount(clientID string) int64 {
	return t.perClient[clientID]
}

// TryConsume atomically checks both limits and, only if both pass,
// increments the per-client and total counters. A rejected call leaves
// the counters untouched.
func (t *Tracker) TryConsume(clientID string) (bool, RejectReason) {
	if t.totalLimit > 0 && t.totalCount >= t.totalLimit {
		return false, RejectTotalLimit
	}
	if t.clientLimit > 0 && t.perClient[clientID] >= t.clientLimit {
		return false, RejectClientLimit
	}
	t.perClient[clientID]++
	t.totalCount++
	return true, ""
}

// Rollback undoes one prior TryConsume for the client. Used when the
// usage record fails to persist: the consume and the record append are
// one logical transaction.
func (t *Tracker) Rollback(clientID string) {
	if t.perClient[clientID] == 0 {
		return
	}
	t.perClient[clientID]--
	if t.perClient[clientID] == 0 {
		delete(t.perClient, clientID)
	}
	t.totalCount--
}

// PerClientCounts returns a copy of the per-client counters.
func (t *Tracker) PerClientCounts() map[string]int64 {
	counts := make(map[string]int64, len(t.perClient))
	for k, v := range t.perClient {
		counts[k] = v
	}
	return counts
}
