// Package instrument defines the redeemable instrument (gift card) model.
//
// An instrument's balance is derived, never stored authoritatively: the
// Balance field is a cache maintained by the engine on append and must
// always agree with a replay of the instrument's ledger.
package instrument

import (
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

// Status is the lifecycle state of an instrument.
type Status string

const (
	StatusPending   Status = "pending"   // issued, not yet usable
	StatusActive    Status = "active"    // redeemable
	StatusSuspended Status = "suspended" // temporarily blocked, can return to active
	StatusRedeemed  Status = "redeemed"  // fully spent, terminal
	StatusExpired   Status = "expired"   // past expiration date, terminal
	StatusCancelled Status = "cancelled" // written off, terminal
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRedeemed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition s → to is legal.
// Transitions are monotonic along the lifecycle except suspended↔active.
func (s Status) CanTransitionTo(to Status) bool {
	if s == to {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusActive || to == StatusExpired || to == StatusCancelled
	case StatusActive:
		return to == StatusSuspended || to == StatusRedeemed ||
			to == StatusExpired || to == StatusCancelled
	case StatusSuspended:
		return to == StatusActive || to == StatusExpired || to == StatusCancelled
	case StatusRedeemed:
		// A refund puts value back on a fully spent card.
		return to == StatusActive
	default:
		return false
	}
}

// Instrument is a balance-bearing redeemable unit (gift card).
type Instrument struct {
	types.Entity
	ID           id.InstrumentID `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name,omitempty"`
	InitialValue types.Money     `json:"initial_value"`
	Status       Status          `json:"status"`
	Reloadable   bool            `json:"reloadable"`

	ActivationDate *time.Time `json:"activation_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`

	// Balance caches the ledger fold; LastSeq is the seq of the latest
	// entry. Both are updated only on append and are verifiable at any
	// time via reconstruction.
	Balance       types.Money `json:"balance"`
	LastSeq       int64       `json:"last_seq"`
	TotalRedeemed types.Money `json:"total_redeemed"`

	ClientID string            `json:"client_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether the instrument can accept redemptions.
func (i *Instrument) IsActive() bool { return i.Status == StatusActive }

// IsExpired reports whether the expiration date has passed at the given
// instant. Expiry is evaluated lazily at read time; there is no timer.
func (i *Instrument) IsExpired(now time.Time) bool {
	return i.ExpirationDate != nil && now.After(*i.ExpirationDate)
}

// Currency returns the instrument's currency code.
func (i *Instrument) Currency() string { return i.InitialValue.Currency }

// RedemptionBasisPoints returns how much of the initial value has been
// redeemed, in basis points (10000 = fully redeemed). Zero when the
// initial value is zero.
func (i *Instrument) RedemptionBasisPoints() int64 {
	if i.InitialValue.Amount == 0 {
		return 0
	}
	return i.TotalRedeemed.Amount * 10000 / i.InitialValue.Amount
}

// RedemptionPercentage returns RedemptionBasisPoints as a fraction in
// [0, 1]. Display convenience only; ledger math stays on integers.
func (i *Instrument) RedemptionPercentage() float64 {
	return float64(i.RedemptionBasisPoints()) / 10000
}
