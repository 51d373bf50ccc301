// Package ledger defines the append-only transaction history of a
// redeemable instrument. Entries are immutable once committed; corrections
// are new adjustment entries, never edits.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

// Kind classifies a balance-affecting event.
type Kind string

const (
	KindPurchase     Kind = "purchase"     // initial load at issuance
	KindReload       Kind = "reload"       // top-up of a reloadable instrument
	KindRedemption   Kind = "redemption"   // value spent against a purchase
	KindRefund       Kind = "refund"       // value returned to the instrument
	KindAdjustment   Kind = "adjustment"   // manual correction, signed amount
	KindCancellation Kind = "cancellation" // remaining value written off on cancel
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindReload, KindRedemption, KindRefund, KindAdjustment, KindCancellation:
		return true
	default:
		return false
	}
}

// Sign returns +1 for kinds that increase the balance and -1 for kinds
// that decrease it. Adjustments carry their sign on the amount itself.
func (k Kind) Sign() int64 {
	switch k {
	case KindPurchase, KindReload, KindRefund:
		return 1
	case KindRedemption, KindCancellation:
		return -1
	default: // KindAdjustment
		return 1
	}
}

// Entry is an immutable record of a single balance-affecting event.
// Entries for one instrument are totally ordered by Seq, assigned at
// append time; timestamps alone are not a sufficient tiebreak.
type Entry struct {
	types.Entity
	ID            id.LedgerEntryID `json:"id"`
	InstrumentID  id.InstrumentID  `json:"instrument_id"`
	Seq           int64            `json:"seq"`
	Kind          Kind             `json:"kind"`
	Amount        types.Money      `json:"amount"`
	BalanceBefore types.Money      `json:"balance_before"`
	BalanceAfter  types.Money      `json:"balance_after"`
	Timestamp     time.Time        `json:"timestamp"`
	// RelatedTransactionID links refunds and adjustments back to the
	// event they correct. Empty for primary entries.
	RelatedTransactionID string `json:"related_transaction_id,omitempty"`
	// AppointmentID ties a redemption to the appointment it paid for.
	AppointmentID string `json:"appointment_id,omitempty"`
}

// SignedAmount returns the amount with the sign implied by the kind.
// Adjustment amounts are already signed.
func (e *Entry) SignedAmount() types.Money {
	if e.Kind == KindAdjustment {
		return e.Amount
	}
	if e.Kind.Sign() < 0 {
		return e.Amount.Negate()
	}
	return e.Amount
}

// Validate checks the internal consistency of a single entry.
func (e *Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("ledger: entry %s: unknown kind %q", e.ID, e.Kind)
	}
	if e.Seq <= 0 {
		return fmt.Errorf("ledger: entry %s: non-positive seq %d", e.ID, e.Seq)
	}
	if e.Kind != KindAdjustment && e.Amount.IsNegative() {
		return fmt.Errorf("ledger: entry %s: negative amount for kind %q", e.ID, e.Kind)
	}
	want := e.BalanceBefore.Add(e.SignedAmount())
	if !e.BalanceAfter.Equal(want) {
		return fmt.Errorf("ledger: entry %s: balance_after %v, want %v", e.ID, e.BalanceAfter, want)
	}
	return nil
}

// ErrSequenceGap is wrapped into Verify errors when seq numbers are not
// contiguous from 1.
var ErrSequenceGap = errors.New("ledger: sequence gap")

// Fold replays entries in seq order and returns the final balance, starting
// from zero in the given currency. The issuance purchase entry contributes
// the instrument's initial value, so the fold alone reconstructs the balance.
func Fold(currency string, entries []*Entry) types.Money {
	balance := types.Zero(currency)
	for _, e := range entries {
		balance = balance.Add(e.SignedAmount())
	}
	return balance
}

// Verify replays entries in seq order and checks every invariant:
// contiguous seq numbers from 1, per-entry balance math, chained
// before/after balances, and a never-negative running balance.
// It returns the reconstructed final balance.
func Verify(currency string, entries []*Entry) (types.Money, error) {
	balance := types.Zero(currency)
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			return types.Money{}, fmt.Errorf("%w: position %d has seq %d", ErrSequenceGap, i+1, e.Seq)
		}
		if err := e.Validate(); err != nil {
			return types.Money{}, err
		}
		if !e.BalanceBefore.Equal(balance) {
			return types.Money{}, fmt.Errorf("ledger: entry %s: balance_before %v, ledger says %v",
				e.ID, e.BalanceBefore, balance)
		}
		balance = e.BalanceAfter
		if balance.IsNegative() {
			return types.Money{}, fmt.Errorf("ledger: entry %s: negative running balance %v", e.ID, balance)
		}
	}
	return balance, nil
}
