package redeem

import (
	"errors"
	"fmt"

	"github.com/xraph/redeem/types"
)

// Sentinel errors for common failure scenarios. Validation failures are
// expected, recoverable outcomes — callers branch on them with errors.Is.
var (
	// General errors
	ErrNotFound      = errors.New("redeem: not found")
	ErrAlreadyExists = errors.New("redeem: already exists")
	ErrInvalidInput  = errors.New("redeem: invalid input")

	// Money errors
	ErrInsufficientFunds = types.ErrInsufficientFunds
	ErrCurrencyMismatch  = errors.New("redeem: currency mismatch")

	// Instrument errors
	ErrInstrumentNotFound = errors.New("redeem: instrument not found")
	ErrInstrumentInactive = errors.New("redeem: instrument not active")
	ErrInstrumentExpired  = errors.New("redeem: instrument expired")
	ErrNotReloadable      = errors.New("redeem: instrument not reloadable")
	ErrInvalidTransition  = errors.New("redeem: invalid status transition")

	// Promotion errors
	ErrPromotionNotFound       = errors.New("redeem: promotion not found")
	ErrRuleDisabled            = errors.New("redeem: promotion disabled")
	ErrOutOfWindow             = errors.New("redeem: outside promotion window")
	ErrUsageLimitReached       = errors.New("redeem: promotion usage limit reached")
	ErrClientUsageLimitReached = errors.New("redeem: client usage limit reached")
	ErrBelowMinimumPurchase    = errors.New("redeem: purchase below promotion minimum")
	ErrServiceNotApplicable    = errors.New("redeem: promotion not applicable to services")
	ErrPriceLookupRequired     = errors.New("redeem: discount requires an item price")

	// Ledger errors. A ledger violation means a corrupted invariant
	// (negative balance or sequence gap found during reconstruction);
	// the affected instrument is quarantined until reconciled.
	ErrLedgerViolation = errors.New("redeem: ledger invariant violated")

	// Store errors
	ErrPersistenceFailed = errors.New("redeem: persistence failed")
	ErrStoreNotReady     = errors.New("redeem: store not ready")
	ErrStoreClosed       = errors.New("redeem: store is closed")
	ErrMigrationFailed   = errors.New("redeem: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("redeem: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "redeem: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("redeem: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if any errors were recorded.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}
