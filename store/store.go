package store

import (
	"context"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/usage"
)

// Store is the unified storage interface for all Redeem entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
//
// AppendEntry persists a ledger entry and then the updated instrument
// snapshot; RecordUsage persists a usage record and then the updated rule
// counters. A failure between the two writes may leave the record
// committed with a stale snapshot. For the ledger the unique
// (instrument_id, seq) index surfaces that state as ErrAlreadyExists on
// the next append and the engine rebuilds the snapshot from the entries,
// which are the source of truth. Usage counters are hydrated from the
// usage records rather than the cached rule row, so a stale rule counter
// never admits an extra application.
type Store interface {
	// Instrument methods
	CreateInstrument(ctx context.Context, inst *instrument.Instrument) error
	GetInstrument(ctx context.Context, instID id.InstrumentID) (*instrument.Instrument, error)
	GetInstrumentByCode(ctx context.Context, code string) (*instrument.Instrument, error)
	ListInstruments(ctx context.Context, opts instrument.ListOpts) ([]*instrument.Instrument, error)
	UpdateInstrument(ctx context.Context, inst *instrument.Instrument) error
	// DeleteInstrument removes the instrument and its ledger. Only the
	// engine's issuance rollback calls it; issued instruments are
	// cancelled, never deleted.
	DeleteInstrument(ctx context.Context, instID id.InstrumentID) error

	// Ledger methods
	AppendEntry(ctx context.Context, e *ledger.Entry, inst *instrument.Instrument) error
	ListEntries(ctx context.Context, instID id.InstrumentID) ([]*ledger.Entry, error)

	// Promotion methods
	CreatePromotion(ctx context.Context, r *promotion.Rule) error
	GetPromotion(ctx context.Context, ruleID id.PromotionID) (*promotion.Rule, error)
	GetPromotionByCode(ctx context.Context, code string) (*promotion.Rule, error)
	ListPromotions(ctx context.Context, opts promotion.ListOpts) ([]*promotion.Rule, error)
	UpdatePromotion(ctx context.Context, r *promotion.Rule) error

	// Usage methods
	RecordUsage(ctx context.Context, u *usage.Usage, r *promotion.Rule) error
	ListUsage(ctx context.Context, ruleID id.PromotionID, opts usage.ListOpts) ([]*usage.Usage, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
