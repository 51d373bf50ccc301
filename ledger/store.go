package ledger

import (
	"context"

	"github.com/xraph/redeem/id"
)

// Store is the narrow storage interface for ledger entries.
// Entries are append-only: there is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, instrumentID id.InstrumentID) ([]*Entry, error)
}
