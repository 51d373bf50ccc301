package instrument

import (
	"context"

	"github.com/xraph/redeem/id"
)

// Store is the narrow storage interface for instruments.
type Store interface {
	Create(ctx context.Context, inst *Instrument) error
	Get(ctx context.Context, instID id.InstrumentID) (*Instrument, error)
	GetByCode(ctx context.Context, code string) (*Instrument, error)
	List(ctx context.Context, opts ListOpts) ([]*Instrument, error)
	Update(ctx context.Context, inst *Instrument) error
}

// ListOpts filters instrument listings.
type ListOpts struct {
	Status   Status
	ClientID string
	Limit    int
	Offset   int
}
