package usage

import (
	"context"

	"github.com/xraph/redeem/id"
)

// Store is the narrow storage interface for usage records.
// Records are append-only audit entries.
type Store interface {
	Record(ctx context.Context, u *Usage) error
	List(ctx context.Context, ruleID id.PromotionID, opts ListOpts) ([]*Usage, error)
}

// ListOpts filters usage listings.
type ListOpts struct {
	ClientID string
	Limit    int
	Offset   int
}
