package promotion

import (
	"context"

	"github.com/xraph/redeem/id"
)

// Store is the narrow storage interface for promotion rules.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, ruleID id.PromotionID) (*Rule, error)
	GetByCode(ctx context.Context, code string) (*Rule, error)
	List(ctx context.Context, opts ListOpts) ([]*Rule, error)
	Update(ctx context.Context, r *Rule) error
}

// ListOpts filters promotion listings.
type ListOpts struct {
	// Active restricts the listing to rules whose flag is set and whose
	// window contains the current time.
	Active bool
	Limit  int
	Offset int
}
