package promotion

import (
	"testing"
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

type fixedCounts struct {
	total   int64
	clients map[string]int64
}

func (c fixedCounts) TotalCount() int64 { return c.total }
func (c fixedCounts) ClientCount(clientID string) int64 {
	return c.clients[clientID]
}

func testRule() *Rule {
	return &Rule{
		ID:                  id.NewPromotionID(),
		Code:                "SPRING20",
		Name:                "Spring special",
		Active:              true,
		ValidFrom:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:          time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
		DiscountType:        DiscountPercentage,
		Percentage:          20,
		MinimumPurchase:     types.USD(0),
		UsageLimitTotal:     0,
		UsageLimitPerClient: 0,
		Audience:            AudienceAll,
	}
}

func purchase(amount types.Money) Purchase {
	return Purchase{
		Amount:     amount,
		ServiceIDs: []string{"svc-massage-60"},
		ClientID:   "client-a",
		Now:        time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	max := types.USD(1500)

	tests := []struct {
		name   string
		modify func(*Rule, *Purchase)
		counts UsageCounts
		reason Reason
	}{
		{
			"Disabled wins over everything",
			func(r *Rule, p *Purchase) {
				r.Active = false
				p.Now = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) // also out of window
			},
			nil,
			ReasonRuleDisabled,
		},
		{
			"Out of window before usage checks",
			func(r *Rule, p *Purchase) {
				p.Now = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
				r.UsageLimitTotal = 1
			},
			fixedCounts{total: 5},
			ReasonOutOfWindow,
		},
		{
			"Total limit before per-client limit",
			func(r *Rule, p *Purchase) {
				r.UsageLimitTotal = 2
				r.UsageLimitPerClient = 1
			},
			fixedCounts{total: 2, clients: map[string]int64{"client-a": 1}},
			ReasonUsageLimitReached,
		},
		{
			"Per-client limit before minimum purchase",
			func(r *Rule, p *Purchase) {
				r.UsageLimitPerClient = 1
				r.MinimumPurchase = types.USD(100000)
			},
			fixedCounts{clients: map[string]int64{"client-a": 1}},
			ReasonClientUsageLimitReached,
		},
		{
			"Minimum purchase before applicable services",
			func(r *Rule, p *Purchase) {
				r.MinimumPurchase = types.USD(100000)
				r.ApplicableServiceIDs = []string{"svc-other"}
			},
			nil,
			ReasonBelowMinimumPurchase,
		},
		{
			"Applicable services last",
			func(r *Rule, p *Purchase) {
				r.ApplicableServiceIDs = []string{"svc-other"}
			},
			nil,
			ReasonServiceNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRule()
			r.MaximumDiscount = &max
			p := purchase(types.USD(10000))
			tt.modify(r, &p)

			res := r.Evaluate(p, tt.counts, nil)
			if res.Eligible {
				t.Fatal("expected ineligible result")
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason: got %q, want %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluateEligible(t *testing.T) {
	r := testRule()
	res := r.Evaluate(purchase(types.USD(10000)), nil, nil)
	if !res.Eligible {
		t.Fatalf("expected eligible, got reason %q", res.Reason)
	}
	if !res.Discount.Equal(types.USD(2000)) {
		t.Errorf("Discount: got %v, want %v", res.Discount, types.USD(2000))
	}
}

func TestPercentageDiscountCap(t *testing.T) {
	// 20% of $100.00 is $20.00, capped at $15.00.
	r := testRule()
	max := types.USD(1500)
	r.MaximumDiscount = &max

	res := r.Evaluate(purchase(types.USD(10000)), nil, nil)
	if !res.Eligible {
		t.Fatalf("expected eligible, got reason %q", res.Reason)
	}
	if !res.Discount.Equal(types.USD(1500)) {
		t.Errorf("Discount: got %v, want %v", res.Discount, types.USD(1500))
	}
}

func TestFixedDiscountNeverExceedsPurchase(t *testing.T) {
	r := testRule()
	r.DiscountType = DiscountFixed
	r.Amount = types.USD(5000)

	d, needsPrice := r.ComputeDiscount(types.USD(3000), nil)
	if needsPrice {
		t.Fatal("fixed discount should not require a price lookup")
	}
	if !d.Equal(types.USD(3000)) {
		t.Errorf("Discount: got %v, want %v", d, types.USD(3000))
	}
}

func TestBOGORequiresPriceLookup(t *testing.T) {
	r := testRule()
	r.DiscountType = DiscountBOGO

	res := r.Evaluate(purchase(types.USD(10000)), nil, nil)
	if !res.Eligible {
		t.Fatalf("expected eligible, got reason %q", res.Reason)
	}
	if !res.RequiresPriceLookup {
		t.Error("expected RequiresPriceLookup without an item price")
	}
	if !res.Discount.IsZero() {
		t.Errorf("Discount should be zero pending price lookup, got %v", res.Discount)
	}

	price := types.USD(4500)
	res = r.Evaluate(purchase(types.USD(10000)), nil, &price)
	if res.RequiresPriceLookup {
		t.Error("RequiresPriceLookup should clear when a price is supplied")
	}
	if !res.Discount.Equal(price) {
		t.Errorf("Discount: got %v, want %v", res.Discount, price)
	}
}

func TestIsCurrentlyActive(t *testing.T) {
	r := testRule()
	r.UsageLimitTotal = 2
	in := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if !r.IsCurrentlyActive(in, 1) {
		t.Error("expected active inside window under the limit")
	}
	if r.IsCurrentlyActive(in, 2) {
		t.Error("expected inactive once total usage reaches the limit")
	}
	if r.IsCurrentlyActive(out, 0) {
		t.Error("expected inactive outside the window")
	}
	r.Active = false
	if r.IsCurrentlyActive(in, 0) {
		t.Error("expected inactive with the flag cleared")
	}
}
