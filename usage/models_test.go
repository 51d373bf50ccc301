package usage

import (
	"testing"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

func TestTryConsumeLimits(t *testing.T) {
	// Total limit 2, one use per client.
	tr := NewTracker(id.NewPromotionID(), 2, 1)

	ok, _ := tr.TryConsume("client-a")
	if !ok {
		t.Fatal("first consume for client A should be admitted")
	}
	if tr.TotalCount() != 1 {
		t.Errorf("TotalCount: got %d, want 1", tr.TotalCount())
	}

	ok, reason := tr.TryConsume("client-a")
	if ok {
		t.Fatal("second consume for client A should be rejected")
	}
	if reason != RejectClientLimit {
		t.Errorf("reason: got %q, want %q", reason, RejectClientLimit)
	}

	ok, _ = tr.TryConsume("client-b")
	if !ok {
		t.Fatal("client B should be admitted")
	}
	if tr.TotalCount() != 2 {
		t.Errorf("TotalCount: got %d, want 2", tr.TotalCount())
	}

	ok, reason = tr.TryConsume("client-c")
	if ok {
		t.Fatal("client C should hit the total limit")
	}
	if reason != RejectTotalLimit {
		t.Errorf("reason: got %q, want %q", reason, RejectTotalLimit)
	}
}

func TestRejectedConsumeLeavesCountersUntouched(t *testing.T) {
	tr := NewTracker(id.NewPromotionID(), 1, 1)
	tr.TryConsume("client-a")

	before := tr.TotalCount()
	beforeClient := tr.ClientCount("client-b")

	if ok, _ := tr.TryConsume("client-b"); ok {
		t.Fatal("expected rejection at total limit")
	}
	if tr.TotalCount() != before {
		t.Errorf("TotalCount changed on rejected path: %d -> %d", before, tr.TotalCount())
	}
	if tr.ClientCount("client-b") != beforeClient {
		t.Errorf("ClientCount changed on rejected path: %d -> %d", beforeClient, tr.ClientCount("client-b"))
	}
}

func TestRollback(t *testing.T) {
	tr := NewTracker(id.NewPromotionID(), 0, 0)
	tr.TryConsume("client-a")
	tr.TryConsume("client-a")
	tr.Rollback("client-a")

	if tr.TotalCount() != 1 {
		t.Errorf("TotalCount after rollback: got %d, want 1", tr.TotalCount())
	}
	if tr.ClientCount("client-a") != 1 {
		t.Errorf("ClientCount after rollback: got %d, want 1", tr.ClientCount("client-a"))
	}

	// Rollback with nothing to undo is a no-op.
	tr.Rollback("client-b")
	if tr.TotalCount() != 1 {
		t.Errorf("TotalCount after no-op rollback: got %d, want 1", tr.TotalCount())
	}
}

func TestHydrate(t *testing.T) {
	ruleID := id.NewPromotionID()
	tr := NewTracker(ruleID, 0, 0)
	tr.Hydrate([]*Usage{
		{ID: id.NewUsageID(), RuleID: ruleID, ClientID: "client-a", DiscountAmount: types.USD(500)},
		{ID: id.NewUsageID(), RuleID: ruleID, ClientID: "client-a", DiscountAmount: types.USD(500)},
		{ID: id.NewUsageID(), RuleID: ruleID, ClientID: "client-b", DiscountAmount: types.USD(500)},
	})

	if tr.TotalCount() != 3 {
		t.Errorf("TotalCount: got %d, want 3", tr.TotalCount())
	}
	if tr.ClientCount("client-a") != 2 {
		t.Errorf("ClientCount(a): got %d, want 2", tr.ClientCount("client-a"))
	}
	if tr.ClientCount("client-b") != 1 {
		t.Errorf("ClientCount(b): got %d, want 1", tr.ClientCount("client-b"))
	}
}
