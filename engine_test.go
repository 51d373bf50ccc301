package redeem_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/redeem"
	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/store"
	"github.com/xraph/redeem/store/memory"
	"github.com/xraph/redeem/types"
	"github.com/xraph/redeem/usage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...redeem.Option) *redeem.Engine {
	t.Helper()

	opts = append([]redeem.Option{redeem.WithClock(types.FixedClock{T: testNow})}, opts...)
	eng := redeem.New(memory.New(), opts...)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func newActiveCard(t *testing.T, eng *redeem.Engine, initial types.Money) *instrument.Instrument {
	t.Helper()

	card := &instrument.Instrument{InitialValue: initial}
	if err := eng.CreateInstrument(context.Background(), card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}
	if err := eng.Activate(context.Background(), card.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return card
}

// assertBalancesAgree checks the core invariant: the reconstructed balance
// equals the cached balance at every point.
func assertBalancesAgree(t *testing.T, eng *redeem.Engine, card *instrument.Instrument) {
	t.Helper()

	ctx := context.Background()
	cached, err := eng.Balance(ctx, card.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	derived, err := eng.Reconstruct(ctx, card.ID)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !cached.Equal(derived) {
		t.Fatalf("cached balance %s != reconstructed %s", cached, derived)
	}
}

func TestGiftCardScenario(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(10000))

	assertBalancesAgree(t, eng, card)

	// redeem 30.00 -> balance 70.00, still active
	entry, err := eng.Redeem(ctx, card.ID, redeem.USD(3000), "appt_1")
	if err != nil {
		t.Fatalf("Redeem(30.00): %v", err)
	}
	if !entry.BalanceAfter.Equal(redeem.USD(7000)) {
		t.Errorf("BalanceAfter = %s, want $70.00", entry.BalanceAfter)
	}
	assertBalancesAgree(t, eng, card)

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	// redeem 70.00 -> balance 0.00, status redeemed
	entry, err = eng.Redeem(ctx, card.ID, redeem.USD(7000), "appt_2")
	if err != nil {
		t.Fatalf("Redeem(70.00): %v", err)
	}
	if !entry.BalanceAfter.IsZero() {
		t.Errorf("BalanceAfter = %s, want $0.00", entry.BalanceAfter)
	}
	assertBalancesAgree(t, eng, card)

	got, err = eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusRedeemed {
		t.Errorf("status = %s, want redeemed", got.Status)
	}
	if got.RedemptionBasisPoints() != 10000 {
		t.Errorf("RedemptionBasisPoints = %d, want 10000", got.RedemptionBasisPoints())
	}

	// subsequent redeem fails with InstrumentInactive
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(1), ""); !errors.Is(err, redeem.ErrInstrumentInactive) {
		t.Errorf("Redeem on redeemed card: err = %v, want ErrInstrumentInactive", err)
	}

	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Errorf("VerifyLedger: %v", err)
	}
}

func TestRedeemInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(5000))

	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(5001), ""); !errors.Is(err, redeem.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// The failed redemption left nothing behind.
	entries, err := eng.Entries(ctx, card.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1 (purchase only)", len(entries))
	}
	assertBalancesAgree(t, eng, card)
}

func TestRedeemCurrencyMismatch(t *testing.T) {
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(5000))

	if _, err := eng.Redeem(context.Background(), card.ID, redeem.EUR(100), ""); !errors.Is(err, redeem.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
}

func TestRedeemExpiredWinsOverStatus(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	expired := testNow.Add(-time.Hour)
	card := &instrument.Instrument{
		InitialValue:   redeem.USD(5000),
		ExpirationDate: &expired,
	}
	if err := eng.CreateInstrument(ctx, card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}

	// Status is still pending, but expiry is reported first.
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); !errors.Is(err, redeem.ErrInstrumentExpired) {
		t.Fatalf("err = %v, want ErrInstrumentExpired", err)
	}

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusExpired {
		t.Errorf("status = %s, want expired (lazy expiry persisted)", got.Status)
	}
}

func TestLazyExpiryOnRead(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	expired := testNow.Add(-time.Minute)
	card := &instrument.Instrument{
		InitialValue:   redeem.USD(2500),
		ExpirationDate: &expired,
	}
	if err := eng.CreateInstrument(ctx, card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(5000))

	if err := eng.Suspend(ctx, card.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); !errors.Is(err, redeem.ErrInstrumentInactive) {
		t.Fatalf("Redeem on suspended: err = %v, want ErrInstrumentInactive", err)
	}

	if err := eng.Resume(ctx, card.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); err != nil {
		t.Fatalf("Redeem after resume: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(1000))

	// active -> active is not a transition
	if err := eng.Activate(ctx, card.ID); !errors.Is(err, redeem.ErrInvalidTransition) {
		t.Errorf("Activate on active: err = %v, want ErrInvalidTransition", err)
	}
	// active -> suspended -> suspended
	if err := eng.Suspend(ctx, card.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := eng.Suspend(ctx, card.ID); !errors.Is(err, redeem.ErrInvalidTransition) {
		t.Errorf("Suspend on suspended: err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelWritesOffBalance(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(8000))

	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(3000), ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if err := eng.Cancel(ctx, card.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if !got.Balance.IsZero() {
		t.Errorf("balance = %s, want $0.00", got.Balance)
	}

	entries, err := eng.Entries(ctx, card.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Kind != ledger.KindCancellation {
		t.Errorf("last entry kind = %s, want cancellation", last.Kind)
	}
	assertBalancesAgree(t, eng, card)
	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Errorf("VerifyLedger after cancel: %v", err)
	}

	// no further ledger entries accepted
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); !errors.Is(err, redeem.ErrInstrumentInactive) {
		t.Errorf("Redeem on cancelled: err = %v, want ErrInstrumentInactive", err)
	}
	if _, err := eng.Reload(ctx, card.ID, redeem.USD(100)); !errors.Is(err, redeem.ErrInstrumentInactive) {
		t.Errorf("Reload on cancelled: err = %v, want ErrInstrumentInactive", err)
	}
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	fixed := newActiveCard(t, eng, redeem.USD(1000))
	if _, err := eng.Reload(ctx, fixed.ID, redeem.USD(500)); !errors.Is(err, redeem.ErrNotReloadable) {
		t.Fatalf("Reload on non-reloadable: err = %v, want ErrNotReloadable", err)
	}

	card := &instrument.Instrument{
		InitialValue: redeem.USD(1000),
		Reloadable:   true,
	}
	if err := eng.CreateInstrument(ctx, card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}
	if err := eng.Activate(ctx, card.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	entry, err := eng.Reload(ctx, card.ID, redeem.USD(2500))
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if entry.Kind != ledger.KindReload {
		t.Errorf("kind = %s, want reload", entry.Kind)
	}
	if !entry.BalanceAfter.Equal(redeem.USD(3500)) {
		t.Errorf("BalanceAfter = %s, want $35.00", entry.BalanceAfter)
	}
	assertBalancesAgree(t, eng, card)
}

func TestRefundReopensRedeemedButNotCancelled(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	card := newActiveCard(t, eng, redeem.USD(2000))
	spent, err := eng.Redeem(ctx, card.ID, redeem.USD(2000), "")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	entry, err := eng.Refund(ctx, card.ID, redeem.USD(2000), spent.ID.String())
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry.RelatedTransactionID != spent.ID.String() {
		t.Errorf("RelatedTransactionID = %q, want %q", entry.RelatedTransactionID, spent.ID)
	}

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusActive {
		t.Errorf("status = %s, want active (refund reopens)", got.Status)
	}
	if !got.Balance.Equal(redeem.USD(2000)) {
		t.Errorf("balance = %s, want $20.00", got.Balance)
	}
	assertBalancesAgree(t, eng, card)

	// Cancelled instruments stay cancelled.
	cancelled := newActiveCard(t, eng, redeem.USD(1000))
	if err := eng.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := eng.Refund(ctx, cancelled.ID, redeem.USD(500), "txn_x"); !errors.Is(err, redeem.ErrInstrumentInactive) {
		t.Errorf("Refund on cancelled: err = %v, want ErrInstrumentInactive", err)
	}
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(1000))

	// Negative adjustment may not take the balance below zero.
	if _, err := eng.Adjust(ctx, card.ID, redeem.USD(-1500), "corr_1"); !errors.Is(err, redeem.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	entry, err := eng.Adjust(ctx, card.ID, redeem.USD(-400), "corr_2")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if !entry.BalanceAfter.Equal(redeem.USD(600)) {
		t.Errorf("BalanceAfter = %s, want $6.00", entry.BalanceAfter)
	}

	if _, err := eng.Adjust(ctx, card.ID, redeem.USD(250), "corr_3"); err != nil {
		t.Fatalf("positive Adjust: %v", err)
	}
	assertBalancesAgree(t, eng, card)
	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Errorf("VerifyLedger: %v", err)
	}
}

func TestVerifyLedgerQuarantine(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	eng := redeem.New(mem, redeem.WithClock(types.FixedClock{T: testNow}))
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	card := newActiveCard(t, eng, redeem.USD(5000))
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(1000), ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	// Corrupt the cached balance behind the engine's back.
	broken, err := mem.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	broken.Balance = redeem.USD(9999)
	if err := mem.UpdateInstrument(ctx, broken); err != nil {
		t.Fatalf("UpdateInstrument: %v", err)
	}

	if err := eng.VerifyLedger(ctx, card.ID); !errors.Is(err, redeem.ErrLedgerViolation) {
		t.Fatalf("VerifyLedger: err = %v, want ErrLedgerViolation", err)
	}

	// The instrument is quarantined: mutations refuse to run.
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); !errors.Is(err, redeem.ErrLedgerViolation) {
		t.Errorf("Redeem on quarantined: err = %v, want ErrLedgerViolation", err)
	}
	if _, err := eng.Refund(ctx, card.ID, redeem.USD(100), "txn"); !errors.Is(err, redeem.ErrLedgerViolation) {
		t.Errorf("Refund on quarantined: err = %v, want ErrLedgerViolation", err)
	}

	// Manual reconciliation: restore the true balance and lift the quarantine.
	broken.Balance = redeem.USD(4000)
	if err := mem.UpdateInstrument(ctx, broken); err != nil {
		t.Fatalf("UpdateInstrument: %v", err)
	}
	eng.ClearQuarantine(card.ID)

	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Errorf("VerifyLedger after reconciliation: %v", err)
	}
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(100), ""); err != nil {
		t.Errorf("Redeem after reconciliation: %v", err)
	}
}

func TestInstrumentJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	card := newActiveCard(t, eng, redeem.USD(10000))

	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(2750), ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	entries, err := eng.Entries(ctx, card.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}

	instData, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal instrument: %v", err)
	}
	entryData, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}

	var gotInst instrument.Instrument
	if err := json.Unmarshal(instData, &gotInst); err != nil {
		t.Fatalf("unmarshal instrument: %v", err)
	}
	var gotEntries []*ledger.Entry
	if err := json.Unmarshal(entryData, &gotEntries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}

	derived, err := ledger.Verify(gotInst.Currency(), gotEntries)
	if err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
	if !derived.Equal(gotInst.Balance) {
		t.Errorf("round-tripped reconstruction %s != balance %s", derived, gotInst.Balance)
	}
	if !gotInst.Balance.Equal(redeem.USD(7250)) {
		t.Errorf("balance = %s, want $72.50", gotInst.Balance)
	}
}

// ──────────────────────────────────────────────────
// Promotions
// ──────────────────────────────────────────────────

func newTestRule(t *testing.T, eng *redeem.Engine, mutate func(*promotion.Rule)) *promotion.Rule {
	t.Helper()

	rule := &promotion.Rule{
		Code:            "TESTPROMO",
		Name:            "Test promo",
		Active:          true,
		ValidFrom:       testNow.AddDate(0, -1, 0),
		ValidUntil:      testNow.AddDate(0, 1, 0),
		DiscountType:    promotion.DiscountPercentage,
		Percentage:      20,
		MinimumPurchase: redeem.USD(0),
	}
	if mutate != nil {
		mutate(rule)
	}
	if err := eng.CreatePromotion(context.Background(), rule); err != nil {
		t.Fatalf("CreatePromotion: %v", err)
	}
	return rule
}

func TestApplyPromotionUsageLimits(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	rule := newTestRule(t, eng, func(r *promotion.Rule) {
		r.UsageLimitTotal = 2
		r.UsageLimitPerClient = 1
	})

	purchase := func(clientID string) promotion.Purchase {
		return promotion.Purchase{Amount: redeem.USD(10000), ClientID: clientID}
	}

	// Client A admitted.
	if _, err := eng.ApplyPromotion(ctx, rule.ID, purchase("A"), nil); err != nil {
		t.Fatalf("apply A: %v", err)
	}
	// Client A again: per-client limit.
	if _, err := eng.ApplyPromotion(ctx, rule.ID, purchase("A"), nil); !errors.Is(err, redeem.ErrClientUsageLimitReached) {
		t.Fatalf("apply A again: err = %v, want ErrClientUsageLimitReached", err)
	}
	// Client B admitted.
	if _, err := eng.ApplyPromotion(ctx, rule.ID, purchase("B"), nil); err != nil {
		t.Fatalf("apply B: %v", err)
	}
	// Client C: total limit.
	if _, err := eng.ApplyPromotion(ctx, rule.ID, purchase("C"), nil); !errors.Is(err, redeem.ErrUsageLimitReached) {
		t.Fatalf("apply C: err = %v, want ErrUsageLimitReached", err)
	}

	snap, err := eng.Usage(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if snap.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2", snap.TotalCount)
	}
	if snap.ClientCounts["A"] != 1 || snap.ClientCounts["B"] != 1 {
		t.Errorf("ClientCounts = %v, want A:1 B:1", snap.ClientCounts)
	}
	if _, ok := snap.ClientCounts["C"]; ok {
		t.Errorf("rejected client C must not appear in counts")
	}

	records, err := eng.ListPromotionUsage(ctx, rule.ID, usage.ListOpts{})
	if err != nil {
		t.Fatalf("ListPromotionUsage: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}
}

func TestApplyPromotionDiscountCap(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	maxDiscount := redeem.USD(1500)
	rule := newTestRule(t, eng, func(r *promotion.Rule) {
		r.MaximumDiscount = &maxDiscount
	})

	// 20% of $100.00 is $20.00, capped at $15.00.
	record, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{
		Amount:   redeem.USD(10000),
		ClientID: "client_1",
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPromotion: %v", err)
	}
	if !record.DiscountAmount.Equal(redeem.USD(1500)) {
		t.Errorf("DiscountAmount = %s, want $15.00", record.DiscountAmount)
	}
	if !record.FinalAmount.Equal(redeem.USD(8500)) {
		t.Errorf("FinalAmount = %s, want $85.00", record.FinalAmount)
	}
}

func TestApplyPromotionRejectionSentinels(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	disabled := newTestRule(t, eng, func(r *promotion.Rule) {
		r.Code = "DISABLED"
		r.Active = false
	})
	if _, err := eng.ApplyPromotion(ctx, disabled.ID, promotion.Purchase{Amount: redeem.USD(1000)}, nil); !errors.Is(err, redeem.ErrRuleDisabled) {
		t.Errorf("disabled: err = %v, want ErrRuleDisabled", err)
	}

	stale := newTestRule(t, eng, func(r *promotion.Rule) {
		r.Code = "STALE"
		r.ValidFrom = testNow.AddDate(-1, 0, 0)
		r.ValidUntil = testNow.AddDate(0, 0, -1)
	})
	if _, err := eng.ApplyPromotion(ctx, stale.ID, promotion.Purchase{Amount: redeem.USD(1000)}, nil); !errors.Is(err, redeem.ErrOutOfWindow) {
		t.Errorf("stale: err = %v, want ErrOutOfWindow", err)
	}

	minimum := newTestRule(t, eng, func(r *promotion.Rule) {
		r.Code = "MIN50"
		r.MinimumPurchase = redeem.USD(5000)
	})
	if _, err := eng.ApplyPromotion(ctx, minimum.ID, promotion.Purchase{Amount: redeem.USD(4999)}, nil); !errors.Is(err, redeem.ErrBelowMinimumPurchase) {
		t.Errorf("below minimum: err = %v, want ErrBelowMinimumPurchase", err)
	}

	scoped := newTestRule(t, eng, func(r *promotion.Rule) {
		r.Code = "SVCONLY"
		r.ApplicableServiceIDs = []string{"svc_massage"}
	})
	if _, err := eng.ApplyPromotion(ctx, scoped.ID, promotion.Purchase{
		Amount:     redeem.USD(1000),
		ServiceIDs: []string{"svc_facial"},
	}, nil); !errors.Is(err, redeem.ErrServiceNotApplicable) {
		t.Errorf("wrong service: err = %v, want ErrServiceNotApplicable", err)
	}

	bogo := newTestRule(t, eng, func(r *promotion.Rule) {
		r.Code = "BOGO"
		r.DiscountType = promotion.DiscountBOGO
	})
	if _, err := eng.ApplyPromotion(ctx, bogo.ID, promotion.Purchase{Amount: redeem.USD(1000)}, nil); !errors.Is(err, redeem.ErrPriceLookupRequired) {
		t.Errorf("bogo without price: err = %v, want ErrPriceLookupRequired", err)
	}
}

func TestEvaluateHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	rule := newTestRule(t, eng, func(r *promotion.Rule) {
		r.UsageLimitTotal = 1
	})

	p := promotion.Purchase{Amount: redeem.USD(1000), ClientID: "A"}
	for i := 0; i < 3; i++ {
		result, err := eng.Evaluate(ctx, rule.ID, p, nil)
		if err != nil {
			t.Fatalf("Evaluate #%d: %v", i, err)
		}
		if !result.Eligible {
			t.Fatalf("Evaluate #%d: unexpectedly ineligible (%s)", i, result.Reason)
		}
	}

	snap, err := eng.Usage(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if snap.TotalCount != 0 {
		t.Errorf("TotalCount = %d after Evaluate-only, want 0", snap.TotalCount)
	}
}

func TestDisableAndUpdatePromotion(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	rule := newTestRule(t, eng, nil)

	if err := eng.DisablePromotion(ctx, rule.ID); err != nil {
		t.Fatalf("DisablePromotion: %v", err)
	}
	if _, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{Amount: redeem.USD(1000)}, nil); !errors.Is(err, redeem.ErrRuleDisabled) {
		t.Fatalf("apply after disable: err = %v, want ErrRuleDisabled", err)
	}

	updated := *rule
	updated.Active = true
	updated.Percentage = 25
	if err := eng.UpdatePromotion(ctx, &updated); err != nil {
		t.Fatalf("UpdatePromotion: %v", err)
	}

	record, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{Amount: redeem.USD(10000), ClientID: "A"}, nil)
	if err != nil {
		t.Fatalf("apply after update: %v", err)
	}
	if !record.DiscountAmount.Equal(redeem.USD(2500)) {
		t.Errorf("DiscountAmount = %s, want $25.00", record.DiscountAmount)
	}
}

func TestCreatePromotionValidation(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		mutate func(*promotion.Rule)
	}{
		{"missing code", func(r *promotion.Rule) { r.Code = "" }},
		{"bad discount type", func(r *promotion.Rule) { r.DiscountType = "raffle" }},
		{"zero percentage", func(r *promotion.Rule) { r.Percentage = 0 }},
		{"percentage over 100", func(r *promotion.Rule) { r.Percentage = 101 }},
		{"inverted window", func(r *promotion.Rule) {
			r.ValidFrom = testNow
			r.ValidUntil = testNow.AddDate(0, 0, -7)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &promotion.Rule{
				Code:         "VALID",
				Active:       true,
				DiscountType: promotion.DiscountPercentage,
				Percentage:   10,
			}
			tt.mutate(rule)
			if err := eng.CreatePromotion(ctx, rule); !errors.Is(err, redeem.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Persistence failure rollback
// ──────────────────────────────────────────────────

// flakyStore wraps a Store and fails RecordUsage on demand.
type flakyStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *flakyStore) RecordUsage(ctx context.Context, u *usage.Usage, r *promotion.Rule) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Store.RecordUsage(ctx, u, r)
}

func TestApplyPromotionRollsBackOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memory.New()}
	eng := redeem.New(flaky, redeem.WithClock(types.FixedClock{T: testNow}))
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	rule := newTestRule(t, eng, func(r *promotion.Rule) {
		r.UsageLimitTotal = 1
	})

	flaky.setFail(true)
	_, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{Amount: redeem.USD(1000), ClientID: "A"}, nil)
	if !errors.Is(err, redeem.ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}

	// The consume was rolled back, so the single slot is still free.
	flaky.setFail(false)
	if _, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{Amount: redeem.USD(1000), ClientID: "A"}, nil); err != nil {
		t.Fatalf("apply after recovery: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Plugin dispatch
// ──────────────────────────────────────────────────

// recordingPlugin counts lifecycle callbacks.
type recordingPlugin struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingPlugin() *recordingPlugin {
	return &recordingPlugin{events: make(map[string]int)}
}

func (p *recordingPlugin) Name() string { return "recorder" }

func (p *recordingPlugin) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[event]++
}

func (p *recordingPlugin) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[event]
}

func (p *recordingPlugin) OnRedemption(_ context.Context, _, _ interface{}) error {
	p.record("redemption")
	return nil
}

func (p *recordingPlugin) OnInstrumentRedeemed(_ context.Context, _ interface{}) error {
	p.record("instrument_redeemed")
	return nil
}

func (p *recordingPlugin) OnPromotionApplied(_ context.Context, _, _ interface{}) error {
	p.record("promotion_applied")
	return nil
}

func (p *recordingPlugin) OnUsageLimitReached(_ context.Context, _ string, _ int64) error {
	p.record("usage_limit_reached")
	return nil
}

func TestPluginDispatch(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingPlugin()
	eng := newTestEngine(t, redeem.WithPlugin(rec))

	card := newActiveCard(t, eng, redeem.USD(1000))
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(400), ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(600), ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	if got := rec.count("redemption"); got != 2 {
		t.Errorf("redemption callbacks = %d, want 2", got)
	}
	if got := rec.count("instrument_redeemed"); got != 1 {
		t.Errorf("instrument_redeemed callbacks = %d, want 1", got)
	}

	rule := newTestRule(t, eng, func(r *promotion.Rule) {
		r.UsageLimitTotal = 1
	})
	if _, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{Amount: redeem.USD(1000), ClientID: "A"}, nil); err != nil {
		t.Fatalf("ApplyPromotion: %v", err)
	}

	if got := rec.count("promotion_applied"); got != 1 {
		t.Errorf("promotion_applied callbacks = %d, want 1", got)
	}
	if got := rec.count("usage_limit_reached"); got != 1 {
		t.Errorf("usage_limit_reached callbacks = %d, want 1", got)
	}
}

// ──────────────────────────────────────────────────
// Crash and race recovery
// ──────────────────────────────────────────────────

// stepClock is a settable clock for tests that cross an expiry boundary.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// staleReadStore serves a canned snapshot for the next GetInstrument call,
// simulating a read that raced a concurrent commit.
type staleReadStore struct {
	store.Store
	mu    sync.Mutex
	stale *instrument.Instrument
}

func (s *staleReadStore) arm(inst *instrument.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = inst
}

func (s *staleReadStore) GetInstrument(ctx context.Context, instID id.InstrumentID) (*instrument.Instrument, error) {
	s.mu.Lock()
	stale := s.stale
	s.stale = nil
	s.mu.Unlock()
	if stale != nil && stale.ID.String() == instID.String() {
		c := *stale
		return &c, nil
	}
	return s.Store.GetInstrument(ctx, instID)
}

func TestLazyExpiryReloadsBeforePersist(t *testing.T) {
	ctx := context.Background()
	wrapped := &staleReadStore{Store: memory.New()}
	clock := &stepClock{t: testNow}
	eng := redeem.New(wrapped, redeem.WithClock(clock))
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	expiry := testNow.Add(time.Hour)
	card := &instrument.Instrument{
		InitialValue:   redeem.USD(10000),
		ExpirationDate: &expiry,
	}
	if err := eng.CreateInstrument(ctx, card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}
	if err := eng.Activate(ctx, card.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	before, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}

	// A refund lands seq 2 after the expiry boundary.
	clock.set(testNow.Add(2 * time.Hour))
	if _, err := eng.Refund(ctx, card.ID, redeem.USD(5000), "txn-1"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	// The next read sees the pre-refund snapshot, as if it raced the
	// refund commit. Lazy expiry must persist the fresh state, not the
	// stale one.
	wrapped.arm(before)
	got, err := eng.GetInstrument(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if got.Status != instrument.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if !got.Balance.Equal(redeem.USD(15000)) {
		t.Fatalf("balance = %s, want the post-refund $150.00", got.Balance)
	}
	assertBalancesAgree(t, eng, card)
	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Fatalf("VerifyLedger after lazy expiry: %v", err)
	}
}

// failingAppendStore wraps a Store and fails AppendEntry on demand.
type failingAppendStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingAppendStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *failingAppendStore) AppendEntry(ctx context.Context, e *ledger.Entry, inst *instrument.Instrument) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Store.AppendEntry(ctx, e, inst)
}

func TestCreateInstrumentRollsBackOnAppendFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &failingAppendStore{Store: memory.New()}
	eng := redeem.New(flaky, redeem.WithClock(types.FixedClock{T: testNow}))
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	flaky.setFail(true)
	card := &instrument.Instrument{InitialValue: redeem.USD(10000), Code: "SPRING-100"}
	if err := eng.CreateInstrument(ctx, card); !errors.Is(err, redeem.ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}

	// No snapshot with an empty ledger survives the failed issuance.
	if _, err := eng.GetInstrumentByCode(ctx, "SPRING-100"); !errors.Is(err, redeem.ErrInstrumentNotFound) {
		t.Fatalf("err = %v, want ErrInstrumentNotFound", err)
	}

	// The code is free again for a retry.
	flaky.setFail(false)
	retry := &instrument.Instrument{InitialValue: redeem.USD(10000), Code: "SPRING-100"}
	if err := eng.CreateInstrument(ctx, retry); err != nil {
		t.Fatalf("retry with same code: %v", err)
	}
	assertBalancesAgree(t, eng, retry)
}

// splitAppendStore commits the ledger entry but restores the previous
// snapshot, simulating a crash between the entry insert and the snapshot
// update.
type splitAppendStore struct {
	store.Store
	mu   sync.Mutex
	drop bool
}

func (s *splitAppendStore) setDrop(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = v
}

func (s *splitAppendStore) AppendEntry(ctx context.Context, e *ledger.Entry, inst *instrument.Instrument) error {
	s.mu.Lock()
	drop := s.drop
	s.mu.Unlock()
	if !drop {
		return s.Store.AppendEntry(ctx, e, inst)
	}

	before, err := s.Store.GetInstrument(ctx, e.InstrumentID)
	if err != nil {
		return err
	}
	if err := s.Store.AppendEntry(ctx, e, inst); err != nil {
		return err
	}
	if err := s.Store.UpdateInstrument(ctx, before); err != nil {
		return err
	}
	return errors.New("lost the snapshot write")
}

func TestRedeemRecoversFromLostSnapshotWrite(t *testing.T) {
	ctx := context.Background()
	split := &splitAppendStore{Store: memory.New()}
	eng := redeem.New(split, redeem.WithClock(types.FixedClock{T: testNow}))
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	card := &instrument.Instrument{InitialValue: redeem.USD(10000)}
	if err := eng.CreateInstrument(ctx, card); err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}
	if err := eng.Activate(ctx, card.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	split.setDrop(true)
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(2500), ""); !errors.Is(err, redeem.ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}
	split.setDrop(false)

	// The retry computes seq 2 from the stale snapshot and trips the
	// unique (instrument, seq) index, which rebuilds the snapshot from
	// the ledger instead of wedging the instrument.
	if _, err := eng.Redeem(ctx, card.ID, redeem.USD(2500), ""); !errors.Is(err, redeem.ErrPersistenceFailed) {
		t.Fatalf("retry err = %v, want ErrPersistenceFailed", err)
	}

	entry, err := eng.Redeem(ctx, card.ID, redeem.USD(2500), "")
	if err != nil {
		t.Fatalf("redeem after reconciliation: %v", err)
	}
	if entry.Seq != 3 {
		t.Errorf("seq = %d, want 3", entry.Seq)
	}

	bal, err := eng.Balance(ctx, card.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(redeem.USD(5000)) {
		t.Errorf("balance = %s, want $50.00", bal)
	}
	assertBalancesAgree(t, eng, card)
	if err := eng.VerifyLedger(ctx, card.ID); err != nil {
		t.Fatalf("VerifyLedger: %v", err)
	}
}

func TestApplyPromotionCarriesAppointment(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	rule := newTestRule(t, eng, nil)

	record, err := eng.ApplyPromotion(ctx, rule.ID, promotion.Purchase{
		Amount:        redeem.USD(2000),
		ClientID:      "A",
		AppointmentID: "appt-42",
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPromotion: %v", err)
	}
	if record.AppointmentID != "appt-42" {
		t.Errorf("usage appointment = %q, want %q", record.AppointmentID, "appt-42")
	}

	records, err := eng.ListPromotionUsage(ctx, rule.ID, usage.ListOpts{})
	if err != nil {
		t.Fatalf("ListPromotionUsage: %v", err)
	}
	if len(records) != 1 || records[0].AppointmentID != "appt-42" {
		t.Errorf("persisted usage does not carry the appointment id: %+v", records)
	}
}
