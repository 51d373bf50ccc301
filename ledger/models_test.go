package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/types"
)

func entry(seq int64, kind Kind, amount, before, after types.Money) *Entry {
	return &Entry{
		ID:            id.NewLedgerEntryID(),
		InstrumentID:  id.NewInstrumentID(),
		Seq:           seq,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Timestamp:     time.Now().UTC(),
	}
}

func TestSignedAmount(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		amount types.Money
		want   types.Money
	}{
		{"Purchase adds", KindPurchase, types.USD(10000), types.USD(10000)},
		{"Reload adds", KindReload, types.USD(500), types.USD(500)},
		{"Refund adds", KindRefund, types.USD(300), types.USD(300)},
		{"Redemption subtracts", KindRedemption, types.USD(3000), types.USD(-3000)},
		{"Cancellation subtracts", KindCancellation, types.USD(7000), types.USD(-7000)},
		{"Positive adjustment", KindAdjustment, types.USD(50), types.USD(50)},
		{"Negative adjustment", KindAdjustment, types.USD(-50), types.USD(-50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Kind: tt.kind, Amount: tt.amount}
			if got := e.SignedAmount(); !got.Equal(tt.want) {
				t.Errorf("SignedAmount: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntryValidate(t *testing.T) {
	good := entry(1, KindPurchase, types.USD(10000), types.USD(0), types.USD(10000))
	if err := good.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	badBalance := entry(1, KindRedemption, types.USD(3000), types.USD(10000), types.USD(8000))
	if err := badBalance.Validate(); err == nil {
		t.Error("expected error for wrong balance_after")
	}

	badKind := entry(1, Kind("bonus"), types.USD(100), types.USD(0), types.USD(100))
	if err := badKind.Validate(); err == nil {
		t.Error("expected error for unknown kind")
	}

	badSeq := entry(0, KindPurchase, types.USD(100), types.USD(0), types.USD(100))
	if err := badSeq.Validate(); err == nil {
		t.Error("expected error for non-positive seq")
	}
}

func TestVerifyReplaysHistory(t *testing.T) {
	entries := []*Entry{
		entry(1, KindPurchase, types.USD(10000), types.USD(0), types.USD(10000)),
		entry(2, KindRedemption, types.USD(3000), types.USD(10000), types.USD(7000)),
		entry(3, KindRedemption, types.USD(7000), types.USD(7000), types.USD(0)),
	}

	balance, err := Verify("usd", entries)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !balance.Equal(types.USD(0)) {
		t.Errorf("final balance: got %v, want %v", balance, types.USD(0))
	}
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	entries := []*Entry{
		entry(1, KindPurchase, types.USD(10000), types.USD(0), types.USD(10000)),
		entry(3, KindRedemption, types.USD(3000), types.USD(10000), types.USD(7000)),
	}

	if _, err := Verify("usd", entries); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	entries := []*Entry{
		entry(1, KindPurchase, types.USD(10000), types.USD(0), types.USD(10000)),
		entry(2, KindRedemption, types.USD(3000), types.USD(9000), types.USD(6000)),
	}

	if _, err := Verify("usd", entries); err == nil {
		t.Error("expected error for broken before/after chain")
	}
}

func TestFold(t *testing.T) {
	entries := []*Entry{
		entry(1, KindPurchase, types.USD(10000), types.USD(0), types.USD(10000)),
		entry(2, KindRedemption, types.USD(2500), types.USD(10000), types.USD(7500)),
		entry(3, KindReload, types.USD(1000), types.USD(7500), types.USD(8500)),
		entry(4, KindAdjustment, types.USD(-500), types.USD(8500), types.USD(8000)),
	}

	if got := Fold("usd", entries); !got.Equal(types.USD(8000)) {
		t.Errorf("Fold: got %v, want %v", got, types.USD(8000))
	}
}
