package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/types"
	"github.com/xraph/redeem/usage"
)

// ==================== Instrument models ====================

type instrumentModel struct {
	grove.BaseModel `grove:"table:redeem_instruments"`

	ID                 string            `grove:"id,pk"`
	Code               string            `grove:"code"`
	Name               string            `grove:"name"`
	Currency           string            `grove:"currency"`
	InitialValueCents  int64             `grove:"initial_value_cents"`
	Status             string            `grove:"status"`
	Reloadable         bool              `grove:"reloadable"`
	ActivationDate     *time.Time        `grove:"activation_date"`
	ExpirationDate     *time.Time        `grove:"expiration_date"`
	BalanceCents       int64             `grove:"balance_cents"`
	LastSeq            int64             `grove:"last_seq"`
	TotalRedeemedCents int64             `grove:"total_redeemed_cents"`
	ClientID           string            `grove:"client_id"`
	Metadata           map[string]string `grove:"metadata,type:json"`
	CreatedAt          time.Time         `grove:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"`
}

func toInstrumentModel(i *instrument.Instrument) *instrumentModel {
	return &instrumentModel{
		ID:                 i.ID.String(),
		Code:               i.Code,
		Name:               i.Name,
		Currency:           i.Currency(),
		InitialValueCents:  i.InitialValue.Amount,
		Status:             string(i.Status),
		Reloadable:         i.Reloadable,
		ActivationDate:     i.ActivationDate,
		ExpirationDate:     i.ExpirationDate,
		BalanceCents:       i.Balance.Amount,
		LastSeq:            i.LastSeq,
		TotalRedeemedCents: i.TotalRedeemed.Amount,
		ClientID:           i.ClientID,
		Metadata:           i.Metadata,
		CreatedAt:          i.CreatedAt,
		UpdatedAt:          i.UpdatedAt,
	}
}

func fromInstrumentModel(m *instrumentModel) (*instrument.Instrument, error) {
	instID, err := id.ParseInstrumentID(m.ID)
	if err != nil {
		return nil, err
	}

	return &instrument.Instrument{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             instID,
		Code:           m.Code,
		Name:           m.Name,
		InitialValue:   types.Money{Amount: m.InitialValueCents, Currency: m.Currency},
		Status:         instrument.Status(m.Status),
		Reloadable:     m.Reloadable,
		ActivationDate: m.ActivationDate,
		ExpirationDate: m.ExpirationDate,
		Balance:        types.Money{Amount: m.BalanceCents, Currency: m.Currency},
		LastSeq:        m.LastSeq,
		TotalRedeemed:  types.Money{Amount: m.TotalRedeemedCents, Currency: m.Currency},
		ClientID:       m.ClientID,
		Metadata:       m.Metadata,
	}, nil
}

// ==================== Ledger entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:redeem_ledger_entries"`

	ID                   string    `grove:"id,pk"`
	InstrumentID         string    `grove:"instrument_id"`
	Seq                  int64     `grove:"seq"`
	Kind                 string    `grove:"kind"`
	Currency             string    `grove:"currency"`
	AmountCents          int64     `grove:"amount_cents"`
	BalanceBeforeCents   int64     `grove:"balance_before_cents"`
	BalanceAfterCents    int64     `grove:"balance_after_cents"`
	Timestamp            time.Time `grove:"timestamp"`
	RelatedTransactionID string    `grove:"related_transaction_id"`
	AppointmentID        string    `grove:"appointment_id"`
	CreatedAt            time.Time `grove:"created_at"`
	UpdatedAt            time.Time `grove:"updated_at"`
}

func toEntryModel(e *ledger.Entry) *entryModel {
	return &entryModel{
		ID:                   e.ID.String(),
		InstrumentID:         e.InstrumentID.String(),
		Seq:                  e.Seq,
		Kind:                 string(e.Kind),
		Currency:             e.Amount.Currency,
		AmountCents:          e.Amount.Amount,
		BalanceBeforeCents:   e.BalanceBefore.Amount,
		BalanceAfterCents:    e.BalanceAfter.Amount,
		Timestamp:            e.Timestamp,
		RelatedTransactionID: e.RelatedTransactionID,
		AppointmentID:        e.AppointmentID,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

func fromEntryModel(m *entryModel) (*ledger.Entry, error) {
	entryID, err := id.ParseLedgerEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	instID, err := id.ParseInstrumentID(m.InstrumentID)
	if err != nil {
		return nil, err
	}

	return &ledger.Entry{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                   entryID,
		InstrumentID:         instID,
		Seq:                  m.Seq,
		Kind:                 ledger.Kind(m.Kind),
		Amount:               types.Money{Amount: m.AmountCents, Currency: m.Currency},
		BalanceBefore:        types.Money{Amount: m.BalanceBeforeCents, Currency: m.Currency},
		BalanceAfter:         types.Money{Amount: m.BalanceAfterCents, Currency: m.Currency},
		Timestamp:            m.Timestamp,
		RelatedTransactionID: m.RelatedTransactionID,
		AppointmentID:        m.AppointmentID,
	}, nil
}

// ==================== Promotion models ====================

type promotionModel struct {
	grove.BaseModel `grove:"table:redeem_promotions"`

	ID                   string            `grove:"id,pk"`
	Code                 string            `grove:"code"`
	Name                 string            `grove:"name"`
	Active               bool              `grove:"active"`
	ValidFrom            time.Time         `grove:"valid_from"`
	ValidUntil           time.Time         `grove:"valid_until"`
	DiscountType         string            `grove:"discount_type"`
	Percentage           int64             `grove:"percentage"`
	Currency             string            `grove:"currency"`
	AmountCents          int64             `grove:"amount_cents"`
	MinimumPurchaseCents int64             `grove:"minimum_purchase_cents"`
	MaximumDiscountCents *int64            `grove:"maximum_discount_cents"`
	UsageLimitTotal      int64             `grove:"usage_limit_total"`
	UsageLimitPerClient  int64             `grove:"usage_limit_per_client"`
	ApplicableServiceIDs json.RawMessage   `grove:"applicable_service_ids,type:json"`
	Audience             string            `grove:"audience"`
	TimesUsed            int64             `grove:"times_used"`
	Metadata             map[string]string `grove:"metadata,type:json"`
	CreatedAt            time.Time         `grove:"created_at"`
	UpdatedAt            time.Time         `grove:"updated_at"`
}

func promotionCurrency(r *promotion.Rule) string {
	switch {
	case r.Amount.Currency != "":
		return r.Amount.Currency
	case r.MinimumPurchase.Currency != "":
		return r.MinimumPurchase.Currency
	case r.MaximumDiscount != nil:
		return r.MaximumDiscount.Currency
	default:
		return ""
	}
}

func toPromotionModel(r *promotion.Rule) *promotionModel {
	serviceIDs, _ := json.Marshal(r.ApplicableServiceIDs) //nolint:errcheck // best-effort

	var maxDiscount *int64
	if r.MaximumDiscount != nil {
		v := r.MaximumDiscount.Amount
		maxDiscount = &v
	}

	return &promotionModel{
		ID:                   r.ID.String(),
		Code:                 r.Code,
		Name:                 r.Name,
		Active:               r.Active,
		ValidFrom:            r.ValidFrom,
		ValidUntil:           r.ValidUntil,
		DiscountType:         string(r.DiscountType),
		Percentage:           r.Percentage,
		Currency:             promotionCurrency(r),
		AmountCents:          r.Amount.Amount,
		MinimumPurchaseCents: r.MinimumPurchase.Amount,
		MaximumDiscountCents: maxDiscount,
		UsageLimitTotal:      r.UsageLimitTotal,
		UsageLimitPerClient:  r.UsageLimitPerClient,
		ApplicableServiceIDs: serviceIDs,
		Audience:             string(r.Audience),
		TimesUsed:            r.TimesUsed,
		Metadata:             r.Metadata,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func fromPromotionModel(m *promotionModel) (*promotion.Rule, error) {
	ruleID, err := id.ParsePromotionID(m.ID)
	if err != nil {
		return nil, err
	}

	var serviceIDs []string
	if len(m.ApplicableServiceIDs) > 0 {
		_ = json.Unmarshal(m.ApplicableServiceIDs, &serviceIDs) //nolint:errcheck // best-effort
	}

	var maxDiscount *types.Money
	if m.MaximumDiscountCents != nil {
		maxDiscount = &types.Money{Amount: *m.MaximumDiscountCents, Currency: m.Currency}
	}

	return &promotion.Rule{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                   ruleID,
		Code:                 m.Code,
		Name:                 m.Name,
		Active:               m.Active,
		ValidFrom:            m.ValidFrom,
		ValidUntil:           m.ValidUntil,
		DiscountType:         promotion.DiscountType(m.DiscountType),
		Percentage:           m.Percentage,
		Amount:               types.Money{Amount: m.AmountCents, Currency: m.Currency},
		MinimumPurchase:      types.Money{Amount: m.MinimumPurchaseCents, Currency: m.Currency},
		MaximumDiscount:      maxDiscount,
		UsageLimitTotal:      m.UsageLimitTotal,
		UsageLimitPerClient:  m.UsageLimitPerClient,
		ApplicableServiceIDs: serviceIDs,
		Audience:             promotion.Audience(m.Audience),
		TimesUsed:            m.TimesUsed,
		Metadata:             m.Metadata,
	}, nil
}

// ==================== Usage models ====================

type usageModel struct {
	grove.BaseModel `grove:"table:redeem_promotion_usage"`

	ID            string    `grove:"id,pk"`
	RuleID        string    `grove:"rule_id"`
	ClientID      string    `grove:"client_id"`
	Currency      string    `grove:"currency"`
	DiscountCents int64     `grove:"discount_cents"`
	OriginalCents int64     `grove:"original_cents"`
	FinalCents    int64     `grove:"final_cents"`
	Timestamp     time.Time `grove:"timestamp"`
	AppointmentID string    `grove:"appointment_id"`
	CreatedAt     time.Time `grove:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"`
}

func toUsageModel(u *usage.Usage) *usageModel {
	return &usageModel{
		ID:            u.ID.String(),
		RuleID:        u.RuleID.String(),
		ClientID:      u.ClientID,
		Currency:      u.OriginalAmount.Currency,
		DiscountCents: u.DiscountAmount.Amount,
		OriginalCents: u.OriginalAmount.Amount,
		FinalCents:    u.FinalAmount.Amount,
		Timestamp:     u.Timestamp,
		AppointmentID: u.AppointmentID,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func fromUsageModel(m *usageModel) (*usage.Usage, error) {
	usageID, err := id.ParseUsageID(m.ID)
	if err != nil {
		return nil, err
	}
	ruleID, err := id.ParsePromotionID(m.RuleID)
	if err != nil {
		return nil, err
	}

	return &usage.Usage{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             usageID,
		RuleID:         ruleID,
		ClientID:       m.ClientID,
		DiscountAmount: types.Money{Amount: m.DiscountCents, Currency: m.Currency},
		OriginalAmount: types.Money{Amount: m.OriginalCents, Currency: m.Currency},
		FinalAmount:    types.Money{Amount: m.FinalCents, Currency: m.Currency},
		Timestamp:      m.Timestamp,
		AppointmentID:  m.AppointmentID,
	}, nil
}
