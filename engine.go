package redeem

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/plugin"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/store"
	"github.com/xraph/redeem/types"
	"github.com/xraph/redeem/usage"
)

// Engine is the main redemption engine: a facade over the unified store
// that serializes balance-affecting operations per instrument and usage
// consumption per promotion rule.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock

	// mu guards the keyed lock maps, the tracker cache, and the
	// quarantine set. The keyed locks themselves are held across store
	// round-trips; mu never is.
	mu          sync.Mutex
	instLocks   map[string]*sync.Mutex
	ruleLocks   map[string]*sync.Mutex
	trackers    map[string]*usage.Tracker
	quarantined map[string]string // instrument id -> violation detail
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		plugins:     plugin.NewRegistry(),
		logger:      slog.Default(),
		clock:       types.SystemClock{},
		instLocks:   make(map[string]*sync.Mutex),
		ruleLocks:   make(map[string]*sync.Mutex),
		trackers:    make(map[string]*usage.Tracker),
		quarantined: make(map[string]string),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the time source. Expiry and promotion-window checks use
// this clock, so tests can pin it.
func WithClock(c types.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("redeem engine started")
	return nil
}

// Stop shuts down the engine.
func (e *Engine) Stop() error {
	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Plugins exposes the plugin registry for inspection.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// ──────────────────────────────────────────────────
// Instrument lifecycle
// ──────────────────────────────────────────────────

// CreateInstrument issues a new instrument. The initial value is recorded
// as a purchase entry at sequence 1 so the ledger alone reconstructs the
// balance. Instruments start pending unless a status is given.
func (e *Engine) CreateInstrument(ctx context.Context, inst *instrument.Instrument) error {
	if inst == nil {
		return ErrInvalidInput
	}
	if inst.InitialValue.Currency == "" || inst.InitialValue.IsNegative() {
		return ErrInvalidInput
	}
	if inst.Status == "" {
		inst.Status = instrument.StatusPending
	}
	if inst.ID.IsNil() {
		inst.ID = id.NewInstrumentID()
	}
	if inst.Code == "" {
		inst.Code = e.generateCode(ctx)
	}

	now := e.clock.Now()
	inst.Entity = types.NewEntityAt(now)
	inst.Balance = inst.InitialValue
	inst.LastSeq = 1
	inst.TotalRedeemed = types.Zero(inst.Currency())

	entry := &ledger.Entry{
		Entity:        types.NewEntityAt(now),
		ID:            id.NewLedgerEntryID(),
		InstrumentID:  inst.ID,
		Seq:           1,
		Kind:          ledger.KindPurchase,
		Amount:        inst.InitialValue,
		BalanceBefore: types.Zero(inst.Currency()),
		BalanceAfter:  inst.InitialValue,
		Timestamp:     now,
	}

	if err := e.store.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	if err := e.store.AppendEntry(ctx, entry, inst); err != nil {
		// Remove the half-issued instrument so no snapshot survives with
		// an empty ledger and the code stays available for a retry.
		if delErr := e.store.DeleteInstrument(ctx, inst.ID); delErr != nil {
			e.logger.Error("failed to roll back instrument after issuance append failure",
				"instrument_id", inst.ID,
				"error", delErr,
			)
		}
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	e.plugins.EmitInstrumentCreated(ctx, inst)
	return nil
}

// GetInstrument retrieves an instrument by ID, applying lazy expiry.
func (e *Engine) GetInstrument(ctx context.Context, instID id.InstrumentID) (*instrument.Instrument, error) {
	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}
	return e.expireIfDue(ctx, inst), nil
}

// GetInstrumentByCode retrieves an instrument by code, applying lazy expiry.
func (e *Engine) GetInstrumentByCode(ctx context.Context, code string) (*instrument.Instrument, error) {
	inst, err := e.store.GetInstrumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return e.expireIfDue(ctx, inst), nil
}

// ListInstruments lists instruments matching the options.
func (e *Engine) ListInstruments(ctx context.Context, opts instrument.ListOpts) ([]*instrument.Instrument, error) {
	return e.store.ListInstruments(ctx, opts)
}

// Activate transitions a pending instrument to active.
func (e *Engine) Activate(ctx context.Context, instID id.InstrumentID) error {
	inst, err := e.transition(ctx, instID, instrument.StatusActive)
	if err != nil {
		return err
	}
	e.plugins.EmitInstrumentActivated(ctx, inst)
	return nil
}

// Suspend transitions an active instrument to suspended.
func (e *Engine) Suspend(ctx context.Context, instID id.InstrumentID) error {
	inst, err := e.transition(ctx, instID, instrument.StatusSuspended)
	if err != nil {
		return err
	}
	e.plugins.EmitInstrumentSuspended(ctx, inst)
	return nil
}

// Resume transitions a suspended instrument back to active.
func (e *Engine) Resume(ctx context.Context, instID id.InstrumentID) error {
	inst, err := e.transition(ctx, instID, instrument.StatusActive)
	if err != nil {
		return err
	}
	e.plugins.EmitInstrumentResumed(ctx, inst)
	return nil
}

// Cancel terminates an instrument from any non-terminal status. Remaining
// value is written off with a cancellation entry; afterwards the ledger
// accepts no further entries.
func (e *Engine) Cancel(ctx context.Context, instID id.InstrumentID) error {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(instrument.StatusCancelled) {
		return ErrInvalidTransition
	}

	now := e.clock.Now()
	var entry *ledger.Entry
	if inst.Balance.IsPositive() {
		entry = &ledger.Entry{
			Entity:        types.NewEntityAt(now),
			ID:            id.NewLedgerEntryID(),
			InstrumentID:  inst.ID,
			Seq:           inst.LastSeq + 1,
			Kind:          ledger.KindCancellation,
			Amount:        inst.Balance,
			BalanceBefore: inst.Balance,
			BalanceAfter:  types.Zero(inst.Currency()),
			Timestamp:     now,
		}
		inst.Balance = types.Zero(inst.Currency())
		inst.LastSeq++
	}

	inst.Status = instrument.StatusCancelled
	inst.TouchAt(now)

	if entry != nil {
		if err := e.store.AppendEntry(ctx, entry, inst); err != nil {
			return e.appendFailed(ctx, inst.ID, err)
		}
	} else if err := e.store.UpdateInstrument(ctx, inst); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	e.plugins.EmitInstrumentCancelled(ctx, inst)
	return nil
}

// Redeem spends value from an active instrument. Expiry wins over status:
// a past expiration date yields ErrInstrumentExpired even if the cached
// status has not caught up yet. A redemption that lands the balance on
// zero transitions the instrument to redeemed.
func (e *Engine) Redeem(ctx context.Context, instID id.InstrumentID, amount types.Money, appointmentID string) (*ledger.Entry, error) {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAmount(inst, amount); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if inst.IsExpired(now) {
		e.expireLocked(ctx, inst, now)
		return nil, ErrInstrumentExpired
	}
	if !inst.IsActive() {
		return nil, ErrInstrumentInactive
	}

	newBalance, err := inst.Balance.Deduct(amount)
	if err != nil {
		return nil, ErrInsufficientFunds
	}

	entry := &ledger.Entry{
		Entity:        types.NewEntityAt(now),
		ID:            id.NewLedgerEntryID(),
		InstrumentID:  inst.ID,
		Seq:           inst.LastSeq + 1,
		Kind:          ledger.KindRedemption,
		Amount:        amount,
		BalanceBefore: inst.Balance,
		BalanceAfter:  newBalance,
		Timestamp:     now,
		AppointmentID: appointmentID,
	}

	inst.Balance = newBalance
	inst.LastSeq++
	inst.TotalRedeemed = inst.TotalRedeemed.Add(amount)
	fullyRedeemed := newBalance.IsZero()
	if fullyRedeemed {
		inst.Status = instrument.StatusRedeemed
	}
	inst.TouchAt(now)

	if err := e.store.AppendEntry(ctx, entry, inst); err != nil {
		return nil, e.appendFailed(ctx, inst.ID, err)
	}

	e.logger.Debug("redemption committed",
		"instrument_id", inst.ID,
		"seq", entry.Seq,
		"amount", amount,
		"balance", newBalance,
	)

	e.plugins.EmitRedemption(ctx, inst, entry)
	if fullyRedeemed {
		e.plugins.EmitInstrumentRedeemed(ctx, inst)
	}
	return entry, nil
}

// Reload adds value to a reloadable instrument.
func (e *Engine) Reload(ctx context.Context, instID id.InstrumentID, amount types.Money) (*ledger.Entry, error) {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAmount(inst, amount); err != nil {
		return nil, err
	}
	if !inst.Reloadable {
		return nil, ErrNotReloadable
	}

	now := e.clock.Now()
	if inst.IsExpired(now) {
		e.expireLocked(ctx, inst, now)
		return nil, ErrInstrumentExpired
	}
	if !inst.IsActive() {
		return nil, ErrInstrumentInactive
	}

	entry, err := e.appendCredit(ctx, inst, ledger.KindReload, amount, "", now)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitReload(ctx, inst, entry)
	return entry, nil
}

// Refund returns value to an instrument, referencing the transaction
// being refunded. A refund reopens a fully redeemed instrument but never
// a cancelled one.
func (e *Engine) Refund(ctx context.Context, instID id.InstrumentID, amount types.Money, relatedTransactionID string) (*ledger.Entry, error) {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAmount(inst, amount); err != nil {
		return nil, err
	}
	if inst.Status == instrument.StatusCancelled {
		return nil, ErrInstrumentInactive
	}

	now := e.clock.Now()
	if inst.Status == instrument.StatusRedeemed {
		inst.Status = instrument.StatusActive
	}

	entry, err := e.appendCredit(ctx, inst, ledger.KindRefund, amount, relatedTransactionID, now)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitRefund(ctx, inst, entry)
	return entry, nil
}

// Adjust appends a signed manual correction. A negative amount may not
// take the balance below zero.
func (e *Engine) Adjust(ctx context.Context, instID id.InstrumentID, amount types.Money, relatedTransactionID string) (*ledger.Entry, error) {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}
	if amount.Currency != inst.Currency() {
		return nil, ErrCurrencyMismatch
	}
	if amount.IsZero() {
		return nil, ErrInvalidInput
	}
	if inst.Status.Terminal() {
		return nil, ErrInstrumentInactive
	}

	newBalance := inst.Balance.Add(amount)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	now := e.clock.Now()
	entry := &ledger.Entry{
		Entity:               types.NewEntityAt(now),
		ID:                   id.NewLedgerEntryID(),
		InstrumentID:         inst.ID,
		Seq:                  inst.LastSeq + 1,
		Kind:                 ledger.KindAdjustment,
		Amount:               amount,
		BalanceBefore:        inst.Balance,
		BalanceAfter:         newBalance,
		Timestamp:            now,
		RelatedTransactionID: relatedTransactionID,
	}

	inst.Balance = newBalance
	inst.LastSeq++
	inst.TouchAt(now)

	if err := e.store.AppendEntry(ctx, entry, inst); err != nil {
		return nil, e.appendFailed(ctx, inst.ID, err)
	}

	e.plugins.EmitAdjustment(ctx, inst, entry)
	return entry, nil
}

// ──────────────────────────────────────────────────
// Ledger inspection
// ──────────────────────────────────────────────────

// Balance returns the cached balance. Use Reconstruct to derive it from
// the ledger instead.
func (e *Engine) Balance(ctx context.Context, instID id.InstrumentID) (types.Money, error) {
	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return types.Money{}, err
	}
	return inst.Balance, nil
}

// Reconstruct replays the instrument's ledger from sequence 1 and returns
// the derived balance.
func (e *Engine) Reconstruct(ctx context.Context, instID id.InstrumentID) (types.Money, error) {
	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return types.Money{}, err
	}
	entries, err := e.store.ListEntries(ctx, instID)
	if err != nil {
		return types.Money{}, err
	}
	return ledger.Fold(inst.Currency(), entries), nil
}

// VerifyLedger replays the ledger and checks every invariant: contiguous
// sequence numbers, chained balances, a never-negative running balance,
// and agreement between the derived and cached balances. A violation
// quarantines the instrument: all further mutations fail with
// ErrLedgerViolation until manual reconciliation.
func (e *Engine) VerifyLedger(ctx context.Context, instID id.InstrumentID) error {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return err
	}
	entries, err := e.store.ListEntries(ctx, instID)
	if err != nil {
		return err
	}

	derived, err := ledger.Verify(inst.Currency(), entries)
	if err != nil {
		return e.quarantine(ctx, instID, err.Error())
	}
	if !derived.Equal(inst.Balance) {
		detail := fmt.Sprintf("derived balance %s does not match cached %s", derived, inst.Balance)
		return e.quarantine(ctx, instID, detail)
	}
	return nil
}

// Entries returns the instrument's ledger in sequence order.
func (e *Engine) Entries(ctx context.Context, instID id.InstrumentID) ([]*ledger.Entry, error) {
	return e.store.ListEntries(ctx, instID)
}

// ──────────────────────────────────────────────────
// Promotion management
// ──────────────────────────────────────────────────

// CreatePromotion creates a new eligibility rule. Registered promotion
// validators are consulted first; any error rejects the rule.
func (e *Engine) CreatePromotion(ctx context.Context, r *promotion.Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	for _, v := range e.plugins.GetPromotionValidators() {
		if err := v.ValidatePromotion(ctx, r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	if r.ID.IsNil() {
		r.ID = id.NewPromotionID()
	}
	r.Entity = types.NewEntityAt(e.clock.Now())

	if err := e.store.CreatePromotion(ctx, r); err != nil {
		return err
	}

	e.plugins.EmitPromotionCreated(ctx, r)
	return nil
}

// GetPromotion retrieves a rule by ID.
func (e *Engine) GetPromotion(ctx context.Context, ruleID id.PromotionID) (*promotion.Rule, error) {
	return e.store.GetPromotion(ctx, ruleID)
}

// GetPromotionByCode retrieves a rule by code.
func (e *Engine) GetPromotionByCode(ctx context.Context, code string) (*promotion.Rule, error) {
	return e.store.GetPromotionByCode(ctx, code)
}

// ListPromotions lists rules matching the options.
func (e *Engine) ListPromotions(ctx context.Context, opts promotion.ListOpts) ([]*promotion.Rule, error) {
	return e.store.ListPromotions(ctx, opts)
}

// UpdatePromotion replaces a rule's definition. The cached usage tracker
// is discarded so changed limits take effect on the next evaluation;
// counts are rehydrated from the audit records.
func (e *Engine) UpdatePromotion(ctx context.Context, r *promotion.Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	for _, v := range e.plugins.GetPromotionValidators() {
		if err := v.ValidatePromotion(ctx, r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	lock := e.ruleLock(r.ID)
	lock.Lock()
	defer lock.Unlock()

	old, err := e.store.GetPromotion(ctx, r.ID)
	if err != nil {
		return err
	}

	r.TimesUsed = old.TimesUsed
	r.CreatedAt = old.CreatedAt
	r.TouchAt(e.clock.Now())

	if err := e.store.UpdatePromotion(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	e.dropTracker(r.ID)
	e.plugins.EmitPromotionUpdated(ctx, old, r)
	return nil
}

// DisablePromotion clears the rule's active flag.
func (e *Engine) DisablePromotion(ctx context.Context, ruleID id.PromotionID) error {
	lock := e.ruleLock(ruleID)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.GetPromotion(ctx, ruleID)
	if err != nil {
		return err
	}
	if !r.Active {
		return nil
	}

	old := *r
	r.Active = false
	r.TouchAt(e.clock.Now())

	if err := e.store.UpdatePromotion(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	e.plugins.EmitPromotionUpdated(ctx, &old, r)
	return nil
}

// Evaluate checks a purchase against a rule without consuming usage or
// recording anything. itemPrice is required only for BOGO and
// free-service rules.
func (e *Engine) Evaluate(ctx context.Context, ruleID id.PromotionID, p promotion.Purchase, itemPrice *types.Money) (promotion.Result, error) {
	lock := e.ruleLock(ruleID)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.GetPromotion(ctx, ruleID)
	if err != nil {
		return promotion.Result{}, err
	}
	tracker, err := e.tracker(ctx, r)
	if err != nil {
		return promotion.Result{}, err
	}

	if p.Now.IsZero() {
		p.Now = e.clock.Now()
	}
	return r.Evaluate(p, tracker, itemPrice), nil
}

// ApplyPromotion evaluates a purchase and, if eligible, consumes usage and
// appends an audit record — one logical transaction. A persistence
// failure rolls the in-memory counters back and surfaces
// ErrPersistenceFailed so the caller can retry.
func (e *Engine) ApplyPromotion(ctx context.Context, ruleID id.PromotionID, p promotion.Purchase, itemPrice *types.Money) (*usage.Usage, error) {
	lock := e.ruleLock(ruleID)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.GetPromotion(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	tracker, err := e.tracker(ctx, r)
	if err != nil {
		return nil, err
	}

	if p.Now.IsZero() {
		p.Now = e.clock.Now()
	}

	result := r.Evaluate(p, tracker, itemPrice)
	if !result.Eligible {
		e.plugins.EmitPromotionRejected(ctx, r.ID.String(), p.ClientID, string(result.Reason))
		return nil, reasonError(result.Reason)
	}
	if result.RequiresPriceLookup {
		return nil, ErrPriceLookupRequired
	}

	admitted, reject := tracker.TryConsume(p.ClientID)
	if !admitted {
		// Evaluate and TryConsume share the tracker under the rule lock,
		// so a rejection here means the counters moved between hydration
		// and now. Map it the same way.
		reason := promotion.ReasonUsageLimitReached
		if reject == usage.RejectClientLimit {
			reason = promotion.ReasonClientUsageLimitReached
		}
		e.plugins.EmitPromotionRejected(ctx, r.ID.String(), p.ClientID, string(reason))
		return nil, reasonError(reason)
	}

	final := p.Amount.Subtract(result.Discount)
	record := &usage.Usage{
		Entity:         types.NewEntityAt(p.Now),
		ID:             id.NewUsageID(),
		RuleID:         r.ID,
		ClientID:       p.ClientID,
		DiscountAmount: result.Discount,
		OriginalAmount: p.Amount,
		FinalAmount:    final,
		Timestamp:      p.Now,
		AppointmentID:  p.AppointmentID,
	}

	r.TimesUsed++
	r.TouchAt(p.Now)

	if err := e.store.RecordUsage(ctx, record, r); err != nil {
		tracker.Rollback(p.ClientID)
		r.TimesUsed--
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	e.logger.Debug("promotion applied",
		"rule_id", r.ID,
		"client_id", p.ClientID,
		"discount", result.Discount,
	)

	e.plugins.EmitPromotionApplied(ctx, r, record)
	if r.UsageLimitTotal > 0 && tracker.TotalCount() >= r.UsageLimitTotal {
		e.plugins.EmitUsageLimitReached(ctx, r.ID.String(), tracker.TotalCount())
	}
	return record, nil
}

// UsageSnapshot is a point-in-time view of a rule's usage counters.
type UsageSnapshot struct {
	RuleID       id.PromotionID   `json:"rule_id"`
	TotalCount   int64            `json:"total_count"`
	ClientCounts map[string]int64 `json:"client_counts"`
}

// Usage returns a snapshot of the rule's usage counters.
func (e *Engine) Usage(ctx context.Context, ruleID id.PromotionID) (*UsageSnapshot, error) {
	lock := e.ruleLock(ruleID)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.GetPromotion(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	tracker, err := e.tracker(ctx, r)
	if err != nil {
		return nil, err
	}

	return &UsageSnapshot{
		RuleID:       r.ID,
		TotalCount:   tracker.TotalCount(),
		ClientCounts: tracker.PerClientCounts(),
	}, nil
}

// ListPromotionUsage returns the rule's audit trail.
func (e *Engine) ListPromotionUsage(ctx context.Context, ruleID id.PromotionID, opts usage.ListOpts) ([]*usage.Usage, error) {
	return e.store.ListUsage(ctx, ruleID, opts)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// transition performs a plain status transition with no ledger entry.
func (e *Engine) transition(ctx context.Context, instID id.InstrumentID, to instrument.Status) (*instrument.Instrument, error) {
	lock := e.instLock(instID)
	lock.Lock()
	defer lock.Unlock()

	if detail, ok := e.quarantineDetail(instID); ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
	}

	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if inst.IsExpired(now) {
		e.expireLocked(ctx, inst, now)
		return nil, ErrInstrumentExpired
	}
	if !inst.Status.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}

	inst.Status = to
	if to == instrument.StatusActive && inst.ActivationDate == nil {
		inst.ActivationDate = &now
	}
	inst.TouchAt(now)

	if err := e.store.UpdateInstrument(ctx, inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return inst, nil
}

// appendCredit appends a balance-increasing entry (reload or refund) and
// persists the updated instrument. Caller holds the instrument lock.
func (e *Engine) appendCredit(ctx context.Context, inst *instrument.Instrument, kind ledger.Kind, amount types.Money, relatedTxnID string, now time.Time) (*ledger.Entry, error) {
	newBalance := inst.Balance.Add(amount)

	entry := &ledger.Entry{
		Entity:               types.NewEntityAt(now),
		ID:                   id.NewLedgerEntryID(),
		InstrumentID:         inst.ID,
		Seq:                  inst.LastSeq + 1,
		Kind:                 kind,
		Amount:               amount,
		BalanceBefore:        inst.Balance,
		BalanceAfter:         newBalance,
		Timestamp:            now,
		RelatedTransactionID: relatedTxnID,
	}

	inst.Balance = newBalance
	inst.LastSeq++
	inst.TouchAt(now)

	if err := e.store.AppendEntry(ctx, entry, inst); err != nil {
		return nil, e.appendFailed(ctx, inst.ID, err)
	}
	return entry, nil
}

// appendFailed maps an append error to ErrPersistenceFailed. A duplicate
// sequence means an earlier append committed its entry but lost the
// snapshot write, so the cached snapshot is rebuilt from the ledger before
// returning; the caller's retry then computes the next seq from repaired
// state instead of hitting the unique index forever. Caller holds the
// instrument lock.
func (e *Engine) appendFailed(ctx context.Context, instID id.InstrumentID, err error) error {
	if errors.Is(err, ErrAlreadyExists) {
		if recErr := e.reconcileFromLedger(ctx, instID); recErr != nil {
			e.logger.Error("failed to reconcile instrument snapshot",
				"instrument_id", instID,
				"error", recErr,
			)
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
}

// reconcileFromLedger rebuilds the cached snapshot from the ledger when
// the ledger is ahead of it. The ledger is the source of truth: balance,
// seq, and redeemed totals are all replayed from the entries. Caller
// holds the instrument lock.
func (e *Engine) reconcileFromLedger(ctx context.Context, instID id.InstrumentID) error {
	inst, err := e.store.GetInstrument(ctx, instID)
	if err != nil {
		return err
	}
	entries, err := e.store.ListEntries(ctx, instID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	if last.Seq <= inst.LastSeq {
		return nil
	}

	inst.Balance = ledger.Fold(inst.Currency(), entries)
	inst.LastSeq = last.Seq
	redeemed := types.Zero(inst.Currency())
	for _, en := range entries {
		if en.Kind == ledger.KindRedemption {
			redeemed = redeemed.Add(en.Amount)
		}
	}
	inst.TotalRedeemed = redeemed
	switch {
	case last.Kind == ledger.KindCancellation:
		inst.Status = instrument.StatusCancelled
	case inst.Balance.IsZero() && inst.Status == instrument.StatusActive:
		inst.Status = instrument.StatusRedeemed
	}
	inst.TouchAt(e.clock.Now())

	if err := e.store.UpdateInstrument(ctx, inst); err != nil {
		return err
	}
	e.logger.Warn("reconciled instrument snapshot from ledger",
		"instrument_id", inst.ID,
		"last_seq", inst.LastSeq,
	)
	return nil
}

// expireIfDue lazily transitions a non-terminal instrument whose
// expiration date has passed. The persist runs under the instrument lock
// against a freshly loaded snapshot, so a mutation committing between the
// caller's read and the expiry write is never overwritten with stale
// balance or seq. Returns the snapshot the caller should report.
func (e *Engine) expireIfDue(ctx context.Context, inst *instrument.Instrument) *instrument.Instrument {
	now := e.clock.Now()
	if !inst.IsExpired(now) || inst.Status.Terminal() {
		return inst
	}

	lock := e.instLock(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := e.store.GetInstrument(ctx, inst.ID)
	if err != nil {
		// Report the expired view without persisting; mutation paths
		// re-check expiry under the lock anyway.
		inst.Status = instrument.StatusExpired
		inst.TouchAt(now)
		return inst
	}
	if !fresh.IsExpired(now) || fresh.Status.Terminal() {
		return fresh
	}
	e.expireLocked(ctx, fresh, now)
	return fresh
}

// expireLocked marks the instrument expired and persists it. Caller holds
// the instrument lock and has loaded inst under it.
func (e *Engine) expireLocked(ctx context.Context, inst *instrument.Instrument, now time.Time) {
	if inst.Status.Terminal() {
		return
	}
	inst.Status = instrument.StatusExpired
	inst.TouchAt(now)

	if err := e.store.UpdateInstrument(ctx, inst); err != nil {
		e.logger.Warn("failed to persist lazy expiry",
			"instrument_id", inst.ID,
			"error", err,
		)
		return
	}
	e.plugins.EmitInstrumentExpired(ctx, inst)
}

func (e *Engine) checkAmount(inst *instrument.Instrument, amount types.Money) error {
	if amount.Currency != inst.Currency() {
		return ErrCurrencyMismatch
	}
	if !amount.IsPositive() {
		return ErrInvalidInput
	}
	return nil
}

// quarantine records a ledger violation and refuses further mutation of
// the instrument until manual reconciliation.
func (e *Engine) quarantine(ctx context.Context, instID id.InstrumentID, detail string) error {
	e.mu.Lock()
	e.quarantined[instID.String()] = detail
	e.mu.Unlock()

	e.logger.Error("ledger violation detected",
		"instrument_id", instID,
		"detail", detail,
	)

	e.plugins.EmitLedgerViolation(ctx, instID.String(), detail)
	return fmt.Errorf("%w: %s", ErrLedgerViolation, detail)
}

func (e *Engine) quarantineDetail(instID id.InstrumentID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	detail, ok := e.quarantined[instID.String()]
	return detail, ok
}

// ClearQuarantine lifts a quarantine after manual reconciliation.
func (e *Engine) ClearQuarantine(instID id.InstrumentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.quarantined, instID.String())
}

func (e *Engine) instLock(instID id.InstrumentID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := instID.String()
	m, ok := e.instLocks[key]
	if !ok {
		m = &sync.Mutex{}
		e.instLocks[key] = m
	}
	return m
}

func (e *Engine) ruleLock(ruleID id.PromotionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := ruleID.String()
	m, ok := e.ruleLocks[key]
	if !ok {
		m = &sync.Mutex{}
		e.ruleLocks[key] = m
	}
	return m
}

// tracker returns the rule's usage tracker, hydrating it from the audit
// records on first use. Caller holds the rule lock.
func (e *Engine) tracker(ctx context.Context, r *promotion.Rule) (*usage.Tracker, error) {
	key := r.ID.String()

	e.mu.Lock()
	t, ok := e.trackers[key]
	e.mu.Unlock()
	if ok {
		return t, nil
	}

	records, err := e.store.ListUsage(ctx, r.ID, usage.ListOpts{})
	if err != nil {
		return nil, err
	}

	t = usage.NewTracker(r.ID, r.UsageLimitTotal, r.UsageLimitPerClient)
	t.Hydrate(records)

	e.mu.Lock()
	e.trackers[key] = t
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) dropTracker(ruleID id.PromotionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, ruleID.String())
}

// generateCode produces an instrument code when none was supplied. Code
// generator plugins take precedence; the fallback is 16 random base32
// characters.
func (e *Engine) generateCode(ctx context.Context) string {
	for _, g := range e.plugins.GetCodeGenerators() {
		code, err := g.GenerateCode(ctx)
		if err == nil && code != "" {
			return strings.ToUpper(strings.TrimSpace(code))
		}
		e.logger.Warn("code generator failed",
			"plugin", g.Name(),
			"error", err,
		)
	}

	var buf [10]byte
	_, _ = rand.Read(buf[:]) //nolint:errcheck // crypto/rand.Read never fails
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:])
}

func validateRule(r *promotion.Rule) error {
	if r == nil || r.Code == "" {
		return ErrInvalidInput
	}
	if !r.DiscountType.Valid() {
		return ErrInvalidInput
	}
	if r.DiscountType == promotion.DiscountPercentage && (r.Percentage <= 0 || r.Percentage > 100) {
		return ErrInvalidInput
	}
	if r.DiscountType == promotion.DiscountFixed && !r.Amount.IsPositive() {
		return ErrInvalidInput
	}
	if !r.ValidFrom.IsZero() && !r.ValidUntil.IsZero() && r.ValidUntil.Before(r.ValidFrom) {
		return ErrInvalidInput
	}
	return nil
}

// reasonError maps an evaluation rejection reason to its sentinel.
func reasonError(reason promotion.Reason) error {
	switch reason {
	case promotion.ReasonRuleDisabled:
		return ErrRuleDisabled
	case promotion.ReasonOutOfWindow:
		return ErrOutOfWindow
	case promotion.ReasonUsageLimitReached:
		return ErrUsageLimitReached
	case promotion.ReasonClientUsageLimitReached:
		return ErrClientUsageLimitReached
	case promotion.ReasonBelowMinimumPurchase:
		return ErrBelowMinimumPurchase
	case promotion.ReasonServiceNotApplicable:
		return ErrServiceNotApplicable
	default:
		return ErrInvalidInput
	}
}
