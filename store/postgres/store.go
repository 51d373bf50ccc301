// Package postgres implements the Redeem store on PostgreSQL via Grove ORM.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	redeem "github.com/xraph/redeem"
	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	redeemstore "github.com/xraph/redeem/store"
	"github.com/xraph/redeem/usage"
)

// compile-time interface check
var _ redeemstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("redeem/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("redeem/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Instrument Store ====================

func (s *Store) CreateInstrument(ctx context.Context, inst *instrument.Instrument) error {
	m := toInstrumentModel(inst)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return redeem.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetInstrument(ctx context.Context, instID id.InstrumentID) (*instrument.Instrument, error) {
	m := new(instrumentModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", instID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, redeem.ErrInstrumentNotFound
		}
		return nil, err
	}
	return fromInstrumentModel(m)
}

func (s *Store) GetInstrumentByCode(ctx context.Context, code string) (*instrument.Instrument, error) {
	m := new(instrumentModel)
	err := s.pg.NewSelect(m).
		Where("UPPER(code) = $1", normalizeCode(code)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, redeem.ErrInstrumentNotFound
		}
		return nil, err
	}
	return fromInstrumentModel(m)
}

func (s *Store) ListInstruments(ctx context.Context, opts instrument.ListOpts) ([]*instrument.Instrument, error) {
	var models []instrumentModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.ClientID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("client_id = $%d", argIdx), opts.ClientID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*instrument.Instrument, len(models))
	for i := range models {
		inst, err := fromInstrumentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inst
	}
	return result, nil
}

func (s *Store) UpdateInstrument(ctx context.Context, inst *instrument.Instrument) error {
	m := toInstrumentModel(inst)
	m.UpdatedAt = now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return redeem.ErrInstrumentNotFound
	}
	return nil
}

// DeleteInstrument removes the instrument row and its ledger entries.
// Only the engine's issuance rollback calls this.
func (s *Store) DeleteInstrument(ctx context.Context, instID id.InstrumentID) error {
	if _, err := s.pg.NewDelete((*entryModel)(nil)).
		Where("instrument_id = $1", instID.String()).
		Exec(ctx); err != nil {
		return err
	}
	res, err := s.pg.NewDelete((*instrumentModel)(nil)).
		Where("id = $1", instID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return redeem.ErrInstrumentNotFound
	}
	return nil
}

// ==================== Ledger Store ====================

// AppendEntry persists the entry and the updated instrument snapshot. The
// unique (instrument_id, seq) index rejects duplicate appends and backstops
// the engine's per-instrument serialization.
func (s *Store) AppendEntry(ctx context.Context, e *ledger.Entry, inst *instrument.Instrument) error {
	em := toEntryModel(e)
	if _, err := s.pg.NewInsert(em).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return redeem.ErrAlreadyExists
		}
		return err
	}
	return s.UpdateInstrument(ctx, inst)
}

func (s *Store) ListEntries(ctx context.Context, instID id.InstrumentID) ([]*ledger.Entry, error) {
	var models []entryModel
	err := s.pg.NewSelect(&models).
		Where("instrument_id = $1", instID.String()).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*ledger.Entry, len(models))
	for i := range models {
		entry, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = entry
	}
	return result, nil
}

// ==================== Promotion Store ====================

func (s *Store) CreatePromotion(ctx context.Context, r *promotion.Rule) error {
	m := toPromotionModel(r)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return redeem.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetPromotion(ctx context.Context, ruleID id.PromotionID) (*promotion.Rule, error) {
	m := new(promotionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", ruleID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, redeem.ErrPromotionNotFound
		}
		return nil, err
	}
	return fromPromotionModel(m)
}

func (s *Store) GetPromotionByCode(ctx context.Context, code string) (*promotion.Rule, error) {
	m := new(promotionModel)
	err := s.pg.NewSelect(m).
		Where("UPPER(code) = $1", normalizeCode(code)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, redeem.ErrPromotionNotFound
		}
		return nil, err
	}
	return fromPromotionModel(m)
}

func (s *Store) ListPromotions(ctx context.Context, opts promotion.ListOpts) ([]*promotion.Rule, error) {
	var models []promotionModel
	q := s.pg.NewSelect(&models)

	if opts.Active {
		q = q.Where("active = $1", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*promotion.Rule, len(models))
	for i := range models {
		r, err := fromPromotionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) UpdatePromotion(ctx context.Context, r *promotion.Rule) error {
	m := toPromotionModel(r)
	m.UpdatedAt = now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return redeem.ErrPromotionNotFound
	}
	return nil
}

// ==================== Usage Store ====================

// RecordUsage persists the usage record and the updated rule counters.
func (s *Store) RecordUsage(ctx context.Context, u *usage.Usage, r *promotion.Rule) error {
	m := toUsageModel(u)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return redeem.ErrAlreadyExists
		}
		return err
	}
	return s.UpdatePromotion(ctx, r)
}

func (s *Store) ListUsage(ctx context.Context, ruleID id.PromotionID, opts usage.ListOpts) ([]*usage.Usage, error) {
	var models []usageModel
	q := s.pg.NewSelect(&models).Where("rule_id = $1", ruleID.String())

	argIdx := 1
	if opts.ClientID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("client_id = $%d", argIdx), opts.ClientID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("timestamp ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*usage.Usage, len(models))
	for i := range models {
		u, err := fromUsageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = u
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation checks for a unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
