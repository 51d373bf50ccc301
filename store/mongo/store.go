// Package mongo implements the Redeem store on MongoDB via Grove ORM.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	redeem "github.com/xraph/redeem"
	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	redeemstore "github.com/xraph/redeem/store"
	"github.com/xraph/redeem/usage"
)

// Collection name constants.
const (
	colInstruments = "redeem_instruments"
	colEntries     = "redeem_ledger_entries"
	colPromotions  = "redeem_promotions"
	colUsage       = "redeem_promotion_usage"
)

// compile-time interface check
var _ redeemstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all redeem collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("redeem/mongo: migrate %s indexes: %w", col, err)
		}
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return redeem.ErrAlreadyExists
		}
		return fmt.Errorf("redeem/mongo: create instrument: %w", err)
	}
	return nil
}

func (s *Store) GetInstrument(ctx context.Context, instID id.InstrumentID) (*instrument.Instrument, error) {
	var m instrumentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": instID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, redeem.ErrInstrumentNotFound
		}
		return nil, fmt.Errorf("redeem/mongo: get instrument: %w", err)
	}
	return fromInstrumentModel(&m)
}

func (s *Store) GetInstrumentByCode(ctx context.Context, code string) (*instrument.Instrument, error) {
	var m instrumentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"code_upper": normalizeCode(code)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, redeem.ErrInstrumentNotFound
		}
		return nil, fmt.Errorf("redeem/mongo: get instrument by code: %w", err)
	}
	return fromInstrumentModel(&m)
}

func (s *Store) ListInstruments(ctx context.Context, opts instrument.ListOpts) ([]*instrument.Instrument, error) {
	var models []instrumentModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.ClientID != "" {
		filter["client_id"] = opts.ClientID
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("redeem/mongo: list instruments: %w", err)
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

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("redeem/mongo: update instrument: %w", err)
	}
	if res.MatchedCount() == 0 {
		return redeem.ErrInstrumentNotFound
	}
	return nil
}

// DeleteInstrument removes the instrument document and its ledger entries.
// Only the engine's issuance rollback calls this.
func (s *Store) DeleteInstrument(ctx context.Context, instID id.InstrumentID) error {
	if _, err := s.mdb.NewDelete((*entryModel)(nil)).
		Filter(bson.M{"instrument_id": instID.String()}).
		Exec(ctx); err != nil {
		return fmt.Errorf("redeem/mongo: delete instrument entries: %w", err)
	}
	res, err := s.mdb.NewDelete((*instrumentModel)(nil)).
		Filter(bson.M{"_id": instID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("redeem/mongo: delete instrument: %w", err)
	}
	if res.DeletedCount() == 0 {
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
	if _, err := s.mdb.NewInsert(em).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return redeem.ErrAlreadyExists
		}
		return fmt.Errorf("redeem/mongo: append entry: %w", err)
	}
	return s.UpdateInstrument(ctx, inst)
}

func (s *Store) ListEntries(ctx context.Context, instID id.InstrumentID) ([]*ledger.Entry, error) {
	var models []entryModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"instrument_id": instID.String()}).
		Sort(bson.D{{Key: "seq", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("redeem/mongo: list entries: %w", err)
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return redeem.ErrAlreadyExists
		}
		return fmt.Errorf("redeem/mongo: create promotion: %w", err)
	}
	return nil
}

func (s *Store) GetPromotion(ctx context.Context, ruleID id.PromotionID) (*promotion.Rule, error) {
	var m promotionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": ruleID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, redeem.ErrPromotionNotFound
		}
		return nil, fmt.Errorf("redeem/mongo: get promotion: %w", err)
	}
	return fromPromotionModel(&m)
}

func (s *Store) GetPromotionByCode(ctx context.Context, code string) (*promotion.Rule, error) {
	var m promotionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"code_upper": normalizeCode(code)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, redeem.ErrPromotionNotFound
		}
		return nil, fmt.Errorf("redeem/mongo: get promotion by code: %w", err)
	}
	return fromPromotionModel(&m)
}

func (s *Store) ListPromotions(ctx context.Context, opts promotion.ListOpts) ([]*promotion.Rule, error) {
	var models []promotionModel

	filter := bson.M{}
	if opts.Active {
		filter["active"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("redeem/mongo: list promotions: %w", err)
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

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("redeem/mongo: update promotion: %w", err)
	}
	if res.MatchedCount() == 0 {
		return redeem.ErrPromotionNotFound
	}
	return nil
}

// ==================== Usage Store ====================

// RecordUsage persists the usage record and the updated rule counters.
func (s *Store) RecordUsage(ctx context.Context, u *usage.Usage, r *promotion.Rule) error {
	m := toUsageModel(u)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return redeem.ErrAlreadyExists
		}
		return fmt.Errorf("redeem/mongo: record usage: %w", err)
	}
	return s.UpdatePromotion(ctx, r)
}

func (s *Store) ListUsage(ctx context.Context, ruleID id.PromotionID, opts usage.ListOpts) ([]*usage.Usage, error) {
	var models []usageModel

	filter := bson.M{"rule_id": ruleID.String()}
	if opts.ClientID != "" {
		filter["client_id"] = opts.ClientID
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "timestamp", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("redeem/mongo: list usage: %w", err)
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all redeem collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colInstruments: {
			{
				Keys:    bson.D{{Key: "code_upper", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "client_id", Value: 1}}},
			{
				Keys:    bson.D{{Key: "expiration_date", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
		colEntries: {
			{
				Keys:    bson.D{{Key: "instrument_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
		colPromotions: {
			{
				Keys:    bson.D{{Key: "code_upper", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "valid_from", Value: 1}, {Key: "valid_until", Value: 1}}},
		},
		colUsage: {
			{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "client_id", Value: 1}}},
		},
	}
}
