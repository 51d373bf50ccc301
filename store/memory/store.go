// Package memory provides an in-memory Store implementation, used as the
// reference backend in tests and as the default store for the extension.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xraph/redeem"
	"github.com/xraph/redeem/id"
	"github.com/xraph/redeem/instrument"
	"github.com/xraph/redeem/ledger"
	"github.com/xraph/redeem/promotion"
	"github.com/xraph/redeem/usage"
)

type Store struct {
	mu sync.RWMutex

	// Instrument storage
	instruments      map[string]*instrument.Instrument
	instrumentByCode map[string]string // code -> id

	// Ledger storage, per instrument, in seq order
	entries map[string][]*ledger.Entry

	// Promotion storage
	promotions      map[string]*promotion.Rule
	promotionByCode map[string]string // code -> id

	// Usage records, per rule, in append order
	usages map[string][]*usage.Usage
}

func New() *Store {
	return &Store{
		instruments:      make(map[string]*instrument.Instrument),
		instrumentByCode: make(map[string]string),
		entries:          make(map[string][]*ledger.Entry),
		promotions:       make(map[string]*promotion.Rule),
		promotionByCode:  make(map[string]string),
		usages:           make(map[string][]*usage.Usage),
	}
}

// Instrument Store implementation.
// The store keeps its own copies so callers can mutate loaded snapshots
// freely and roll back without touching committed state.

func (s *Store) CreateInstrument(_ context.Context, inst *instrument.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inst.ID.String()
	if _, exists := s.instruments[key]; exists {
		return redeem.ErrAlreadyExists
	}
	if _, exists := s.instrumentByCode[normalizeCode(inst.Code)]; exists {
		return redeem.ErrAlreadyExists
	}

	s.instruments[key] = cloneInstrument(inst)
	s.instrumentByCode[normalizeCode(inst.Code)] = key
	return nil
}

func (s *Store) GetInstrument(_ context.Context, instID id.InstrumentID) (*instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.instruments[instID.String()]; ok {
		return cloneInstrument(inst), nil
	}
	return nil, redeem.ErrInstrumentNotFound
}

func (s *Store) GetInstrumentByCode(_ context.Context, code string) (*instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.instrumentByCode[normalizeCode(code)]
	if !ok {
		return nil, redeem.ErrInstrumentNotFound
	}
	return cloneInstrument(s.instruments[key]), nil
}

func (s *Store) ListInstruments(_ context.Context, opts instrument.ListOpts) ([]*instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*instrument.Instrument, 0)
	for _, inst := range s.instruments {
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.ClientID != "" && inst.ClientID != opts.ClientID {
			continue
		}
		result = append(result, cloneInstrument(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateInstrument(_ context.Context, inst *instrument.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inst.ID.String()
	if _, exists := s.instruments[key]; !exists {
		return redeem.ErrInstrumentNotFound
	}
	s.instruments[key] = cloneInstrument(inst)
	return nil
}

func (s *Store) DeleteInstrument(_ context.Context, instID id.InstrumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instID.String()
	inst, exists := s.instruments[key]
	if !exists {
		return redeem.ErrInstrumentNotFound
	}
	delete(s.instruments, key)
	delete(s.instrumentByCode, normalizeCode(inst.Code))
	delete(s.entries, key)
	return nil
}

// Ledger Store implementation

func (s *Store) AppendEntry(_ context.Context, e *ledger.Entry, inst *instrument.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.InstrumentID.String()
	if _, exists := s.instruments[key]; !exists {
		return redeem.ErrInstrumentNotFound
	}

	// Unique (instrument, seq) backstops the engine's serialization.
	existing := s.entries[key]
	if len(existing) > 0 && existing[len(existing)-1].Seq >= e.Seq {
		return redeem.ErrAlreadyExists
	}

	s.entries[key] = append(existing, cloneEntry(e))
	s.instruments[key] = cloneInstrument(inst)
	return nil
}

func (s *Store) ListEntries(_ context.Context, instID id.InstrumentID) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[instID.String()]
	result := make([]*ledger.Entry, len(entries))
	for i, e := range entries {
		result[i] = cloneEntry(e)
	}
	return result, nil
}

// Promotion Store implementation

func (s *Store) CreatePromotion(_ context.Context, r *promotion.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ID.String()
	if _, exists := s.promotions[key]; exists {
		return redeem.ErrAlreadyExists
	}
	if _, exists := s.promotionByCode[normalizeCode(r.Code)]; exists {
		return redeem.ErrAlreadyExists
	}

	s.promotions[key] = cloneRule(r)
	s.promotionByCode[normalizeCode(r.Code)] = key
	return nil
}

func (s *Store) GetPromotion(_ context.Context, ruleID id.PromotionID) (*promotion.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.promotions[ruleID.String()]; ok {
		return cloneRule(r), nil
	}
	return nil, redeem.ErrPromotionNotFound
}

func (s *Store) GetPromotionByCode(_ context.Context, code string) (*promotion.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.promotionByCode[normalizeCode(code)]
	if !ok {
		return nil, redeem.ErrPromotionNotFound
	}
	return cloneRule(s.promotions[key]), nil
}

func (s *Store) ListPromotions(_ context.Context, opts promotion.ListOpts) ([]*promotion.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*promotion.Rule, 0)
	for _, r := range s.promotions {
		if opts.Active && !r.Active {
			continue
		}
		result = append(result, cloneRule(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePromotion(_ context.Context, r *promotion.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ID.String()
	old, exists := s.promotions[key]
	if !exists {
		return redeem.ErrPromotionNotFound
	}
	// Keep the code index in step when the update renames the code.
	if newCode := normalizeCode(r.Code); newCode != normalizeCode(old.Code) {
		if _, taken := s.promotionByCode[newCode]; taken {
			return redeem.ErrAlreadyExists
		}
		delete(s.promotionByCode, normalizeCode(old.Code))
		s.promotionByCode[newCode] = key
	}
	s.promotions[key] = cloneRule(r)
	return nil
}

// Usage Store implementation

func (s *Store) RecordUsage(_ context.Context, u *usage.Usage, r *promotion.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := u.RuleID.String()
	if _, exists := s.promotions[key]; !exists {
		return redeem.ErrPromotionNotFound
	}

	s.usages[key] = append(s.usages[key], cloneUsage(u))
	s.promotions[key] = cloneRule(r)
	return nil
}

func (s *Store) ListUsage(_ context.Context, ruleID id.PromotionID, opts usage.ListOpts) ([]*usage.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*usage.Usage, 0)
	for _, u := range s.usages[ruleID.String()] {
		if opts.ClientID != "" && u.ClientID != opts.ClientID {
			continue
		}
		result = append(result, cloneUsage(u))
	}

	return paginate(result, opts.Offset, opts.Limit), nil
}

// Core methods

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Helpers

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func paginate[T any](items []T, offset, limit int) []T {
	start := offset
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func cloneInstrument(inst *instrument.Instrument) *instrument.Instrument {
	c := *inst
	if inst.ActivationDate != nil {
		t := *inst.ActivationDate
		c.ActivationDate = &t
	}
	if inst.ExpirationDate != nil {
		t := *inst.ExpirationDate
		c.ExpirationDate = &t
	}
	if inst.Metadata != nil {
		c.Metadata = make(map[string]string, len(inst.Metadata))
		for k, v := range inst.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneEntry(e *ledger.Entry) *ledger.Entry {
	c := *e
	return &c
}

func cloneRule(r *promotion.Rule) *promotion.Rule {
	c := *r
	if r.MaximumDiscount != nil {
		m := *r.MaximumDiscount
		c.MaximumDiscount = &m
	}
	if r.ApplicableServiceIDs != nil {
		c.ApplicableServiceIDs = append([]string(nil), r.ApplicableServiceIDs...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneUsage(u *usage.Usage) *usage.Usage {
	c := *u
	return &c
}
