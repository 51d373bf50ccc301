// Package redeem provides a composable gift-card and promotion redemption engine
// for Go applications.
//
// Redeem is designed as a library, not a service. Import it directly into your Go
// application for maximum performance and flexibility. It provides:
//
//   - Append-only ledger with per-instrument monotonic sequence numbers
//   - Derived balances verifiable by replaying the ledger at any time
//   - Gift-card lifecycle management with lazy expiry (no background timers)
//   - Deterministic promotion eligibility evaluation with a fixed check order
//   - Atomic usage tracking with per-client limits and rollback on failure
//   - Pluggable storage backends (memory, PostgreSQL, SQLite, MongoDB)
//   - Lifecycle plugins for audit trails and metrics
//
// # Quick Start
//
// Create an engine instance with your preferred store:
//
//	import (
//	    "github.com/xraph/redeem"
//	    "github.com/xraph/redeem/store/postgres"
//	)
//
//	// Initialize store
//	store, err := postgres.New(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create engine
//	eng := redeem.New(store)
//
//	// Start the engine (runs migrations, initializes plugins)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Instruments are balance-bearing redeemable units (gift cards):
//
//	card := &instrument.Instrument{
//	    Code:         "WELCOME-100",
//	    InitialValue: redeem.USD(10000),
//	    Reloadable:   false,
//	}
//	err := eng.CreateInstrument(ctx, card)
//	err = eng.Activate(ctx, card.ID)
//
// Redemptions spend value and append ledger entries:
//
//	entry, err := eng.Redeem(ctx, card.ID, redeem.USD(3000), appointmentID)
//
// Promotions are time-windowed, usage-limited discount rules:
//
//	result, err := eng.Evaluate(ctx, ruleID, promotion.Purchase{
//	    Amount:   redeem.USD(12000),
//	    ClientID: "client_123",
//	}, nil)
//	if result.Eligible {
//	    record, err := eng.ApplyPromotion(ctx, ruleID, purchase, nil)
//	}
//
// # Correctness
//
// The ledger is the source of truth. Cached balances are a convenience; the
// engine can reconstruct any instrument's balance by folding its entries from
// sequence 1 and verify every invariant along the way:
//
//	balance, err := eng.Reconstruct(ctx, card.ID)
//	err = eng.VerifyLedger(ctx, card.ID)
//
// A verification failure quarantines the instrument: further mutations fail
// with ErrLedgerViolation until manual reconciliation.
//
// All monetary calculations use integer arithmetic to avoid floating-point
// precision issues. The Money type represents amounts in the smallest currency
// unit (cents for USD, pence for GBP, etc).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	gift_01h2xcejqtf2nbrexx3vqjhp41   // Instrument ID
//	lent_01h2xcejqtf2nbrexx3vqjhp41   // Ledger entry ID
//	promo_01h455vb4pex5vsknk084sn02q  // Promotion ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package redeem
