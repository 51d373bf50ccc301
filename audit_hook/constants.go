package audithook

// Action constants for audit events.
const (
	// Instrument actions
	ActionInstrumentIssued    = "instrument.issued"
	ActionInstrumentActivated = "instrument.activated"
	ActionInstrumentSuspended = "instrument.suspended"
	ActionInstrumentResumed   = "instrument.resumed"
	ActionInstrumentCancelled = "instrument.cancelled"
	ActionInstrumentRedeemed  = "instrument.redeemed"
	ActionInstrumentExpired   = "instrument.expired"

	// Ledger actions
	ActionRedemption      = "ledger.redemption"
	ActionReload          = "ledger.reload"
	ActionRefund          = "ledger.refund"
	ActionAdjustment      = "ledger.adjustment"
	ActionLedgerViolation = "ledger.violation"

	// Promotion actions
	ActionPromotionCreated  = "promotion.created"
	ActionPromotionUpdated  = "promotion.updated"
	ActionPromotionApplied  = "promotion.applied"
	ActionPromotionRejected = "promotion.rejected"
	ActionUsageLimitReached = "usage_limit.reached"
)

// Resource constants for audit events.
const (
	ResourceInstrument = "instrument"
	ResourceLedger     = "ledger"
	ResourcePromotion  = "promotion"
	ResourceUsage      = "usage"
)

// Category constants for audit events.
const (
	CategoryIssuance   = "issuance"
	CategoryRedemption = "redemption"
	CategoryPromotion  = "promotion"
	CategoryIntegrity  = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
