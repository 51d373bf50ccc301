package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onInstrumentCreated   []OnInstrumentCreated
	onInstrumentActivated []OnInstrumentActivated
	onInstrumentSuspended []OnInstrumentSuspended
	onInstrumentResumed   []OnInstrumentResumed
	onInstrumentCancelled []OnInstrumentCancelled
	onInstrumentRedeemed  []OnInstrumentRedeemed
	onInstrumentExpired   []OnInstrumentExpired
	onRedemption          []OnRedemption
	onReload              []OnReload
	onRefund              []OnRefund
	onAdjustment          []OnAdjustment
	onLedgerViolation     []OnLedgerViolation
	onPromotionCreated    []OnPromotionCreated
	onPromotionUpdated    []OnPromotionUpdated
	onPromotionApplied    []OnPromotionApplied
	onPromotionRejected   []OnPromotionRejected
	onUsageLimitReached   []OnUsageLimitReached
	codeGenerators        []CodeGenerator
	promotionValidators   []PromotionValidator
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnInstrumentCreated); ok {
		r.onInstrumentCreated = append(r.onInstrumentCreated, v)
	}
	if v, ok := p.(OnInstrumentActivated); ok {
		r.onInstrumentActivated = append(r.onInstrumentActivated, v)
	}
	if v, ok := p.(OnInstrumentSuspended); ok {
		r.onInstrumentSuspended = append(r.onInstrumentSuspended, v)
	}
	if v, ok := p.(OnInstrumentResumed); ok {
		r.onInstrumentResumed = append(r.onInstrumentResumed, v)
	}
	if v, ok := p.(OnInstrumentCancelled); ok {
		r.onInstrumentCancelled = append(r.onInstrumentCancelled, v)
	}
	if v, ok := p.(OnInstrumentRedeemed); ok {
		r.onInstrumentRedeemed = append(r.onInstrumentRedeemed, v)
	}
	if v, ok := p.(OnInstrumentExpired); ok {
		r.onInstrumentExpired = append(r.onInstrumentExpired, v)
	}
	if v, ok := p.(OnRedemption); ok {
		r.onRedemption = append(r.onRedemption, v)
	}
	if v, ok := p.(OnReload); ok {
		r.onReload = append(r.onReload, v)
	}
	if v, ok := p.(OnRefund); ok {
		r.onRefund = append(r.onRefund, v)
	}
	if v, ok := p.(OnAdjustment); ok {
		r.onAdjustment = append(r.onAdjustment, v)
	}
	if v, ok := p.(OnLedgerViolation); ok {
		r.onLedgerViolation = append(r.onLedgerViolation, v)
	}
	if v, ok := p.(OnPromotionCreated); ok {
		r.onPromotionCreated = append(r.onPromotionCreated, v)
	}
	if v, ok := p.(OnPromotionUpdated); ok {
		r.onPromotionUpdated = append(r.onPromotionUpdated, v)
	}
	if v, ok := p.(OnPromotionApplied); ok {
		r.onPromotionApplied = append(r.onPromotionApplied, v)
	}
	if v, ok := p.(OnPromotionRejected); ok {
		r.onPromotionRejected = append(r.onPromotionRejected, v)
	}
	if v, ok := p.(OnUsageLimitReached); ok {
		r.onUsageLimitReached = append(r.onUsageLimitReached, v)
	}
	if v, ok := p.(CodeGenerator); ok {
		r.codeGenerators = append(r.codeGenerators, v)
	}
	if v, ok := p.(PromotionValidator); ok {
		r.promotionValidators = append(r.promotionValidators, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnInstrumentCreated)(nil)).Elem(), "OnInstrumentCreated")
	checkInterface(reflect.TypeOf((*OnInstrumentRedeemed)(nil)).Elem(), "OnInstrumentRedeemed")
	checkInterface(reflect.TypeOf((*OnInstrumentExpired)(nil)).Elem(), "OnInstrumentExpired")
	checkInterface(reflect.TypeOf((*OnRedemption)(nil)).Elem(), "OnRedemption")
	checkInterface(reflect.TypeOf((*OnLedgerViolation)(nil)).Elem(), "OnLedgerViolation")
	checkInterface(reflect.TypeOf((*OnPromotionApplied)(nil)).Elem(), "OnPromotionApplied")
	checkInterface(reflect.TypeOf((*CodeGenerator)(nil)).Elem(), "CodeGenerator")
	checkInterface(reflect.TypeOf((*PromotionValidator)(nil)).Elem(), "PromotionValidator")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentCreated emits an instrument created event.
func (r *Registry) EmitInstrumentCreated(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentCreated(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentActivated emits an instrument activated event.
func (r *Registry) EmitInstrumentActivated(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentActivated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentActivated(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentActivated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentSuspended emits an instrument suspended event.
func (r *Registry) EmitInstrumentSuspended(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentSuspended
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentSuspended(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentSuspended failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentResumed emits an instrument resumed event.
func (r *Registry) EmitInstrumentResumed(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentResumed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentResumed(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentResumed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentCancelled emits an instrument cancelled event.
func (r *Registry) EmitInstrumentCancelled(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentCancelled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentCancelled(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentCancelled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentRedeemed emits an instrument fully redeemed event.
func (r *Registry) EmitInstrumentRedeemed(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentRedeemed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentRedeemed(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentRedeemed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInstrumentExpired emits an instrument expired event.
func (r *Registry) EmitInstrumentExpired(ctx context.Context, inst interface{}) {
	r.mu.RLock()
	plugins := r.onInstrumentExpired
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInstrumentExpired(ctx, inst)
		}); err != nil {
			r.logger.Warn("plugin OnInstrumentExpired failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRedemption emits a redemption committed event.
func (r *Registry) EmitRedemption(ctx context.Context, inst, entry interface{}) {
	r.mu.RLock()
	plugins := r.onRedemption
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRedemption(ctx, inst, entry)
		}); err != nil {
			r.logger.Warn("plugin OnRedemption failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReload emits a reload committed event.
func (r *Registry) EmitReload(ctx context.Context, inst, entry interface{}) {
	r.mu.RLock()
	plugins := r.onReload
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReload(ctx, inst, entry)
		}); err != nil {
			r.logger.Warn("plugin OnReload failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRefund emits a refund committed event.
func (r *Registry) EmitRefund(ctx context.Context, inst, entry interface{}) {
	r.mu.RLock()
	plugins := r.onRefund
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRefund(ctx, inst, entry)
		}); err != nil {
			r.logger.Warn("plugin OnRefund failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAdjustment emits an adjustment committed event.
func (r *Registry) EmitAdjustment(ctx context.Context, inst, entry interface{}) {
	r.mu.RLock()
	plugins := r.onAdjustment
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAdjustment(ctx, inst, entry)
		}); err != nil {
			r.logger.Warn("plugin OnAdjustment failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitLedgerViolation emits a ledger violation event.
func (r *Registry) EmitLedgerViolation(ctx context.Context, instrumentID, detail string) {
	r.mu.RLock()
	plugins := r.onLedgerViolation
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnLedgerViolation(ctx, instrumentID, detail)
		}); err != nil {
			r.logger.Warn("plugin OnLedgerViolation failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPromotionCreated emits a promotion created event.
func (r *Registry) EmitPromotionCreated(ctx context.Context, rule interface{}) {
	r.mu.RLock()
	plugins := r.onPromotionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPromotionCreated(ctx, rule)
		}); err != nil {
			r.logger.Warn("plugin OnPromotionCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPromotionUpdated emits a promotion updated event.
func (r *Registry) EmitPromotionUpdated(ctx context.Context, oldRule, newRule interface{}) {
	r.mu.RLock()
	plugins := r.onPromotionUpdated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPromotionUpdated(ctx, oldRule, newRule)
		}); err != nil {
			r.logger.Warn("plugin OnPromotionUpdated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPromotionApplied emits a promotion applied event.
func (r *Registry) EmitPromotionApplied(ctx context.Context, rule, usageRecord interface{}) {
	r.mu.RLock()
	plugins := r.onPromotionApplied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPromotionApplied(ctx, rule, usageRecord)
		}); err != nil {
			r.logger.Warn("plugin OnPromotionApplied failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPromotionRejected emits a promotion rejected event.
func (r *Registry) EmitPromotionRejected(ctx context.Context, ruleID, clientID, reason string) {
	r.mu.RLock()
	plugins := r.onPromotionRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPromotionRejected(ctx, ruleID, clientID, reason)
		}); err != nil {
			r.logger.Warn("plugin OnPromotionRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageLimitReached emits a usage limit reached event.
func (r *Registry) EmitUsageLimitReached(ctx context.Context, ruleID string, totalCount int64) {
	r.mu.RLock()
	plugins := r.onUsageLimitReached
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnUsageLimitReached(ctx, ruleID, totalCount)
		}); err != nil {
			r.logger.Warn("plugin OnUsageLimitReached failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// GetCodeGenerators returns all registered code generator plugins.
func (r *Registry) GetCodeGenerators() []CodeGenerator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]CodeGenerator, len(r.codeGenerators))
	copy(result, r.codeGenerators)
	return result
}

// GetPromotionValidators returns all registered promotion validators.
func (r *Registry) GetPromotionValidators() []PromotionValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PromotionValidator, len(r.promotionValidators))
	copy(result, r.promotionValidators)
	return result
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block a redemption or checkout path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
