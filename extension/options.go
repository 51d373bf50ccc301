package extension

import (
	redeem "github.com/xraph/redeem"
	"github.com/xraph/redeem/plugin"
	"github.com/xraph/redeem/store"
	"github.com/xraph/redeem/types"
)

// Option configures the Redeem Forge extension.
type Option func(*Extension)

// WithStore sets the store for the redeem engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a redeem.Option through to the underlying engine.
func WithEngineOption(opt redeem.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a redeem plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, redeem.WithPlugin(p))
	}
}

// WithClock sets the time source used for expiry and validity checks.
// Useful for tests and replay tooling.
func WithClock(c types.Clock) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, redeem.WithClock(c))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for redeem routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
