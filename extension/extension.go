// Package extension provides the Forge extension adapter for Redeem.
//
// It implements the forge.Extension interface to integrate Redeem
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.redeem" or "redeem" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	redeem "github.com/xraph/redeem"
	"github.com/xraph/redeem/store"
	"github.com/xraph/redeem/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "redeem"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Stored-value instrument and promotion redemption engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Redeem as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *redeem.Engine
	store      store.Store
	engineOpts []redeem.Option
}

// New creates a new Redeem Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Redeem engine.
// This is nil until Register is called.
func (e *Extension) Engine() *redeem.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the redeem engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	eng := redeem.New(e.store, e.engineOpts...)
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*redeem.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("redeem: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("redeem: store not initialized")
	}
	return e.store.Ping(ctx)
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("redeem: configuration is required but not found in config files; " +
				"ensure 'extensions.redeem' or 'redeem' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("redeem: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.redeem" first (namespaced pattern).
	if cm.IsSet("extensions.redeem") {
		if err := cm.Bind("extensions.redeem", &cfg); err == nil {
			e.Logger().Debug("redeem: loaded config from file",
				forge.F("key", "extensions.redeem"),
			)
			return cfg, true
		}
		e.Logger().Warn("redeem: failed to bind extensions.redeem config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "redeem" key.
	if cm.IsSet("redeem") {
		if err := cm.Bind("redeem", &cfg); err == nil {
			e.Logger().Debug("redeem: loaded config from file",
				forge.F("key", "redeem"),
			)
			return cfg, true
		}
		e.Logger().Warn("redeem: failed to bind redeem config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" && programmaticConfig.BasePath != "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
