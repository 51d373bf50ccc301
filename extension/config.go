package extension

// Config holds the Redeem extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.redeem" or "redeem" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for redeem routes (default: "/redeem").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath: "/redeem",
	}
}
