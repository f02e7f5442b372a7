package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/starford/kalendae/internal/recur"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Store      StoreConfig       `yaml:"store"`
	Expansion  ExpansionConfig   `yaml:"expansion"`
	Auth       AuthConfig        `yaml:"auth"`
	Authz      AuthzConfig       `yaml:"authz"`
	Tombstones TombstoneConfig   `yaml:"tombstones"`
	Importer   ImporterConfig    `yaml:"importer"`
	MCP        MCPConfig         `yaml:"mcp"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.Store, &c.Expansion, &c.Auth, &c.Authz, &c.Tombstones, &c.Importer,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig selects the database. DSN is a sqlite:// or postgres:// URL,
// or a plain file path for SQLite.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
	)
}

// ExpansionConfig bounds recurrence expansion.
type ExpansionConfig struct {
	MaxInstances int           `yaml:"max_instances"`
	MaxSpan      time.Duration `yaml:"max_span"`
}

// Validate validates the expansion configuration.
func (c *ExpansionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxInstances, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxSpan, validation.Required, validation.Min(24*time.Hour)),
	)
}

// Limits converts the configuration to expansion limits.
func (c *ExpansionConfig) Limits() recur.Limits {
	return recur.Limits{MaxInstances: c.MaxInstances, MaxSpan: c.MaxSpan}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Tokens maps each accepted token
//     to the principal it authenticates and must not be empty.
type AuthConfig struct {
	Mode   string            `yaml:"mode"`
	Tokens map[string]string `yaml:"tokens"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode != AuthModeToken {
		return nil
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("auth: mode is %q but no tokens are configured", AuthModeToken)
	}
	for token, principal := range c.Tokens {
		if token == "" || principal == "" {
			return errors.New("auth: tokens must map a non-empty token to a non-empty principal")
		}
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// AuthzConfig enables the casbin access checker.
type AuthzConfig struct {
	Enabled bool `yaml:"enabled"`
	// PolicyPath is a casbin CSV policy; empty uses the built-in one.
	PolicyPath  string `yaml:"policy_path"`
	DefaultRole string `yaml:"default_role"`
}

// Validate validates the authz configuration.
func (c *AuthzConfig) Validate() error {
	return nil
}

// TombstoneConfig controls how long deletion markers are kept.
type TombstoneConfig struct {
	Retention time.Duration `yaml:"retention"`
	// PurgeSchedule is a cron spec; empty disables the scheduled purge.
	PurgeSchedule string `yaml:"purge_schedule"`
}

// Validate validates the tombstone configuration.
func (c *TombstoneConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Retention, validation.Min(time.Duration(0))),
		validation.Field(&c.PurgeSchedule, validation.By(cronSpec)),
	)
}

func cronSpec(value interface{}) error {
	spec, _ := value.(string)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec: %w", err)
	}
	return nil
}

// ImporterConfig configures the drop-folder importer.
type ImporterConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Path             string `yaml:"path"`
	CollectionPrefix string `yaml:"collection_prefix"`
	// Principal is the identity imports run as.
	Principal string `yaml:"principal"`
}

// Validate validates the importer configuration.
func (c *ImporterConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Enabled, validation.Required)),
	)
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	// Principal is the identity tool calls run as.
	Principal string `yaml:"principal"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	limits := recur.DefaultLimits()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			DSN: "sqlite://./kalendae.db",
		},
		Expansion: ExpansionConfig{
			MaxInstances: limits.MaxInstances,
			MaxSpan:      limits.MaxSpan,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Tombstones: TombstoneConfig{
			Retention:     30 * 24 * time.Hour,
			PurgeSchedule: "@daily",
		},
		Importer: ImporterConfig{
			Path:             "./calendars",
			CollectionPrefix: "/import",
		},
	}
}
