// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    Server    `json:"server"`
	Auth      Auth      `json:"auth"`
	Storage   Storage   `json:"storage"`
	Session   Session   `json:"session"`
	Asset     Asset     `json:"asset"`
	Logging   Logging   `json:"logging"`
	RateLimit RateLimit `json:"rate_limit,omitempty"`
}

// Server defines the gateway's listener settings.
type Server struct {
	Addr           string   `json:"addr"` // e.g. ":3020"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxWSMsgBytes  int64    `json:"max_ws_msg_bytes,omitempty"`
}

// ProviderEntry configures one token-issuing identity provider.
// Exactly one of Secret or JWKSURL is set: Secret for HS256 providers,
// JWKSURL for providers that publish signing keys.
type ProviderEntry struct {
	Name    string `json:"name"`
	Secret  string `json:"secret,omitempty"`
	JWKSURL string `json:"jwks_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Auth defines credential validation settings.
type Auth struct {
	Providers []ProviderEntry `json:"providers"`
	// System provider settings (dev login flow).
	SystemTokenExpiry Duration `json:"system_token_expiry,omitempty"` // default 24h
}

// Storage defines database settings.
type Storage struct {
	Driver string `json:"driver"` // "postgres" or "sqlite"
	DSN    string `json:"dsn"`
	// AgentContextStatement pins the database session to the calling agent
	// inside each proxied transaction. $1 is the agent ID.
	AgentContextStatement string `json:"agent_context_statement,omitempty"`
}

// Session defines live-connection behavior.
type Session struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // default 500ms
	QueryTimeout      Duration `json:"query_timeout,omitempty"`      // default 10s
}

// Asset defines the disk cache settings.
type Asset struct {
	CacheDir            string   `json:"cache_dir,omitempty"`      // default "./world-assets"
	ByteBudget          int64    `json:"byte_budget,omitempty"`    // default 1GiB
	MaintenanceInterval Duration `json:"maintenance_interval,omitempty"` // default 5m
}

// Logging defines logging settings.
type Logging struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimit defines HTTP rate limiting settings.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a provider signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Load reads and validates a config file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides operational knobs from the environment. Deployment
// tooling sets these without editing the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("VRCA_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VRCA_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("VRCA_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.HeartbeatInterval.Duration = d
		}
	}
	if v := os.Getenv("VRCA_ASSET_CACHE_DIR"); v != "" {
		c.Asset.CacheDir = v
	}
	if v := os.Getenv("VRCA_ASSET_BYTE_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Asset.ByteBudget = n
		}
	}
	if v := os.Getenv("VRCA_ASSET_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Asset.MaintenanceInterval.Duration = d
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(c.Auth.Providers) == 0 {
		return fmt.Errorf("auth.providers must list at least one provider")
	}
	for _, p := range c.Auth.Providers {
		if p.Name == "" {
			return fmt.Errorf("auth.providers entry is missing a name")
		}
		if p.Secret == "" && p.JWKSURL == "" {
			return fmt.Errorf("auth provider %q needs a secret or a jwks_url", p.Name)
		}
		if p.Secret != "" && len(p.Secret) < 32 {
			return fmt.Errorf("auth provider %q secret must be at least 32 characters", p.Name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.AgentContextStatement == "" {
		c.Storage.AgentContextStatement = "SELECT set_config('vircadia.agent_id', $1, true)"
	}
	if c.Session.HeartbeatInterval.Duration == 0 {
		c.Session.HeartbeatInterval.Duration = 500 * time.Millisecond
	}
	if c.Session.QueryTimeout.Duration == 0 {
		c.Session.QueryTimeout.Duration = 10 * time.Second
	}
	if c.Asset.CacheDir == "" {
		c.Asset.CacheDir = "./world-assets"
	}
	if c.Asset.ByteBudget == 0 {
		c.Asset.ByteBudget = 1 << 30 // 1GiB
	}
	if c.Asset.MaintenanceInterval.Duration == 0 {
		c.Asset.MaintenanceInterval.Duration = 5 * time.Minute
	}
	if c.Auth.SystemTokenExpiry.Duration == 0 {
		c.Auth.SystemTokenExpiry.Duration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxWSMsgBytes == 0 {
		c.Server.MaxWSMsgBytes = 64 * 1024 // 64KB
	}
}
