package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Operational constants that must
// not drift (client order id length, marketable sigma, model pricing) do NOT
// live here — they come from the signed manifest.
type Config struct {
	Venue    VenueConfig    `yaml:"venue"`
	Storage  StorageConfig  `yaml:"storage"`
	Trading  TradingConfig  `yaml:"trading"`
	Arming   ArmingConfig   `yaml:"arming"`
	Telegram TelegramConfig `yaml:"telegram"`
	Log      LogConfig      `yaml:"log"`

	// Watchlist is the static market set this instance trades. Registry
	// synchronization and scoring live outside the core.
	Watchlist []WatchMarket `yaml:"watchlist"`

	// Secrets resolved from the environment, never from YAML.
	StateSecret      string `yaml:"-"`
	LocalStateSecret string `yaml:"-"`
	ManifestSecret   string `yaml:"-"`
	TOTPSecret       string `yaml:"-"`
}

// WatchMarket is one watchlist entry.
type WatchMarket struct {
	ConditionID string  `yaml:"condition_id"`
	YesTokenID  string  `yaml:"yes_token_id"`
	NoTokenID   string  `yaml:"no_token_id"`
	Question    string  `yaml:"question"`
	Category    string  `yaml:"category"`
	EndDate     string  `yaml:"end_date"` // RFC3339
	TickSize    float64 `yaml:"tick_size"`
}

// VenueConfig holds the venue endpoints.
type VenueConfig struct {
	RESTBase       string  `yaml:"rest_base"`
	WSURL          string  `yaml:"ws_url"`
	RequestTimeout int     `yaml:"request_timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
}

// StorageConfig controls persistence locations.
type StorageConfig struct {
	DSN     string `yaml:"dsn"`      // SQLite path, or ":memory:"
	WALPath string `yaml:"wal_path"` // append-only durability log
}

// TradingConfig holds tunable (still manifest-covered) trading inputs.
type TradingConfig struct {
	FeeRateBpsDefault float64 `yaml:"fee_rate_bps_default"`
	ModelKey          string  `yaml:"model_key"`
	ManifestPath      string  `yaml:"manifest_path"`
}

// ArmingConfig fixes the arming-file location and ownership.
type ArmingConfig struct {
	FilePath  string `yaml:"file_path"`
	FileGroup string `yaml:"file_group"`
}

// TelegramConfig points at the control channel. User and chat allowlists
// come from the signed manifest, not from here.
type TelegramConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML config and the .env file if present. Secrets are taken
// from the environment only.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnv(&cfg)
	setDefaults(&cfg)

	if cfg.StateSecret == "" || cfg.LocalStateSecret == "" || cfg.ManifestSecret == "" {
		return nil, fmt.Errorf("config.Load: POLYEDGE_STATE_SECRET, POLYEDGE_LOCAL_STATE_SECRET and POLYEDGE_MANIFEST_SECRET must be set")
	}
	return &cfg, nil
}

// RequestTimeout returns the per-call venue timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Venue.RequestTimeout) * time.Second
}

func applyEnv(cfg *Config) {
	cfg.StateSecret = os.Getenv("POLYEDGE_STATE_SECRET")
	cfg.LocalStateSecret = os.Getenv("POLYEDGE_LOCAL_STATE_SECRET")
	cfg.ManifestSecret = os.Getenv("POLYEDGE_MANIFEST_SECRET")
	cfg.TOTPSecret = os.Getenv("POLYEDGE_TOTP_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Venue.RESTBase == "" {
		cfg.Venue.RESTBase = "https://clob.polymarket.com"
	}
	if cfg.Venue.WSURL == "" {
		cfg.Venue.WSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.Venue.RequestTimeout <= 0 {
		cfg.Venue.RequestTimeout = 10
	}
	if cfg.Venue.RateLimitRPS <= 0 {
		cfg.Venue.RateLimitRPS = 5
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyedge.db"
	}
	if cfg.Storage.WALPath == "" {
		cfg.Storage.WALPath = "data/polyedge.wal"
	}
	if cfg.Trading.FeeRateBpsDefault <= 0 {
		cfg.Trading.FeeRateBpsDefault = 0
	}
	if cfg.Trading.ManifestPath == "" {
		cfg.Trading.ManifestPath = "config/manifest.json"
	}
	if cfg.Arming.FilePath == "" {
		cfg.Arming.FilePath = "/var/run/polyedge/armed"
	}
	if cfg.Arming.FileGroup == "" {
		cfg.Arming.FileGroup = "polyedge"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
