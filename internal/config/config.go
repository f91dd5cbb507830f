package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "RELAY"

	DefaultPresenceTTL       = 90 * time.Second
	DefaultPresenceRefresh   = 30 * time.Second
	DefaultPositionTTL       = 2 * time.Minute
	DefaultDirectoryCacheTTL = time.Minute
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NodeId            string
	PresenceTTL       time.Duration
	PresenceRefresh   time.Duration
	PositionTTL       time.Duration
	ReconnectGrace    time.Duration
	DirectoryCacheTTL time.Duration

	LogLevel string
	LogJSON  bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:       databaseDSN,
		ServerAddr:        serverAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		PresenceTTL:       DefaultPresenceTTL,
		PresenceRefresh:   DefaultPresenceRefresh,
		PositionTTL:       DefaultPositionTTL,
		DirectoryCacheTTL: DefaultDirectoryCacheTTL,
		LogLevel:          "info",
	}, nil
}

// Validate checks the relationships between the timing settings.
func (c *Config) Validate() error {
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence ttl must be positive")
	}
	if c.PresenceRefresh <= 0 || c.PresenceRefresh >= c.PresenceTTL {
		return fmt.Errorf("presence refresh must be positive and shorter than the presence ttl")
	}
	if c.PositionTTL <= 0 {
		return fmt.Errorf("position ttl must be positive")
	}
	if c.ReconnectGrace < 0 {
		return fmt.Errorf("reconnect grace cannot be negative")
	}
	if c.DirectoryCacheTTL <= 0 {
		return fmt.Errorf("directory cache ttl must be positive")
	}
	return nil
}

// flagKeys maps viper keys to their command line flags.
var flagKeys = map[string]string{
	"addr":                "addr",
	"database_dsn":        "dsn",
	"signing_key":         "signing-key",
	"allowed_origins":     "allowed-origins",
	"redis_addr":          "redis-addr",
	"redis_password":      "redis-password",
	"redis_db":            "redis-db",
	"node_id":             "node-id",
	"presence_ttl":        "presence-ttl",
	"presence_refresh":    "presence-refresh",
	"position_ttl":        "position-ttl",
	"reconnect_grace":     "reconnect-grace",
	"directory_cache_ttl": "directory-cache-ttl",
	"log_level":           "log-level",
	"log_json":            "log-json",
	"config":              "config",
}

func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", "localhost:8000", "server address")
	fs.String("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	fs.String("signing-key", "", "base64 encoded signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.String("redis-addr", "", "redis address, empty for the in-process store")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database number")
	fs.String("node-id", "", "identifier of this process, generated when empty")
	fs.Duration("presence-ttl", DefaultPresenceTTL, "expiry of presence entries in the shared store")
	fs.Duration("presence-refresh", DefaultPresenceRefresh, "interval between presence ttl refreshes")
	fs.Duration("position-ttl", DefaultPositionTTL, "expiry of document positions")
	fs.Duration("reconnect-grace", 0, "delay before broadcasting a member offline")
	fs.Duration("directory-cache-ttl", DefaultDirectoryCacheTTL, "expiry of cached class and document lookups")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-json", false, "emit JSON logs instead of console output")
	fs.String("config", "", "optional config file")
}

// Load resolves configuration from flags, RELAY_* environment variables and
// an optional config file, in that order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, name := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", file, err)
		}
	}

	cfg, err := NewConfig(
		v.GetString("addr"),
		v.GetString("database_dsn"),
		v.GetString("signing_key"),
		v.GetStringSlice("allowed_origins"),
	)
	if err != nil {
		return nil, err
	}

	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.RedisPassword = v.GetString("redis_password")
	cfg.RedisDB = v.GetInt("redis_db")
	cfg.NodeId = v.GetString("node_id")
	cfg.PresenceTTL = v.GetDuration("presence_ttl")
	cfg.PresenceRefresh = v.GetDuration("presence_refresh")
	cfg.PositionTTL = v.GetDuration("position_ttl")
	cfg.ReconnectGrace = v.GetDuration("reconnect_grace")
	cfg.DirectoryCacheTTL = v.GetDuration("directory_cache_ttl")
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogJSON = v.GetBool("log_json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
