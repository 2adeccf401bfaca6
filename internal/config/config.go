// Package config loads server settings from defaults, an optional YAML file,
// ROOMSYNC_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ROOMSYNC"

const (
	KeyAddr              = "addr"
	KeyGRPCAddr          = "grpc_addr"
	KeyDBPath            = "db_path"
	KeyLobby             = "lobby"
	KeyMailboxSize       = "mailbox_size"
	KeyOutboundSize      = "outbound_size"
	KeyMaxMessageSize    = "max_message_size"
	KeyRateLimit         = "rate_limit"
	KeyRateBurst         = "rate_burst"
	KeyRateViolationsMax = "rate_violations_max"
	KeyPingPeriod        = "ping_period"
	KeyPongWait          = "pong_wait"
	KeyWriteWait         = "write_wait"
	KeyStatsInterval     = "stats_interval"
	KeyLogLevel          = "log_level"
	KeyLogDevelopment    = "log_development"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	DBPath   string `mapstructure:"db_path"`
	Lobby    string `mapstructure:"lobby"`

	MailboxSize    int   `mapstructure:"mailbox_size"`
	OutboundSize   int   `mapstructure:"outbound_size"`
	MaxMessageSize int64 `mapstructure:"max_message_size"`

	RateLimit         float64 `mapstructure:"rate_limit"`
	RateBurst         int     `mapstructure:"rate_burst"`
	RateViolationsMax int     `mapstructure:"rate_violations_max"`

	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`

	StatsInterval time.Duration `mapstructure:"stats_interval"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

var defaults = map[string]any{
	KeyAddr:              ":3001",
	KeyGRPCAddr:          ":3002",
	KeyDBPath:            "./data/roomsync.db",
	KeyLobby:             "lobby",
	KeyMailboxSize:       128,
	KeyOutboundSize:      64,
	KeyMaxMessageSize:    16 << 20,
	KeyRateLimit:         100.0,
	KeyRateBurst:         200,
	KeyRateViolationsMax: 1000,
	KeyPingPeriod:        54 * time.Second,
	KeyPongWait:          60 * time.Second,
	KeyWriteWait:         10 * time.Second,
	KeyStatsInterval:     time.Minute,
	KeyLogLevel:          "info",
	KeyLogDevelopment:    false,
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Flags registers one flag per key. Flag names use dashes.
func Flags(fs *pflag.FlagSet) {
	fs.String(flagName(KeyAddr), ":3001", "HTTP and websocket listen address")
	fs.String(flagName(KeyGRPCAddr), ":3002", "gRPC listen address, empty disables gRPC")
	fs.String(flagName(KeyDBPath), "./data/roomsync.db", "sqlite room catalog path, empty disables the catalog")
	fs.String(flagName(KeyLobby), "lobby", "name of the room created at startup")
	fs.Int(flagName(KeyMailboxSize), 128, "commands queued per room")
	fs.Int(flagName(KeyOutboundSize), 64, "messages queued per peer before broadcasts are dropped")
	fs.Int64(flagName(KeyMaxMessageSize), 16<<20, "largest inbound frame in bytes")
	fs.Float64(flagName(KeyRateLimit), 100, "inbound frames per second per peer")
	fs.Int(flagName(KeyRateBurst), 200, "inbound frame burst per peer")
	fs.Int(flagName(KeyRateViolationsMax), 1000, "rate limit violations before a peer is disconnected")
	fs.Duration(flagName(KeyPingPeriod), 54*time.Second, "websocket ping interval")
	fs.Duration(flagName(KeyPongWait), 60*time.Second, "websocket pong deadline, 0 disables keepalive")
	fs.Duration(flagName(KeyWriteWait), 10*time.Second, "websocket write deadline")
	fs.Duration(flagName(KeyStatsInterval), time.Minute, "room catalog sampling interval")
	fs.String(flagName(KeyLogLevel), "info", "log level (debug, info, warn, error)")
	fs.Bool(flagName(KeyLogDevelopment), false, "human readable development logging")
}

// BindFlags makes explicitly set flags override every other source.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key := range defaults {
		f := fs.Lookup(flagName(key))
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	}
	return nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Load reads the optional config file and returns the validated settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Addr != "", "%s is required", KeyAddr)
	check(c.Lobby != "", "%s is required", KeyLobby)
	check(c.MailboxSize > 0, "%s must be positive, got %d", KeyMailboxSize, c.MailboxSize)
	check(c.OutboundSize > 0, "%s must be positive, got %d", KeyOutboundSize, c.OutboundSize)
	check(c.MaxMessageSize > 0, "%s must be positive, got %d", KeyMaxMessageSize, c.MaxMessageSize)
	check(c.RateLimit > 0, "%s must be positive, got %v", KeyRateLimit, c.RateLimit)
	check(c.RateBurst > 0, "%s must be positive, got %d", KeyRateBurst, c.RateBurst)
	check(c.RateViolationsMax > 0, "%s must be positive, got %d", KeyRateViolationsMax, c.RateViolationsMax)
	check(c.PongWait >= 0, "%s must not be negative", KeyPongWait)
	if c.PongWait > 0 {
		check(c.PingPeriod > 0 && c.PingPeriod < c.PongWait,
			"%s (%v) must be positive and shorter than %s (%v)", KeyPingPeriod, c.PingPeriod, KeyPongWait, c.PongWait)
	}
	check(c.WriteWait > 0, "%s must be positive", KeyWriteWait)
	check(c.StatsInterval > 0, "%s must be positive", KeyStatsInterval)

	return errors.Join(errs...)
}
