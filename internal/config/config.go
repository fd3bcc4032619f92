// Package config loads control-plane configuration from the environment.
//
// Priority: ENV vars > .env file > defaults. Every role reads the same
// struct; roles simply ignore the knobs that do not apply to them.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the coordination core.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Coordination store location
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Gateway
	GatewayPort    int   `env:"GATEWAY_PORT" envDefault:"3002"`
	HelloTimeoutMS int64 `env:"HELLO_TIMEOUT_MS" envDefault:"10000"`

	// Matchmaking
	PlayersPerGame        int   `env:"PLAYERS_PER_GAME" envDefault:"100"`
	MaxPullMultiplier     int   `env:"MAX_PULL_MULTIPLIER" envDefault:"4"`
	MatchMinSeconds       int   `env:"MATCH_MIN_SECONDS" envDefault:"30"`
	MatchMaxSeconds       int   `env:"MATCH_MAX_SECONDS" envDefault:"300"`
	MatchmakerIdleMS      int64 `env:"MATCHMAKER_IDLE_MS" envDefault:"250"`
	MatchmakerNoCapMS     int64 `env:"MATCHMAKER_NO_CAPACITY_MS" envDefault:"500"`
	MatchmakerLockTTLMS   int64 `env:"MATCHMAKER_LOCK_TTL_MS" envDefault:"5000"`

	// Session runner
	SessionID       string `env:"SESSION_ID" envDefault:""`
	SessionPollMS   int64  `env:"SESSION_POLL_MS" envDefault:"500"`
	SessionMaxSlots int    `env:"SESSION_MAX_SLOTS" envDefault:"5"`
	FinishLockTTLMS int64  `env:"FINISH_LOCK_TTL_MS" envDefault:"5000"`

	// Reaper
	ReaperPeriodMS   int64 `env:"REAPER_PERIOD_MS" envDefault:"5000"`
	StaleMS          int64 `env:"STALE_MS" envDefault:"30000"`
	PlayerTTLSeconds int64 `env:"PLAYER_TTL_S" envDefault:"600"`
	ReaperSkipInGame bool  `env:"REAPER_SKIP_IN_GAME" envDefault:"false"`

	// Capacity provider
	MinSessions         int     `env:"MIN_SESSIONS" envDefault:"1"`
	MaxSessions         int     `env:"MAX_SESSIONS" envDefault:"10"`
	ScaleUpThreshold    float64 `env:"SCALE_UP_THRESHOLD" envDefault:"0.8"`
	ScaleDownThreshold  float64 `env:"SCALE_DOWN_THRESHOLD" envDefault:"0.3"`
	ScaleUpCooldownMS   int64   `env:"SCALE_UP_COOLDOWN_MS" envDefault:"30000"`
	ScaleDownCooldownMS int64   `env:"SCALE_DOWN_COOLDOWN_MS" envDefault:"300000"`
	ScaleUpBatch        int     `env:"SCALE_UP_BATCH" envDefault:"5"`
	ScaleDownBatch      int     `env:"SCALE_DOWN_BATCH" envDefault:"3"`
	CapacityPollMS      int64   `env:"CAPACITY_POLL_MS" envDefault:"5000"`
	CorrectAfterMS      int64   `env:"CAPACITY_CORRECT_AFTER_MS" envDefault:"15000"`

	// Gateway admission control
	MaxConnections     int     `env:"GW_MAX_CONNECTIONS" envDefault:"10000"`
	ConnRateIPBurst    int     `env:"GW_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec   float64 `env:"GW_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateBurst      int     `env:"GW_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRatePerSec     float64 `env:"GW_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	MsgRateBurst       int     `env:"GW_MSG_RATE_BURST" envDefault:"20"`
	MsgRatePerSec      float64 `env:"GW_MSG_RATE_PER_SEC" envDefault:"5.0"`
	CPURejectThreshold float64 `env:"GW_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Admin listener (health + metrics) for non-gateway roles.
	// Empty disables it.
	AdminAddr string `env:"ADMIN_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment
	// is the only source.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("REDIS_PORT must be 1-65535, got %d", c.RedisPort)
	}
	if c.GatewayPort < 1 || c.GatewayPort > 65535 {
		return fmt.Errorf("GATEWAY_PORT must be 1-65535, got %d", c.GatewayPort)
	}
	if c.PlayersPerGame < 1 {
		return fmt.Errorf("PLAYERS_PER_GAME must be > 0, got %d", c.PlayersPerGame)
	}
	if c.MaxPullMultiplier < 1 {
		return fmt.Errorf("MAX_PULL_MULTIPLIER must be > 0, got %d", c.MaxPullMultiplier)
	}
	if c.MatchMinSeconds < 1 || c.MatchMaxSeconds < c.MatchMinSeconds {
		return fmt.Errorf("match duration window invalid: min=%d max=%d", c.MatchMinSeconds, c.MatchMaxSeconds)
	}
	if c.SessionMaxSlots < 1 {
		return fmt.Errorf("SESSION_MAX_SLOTS must be > 0, got %d", c.SessionMaxSlots)
	}
	if c.StaleMS < 1 {
		return fmt.Errorf("STALE_MS must be > 0, got %d", c.StaleMS)
	}
	if c.PlayerTTLSeconds < 1 {
		return fmt.Errorf("PLAYER_TTL_S must be > 0, got %d", c.PlayerTTLSeconds)
	}
	if c.MinSessions < 0 {
		return fmt.Errorf("MIN_SESSIONS must be >= 0, got %d", c.MinSessions)
	}
	if c.MaxSessions < c.MinSessions {
		return fmt.Errorf("MAX_SESSIONS (%d) must be >= MIN_SESSIONS (%d)", c.MaxSessions, c.MinSessions)
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		return fmt.Errorf("SCALE_UP_THRESHOLD must be in (0,1], got %.2f", c.ScaleUpThreshold)
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("SCALE_DOWN_THRESHOLD (%.2f) must be in [0, SCALE_UP_THRESHOLD)", c.ScaleDownThreshold)
	}
	if c.ScaleUpBatch < 1 || c.ScaleDownBatch < 1 {
		return fmt.Errorf("scale batches must be > 0, got up=%d down=%d", c.ScaleUpBatch, c.ScaleDownBatch)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// RedisAddr returns the host:port of the coordination store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// GatewayAddr returns the listen address of the gateway.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf(":%d", c.GatewayPort)
}

func (c *Config) HelloTimeout() time.Duration      { return time.Duration(c.HelloTimeoutMS) * time.Millisecond }
func (c *Config) MatchmakerIdle() time.Duration    { return time.Duration(c.MatchmakerIdleMS) * time.Millisecond }
func (c *Config) MatchmakerNoCap() time.Duration   { return time.Duration(c.MatchmakerNoCapMS) * time.Millisecond }
func (c *Config) MatchmakerLockTTL() time.Duration { return time.Duration(c.MatchmakerLockTTLMS) * time.Millisecond }
func (c *Config) SessionPoll() time.Duration       { return time.Duration(c.SessionPollMS) * time.Millisecond }
func (c *Config) FinishLockTTL() time.Duration     { return time.Duration(c.FinishLockTTLMS) * time.Millisecond }
func (c *Config) ReaperPeriod() time.Duration      { return time.Duration(c.ReaperPeriodMS) * time.Millisecond }
func (c *Config) StaleAfter() time.Duration        { return time.Duration(c.StaleMS) * time.Millisecond }
func (c *Config) PlayerTTL() time.Duration         { return time.Duration(c.PlayerTTLSeconds) * time.Second }
func (c *Config) ScaleUpCooldown() time.Duration   { return time.Duration(c.ScaleUpCooldownMS) * time.Millisecond }
func (c *Config) ScaleDownCooldown() time.Duration { return time.Duration(c.ScaleDownCooldownMS) * time.Millisecond }
func (c *Config) CapacityPoll() time.Duration      { return time.Duration(c.CapacityPollMS) * time.Millisecond }
func (c *Config) CorrectAfter() time.Duration      { return time.Duration(c.CorrectAfterMS) * time.Millisecond }

// MaxPull is the per-tick inspection bound of the batch collector.
func (c *Config) MaxPull() int { return c.MaxPullMultiplier * c.PlayersPerGame }

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("redis_addr", c.RedisAddr()).
		Int("gateway_port", c.GatewayPort).
		Int("players_per_game", c.PlayersPerGame).
		Int("max_pull_multiplier", c.MaxPullMultiplier).
		Int("match_min_seconds", c.MatchMinSeconds).
		Int("match_max_seconds", c.MatchMaxSeconds).
		Int("session_max_slots", c.SessionMaxSlots).
		Int64("stale_ms", c.StaleMS).
		Int64("player_ttl_s", c.PlayerTTLSeconds).
		Int("min_sessions", c.MinSessions).
		Int("max_sessions", c.MaxSessions).
		Float64("scale_up_threshold", c.ScaleUpThreshold).
		Float64("scale_down_threshold", c.ScaleDownThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
