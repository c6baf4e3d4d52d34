// Package config loads the environment-driven configuration for the
// backend. Every option has a production default so an empty
// environment yields a runnable (single-node, insecure-dev) process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Dependency names recognized by the resilience fabric env blocks.
const (
	DepIdentity     = "IDENTITY"
	DepNotification = "NOTIFICATION"
	DepBuddy        = "BUDDY"
)

// Config is the full backend configuration tree.
type Config struct {
	ListenAddr  string
	RedisAddr   string
	RedisDB     int
	PostgresURL string

	Auth         Auth
	Presence     Presence
	Timer        Timer
	Partnership  Partnership
	RateLimits   RateLimits
	Dependencies map[string]Dependency
}

// Auth configures the auth gateway.
type Auth struct {
	JWKSURL      string
	Issuer       string
	ClockSkew    time.Duration
	LegacySecret string
	// JWKS cache TTLs per the gateway contract.
	KeyTTL         time.Duration
	NegativeKeyTTL time.Duration
	VerdictTTLCap  time.Duration
}

// Presence configures the presence core.
type Presence struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	OfflineGrace      time.Duration
	Retention         time.Duration
	SweepInterval     time.Duration
}

// Timer configures the timer core.
type Timer struct {
	MaxDuration       time.Duration
	ReconcileInterval time.Duration
}

// Partnership configures the partnership engine.
type Partnership struct {
	PendingTTL      time.Duration
	CheckinGapSlack time.Duration
	Timezone        string
}

// RateLimits are per-hour request budgets by caller class.
type RateLimits struct {
	Public        int
	Authenticated int
	Admin         int
}

// Dependency is one resilience-fabric profile, overridable via
// CB_<DEP>_*, RETRY_<DEP>_*, BH_<DEP>_*, TL_<DEP>_* and RL_<DEP>_*.
type Dependency struct {
	Name string

	WindowSize     int
	FailureRate    float64
	SlowRate       float64
	SlowCallAfter  time.Duration
	OpenWait       time.Duration
	HalfOpenProbes int

	RetryAttempts int
	RetryBase     time.Duration
	RetryJitter   float64

	MaxConcurrent int
	Timeout       time.Duration

	RatePerSec float64
	RateBurst  int
}

// Load reads the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getString("LISTEN_ADDR", ":8080"),
		RedisAddr:   getString("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getInt("REDIS_DB", 0),
		PostgresURL: getString("POSTGRES_URL", ""),
		Auth: Auth{
			JWKSURL:        getString("JWKS_URL", ""),
			Issuer:         getString("JWT_ISSUER", "focushive-identity"),
			ClockSkew:      getSeconds("JWT_CLOCK_SKEW_SEC", 30),
			LegacySecret:   getString("JWT_LEGACY_SECRET", ""),
			KeyTTL:         time.Hour,
			NegativeKeyTTL: time.Minute,
			VerdictTTLCap:  5 * time.Minute,
		},
		Presence: Presence{
			HeartbeatInterval: getSeconds("PRESENCE_HEARTBEAT_SEC", 30),
			StaleAfter:        getSeconds("PRESENCE_STALE_SEC", 60),
			OfflineGrace:      getSeconds("PRESENCE_GRACE_SEC", 30),
			Retention:         getHours("PRESENCE_RETENTION_HOURS", 24),
			SweepInterval:     10 * time.Second,
		},
		Timer: Timer{
			MaxDuration:       getSeconds("TIMER_MAX_DURATION_SEC", 4*3600),
			ReconcileInterval: getSeconds("TIMER_RECONCILE_INTERVAL_SEC", 60),
		},
		Partnership: Partnership{
			PendingTTL:      getHours("PARTNERSHIP_PENDING_TTL_HOURS", 72),
			CheckinGapSlack: getHours("CHECKIN_GAP_TOLERANCE_HOURS", 0),
			Timezone:        getString("PARTNERSHIP_TIMEZONE", "UTC"),
		},
		RateLimits: RateLimits{
			Public:        getInt("RATE_LIMIT_PUBLIC", 1000),
			Authenticated: getInt("RATE_LIMIT_AUTHENTICATED", 10000),
			Admin:         getInt("RATE_LIMIT_ADMIN", 100000),
		},
		Dependencies: map[string]Dependency{
			DepIdentity:     loadDependency(DepIdentity, 5*time.Second),
			DepNotification: loadDependency(DepNotification, 10*time.Second),
			DepBuddy:        loadDependency(DepBuddy, 5*time.Second),
		},
	}

	if cfg.Presence.StaleAfter <= 0 || cfg.Presence.OfflineGrace < 0 {
		return nil, fmt.Errorf("config: presence intervals must be positive")
	}
	if cfg.Timer.MaxDuration <= 0 {
		return nil, fmt.Errorf("config: TIMER_MAX_DURATION_SEC must be positive")
	}
	if _, err := time.LoadLocation(cfg.Partnership.Timezone); err != nil {
		return nil, fmt.Errorf("config: PARTNERSHIP_TIMEZONE: %w", err)
	}
	return cfg, nil
}

func loadDependency(dep string, timeout time.Duration) Dependency {
	return Dependency{
		Name:           strings.ToLower(dep),
		WindowSize:     getInt("CB_"+dep+"_WINDOW", 10),
		FailureRate:    getFloat("CB_"+dep+"_FAILURE_RATE", 0.5),
		SlowRate:       getFloat("CB_"+dep+"_SLOW_RATE", 0.8),
		SlowCallAfter:  getSeconds("CB_"+dep+"_SLOW_CALL_SEC", 2),
		OpenWait:       getSeconds("CB_"+dep+"_OPEN_WAIT_SEC", 5),
		HalfOpenProbes: getInt("CB_"+dep+"_HALF_OPEN_PROBES", 3),
		RetryAttempts:  getInt("RETRY_"+dep+"_ATTEMPTS", 3),
		RetryBase:      getSeconds("RETRY_"+dep+"_BASE_SEC", 1),
		RetryJitter:    getFloat("RETRY_"+dep+"_JITTER", 0.2),
		MaxConcurrent:  getInt("BH_"+dep+"_MAX_CONCURRENT", 25),
		Timeout:        getDuration("TL_"+dep+"_TIMEOUT_SEC", timeout),
		RatePerSec:     getFloat("RL_"+dep+"_PER_SEC", 100),
		RateBurst:      getInt("RL_"+dep+"_BURST", 50),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getSeconds(key string, defSec int) time.Duration {
	return time.Duration(getInt(key, defSec)) * time.Second
}

func getHours(key string, defHours int) time.Duration {
	return time.Duration(getInt(key, defHours)) * time.Hour
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
