// Package config centralizes the engine's tunable intervals, timeouts,
// backoff parameters, and disconnect-reason classification. The Policy
// values are the fixed conservative defaults from Default(); only the
// process Env (paths, log level, database DSN, port) is read from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Policy holds every interval, timeout, and threshold the engine consults.
type Policy struct {
	InitTimeout       time.Duration
	LoadingTimeout    time.Duration
	PromotionPoll     time.Duration
	PromotionMaxPolls int

	HeartbeatInterval      time.Duration
	StateCheckTimeout      time.Duration
	MaxConsecutiveFailures int
	MaxContextErrors       int

	DeepCheckInterval time.Duration
	DeepCheckTimeout  time.Duration

	PingTimeoutThreshold  time.Duration
	RecoveryCheckInterval time.Duration

	ZombieThreshold     time.Duration
	StuckThreshold      time.Duration // same as LoadingTimeout, kept distinct for clarity at call sites
	InactivityThreshold time.Duration
	MemoryCheckInterval time.Duration

	DestroyTimeout time.Duration

	ImmediateBase           time.Duration
	ImmediateStepPerAttempt time.Duration
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	JitterMax               time.Duration
	MaxReconnectAttempts    int
	ReconnectResetAfter     time.Duration

	MaxQueueSize        int
	MessageTTL          time.Duration
	MaxSendRetries      int
	DrainStabilizeDelay time.Duration
	DrainPacing         time.Duration

	RehydrateStagger time.Duration

	GracefulShutdownTimeout time.Duration
}

// ImmediateReasons triggers a short, attempt-scaled delay instead of
// exponential backoff: the underlying cause is expected to clear quickly
// or not at all.
var ImmediateReasons = map[string]bool{
	"CONFLICT":      true,
	"UNPAIRED":      true,
	"NAVIGATION":    true,
	"TIMEOUT":       true,
	"NETWORK_ERROR": true,
}

// NoReconnectReasons permanently disable reconnection and flip intent
// (enabled=false) in the metadata store.
var NoReconnectReasons = map[string]bool{
	"LOGOUT":        true,
	"TOS_BLOCK":     true,
	"SMB_TOS_BLOCK": true,
	"BANNED":        true,
}

// Default returns the conservative policy set.
func Default() Policy {
	return Policy{
		InitTimeout:       180 * time.Second,
		LoadingTimeout:    300 * time.Second,
		PromotionPoll:     15 * time.Second,
		PromotionMaxPolls: 10,

		HeartbeatInterval:      180 * time.Second,
		StateCheckTimeout:      15 * time.Second,
		MaxConsecutiveFailures: 10,
		MaxContextErrors:       15,

		DeepCheckInterval: 30 * time.Minute,
		DeepCheckTimeout:  20 * time.Second,

		PingTimeoutThreshold:  600 * time.Second,
		RecoveryCheckInterval: 60 * time.Second,

		ZombieThreshold:     1800 * time.Second,
		StuckThreshold:      300 * time.Second,
		InactivityThreshold: 900 * time.Second,
		MemoryCheckInterval: 900 * time.Second,

		DestroyTimeout: 10 * time.Second,

		ImmediateBase:           3 * time.Second,
		ImmediateStepPerAttempt: 1500 * time.Millisecond,
		BaseDelay:               5 * time.Second,
		MaxDelay:                300 * time.Second,
		JitterMax:               3 * time.Second,
		MaxReconnectAttempts:    20,
		ReconnectResetAfter:     30 * time.Minute,

		MaxQueueSize:        100,
		MessageTTL:          5 * time.Minute,
		MaxSendRetries:      3,
		DrainStabilizeDelay: 2 * time.Second,
		DrainPacing:         500 * time.Millisecond,

		RehydrateStagger: 2 * time.Second,

		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Env holds the process-wide environment configuration.
type Env struct {
	SessionStoragePath string
	CachePath          string
	LogLevel           string
	DatabaseDSN        string
	Port               int
}

// FromEnviron reads Env from the process environment, falling back to
// sane defaults so the engine can boot in a bare dev environment.
func FromEnviron() Env {
	return Env{
		SessionStoragePath: getenv("SESSION_STORAGE_PATH", "./data/sessions"),
		CachePath:          getenv("CACHE_PATH", "./data/cache"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		DatabaseDSN:        getenv("DATABASE_DSN", "file:./data/gateway.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&cache=shared&mode=rwc"),
		Port:               getenvInt("PORT", 8080),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
