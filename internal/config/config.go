// Package config loads the §6 "Recognized configuration" into a typed,
// validated struct. Loading itself (env vars, optional .env file) is the
// one ambient concern the engine keeps even though configuration loading
// proper is named as an external collaborator in spec §1 — something has
// to produce this struct for the engine to consume.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DecoySelectionAlgorithm names one of the three decoy-age distributions.
type DecoySelectionAlgorithm string

const (
	DecoyUniform    DecoySelectionAlgorithm = "uniform"
	DecoyTriangular DecoySelectionAlgorithm = "triangular"
	DecoyGamma      DecoySelectionAlgorithm = "gamma"
)

// RingConfig holds the ring-signature/stealth engine's recognized settings.
type RingConfig struct {
	MinRingSize             int
	RingSize                int
	MaxRingSize             int
	DecoySelectionAlgorithm DecoySelectionAlgorithm
	MinimumAge              int64
	MaximumAge              int64
	StealthAddresses        bool
	ConfidentialTransactions bool
}

// CoinJoinConfig holds the CoinJoin session engine's recognized settings.
type CoinJoinConfig struct {
	MinParticipants       int
	MaxParticipants       int
	RegistrationTimeout   time.Duration
	SigningTimeout        time.Duration
	BroadcastTimeout      time.Duration
	CoordinatorFeeBps     int64 // basis points of denomination
	NetworkFeeBps         int64
	MaxFailedAttempts     int
	BanDuration           time.Duration
}

// SchedulerConfig holds the scheduler's recognized settings.
type SchedulerConfig struct {
	MinDelay                time.Duration
	MaxDelay                time.Duration
	MaxConcurrentOperations int
	ScheduleCheckInterval   time.Duration
	MaxRetryAttempts        int
	RetryBackoffMultiplier  float64
	OperationTTL            time.Duration
}

// Config is the full set of values spec §6 names as "recognized configuration".
type Config struct {
	Ring      RingConfig
	CoinJoin  CoinJoinConfig
	Scheduler SchedulerConfig
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		Ring: RingConfig{
			MinRingSize:              7,
			RingSize:                 11,
			MaxRingSize:              64,
			DecoySelectionAlgorithm:  DecoyTriangular,
			MinimumAge:               10,
			MaximumAge:               1_000_000,
			StealthAddresses:         true,
			ConfidentialTransactions: false,
		},
		CoinJoin: CoinJoinConfig{
			MinParticipants:     3,
			MaxParticipants:     50,
			RegistrationTimeout: 2 * time.Minute,
			SigningTimeout:      90 * time.Second,
			BroadcastTimeout:    5 * time.Minute,
			CoordinatorFeeBps:   30,
			NetworkFeeBps:       20,
			MaxFailedAttempts:   3,
			BanDuration:         24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MinDelay:                10 * time.Second,
			MaxDelay:                72 * time.Hour,
			MaxConcurrentOperations: 100,
			ScheduleCheckInterval:   30 * time.Second,
			MaxRetryAttempts:        5,
			RetryBackoffMultiplier:  2.0,
			OperationTTL:            7 * 24 * time.Hour,
		},
	}
}

// LoadFromEnv loads a .env file if present (mirroring the teacher's
// cmd/engine/main.go .env workflow comment, here actually wired) and
// overlays any recognized environment variables onto the defaults.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := Default()

	if v := os.Getenv("RING_MIN_RING_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RING_MIN_RING_SIZE: %w", err)
		}
		cfg.Ring.MinRingSize = n
	}
	if v := os.Getenv("RING_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RING_SIZE: %w", err)
		}
		cfg.Ring.RingSize = n
	}
	if v := os.Getenv("DECOY_SELECTION_ALGORITHM"); v != "" {
		cfg.Ring.DecoySelectionAlgorithm = DecoySelectionAlgorithm(v)
	}
	if v := os.Getenv("SCHEDULER_MAX_CONCURRENT_OPERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SCHEDULER_MAX_CONCURRENT_OPERATIONS: %w", err)
		}
		cfg.Scheduler.MaxConcurrentOperations = n
	}
	if v := os.Getenv("COINJOIN_MIN_PARTICIPANTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("COINJOIN_MIN_PARTICIPANTS: %w", err)
		}
		cfg.CoinJoin.MinParticipants = n
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the bounds spec §6 documents (min_ring_size >= 3, etc).
func (c Config) Validate() error {
	if c.Ring.MinRingSize < 3 {
		return fmt.Errorf("min_ring_size must be >= 3, got %d", c.Ring.MinRingSize)
	}
	if c.Ring.RingSize < c.Ring.MinRingSize {
		return fmt.Errorf("ring_size (%d) must be >= min_ring_size (%d)", c.Ring.RingSize, c.Ring.MinRingSize)
	}
	if c.Ring.MaxRingSize < c.Ring.RingSize {
		return fmt.Errorf("max_ring_size (%d) must be >= ring_size (%d)", c.Ring.MaxRingSize, c.Ring.RingSize)
	}
	switch c.Ring.DecoySelectionAlgorithm {
	case DecoyUniform, DecoyTriangular, DecoyGamma:
	default:
		return fmt.Errorf("unknown decoy_selection_algorithm: %s", c.Ring.DecoySelectionAlgorithm)
	}
	if c.CoinJoin.MinParticipants < 2 {
		return fmt.Errorf("coinjoin min_participants must be >= 2, got %d", c.CoinJoin.MinParticipants)
	}
	if c.CoinJoin.MaxParticipants < c.CoinJoin.MinParticipants {
		return fmt.Errorf("coinjoin max_participants must be >= min_participants")
	}
	if c.Scheduler.MaxRetryAttempts < 0 {
		return fmt.Errorf("scheduler max_retry_attempts must be >= 0")
	}
	if c.Scheduler.RetryBackoffMultiplier <= 1.0 {
		return fmt.Errorf("scheduler retry_backoff_multiplier must be > 1.0")
	}
	return nil
}
