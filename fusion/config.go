package fusion

import (
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/flashbots/swap-protect-node/svcerr"
)

type Config struct {
	// CheckInterval between escrow polls while waiting for readiness
	CheckInterval time.Duration `default:"5s" validate:"gt=0"`

	// MaxEscrowWaitTime is used when the caller gives no wait time and caps the ones given
	MaxEscrowWaitTime time.Duration `default:"5m" validate:"gt=0"`

	// PollTimeout bounds a single escrow status call
	PollTimeout time.Duration `default:"10s" validate:"gt=0"`

	// SecretSubmissionTimeout after which a submitted secret expires and a pending one fails
	SecretSubmissionTimeout time.Duration `default:"30m" validate:"gt=0"`

	// OrderCacheTime of coalesced order lookups
	OrderCacheTime time.Duration `default:"1m" validate:"gt=0"`

	// ReadinessCacheSize is the number of orders whose last readiness is remembered
	ReadinessCacheSize int `default:"10000" validate:"gt=0"`

	// RequireSignature rejects API requests without a signature header
	RequireSignature bool
}

func DefaultConfig() Config {
	var config Config
	_ = defaults.Set(&config)
	return config
}

func durationFromEnvMs(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// ConfigFromEnv loads `fusion` config from environment.
// - `FUSION_CHECK_INTERVAL_MS`
// - `FUSION_MAX_ESCROW_WAIT_MS`
// - `FUSION_POLL_TIMEOUT_MS`
// - `FUSION_SECRET_SUBMISSION_TIMEOUT_MS`
// - `FUSION_REQUIRE_SIGNATURE`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	for name, dst := range map[string]*time.Duration{
		"FUSION_CHECK_INTERVAL_MS":            &config.CheckInterval,
		"FUSION_MAX_ESCROW_WAIT_MS":           &config.MaxEscrowWaitTime,
		"FUSION_POLL_TIMEOUT_MS":              &config.PollTimeout,
		"FUSION_SECRET_SUBMISSION_TIMEOUT_MS": &config.SecretSubmissionTimeout,
	} {
		if err := durationFromEnvMs(name, dst); err != nil {
			return config, err
		}
	}
	if val := os.Getenv("FUSION_REQUIRE_SIGNATURE"); val != "" {
		require, err := strconv.ParseBool(val)
		if err != nil {
			return config, err
		}
		config.RequireSignature = require
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	if err := svcerr.NewValidator().Struct(c); err != nil {
		return svcerr.FromValidator(err)
	}
	return nil
}
