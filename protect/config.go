package protect

import (
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/flashbots/swap-protect-node/svcerr"
	"github.com/shopspring/decimal"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	// exponential delays stop growing at this multiple of RetryDelay
	maxBackoffFactor = 10
)

// BundleConfig controls how a single bundle is submitted, it is stored with the bundle
// so a retry can reuse it.
type BundleConfig struct {
	MaxRetries   int           `json:"maxRetries" default:"3" validate:"min=1,max=10"`
	RetryDelay   time.Duration `json:"retryDelay" default:"2s"`
	RetryBackoff string        `json:"retryBackoff" default:"fixed" validate:"oneof=fixed exponential"`

	// EnableFallback trades protection for execution certainty once all retries failed
	EnableFallback bool `json:"enableFallback"`

	// FallbackGasPrice in wei, empty uses the current network gas price
	FallbackGasPrice string `json:"fallbackGasPrice" validate:"omitempty,numeric"`

	// FallbackSlippage in percent, at least 0 and below 100
	FallbackSlippage  string `json:"fallbackSlippage" default:"3" validate:"numeric"`
	TargetBlockOffset uint64 `json:"targetBlockOffset" default:"1" validate:"min=1,max=25"`
}

// ConfigOverride is merged over a stored BundleConfig, nil fields keep the stored value
type ConfigOverride struct {
	MaxRetries        *int           `json:"maxRetries,omitempty"`
	RetryDelay        *time.Duration `json:"retryDelay,omitempty"`
	RetryBackoff      *string        `json:"retryBackoff,omitempty"`
	EnableFallback    *bool          `json:"enableFallback,omitempty"`
	FallbackGasPrice  *string        `json:"fallbackGasPrice,omitempty"`
	FallbackSlippage  *string        `json:"fallbackSlippage,omitempty"`
	TargetBlockOffset *uint64        `json:"targetBlockOffset,omitempty"`
}

func (c BundleConfig) Merge(o *ConfigOverride) BundleConfig {
	if o == nil {
		return c
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelay != nil {
		c.RetryDelay = *o.RetryDelay
	}
	if o.RetryBackoff != nil {
		c.RetryBackoff = *o.RetryBackoff
	}
	if o.EnableFallback != nil {
		c.EnableFallback = *o.EnableFallback
	}
	if o.FallbackGasPrice != nil {
		c.FallbackGasPrice = *o.FallbackGasPrice
	}
	if o.FallbackSlippage != nil {
		c.FallbackSlippage = *o.FallbackSlippage
	}
	if o.TargetBlockOffset != nil {
		c.TargetBlockOffset = *o.TargetBlockOffset
	}
	return c
}

func (c BundleConfig) fallbackSlippage() decimal.Decimal {
	v, err := decimal.NewFromString(c.FallbackSlippage)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func (c BundleConfig) fallbackGasPrice() (decimal.Decimal, bool) {
	if c.FallbackGasPrice == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(c.FallbackGasPrice)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

type Config struct {
	// Bundle holds defaults for bundles created without an explicit config
	Bundle BundleConfig

	// SimulationRateLimit calls per second for the public simulate and estimate methods
	SimulationRateLimit float64 `default:"5"`
	SimulationBurst     int     `default:"10"`

	// TrackInclusion pushes submitted bundles to the inclusion tracker
	TrackInclusion bool `default:"true"`

	// RequireSignature rejects API requests without a signature header
	RequireSignature bool
}

func DefaultConfig() Config {
	var config Config
	_ = defaults.Set(&config)
	return config
}

// ConfigFromEnv loads `protect` config from environment.
// - `PROTECT_MAX_RETRIES`
// - `PROTECT_RETRY_DELAY_MS`
// - `PROTECT_RETRY_BACKOFF`
// - `PROTECT_ENABLE_FALLBACK`
// - `PROTECT_FALLBACK_GAS_PRICE`
// - `PROTECT_FALLBACK_SLIPPAGE`
// - `PROTECT_TARGET_BLOCK_OFFSET`
// - `PROTECT_REQUIRE_SIGNATURE`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()

	if val := os.Getenv("PROTECT_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.Bundle.MaxRetries = maxRetries
	}
	if val := os.Getenv("PROTECT_RETRY_DELAY_MS"); val != "" {
		retryDelayMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.Bundle.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	}
	if val := os.Getenv("PROTECT_RETRY_BACKOFF"); val != "" {
		config.Bundle.RetryBackoff = val
	}
	if val := os.Getenv("PROTECT_ENABLE_FALLBACK"); val != "" {
		enable, err := strconv.ParseBool(val)
		if err != nil {
			return config, err
		}
		config.Bundle.EnableFallback = enable
	}
	if val := os.Getenv("PROTECT_FALLBACK_GAS_PRICE"); val != "" {
		config.Bundle.FallbackGasPrice = val
	}
	if val := os.Getenv("PROTECT_FALLBACK_SLIPPAGE"); val != "" {
		config.Bundle.FallbackSlippage = val
	}
	if val := os.Getenv("PROTECT_TARGET_BLOCK_OFFSET"); val != "" {
		offset, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.Bundle.TargetBlockOffset = offset
	}
	if val := os.Getenv("PROTECT_REQUIRE_SIGNATURE"); val != "" {
		require, err := strconv.ParseBool(val)
		if err != nil {
			return config, err
		}
		config.RequireSignature = require
	}

	if violations := validateConfig(config.Bundle); len(violations) > 0 {
		return config, svcerr.ValidationList(violations)
	}
	return config, nil
}
