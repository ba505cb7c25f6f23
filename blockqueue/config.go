package blockqueue

import (
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
)

type Config struct {
	// MaxRetries bounds how many times one item is requeued
	MaxRetries     uint16        `default:"64"`
	MaxQueuedItems uint64        `default:"4096"`
	WorkerTimeout  time.Duration `default:"4s"`
}

func DefaultConfig() Config {
	var config Config
	_ = defaults.Set(&config)
	return config
}

// ConfigFromEnv loads `blockqueue` config from environment.
// - `BLOCKQUEUE_MAX_RETRIES`
// - `BLOCKQUEUE_MAX_QUEUED_ITEMS`
// - `BLOCKQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()

	if val := os.Getenv("BLOCKQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("BLOCKQUEUE_MAX_QUEUED_ITEMS"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItems = maxQueuedItems
	}
	if val := os.Getenv("BLOCKQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}

	return config, nil
}
