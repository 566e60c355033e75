package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

func SleepWithContext(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func Min[V int | int64](a V, b V) V {
	if a <= b {
		return a
	}
	return b
}

type Config struct {
	MaxNumRetries                int32
	InitialDelayBeforeRetrying   time.Duration
	MaxDelayBeforeRetrying       time.Duration
	ShouldLogFirstFailure        bool
	LogEveryNthFailure           int32
	LogLevelWhenFailure          log.Level
	ShouldLogNumRetriesOnSuccess bool
	LogLevelWhenSuccess          log.Level
}

const (
	// SLnumRetries is the structured log field carrying the retry count.
	SLnumRetries    = "numRetries"
	InfiniteRetries = -1
)

func DefaultConfig() *Config {
	return &Config{
		MaxNumRetries:                InfiniteRetries,
		InitialDelayBeforeRetrying:   time.Duration(100) * time.Millisecond,
		MaxDelayBeforeRetrying:       time.Duration(10) * time.Second,
		ShouldLogFirstFailure:        true,
		LogEveryNthFailure:           10,
		LogLevelWhenFailure:          log.WarnLevel,
		ShouldLogNumRetriesOnSuccess: false,
		LogLevelWhenSuccess:          log.DebugLevel,
	}
}

// Bounded returns DefaultConfig limited to maxRetries attempts after the first.
func Bounded(maxRetries int32) *Config {
	cfg := DefaultConfig()
	if maxRetries < 0 {
		maxRetries = 0
	}
	cfg.MaxNumRetries = maxRetries
	return cfg
}

// Retry reruns retryableOperationFn with doubling delays until it succeeds or
// gives up. A nil shouldRetryFn retries every error.
func Retry(ctx context.Context, cfg *Config, retryableOperationFn func(ctx context.Context) ([]interface{}, error),
	shouldRetryFn func(error) bool, descriptionOfOperation string) ([]interface{}, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	delayBeforeRetryMS := cfg.InitialDelayBeforeRetrying.Milliseconds()
	var numRetries int32
performOperation:
	result, err := retryableOperationFn(ctx)
	if err != nil {
		if cfg.MaxNumRetries != InfiniteRetries && numRetries == cfg.MaxNumRetries {
			return nil, errors.Wrapf(err, "Failed after max %d retries: %s", numRetries, descriptionOfOperation)
		}

		if shouldRetryFn != nil && !shouldRetryFn(err) {
			return nil, errors.Wrapf(err, "Failed, unretryable, after %d retries: %s", numRetries,
				descriptionOfOperation)
		}

		numRetries++

		if numRetries > 1 {
			delayBeforeRetryMS = Min(delayBeforeRetryMS*2, cfg.MaxDelayBeforeRetrying.Milliseconds())
		}

		if (cfg.ShouldLogFirstFailure && numRetries == 1) ||
			(cfg.LogEveryNthFailure > 0 && ((numRetries % cfg.LogEveryNthFailure) == 0)) {
			log.Log(cfg.LogLevelWhenFailure, fmt.Sprintf("Retrying failure: %s", descriptionOfOperation),
				zap.Error(err), zap.Int32(SLnumRetries, numRetries),
				zap.Duration("delayBeforeRetry", time.Duration(delayBeforeRetryMS)*time.Millisecond))
		}

		SleepWithContext(ctx, time.Duration(delayBeforeRetryMS)*time.Millisecond)
		if err2 := ctx.Err(); err2 != nil {
			return nil, errors.Wrapf(err, "Experienced context error during retry: %s - %s", descriptionOfOperation,
				err2.Error())
		}
		goto performOperation
	}

	if numRetries > 0 && cfg.ShouldLogNumRetriesOnSuccess {
		log.Log(cfg.LogLevelWhenSuccess, fmt.Sprintf("Ultimately succeeded: %s", descriptionOfOperation),
			zap.Int32(SLnumRetries, numRetries))
	}

	return result, nil
}
