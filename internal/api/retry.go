package api

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retries after the first call
	BaseDelay    time.Duration // Base delay for exponential backoff
	MaxDelay     time.Duration // Maximum delay between retries
	JitterFactor float64       // Jitter factor for randomization (0.2 = ±20%)
}

// DefaultRetryConfig returns the inference retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  10,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.2,
	}
}

// Retrying retries transient failures of the wrapped Completer with
// exponential backoff. Non-transient errors are returned immediately.
type Retrying struct {
	next   Completer
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps c with retry.
func NewRetrying(c Completer, config RetryConfig) *Retrying {
	return &Retrying{next: c, config: config, sleep: sleepContext}
}

// Complete calls the wrapped Completer until it succeeds, fails permanently,
// or retries run out.
func (r *Retrying) Complete(ctx context.Context, req Request) (Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Completion{}, fmt.Errorf("context cancelled: %w", err)
		}

		out, err := r.next.Complete(ctx, req)
		if err == nil {
			if attempt > 0 {
				log.Printf("[retry] succeeded after %d attempts", attempt+1)
			}
			return out, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return Completion{}, err
		}
		if attempt == r.config.MaxAttempts {
			log.Printf("[retry] max retries (%d) exhausted: %v", r.config.MaxAttempts+1, err)
			break
		}

		delay := calculateBackoff(attempt, r.config)
		log.Printf("[retry] attempt %d failed: %v; waiting %v", attempt+1, err, delay)
		if err := r.sleep(ctx, delay); err != nil {
			return Completion{}, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
	return Completion{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns baseDelay * 2^attempt, capped at MaxDelay, with jitter.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay || delay <= 0 {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
