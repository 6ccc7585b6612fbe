package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RequestTimeout bounds each individual attempt; zero disables it.
	// A timed-out attempt counts as unavailability and is retried.
	RequestTimeout time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Retryable wraps a Client with bounded exponential-backoff retries.
// Only ErrModelUnavailable is retried; request errors fail fast.
type Retryable struct {
	client Client
	config RetryConfig
}

func NewRetryable(client Client, config RetryConfig) *Retryable {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = DefaultRetryConfig.BackoffFactor
	}
	return &Retryable{client: client, config: config}
}

func (r *Retryable) Invoke(ctx context.Context, req Request) (Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}

		resp, err := r.invokeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !r.retryable(ctx, err) {
			return Response{}, err
		}
	}

	return Response{}, fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// invokeOnce bounds a single attempt with the per-request timeout.
func (r *Retryable) invokeOnce(ctx context.Context, req Request) (Response, error) {
	if r.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}
	return r.client.Invoke(ctx, req)
}

// retryable reports whether an attempt error is worth another try:
// transient unavailability, or an attempt that hit its own timeout
// while the caller's context is still live.
func (r *Retryable) retryable(ctx context.Context, err error) bool {
	if errors.Is(err, ErrModelUnavailable) {
		return true
	}
	return r.config.RequestTimeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func (r *Retryable) delay(attempt int) time.Duration {
	d := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if r.config.MaxDelay > 0 && d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter {
		// +-10% to avoid thundering-herd retries.
		d += time.Duration((rand.Float64()*0.2 - 0.1) * float64(d))
	}
	if d < 0 {
		d = r.config.InitialDelay
	}
	return d
}
