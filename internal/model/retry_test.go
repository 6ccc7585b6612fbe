package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// flakyClient fails with the given error until failures runs out.
type flakyClient struct {
	failures int
	err      error
	calls    int
}

func (c *flakyClient) Invoke(ctx context.Context, req Request) (Response, error) {
	c.calls++
	if c.calls <= c.failures {
		return Response{}, c.err
	}
	return Response{Content: "ok"}, nil
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	c := &flakyClient{failures: 2, err: fmt.Errorf("overloaded: %w", ErrModelUnavailable)}
	r := NewRetryable(c, fastRetry(3))

	resp, err := r.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if c.calls != 3 {
		t.Errorf("expected 3 calls, got %d", c.calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	c := &flakyClient{failures: 100, err: fmt.Errorf("down: %w", ErrModelUnavailable)}
	r := NewRetryable(c, fastRetry(2))

	_, err := r.Invoke(context.Background(), Request{})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if c.calls != 3 {
		t.Errorf("expected 3 calls (initial + 2 retries), got %d", c.calls)
	}
}

func TestRetryFailsFastOnRequestErrors(t *testing.T) {
	c := &flakyClient{failures: 100, err: fmt.Errorf("bad prompt: %w", ErrModelRequest)}
	r := NewRetryable(c, fastRetry(3))

	_, err := r.Invoke(context.Background(), Request{})
	if !errors.Is(err, ErrModelRequest) {
		t.Fatalf("expected ErrModelRequest, got %v", err)
	}
	if c.calls != 1 {
		t.Errorf("request errors must not be retried, got %d calls", c.calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	c := &flakyClient{failures: 100, err: fmt.Errorf("down: %w", ErrModelUnavailable)}
	r := NewRetryable(c, RetryConfig{MaxRetries: 5, InitialDelay: time.Hour, BackoffFactor: 2.0})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// slowClient blocks until its context expires, simulating a hung
// upstream call.
type slowClient struct {
	calls int
}

func (c *slowClient) Invoke(ctx context.Context, req Request) (Response, error) {
	c.calls++
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestRetryBoundsEachAttempt(t *testing.T) {
	c := &slowClient{}
	cfg := fastRetry(2)
	cfg.RequestTimeout = 5 * time.Millisecond
	r := NewRetryable(c, cfg)

	start := time.Now()
	_, err := r.Invoke(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error from hung client")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped DeadlineExceeded, got %v", err)
	}
	if c.calls != 3 {
		t.Errorf("each timed-out attempt should be retried: expected 3 calls, got %d", c.calls)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("attempts were not individually bounded: took %s", elapsed)
	}
}

func TestRetryPassesDeadlineToClient(t *testing.T) {
	var sawDeadline bool
	c := &deadlineCheckClient{sawDeadline: &sawDeadline}
	cfg := fastRetry(0)
	cfg.RequestTimeout = time.Minute
	r := NewRetryable(c, cfg)

	if _, err := r.Invoke(context.Background(), Request{}); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !sawDeadline {
		t.Error("attempt context should carry the request deadline")
	}
}

type deadlineCheckClient struct {
	sawDeadline *bool
}

func (c *deadlineCheckClient) Invoke(ctx context.Context, req Request) (Response, error) {
	_, *c.sawDeadline = ctx.Deadline()
	return Response{Content: "ok"}, nil
}
