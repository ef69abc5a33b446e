package torgate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingRequester struct {
	calls atomic.Int32
	err   error
}

func (r *countingRequester) NewIdentity(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestIdentityRotator(t *testing.T) {
	t.Run("should rotate on schedule until stopped", func(t *testing.T) {
		req := &countingRequester{}
		r := NewIdentityRotator(req)
		if err := r.Start(context.Background(), 5*time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, testWait, "two rotations", func() bool { return r.Stats().Rotations >= 2 })

		r.Stop()
		if r.IsRunning() {
			t.Fatal("expected rotation to stop")
		}
		stats := r.Stats()
		if stats.Interval != 5*time.Millisecond || stats.Failures != 0 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("should reject a second start and a non-positive interval", func(t *testing.T) {
		r := NewIdentityRotator(&countingRequester{})
		if err := r.Start(context.Background(), 0); !isKind(err, ErrInvalidConfig) {
			t.Fatalf("expected invalid config, got %v", err)
		}
		if err := r.Start(context.Background(), time.Hour); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer r.Stop()
		if err := r.Start(context.Background(), time.Hour); !isKind(err, ErrInvalidConfig) {
			t.Fatalf("expected invalid config, got %v", err)
		}
	})

	t.Run("should count failures and keep running", func(t *testing.T) {
		req := &countingRequester{err: newError(ErrRateLimited, opLifecycle, "too often", nil)}
		r := NewIdentityRotator(req)
		if err := r.Start(context.Background(), 5*time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer r.Stop()
		waitFor(t, testWait, "two failures", func() bool { return r.Stats().Failures >= 2 })
		if !r.IsRunning() || r.Stats().Rotations != 0 {
			t.Fatalf("unexpected stats: %+v", r.Stats())
		}
	})

	t.Run("should stop when the context ends", func(t *testing.T) {
		r := NewIdentityRotator(&countingRequester{})
		ctx, cancel := context.WithCancel(context.Background())
		if err := r.Start(ctx, time.Hour); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cancel()
		waitFor(t, testWait, "rotation to stop", func() bool { return !r.IsRunning() })
	})

	t.Run("should rotate immediately on request", func(t *testing.T) {
		req := &countingRequester{}
		r := NewIdentityRotator(req)
		if err := r.RotateNow(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		req.err = errors.New("not ready")
		if err := r.RotateNow(context.Background()); err == nil {
			t.Fatal("expected the requester error")
		}
		if stats := r.Stats(); stats.Rotations != 1 || stats.Failures != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})
}
