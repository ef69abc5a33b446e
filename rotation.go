package torgate

import (
	"context"
	"sync"
	"time"
)

const (
	// opIdentityRotator labels errors originating from IdentityRotator operations.
	opIdentityRotator = "IdentityRotator"
)

// identityRequester is satisfied by Lifecycle.
type identityRequester interface {
	NewIdentity(ctx context.Context) error
}

// IdentityRotator requests a new identity on a fixed schedule. Requests made
// while the daemon is not ready, or faster than the new-identity rate limit,
// are logged and skipped; the schedule keeps running.
//
// Example usage:
//
//	rotator := torgate.NewIdentityRotator(lifecycle)
//	rotator.Start(ctx, 10*time.Minute)
//	defer rotator.Stop()
type IdentityRotator struct {
	requester identityRequester
	logger    Logger

	// mu protects the fields below.
	mu        sync.Mutex
	interval  time.Duration
	stopCh    chan struct{}
	running   bool
	rotations uint64
	failures  uint64
}

// NewIdentityRotator creates a stopped rotator.
func NewIdentityRotator(requester identityRequester) *IdentityRotator {
	return &IdentityRotator{
		requester: requester,
		logger:    noopLogger{},
	}
}

// WithLogger sets a logger for rotation events.
func (r *IdentityRotator) WithLogger(logger Logger) *IdentityRotator {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Start begins rotating every interval until Stop is called or ctx ends.
func (r *IdentityRotator) Start(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return newError(ErrInvalidConfig, opIdentityRotator, "rotation already running", nil)
	}
	if interval <= 0 {
		return newError(ErrInvalidConfig, opIdentityRotator, "rotation interval must be positive", nil)
	}

	r.interval = interval
	r.running = true
	r.stopCh = make(chan struct{})
	r.logger.Log("info", "starting identity rotation", "interval", interval)

	go r.loop(ctx, interval, r.stopCh)
	return nil
}

func (r *IdentityRotator) loop(ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Log("info", "identity rotation stopped", "reason", "context canceled")
			r.markStopped(stopCh)
			return
		case <-stopCh:
			r.logger.Log("info", "identity rotation stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			_ = r.RotateNow(ctx)
		}
	}
}

func (r *IdentityRotator) markStopped(stopCh chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh == stopCh {
		r.running = false
	}
}

// Stop stops rotation if it is running.
func (r *IdentityRotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

// IsRunning reports whether rotation is active.
func (r *IdentityRotator) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RotateNow requests a new identity immediately.
func (r *IdentityRotator) RotateNow(ctx context.Context) error {
	err := r.requester.NewIdentity(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		r.logger.Log("debug", "identity rotation skipped", "error", err)
		return err
	}
	r.rotations++
	return nil
}

// RotationStats describes rotation activity.
type RotationStats struct {
	// Running reports whether scheduled rotation is active.
	Running bool
	// Interval is the configured schedule (0 if never started).
	Interval time.Duration
	// Rotations counts successful requests.
	Rotations uint64
	// Failures counts rejected or failed requests.
	Failures uint64
}

// Stats returns rotation statistics.
func (r *IdentityRotator) Stats() RotationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RotationStats{
		Running:   r.running,
		Interval:  r.interval,
		Rotations: r.rotations,
		Failures:  r.failures,
	}
}
