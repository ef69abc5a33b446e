package torgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// opBootstrap labels errors originating from the Orchestrator.
	opBootstrap = "Orchestrator"

	defaultRepairTimeout = 10 * time.Second
)

// BootstrapOutcome is the terminal state of one orchestration run.
type BootstrapOutcome int

const (
	// BootstrapReady means the daemon is ready and its SOCKS port is known.
	BootstrapReady BootstrapOutcome = iota
	// BootstrapTimedOut means readiness was not reached before the hard timeout.
	BootstrapTimedOut
	// BootstrapFailed means every start attempt failed or the run was cancelled.
	BootstrapFailed
)

func (o BootstrapOutcome) String() string {
	switch o {
	case BootstrapReady:
		return "ready"
	case BootstrapTimedOut:
		return "timed_out"
	case BootstrapFailed:
		return "error"
	default:
		return "unknown"
	}
}

// BootstrapResult is delivered exactly once per Orchestrator run.
type BootstrapResult struct {
	Outcome BootstrapOutcome
	// SocksPort is set for BootstrapReady.
	SocksPort int
	// Err is the cause for BootstrapFailed.
	Err error
}

func (r BootstrapResult) String() string {
	switch r.Outcome {
	case BootstrapReady:
		return fmt.Sprintf("ready(%d)", r.SocksPort)
	case BootstrapFailed:
		return fmt.Sprintf("error(%v)", r.Err)
	default:
		return r.Outcome.String()
	}
}

// daemonController is the part of Lifecycle the Orchestrator drives.
type daemonController interface {
	Start(ctx context.Context)
	Stop()
	Snapshot() Snapshot
	Watch() (Snapshot, <-chan struct{})
	Recheck(ctx context.Context) Snapshot
}

// ProgressFunc receives periodic snapshots while bootstrap is in progress.
type ProgressFunc func(Snapshot)

// Orchestrator runs "start daemon, wait for ready, report" with bounded
// retries and a hard timeout.
type Orchestrator struct {
	ctrl          daemonController
	attempts      int
	retryDelay    time.Duration
	timeout       time.Duration
	pollInterval  time.Duration
	repairTimeout time.Duration
	progress      ProgressFunc
	logger        Logger

	once   sync.Once
	result chan BootstrapResult
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBootstrapRetry sets the number of start attempts and the delay between
// failed attempts.
func WithBootstrapRetry(attempts int, delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithBootstrapDeadline sets the hard timeout for the whole run.
func WithBootstrapDeadline(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithProgress registers fn to be called every interval while waiting.
func WithProgress(interval time.Duration, fn ProgressFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pollInterval = interval
		}
		o.progress = fn
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator returns an Orchestrator driving ctrl.
func NewOrchestrator(ctrl daemonController, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ctrl:          ctrl,
		attempts:      defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		timeout:       defaultBootstrapTimeout,
		pollInterval:  defaultStatusPollInterval,
		repairTimeout: defaultRepairTimeout,
		logger:        noopLogger{},
		result:        make(chan BootstrapResult, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run starts the orchestration in the background and returns the channel the
// single result is delivered on. The channel is closed after the result.
// Calling Run again returns the same channel without starting a second run.
//
// Cancelling ctx abandons the run. The daemon is stopped only if it has not
// reached Ready.
func (o *Orchestrator) Run(ctx context.Context) <-chan BootstrapResult {
	if ctx == nil {
		ctx = context.Background()
	}
	o.once.Do(func() {
		go func() {
			res := o.run(ctx)
			o.logger.Log("info", "bootstrap finished", "result", res.String())
			o.result <- res
			close(o.result)
		}()
	})
	return o.result
}

func (o *Orchestrator) run(parent context.Context) BootstrapResult {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	stopProgress := o.reportProgress(ctx)
	defer stopProgress()

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		o.logger.Log("info", "starting daemon", "attempt", attempt, "max_attempts", o.attempts)
		o.ctrl.Start(ctx)

		res, failed := o.waitReady(ctx)
		if !failed {
			if ctx.Err() != nil && res.Outcome != BootstrapReady {
				return o.abandon(parent)
			}
			return res
		}
		lastErr = res.Err
		o.logger.Log("warn", "bootstrap attempt failed", "attempt", attempt, "error", lastErr)
		if attempt == o.attempts {
			break
		}
		o.ctrl.Stop()
		if !sleepContext(ctx, o.retryDelay) {
			return o.abandon(parent)
		}
	}
	return BootstrapResult{
		Outcome: BootstrapFailed,
		Err:     newError(ErrDaemonLaunchFailed, opBootstrap, fmt.Sprintf("daemon failed to start after %d attempts", o.attempts), lastErr),
	}
}

// waitReady blocks until the snapshot is ready, the attempt fails, or ctx
// ends. It reports whether the attempt failed and should be retried.
// Readiness is evaluated on every change, not only on poll ticks.
func (o *Orchestrator) waitReady(ctx context.Context) (BootstrapResult, bool) {
	for {
		snap, changed := o.ctrl.Watch()
		switch {
		case snap.Ready():
			return BootstrapResult{Outcome: BootstrapReady, SocksPort: snap.Ports.SocksPort}, false
		case snap.State == StateError || snap.State == StateStopped:
			cause := snap.LastError
			if cause == "" {
				cause = "daemon " + snap.State.String()
			}
			return BootstrapResult{Outcome: BootstrapFailed, Err: errors.New(cause)}, true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return BootstrapResult{Outcome: BootstrapTimedOut}, false
		}
	}
}

// abandon resolves a run whose context ended: a caller cancellation, or the
// hard timeout followed by one repair check.
func (o *Orchestrator) abandon(parent context.Context) BootstrapResult {
	if err := parent.Err(); err != nil {
		o.stopIfNotReady("bootstrap cancelled")
		return BootstrapResult{Outcome: BootstrapFailed, Err: newError(ErrTimeout, opBootstrap, "bootstrap cancelled", err)}
	}

	o.logger.Log("warn", "bootstrap timed out, rechecking daemon once", "timeout", o.timeout.String())
	rctx, cancel := context.WithTimeout(context.Background(), o.repairTimeout)
	defer cancel()
	if snap := o.ctrl.Recheck(rctx); snap.Ready() {
		o.logger.Log("info", "daemon was ready after all", "socks_port", snap.Ports.SocksPort)
		return BootstrapResult{Outcome: BootstrapReady, SocksPort: snap.Ports.SocksPort}
	}
	o.stopIfNotReady("bootstrap timed out")
	return BootstrapResult{Outcome: BootstrapTimedOut}
}

func (o *Orchestrator) stopIfNotReady(reason string) {
	state := o.ctrl.Snapshot().State
	if state != StateStarting && state != StateBootstrapping {
		return
	}
	o.logger.Log("info", reason+": stopping daemon that never became ready", "state", state.String())
	o.ctrl.Stop()
}

// reportProgress calls the progress callback every poll interval until the
// returned stop function is called.
func (o *Orchestrator) reportProgress(ctx context.Context) func() {
	if o.progress == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.progress(o.ctrl.Snapshot())
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
