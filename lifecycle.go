package torgate

import (
	"context"
	"sync"
	"time"
)

const (
	// opLifecycle labels errors originating from Lifecycle operations.
	opLifecycle = "Lifecycle"

	defaultQueryTimeout = 10 * time.Second
)

type lifecycleEventKind int

const (
	evStarting lifecycleEventKind = iota
	evStartFailed
	evLog
	evSocksPort
	evControlPort
	evExited
	evStopping
	evStopped
	evStopFailed
)

// lifecycleEvent is the only way state changes. gen ties daemon-originated
// events to the run that produced them so stragglers from a stopped run are
// dropped.
type lifecycleEvent struct {
	kind lifecycleEventKind
	gen  uint64
	line string
	port int
	err  error
}

// Lifecycle owns the tor daemon: it starts, stops and restarts it, turns the
// daemon's log lines into a DaemonState, and discovers the SOCKS port once
// bootstrap completes.
//
// Failures never propagate out of Start, Stop or Restart; they move the state
// to StateError and are logged. Callers observe outcomes through Snapshot and
// Watch.
type Lifecycle struct {
	daemon       Daemon
	discovery    *PortDiscovery
	logger       Logger
	limiter      *RateLimiter
	queryTimeout time.Duration

	cell *stateCell

	// opMu serializes Start/Stop/Restart.
	opMu sync.Mutex
	// eventMu serializes handleEvent, the single writer of cell.
	eventMu   sync.Mutex
	gen       uint64
	runCtx    context.Context
	runCancel context.CancelFunc
}

// LifecycleOption customizes a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(logger Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFallbackSocksPorts sets the ports probed when the SOCKS query fails.
func WithFallbackSocksPorts(ports ...int) LifecycleOption {
	return func(l *Lifecycle) {
		l.discovery = NewPortDiscovery(l.daemon, l.logger, ports)
	}
}

// WithNewIdentityLimiter sets the limiter gating NewIdentity.
func WithNewIdentityLimiter(limiter *RateLimiter) LifecycleOption {
	return func(l *Lifecycle) {
		l.limiter = limiter
	}
}

// WithQueryTimeout bounds each native query issued in the background.
func WithQueryTimeout(timeout time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		if timeout > 0 {
			l.queryTimeout = timeout
		}
	}
}

// NewLifecycle returns a stopped Lifecycle driving daemon.
func NewLifecycle(daemon Daemon, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		daemon:       daemon,
		logger:       noopLogger{},
		queryTimeout: defaultQueryTimeout,
		cell:         newStateCell(),
		runCtx:       context.Background(),
		runCancel:    func() {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.discovery == nil {
		l.discovery = NewPortDiscovery(daemon, l.logger, defaultFallbackSocksPorts)
	} else {
		l.discovery.logger = l.logger
	}
	if l.limiter == nil {
		l.limiter = NewRateLimiter(defaultNewIdentityInterval, 1)
	}
	return l
}

// Snapshot returns the current state, progress and ports.
func (l *Lifecycle) Snapshot() Snapshot { return l.cell.load() }

// Watch returns the current snapshot and a channel that is closed on the
// next change.
func (l *Lifecycle) Watch() (Snapshot, <-chan struct{}) { return l.cell.watch() }

// State returns the current DaemonState.
func (l *Lifecycle) State() DaemonState { return l.cell.load().State }

// SocksPort returns the discovered SOCKS port, or 0 if unknown.
func (l *Lifecycle) SocksPort() int { return l.cell.load().Ports.SocksPort }

// Start launches the daemon. It is a no-op with a warning when the daemon is
// already started.
func (l *Lifecycle) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.start(ctx)
}

func (l *Lifecycle) start(ctx context.Context) {
	if state := l.State(); state.running() || state == StateStopping {
		l.logger.Log("warn", "start ignored: daemon already started", "state", state.String())
		return
	}

	gen := l.beginRun()
	l.handleEvent(lifecycleEvent{kind: evStarting, gen: gen})

	hooks := DaemonHooks{
		Log: func(line string) {
			l.handleEvent(lifecycleEvent{kind: evLog, gen: gen, line: line})
		},
		Exit: func(err error) {
			l.handleEvent(lifecycleEvent{kind: evExited, gen: gen, err: err})
		},
	}
	if err := l.daemon.Start(ctx, hooks); err != nil {
		l.logger.Log("error", "failed to start daemon", "error", err)
		l.handleEvent(lifecycleEvent{kind: evStartFailed, gen: gen, err: err})
		return
	}
	l.logger.Log("info", "daemon start issued")
	l.background(gen, l.syncBootstrapPhase)
}

// Stop terminates the daemon. Stopping a stopped daemon is a no-op.
func (l *Lifecycle) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.stop()
}

func (l *Lifecycle) stop() {
	if l.State() == StateStopped {
		return
	}
	gen := l.endRun()
	l.handleEvent(lifecycleEvent{kind: evStopping, gen: gen})
	if err := l.daemon.Stop(); err != nil {
		l.logger.Log("error", "failed to stop daemon", "error", err)
		l.handleEvent(lifecycleEvent{kind: evStopFailed, gen: gen, err: err})
		return
	}
	l.handleEvent(lifecycleEvent{kind: evStopped, gen: gen})
	l.logger.Log("info", "daemon stopped")
}

// Restart stops and starts the daemon. It is rejected with a warning while
// the daemon is stopped or stopping.
func (l *Lifecycle) Restart(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if state := l.State(); state == StateStopped || state == StateStopping {
		l.logger.Log("warn", "restart ignored: daemon is not running", "state", state.String())
		return
	}
	l.logger.Log("info", "restarting daemon")
	l.stop()
	l.start(ctx)
}

// NewIdentity asks the daemon for fresh circuits. It requires StateReady and
// is rate limited.
func (l *Lifecycle) NewIdentity(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if state := l.State(); state != StateReady {
		l.logger.Log("warn", "new identity ignored: daemon not ready", "state", state.String())
		return newError(ErrNotReady, opLifecycle, "new identity requires a ready daemon", nil)
	}
	if !l.limiter.Allow() {
		wait := l.limiter.NextAllowed()
		l.logger.Log("warn", "new identity ignored: rate limited", "retry_in", wait)
		return newError(ErrRateLimited, opLifecycle, "new identity requested too often", nil)
	}
	if err := l.daemon.Signal(ctx, "NEWNYM"); err != nil {
		l.logger.Log("error", "new identity failed", "error", err)
		return err
	}
	l.logger.Log("info", "new identity requested")
	return nil
}

// QueryControlPort asks the daemon for its control listener port. The channel
// yields the port, or 0 when it could not be discovered, and is then closed.
func (l *Lifecycle) QueryControlPort(ctx context.Context) <-chan int {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan int, 1)
	gen := l.currentGen()
	go func() {
		defer close(out)
		qctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
		defer cancel()
		port, err := l.discovery.QueryControlPort(qctx)
		if err != nil {
			l.logger.Log("warn", "control port query failed", "error", err)
			out <- 0
			return
		}
		l.handleEvent(lifecycleEvent{kind: evControlPort, gen: gen, port: port})
		out <- port
	}()
	return out
}

// Recheck queries the daemon directly once: the bootstrap phase if it is not
// yet ready, then the SOCKS port if it is ready without one. It returns the
// resulting snapshot.
func (l *Lifecycle) Recheck(ctx context.Context) Snapshot {
	if ctx == nil {
		ctx = context.Background()
	}
	gen := l.currentGen()
	if state := l.State(); state == StateStarting || state == StateBootstrapping {
		l.syncBootstrapPhase(ctx, gen)
	}
	if snap := l.Snapshot(); snap.State == StateReady && snap.Ports.SocksPort == 0 {
		l.discoverSocks(ctx, gen)
	}
	return l.Snapshot()
}

func (l *Lifecycle) beginRun() uint64 {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()
	l.gen++
	l.runCtx, l.runCancel = context.WithCancel(context.Background())
	return l.gen
}

// endRun cancels background queries and retires the current generation.
func (l *Lifecycle) endRun() uint64 {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()
	l.runCancel()
	l.gen++
	return l.gen
}

func (l *Lifecycle) currentGen() uint64 {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()
	return l.gen
}

// background runs fn for the current run with a bounded context.
func (l *Lifecycle) background(gen uint64, fn func(ctx context.Context, gen uint64)) {
	l.eventMu.Lock()
	runCtx := l.runCtx
	l.eventMu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(runCtx, l.queryTimeout)
		defer cancel()
		fn(ctx, gen)
	}()
}

// syncBootstrapPhase feeds the daemon's current bootstrap phase through the
// log path, covering progress made before the log hooks were attached.
func (l *Lifecycle) syncBootstrapPhase(ctx context.Context, gen uint64) {
	phase, err := l.daemon.GetInfo(ctx, infoBootstrapPhase)
	if err != nil {
		l.logger.Log("debug", "bootstrap phase query failed", "error", err)
		return
	}
	l.handleEvent(lifecycleEvent{kind: evLog, gen: gen, line: phase})
}

func (l *Lifecycle) discoverSocks(ctx context.Context, gen uint64) {
	port, err := l.discovery.DiscoverSocksPort(ctx)
	if err != nil {
		l.logger.Log("warn", "SOCKS port discovery failed", "error", err)
		return
	}
	l.handleEvent(lifecycleEvent{kind: evSocksPort, gen: gen, port: port})
}

// handleEvent is the single entry point that mutates lifecycle state.
func (l *Lifecycle) handleEvent(ev lifecycleEvent) {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	if ev.gen != l.gen {
		l.logger.Log("debug", "dropping event from previous run", "kind", int(ev.kind))
		return
	}

	becameReady := false
	switch ev.kind {
	case evStarting:
		l.cell.update(func(s *Snapshot) {
			*s = Snapshot{State: StateStarting, Run: ev.gen}
		})
	case evStartFailed, evExited, evStopFailed:
		msg := ""
		if ev.err != nil {
			msg = ev.err.Error()
		}
		l.runCancel()
		l.cell.update(func(s *Snapshot) {
			s.State = StateError
			s.LastError = msg
			s.Ports = PortInfo{}
		})
	case evLog:
		becameReady = l.applyLogLine(ev.line)
	case evSocksPort:
		l.cell.update(func(s *Snapshot) { s.Ports.SocksPort = ev.port })
	case evControlPort:
		l.cell.update(func(s *Snapshot) { s.Ports.ControlPort = ev.port })
	case evStopping:
		l.cell.update(func(s *Snapshot) { s.State = StateStopping })
	case evStopped:
		l.cell.update(func(s *Snapshot) { *s = Snapshot{State: StateStopped, Run: s.Run} })
	}

	if becameReady {
		l.logger.Log("info", "daemon bootstrapped, discovering SOCKS port")
		runCtx, gen := l.runCtx, l.gen
		go func() {
			ctx, cancel := context.WithTimeout(runCtx, l.queryTimeout)
			defer cancel()
			l.discoverSocks(ctx, gen)
		}()
	}
}

// applyLogLine classifies one daemon log line. It reports whether the line
// moved the state to ready. Must be called with eventMu held.
func (l *Lifecycle) applyLogLine(line string) bool {
	l.logger.Log("debug", "daemon log", "line", line)

	if listener, port, ok := parseListenerNotice(line); ok {
		l.cell.update(func(s *Snapshot) {
			if listener == "Socks" {
				s.Ports.SocksPort = port
			} else {
				s.Ports.ControlPort = port
			}
		})
	}

	progress, ok := ParseBootstrapProgress(line)
	if !ok {
		return false
	}
	becameReady := false
	l.cell.update(func(s *Snapshot) {
		switch s.State {
		case StateStarting, StateBootstrapping:
		default:
			// Ready never goes back to bootstrapping; stopped/error ignore stragglers.
			return
		}
		if progress >= 100 {
			s.State = StateReady
			s.Progress = 100
			becameReady = true
			return
		}
		s.State = StateBootstrapping
		if progress > s.Progress {
			s.Progress = progress
		}
	})
	return becameReady
}
