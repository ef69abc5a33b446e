package torgate

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// opNetwork labels errors originating from Network.
	opNetwork = "Network"

	loopbackHost = "127.0.0.1"
)

// Network is the entry point for applications. It owns the daemon lifecycle
// and the control bridge, keeps the SOCKS proxy configuration in step with
// the daemon, and writes the external daemon config for client libraries.
//
// Typical use:
//
//	cfg, _ := torgate.NewConfig(torgate.WithLibraryConfigDir(dir))
//	network, _ := torgate.NewNetwork(cfg)
//	if err := network.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer network.Close()
//	result := network.Start(ctx)
type Network struct {
	cfg       Config
	daemon    Daemon
	lifecycle *Lifecycle
	rotator   *IdentityRotator
	logger    Logger

	mu           sync.Mutex
	bridge       *BridgeServer
	proxy        *SocksProxyConfig
	upstreamPort int
	querying     bool
	run          uint64
	written      [2]int
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewNetwork builds a Network with the daemon engine selected by cfg.
func NewNetwork(cfg Config) (*Network, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	var daemon Daemon
	switch cfg.engine {
	case EngineBine:
		daemon = NewBineDaemon(cfg.daemon)
	default:
		daemon = NewExecDaemon(cfg.daemon)
	}
	return newNetwork(cfg, daemon), nil
}

func newNetwork(cfg Config, daemon Daemon) *Network {
	lifecycle := NewLifecycle(daemon,
		WithLifecycleLogger(cfg.logger),
		WithFallbackSocksPorts(cfg.fallbackSocksPorts...),
		WithNewIdentityLimiter(NewRateLimiter(cfg.newIdentityInterval, 1)),
	)
	return &Network{
		cfg:       cfg,
		daemon:    daemon,
		lifecycle: lifecycle,
		rotator:   NewIdentityRotator(lifecycle).WithLogger(cfg.logger),
		logger:    cfg.logger,
	}
}

// Initialize starts the control bridge and the state watcher. The daemon is
// not started. Calling Initialize twice is a no-op.
func (n *Network) Initialize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bridge != nil {
		return nil
	}

	bridge := NewBridgeServer(
		WithBridgeListenAddr(n.cfg.bridgeListenAddr),
		WithBridgeSessionIdleTimeout(n.cfg.bridgeIdleTimeout),
		WithBridgeSocksSource(n.lifecycle),
		WithBridgeLogger(n.logger),
	)
	if err := ctx.Err(); err != nil {
		return newError(ErrTimeout, opNetwork, "initialize cancelled", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if err := bridge.Start(runCtx); err != nil {
		cancel()
		return err
	}

	n.bridge = bridge
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.watch(runCtx, n.done)
	n.logger.Log("info", "network initialized", "bridge_port", bridge.Port())
	return nil
}

// Start boots the daemon and blocks until the bootstrap result is known.
// Progress is logged every status poll interval.
func (n *Network) Start(ctx context.Context) BootstrapResult {
	if err := n.Initialize(ctx); err != nil {
		return BootstrapResult{Outcome: BootstrapFailed, Err: err}
	}
	orchestrator := NewOrchestrator(n.lifecycle,
		WithBootstrapRetry(n.cfg.retryAttempts, n.cfg.retryDelay),
		WithBootstrapDeadline(n.cfg.bootstrapTimeout),
		WithProgress(n.cfg.statusPollInterval, func(s Snapshot) {
			n.logger.Log("info", "bootstrap progress", "state", s.State.String(), "progress", s.Progress)
		}),
		WithOrchestratorLogger(n.logger),
	)
	return <-orchestrator.Run(ctx)
}

// Stop stops the daemon and clears the proxy configuration. The bridge keeps
// listening so Start can be called again.
func (n *Network) Stop() {
	n.rotator.Stop()
	n.lifecycle.Stop()
	n.clearProxy(StateStopped)
}

// Restart restarts a running daemon. It is ignored while stopped.
func (n *Network) Restart(ctx context.Context) {
	n.lifecycle.Restart(ctx)
}

// NewIdentity requests fresh circuits. It fails unless the daemon is ready
// and is rate limited.
func (n *Network) NewIdentity(ctx context.Context) error {
	return n.lifecycle.NewIdentity(ctx)
}

// StartIdentityRotation requests a new identity every interval until
// StopIdentityRotation, Stop or Close.
func (n *Network) StartIdentityRotation(ctx context.Context, interval time.Duration) error {
	return n.rotator.Start(ctx, interval)
}

// StopIdentityRotation stops automatic identity rotation.
func (n *Network) StopIdentityRotation() {
	n.rotator.Stop()
}

// Close stops the daemon and the bridge and releases the watcher.
func (n *Network) Close() error {
	n.Stop()
	n.mu.Lock()
	bridge, cancel, done := n.bridge, n.cancel, n.done
	n.bridge, n.cancel, n.done = nil, nil, nil
	n.mu.Unlock()
	if bridge == nil {
		return nil
	}
	cancel()
	bridge.Stop()
	<-done
	n.logger.Log("info", "network closed")
	return nil
}

// Status returns the current status.
func (n *Network) Status() Status {
	return n.status(n.lifecycle.Snapshot())
}

// SocksProxyConfig returns the proxy the application should use. ok is false
// while the daemon is not ready or after it stopped or failed, in which case
// the application should connect directly.
func (n *Network) SocksProxyConfig() (SocksProxyConfig, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.proxy == nil {
		return SocksProxyConfig{}, false
	}
	return *n.proxy, true
}

// ProxyDialer returns a SOCKS5 dialer while the proxy is configured and
// proxy.Direct otherwise.
func (n *Network) ProxyDialer() proxy.Dialer {
	cfg, ok := n.SocksProxyConfig()
	if !ok {
		return proxy.Direct
	}
	dialer, err := cfg.Dialer(nil)
	if err != nil {
		n.logger.Log("warn", "falling back to direct connections", "error", err)
		return proxy.Direct
	}
	return dialer
}

// HiddenServiceInfo returns the onion services created through the bridge.
func (n *Network) HiddenServiceInfo() []HiddenServiceInfo {
	bridge := n.currentBridge()
	if bridge == nil {
		return nil
	}
	return bridge.HiddenServices()
}

// BridgeMetrics returns the bridge counters.
func (n *Network) BridgeMetrics() BridgeMetrics {
	bridge := n.currentBridge()
	if bridge == nil {
		return BridgeMetrics{}
	}
	return bridge.Metrics()
}

// Subscribe streams status changes until ctx ends. The current status is sent
// first. A slow reader only misses intermediate values; the latest status is
// always delivered.
func (n *Network) Subscribe(ctx context.Context) <-chan Status {
	out := make(chan Status, 1)
	go func() {
		defer close(out)
		for {
			snap, changed := n.lifecycle.Watch()
			st := n.status(snap)
			select {
			case out <- st:
			default:
				select {
				case <-out:
				default:
				}
				out <- st
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
	return out
}

func (n *Network) status(snap Snapshot) Status {
	bridge := n.currentBridge()
	if bridge == nil {
		return newStatus(snap, 0, nil)
	}
	return newStatus(snap, bridge.Port(), bridge.HiddenServices())
}

func (n *Network) currentBridge() *BridgeServer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bridge
}

// watch follows lifecycle changes until ctx ends, then closes done.
func (n *Network) watch(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		snap, changed := n.lifecycle.Watch()
		n.sync(ctx, snap)
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// sync applies one snapshot: bridge upstream once the control port is known,
// proxy and library config once ready, and cleanup on stop or failure. A new
// run drops everything learned from the previous one, since a restart may
// pass through Stopped between two snapshots the watcher sees.
func (n *Network) sync(ctx context.Context, snap Snapshot) {
	if n.enterRun(snap.Run) {
		n.clearProxy(snap.State)
		n.resetUpstream()
	}
	switch snap.State {
	case StateError, StateStopped:
		n.clearProxy(snap.State)
		n.resetUpstream()
		return
	case StateBootstrapping, StateReady:
	default:
		return
	}
	n.ensureUpstream(ctx, snap)
	if snap.Ready() {
		n.publish(snap)
	}
}

func (n *Network) ensureUpstream(ctx context.Context, snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bridge == nil {
		return
	}
	if port := snap.Ports.ControlPort; port != 0 {
		if port != n.upstreamPort {
			addr := net.JoinHostPort(loopbackHost, strconv.Itoa(port))
			n.bridge.SetUpstream(addr, n.daemon.ControlAuth())
			n.upstreamPort = port
			n.logger.Log("info", "bridge upstream set", "control_addr", addr)
		}
		return
	}
	if n.querying {
		return
	}
	n.querying = true
	run := n.run
	ports := n.lifecycle.QueryControlPort(ctx)
	go func() {
		<-ports
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.run == run {
			n.querying = false
		}
	}()
}

// enterRun records run and reports whether it differs from the last one seen.
func (n *Network) enterRun(run uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if run == n.run {
		return false
	}
	n.run = run
	return true
}

func (n *Network) resetUpstream() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.querying = false
	if n.upstreamPort == 0 || n.bridge == nil {
		return
	}
	n.upstreamPort = 0
	n.bridge.SetUpstream("", ControlAuth{})
}

// publish sets the proxy and rewrites the library config when ports changed.
func (n *Network) publish(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	socksPort := snap.Ports.SocksPort
	if n.proxy == nil || n.proxy.Port != socksPort {
		n.proxy = &SocksProxyConfig{Host: loopbackHost, Port: socksPort}
		n.logger.Log("info", "SOCKS proxy configured", "socks_port", socksPort)
	}
	if n.bridge == nil || len(n.cfg.libraryConfigPaths) == 0 {
		return
	}
	bridgePort := n.bridge.Port()
	if n.written == [2]int{bridgePort, socksPort} {
		return
	}
	if err := WriteExternalDaemonConfig(n.cfg.libraryConfigPaths, bridgePort, socksPort); err != nil {
		n.logger.Log("error", "failed to write external daemon config", "error", err)
		return
	}
	n.written = [2]int{bridgePort, socksPort}
	n.logger.Log("info", "external daemon config written", "paths", n.cfg.libraryConfigPaths, "control_port", bridgePort, "socks_port", socksPort)
}

func (n *Network) clearProxy(state DaemonState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.proxy == nil {
		return
	}
	n.proxy = nil
	n.written = [2]int{}
	n.logger.Log("info", "SOCKS proxy cleared, use direct connections", "state", state.String())
}
