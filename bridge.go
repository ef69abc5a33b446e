package torgate

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// opBridge labels errors originating from BridgeServer.
	opBridge = "BridgeServer"

	defaultBridgeListenAddr   = "127.0.0.1:0"
	defaultBridgeIdleTimeout  = 10 * time.Minute
	defaultEventPollWindow    = 20 * time.Millisecond
	defaultEventIdleDelay     = 50 * time.Millisecond
	defaultEventErrorBackoff  = time.Second
	defaultUpstreamTimeout    = 5 * time.Second
	defaultKeepAlivePeriod    = 30 * time.Second
	defaultBridgeListenerHost = "127.0.0.1"
)

// SocksPortSource supplies the daemon's discovered SOCKS port, or 0.
type SocksPortSource interface {
	SocksPort() int
}

// BridgeServer is a local control port that clients written for an external
// tor daemon can connect to. Each accepted connection gets one authenticated
// upstream connection to the real, dynamically assigned control port; a few
// commands are adapted, the rest is relayed or acknowledged.
//
// Without a usable upstream a session runs degraded and answers from what the
// bridge already knows.
type BridgeServer struct {
	listenAddr      string
	idleTimeout     time.Duration
	upstreamTimeout time.Duration
	pollWindow      time.Duration
	idleDelay       time.Duration
	errorBackoff    time.Duration
	socks           SocksPortSource
	logger          Logger

	metrics metricsCollector
	hidden  *hiddenServiceRegistry

	mu           sync.Mutex
	upstreamAddr string
	upstreamAuth ControlAuth
	sessions     map[string]*bridgeSession

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

// BridgeOption customizes a BridgeServer.
type BridgeOption func(*BridgeServer)

// WithBridgeListenAddr sets the TCP address to listen on. The default
// "127.0.0.1:0" lets the OS pick a port.
func WithBridgeListenAddr(addr string) BridgeOption {
	return func(b *BridgeServer) {
		if addr != "" {
			b.listenAddr = addr
		}
	}
}

// WithBridgeUpstream sets the real control port address and credentials.
func WithBridgeUpstream(addr string, auth ControlAuth) BridgeOption {
	return func(b *BridgeServer) {
		b.upstreamAddr = addr
		b.upstreamAuth = auth
	}
}

// WithBridgeSocksSource sets where degraded GETINFO answers read the SOCKS port.
func WithBridgeSocksSource(src SocksPortSource) BridgeOption {
	return func(b *BridgeServer) {
		b.socks = src
	}
}

// WithBridgeSessionIdleTimeout bounds how long a session waits for the next command.
func WithBridgeSessionIdleTimeout(timeout time.Duration) BridgeOption {
	return func(b *BridgeServer) {
		if timeout > 0 {
			b.idleTimeout = timeout
		}
	}
}

// WithBridgeEventPolling sets the event forwarder's idle delay between polls
// and its backoff after a read error.
func WithBridgeEventPolling(idleDelay, errorBackoff time.Duration) BridgeOption {
	return func(b *BridgeServer) {
		if idleDelay > 0 {
			b.idleDelay = idleDelay
		}
		if errorBackoff > 0 {
			b.errorBackoff = errorBackoff
		}
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger Logger) BridgeOption {
	return func(b *BridgeServer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBridgeServer returns an unstarted BridgeServer.
func NewBridgeServer(opts ...BridgeOption) *BridgeServer {
	b := &BridgeServer{
		listenAddr:      defaultBridgeListenAddr,
		idleTimeout:     defaultBridgeIdleTimeout,
		upstreamTimeout: defaultUpstreamTimeout,
		pollWindow:      defaultEventPollWindow,
		idleDelay:       defaultEventIdleDelay,
		errorBackoff:    defaultEventErrorBackoff,
		logger:          noopLogger{},
		hidden:          newHiddenServiceRegistry(),
		sessions:        make(map[string]*bridgeSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start binds the listener and accepts connections in the background until
// Stop is called or ctx is cancelled.
func (b *BridgeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.listener != nil {
		return newError(ErrInvalidConfig, opBridge, "bridge already started", nil)
	}
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", b.listenAddr)
	if err != nil {
		return newError(ErrIO, opBridge, "failed to listen on "+b.listenAddr, err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger.Log("info", "control bridge started", "listen_addr", listener.Addr().String(), "upstream_addr", b.upstream().addr)
	return nil
}

// Addr returns the listener's address, or nil before Start.
func (b *BridgeServer) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Port returns the listening port, or 0 before Start.
func (b *BridgeServer) Port() int {
	if tcpAddr, ok := b.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// SetUpstream changes the control port used by sessions accepted from now on.
func (b *BridgeServer) SetUpstream(addr string, auth ControlAuth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upstreamAddr = addr
	b.upstreamAuth = auth
}

// Stop closes the listener and waits for in-flight sessions to end.
func (b *BridgeServer) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.mu.Lock()
	for _, s := range b.sessions {
		s.close()
	}
	b.mu.Unlock()
	if b.done != nil {
		<-b.done
	}
}

// Metrics returns a copy of the bridge counters.
func (b *BridgeServer) Metrics() BridgeMetrics { return b.metrics.snapshot() }

// HiddenServices returns the onion services created through the bridge.
func (b *BridgeServer) HiddenServices() []HiddenServiceInfo { return b.hidden.list() }

// PendingUploads merges the pending descriptor uploads of all open sessions.
func (b *BridgeServer) PendingUploads() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int)
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for addr, n := range b.sessions[id].pending.Snapshot() {
			out[addr] += n
		}
	}
	return out
}

type upstreamTarget struct {
	addr string
	auth ControlAuth
}

func (b *BridgeServer) upstream() upstreamTarget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return upstreamTarget{addr: b.upstreamAddr, auth: b.upstreamAuth}
}

func (b *BridgeServer) socksPort() int {
	if b.socks == nil {
		return 0
	}
	return b.socks.SocksPort()
}

// acceptLoop accepts connections and runs one session per connection. It
// waits for all sessions before returning.
func (b *BridgeServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.connections.Wait()
				return
			default:
				b.logger.Log("error", "accept failed", "error", err)
				continue
			}
		}

		session := newBridgeSession(b, conn, uuid.NewString())
		b.mu.Lock()
		b.sessions[session.id] = session
		b.mu.Unlock()
		b.metrics.sessionOpened()

		b.connections.Add(1)
		go func() {
			defer b.connections.Done()
			defer func() {
				b.mu.Lock()
				delete(b.sessions, session.id)
				b.mu.Unlock()
				b.metrics.sessionClosed()
			}()
			session.run(ctx)
		}()
	}
}
