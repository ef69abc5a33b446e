package torgate

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	// opPortDiscovery labels errors originating from PortDiscovery.
	opPortDiscovery = "PortDiscovery"

	infoSocksListeners   = "net/listeners/socks"
	infoControlListeners = "net/listeners/control"
	infoBootstrapPhase   = "status/bootstrap-phase"

	// maxFallbackPorts bounds the degraded SOCKS probe.
	maxFallbackPorts    = 5
	defaultProbeTimeout = 300 * time.Millisecond
)

// PortDiscovery learns the daemon's dynamically assigned listener ports
// through native GETINFO queries.
type PortDiscovery struct {
	daemon        Daemon
	logger        Logger
	fallbackPorts []int
	probeTimeout  time.Duration
	probeHost     string
}

// NewPortDiscovery returns a PortDiscovery that queries daemon. At most five
// fallbackPorts are kept for the degraded SOCKS probe.
func NewPortDiscovery(daemon Daemon, logger Logger, fallbackPorts []int) *PortDiscovery {
	if logger == nil {
		logger = noopLogger{}
	}
	if len(fallbackPorts) > maxFallbackPorts {
		fallbackPorts = fallbackPorts[:maxFallbackPorts]
	}
	return &PortDiscovery{
		daemon:        daemon,
		logger:        logger,
		fallbackPorts: append([]int(nil), fallbackPorts...),
		probeTimeout:  defaultProbeTimeout,
		probeHost:     "127.0.0.1",
	}
}

// QuerySocksPort asks the daemon for its SOCKS listener.
func (p *PortDiscovery) QuerySocksPort(ctx context.Context) (int, error) {
	return p.queryListener(ctx, infoSocksListeners)
}

// QueryControlPort asks the daemon for its control listener.
func (p *PortDiscovery) QueryControlPort(ctx context.Context) (int, error) {
	return p.queryListener(ctx, infoControlListeners)
}

// DiscoverSocksPort asks the daemon for its SOCKS listener and, only if that
// fails, probes the configured fallback ports. The probe may attach to an
// unrelated listener on a shared host and is logged as a degraded path.
func (p *PortDiscovery) DiscoverSocksPort(ctx context.Context) (int, error) {
	port, err := p.QuerySocksPort(ctx)
	if err == nil {
		return port, nil
	}
	p.logger.Log("warn", "SOCKS port query failed, probing fallback ports (degraded)", "error", err, "ports", p.fallbackPorts)
	port, probeErr := p.probeFallback(ctx)
	if probeErr != nil {
		return 0, probeErr
	}
	p.logger.Log("warn", "using SOCKS port found by fallback probe (degraded)", "socks_port", port)
	return port, nil
}

func (p *PortDiscovery) queryListener(ctx context.Context, key string) (int, error) {
	value, err := p.daemon.GetInfo(ctx, key)
	if err != nil {
		return 0, err
	}
	port, ok := parseListenerPort(value)
	if !ok {
		return 0, newError(ErrProtocol, opPortDiscovery, "no host:port in "+key+" answer: "+value, nil)
	}
	return port, nil
}

// probeFallback dials each fallback port once with a short timeout.
func (p *PortDiscovery) probeFallback(ctx context.Context) (int, error) {
	dialer := &net.Dialer{Timeout: p.probeTimeout}
	for _, port := range p.fallbackPorts {
		if err := ctx.Err(); err != nil {
			return 0, newError(ErrTimeout, opPortDiscovery, "fallback probe cancelled", err)
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.probeHost, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		return port, nil
	}
	return 0, newError(ErrNotReady, opPortDiscovery, "no SOCKS port found", nil)
}
