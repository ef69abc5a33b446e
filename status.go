package torgate

import (
	"net"
	"strconv"

	"golang.org/x/net/proxy"
)

// Status is the facade's view of the subsystem at one instant.
type Status struct {
	// State is the daemon lifecycle state.
	State DaemonState
	// Progress is the last reported bootstrap percentage (0-100).
	Progress int
	// SocksPort is the daemon's SOCKS port, or 0 while unknown.
	SocksPort int
	// ControlPort is the daemon's real control port, or 0 while unknown.
	ControlPort int
	// BridgePort is the port client libraries use as the control port.
	BridgePort int
	// HiddenServiceHostname is the first onion service created through the
	// bridge, if any.
	HiddenServiceHostname string
	// Ready reports whether the daemon is ready and its SOCKS port is known.
	Ready bool
	// LastError describes the failure behind StateError.
	LastError string
}

// SocksProxyConfig is where the application should send outbound traffic.
type SocksProxyConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c SocksProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dialer returns a SOCKS5 dialer through the proxy. forward is used to reach
// the proxy itself; nil means a direct connection.
func (c SocksProxyConfig) Dialer(forward proxy.Dialer) (proxy.Dialer, error) {
	if forward == nil {
		forward = proxy.Direct
	}
	dialer, err := proxy.SOCKS5("tcp", c.Addr(), nil, forward)
	if err != nil {
		return nil, newError(ErrInvalidConfig, "SocksProxyConfig", "failed to build SOCKS5 dialer for "+c.Addr(), err)
	}
	return dialer, nil
}

func newStatus(snap Snapshot, bridgePort int, services []HiddenServiceInfo) Status {
	st := Status{
		State:       snap.State,
		Progress:    snap.Progress,
		SocksPort:   snap.Ports.SocksPort,
		ControlPort: snap.Ports.ControlPort,
		BridgePort:  bridgePort,
		Ready:       snap.Ready(),
		LastError:   snap.LastError,
	}
	if len(services) > 0 {
		st.HiddenServiceHostname = services[0].Hostname
	}
	return st
}
