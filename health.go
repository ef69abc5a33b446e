package torgate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthStatus is the coarse health of the subsystem.
type HealthStatus string

const (
	// HealthStatusHealthy means the SOCKS port and the bridge both answer.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded means one of them answers.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy means neither answers or the daemon is not ready.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the result of Network.Check.
type HealthCheck struct {
	status    HealthStatus
	message   string
	timestamp time.Time
	latency   time.Duration
}

// IsHealthy reports whether every probe passed.
func (h HealthCheck) IsHealthy() bool { return h.status == HealthStatusHealthy }

// IsDegraded reports whether some probes failed.
func (h HealthCheck) IsDegraded() bool { return h.status == HealthStatusDegraded }

// IsUnhealthy reports whether the subsystem is unusable.
func (h HealthCheck) IsUnhealthy() bool { return h.status == HealthStatusUnhealthy }

// Status returns the overall health status.
func (h HealthCheck) Status() HealthStatus { return h.status }

// Message explains the status.
func (h HealthCheck) Message() string { return h.message }

// Timestamp is when the check started.
func (h HealthCheck) Timestamp() time.Time { return h.timestamp }

// Latency is how long the check took.
func (h HealthCheck) Latency() time.Duration { return h.latency }

func (h HealthCheck) String() string {
	return fmt.Sprintf("Health: %s (%s) - latency: %v",
		h.status, h.message, h.latency.Round(time.Millisecond))
}

// Check probes the SOCKS listener with a TCP connect and the bridge with a
// GETINFO round trip. A daemon that is not ready is unhealthy without probing.
//
//	health := network.Check(ctx)
//	if !health.IsHealthy() {
//	    log.Printf("network unhealthy: %s", health.Message())
//	}
func (n *Network) Check(ctx context.Context) HealthCheck {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	result := func(status HealthStatus, msg string) HealthCheck {
		return HealthCheck{status: status, message: msg, timestamp: start, latency: time.Since(start)}
	}

	st := n.Status()
	if !st.Ready {
		return result(HealthStatusUnhealthy, "daemon not ready: "+st.State.String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()

	socksErr := checkSocksListener(checkCtx, st.SocksPort)
	bridgeErr := "bridge not initialized"
	if st.BridgePort != 0 {
		bridgeErr = checkBridge(checkCtx, st.BridgePort)
	}

	switch {
	case socksErr == "" && bridgeErr == "":
		return result(HealthStatusHealthy, "All checks passed")
	case socksErr != "" && bridgeErr != "":
		return result(HealthStatusUnhealthy, fmt.Sprintf("SOCKS: %s, Bridge: %s", socksErr, bridgeErr))
	case socksErr != "":
		return result(HealthStatusDegraded, "SOCKS unhealthy: "+socksErr)
	default:
		return result(HealthStatusDegraded, "Bridge unhealthy: "+bridgeErr)
	}
}

// checkSocksListener returns an empty string when the port accepts connections.
func checkSocksListener(ctx context.Context, port int) string {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Sprintf("dial failed: %v", err)
	}
	_ = conn.Close()
	return ""
}

// checkBridge returns an empty string when the bridge answers GETINFO with a
// success reply.
func checkBridge(ctx context.Context, port int) string {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Sprintf("dial failed: %v", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if err := writeLines(rw.Writer, "GETINFO "+infoSocksListeners); err != nil {
		return fmt.Sprintf("write failed: %v", err)
	}
	reply, err := ReadResponse(rw.Reader)
	if err != nil {
		return fmt.Sprintf("read failed: %v", err)
	}
	if !IsSuccessReply(reply) {
		return "unexpected reply: " + reply[len(reply)-1]
	}
	_ = writeLines(rw.Writer, "QUIT")
	return ""
}
