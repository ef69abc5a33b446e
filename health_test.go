package torgate

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestHealthCheckQueryMethods(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      HealthStatus
		isHealthy   bool
		isDegraded  bool
		isUnhealthy bool
	}{
		{name: "should identify healthy status", status: HealthStatusHealthy, isHealthy: true},
		{name: "should identify degraded status", status: HealthStatusDegraded, isDegraded: true},
		{name: "should identify unhealthy status", status: HealthStatusUnhealthy, isUnhealthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hc := HealthCheck{status: tt.status}

			if hc.IsHealthy() != tt.isHealthy {
				t.Errorf("IsHealthy() = %v, want %v", hc.IsHealthy(), tt.isHealthy)
			}
			if hc.IsDegraded() != tt.isDegraded {
				t.Errorf("IsDegraded() = %v, want %v", hc.IsDegraded(), tt.isDegraded)
			}
			if hc.IsUnhealthy() != tt.isUnhealthy {
				t.Errorf("IsUnhealthy() = %v, want %v", hc.IsUnhealthy(), tt.isUnhealthy)
			}
			if hc.Status() != tt.status {
				t.Errorf("Status() = %v, want %v", hc.Status(), tt.status)
			}
		})
	}
}

func TestHealthCheckString(t *testing.T) {
	t.Parallel()

	hc := HealthCheck{
		status:  HealthStatusDegraded,
		message: "Bridge unhealthy: dial failed",
		latency: 150 * time.Millisecond,
	}
	want := "Health: degraded (Bridge unhealthy: dial failed) - latency: 150ms"
	if got := hc.String(); got != want {
		t.Errorf("String() = %v, want %v", got, want)
	}
}

func TestCheckBridge(t *testing.T) {
	t.Run("should pass when GETINFO succeeds", func(t *testing.T) {
		b := startTestBridge(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if msg := checkBridge(ctx, b.Port()); msg != "" {
			t.Fatalf("expected success, got %q", msg)
		}
	})

	t.Run("should report an error reply", func(t *testing.T) {
		lc := net.ListenConfig{}
		listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to create listener: %v", err)
		}
		defer listener.Close()
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = bufio.NewReader(conn).ReadString('\n')
			_, _ = conn.Write([]byte("552 Unrecognized key\r\n"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg := checkBridge(ctx, listener.Addr().(*net.TCPAddr).Port)
		if !strings.Contains(msg, "552") {
			t.Fatalf("expected the 552 reply in %q", msg)
		}
	})
}

func TestNetworkCheck(t *testing.T) {
	t.Run("should be unhealthy before ready", func(t *testing.T) {
		n := newTestNetwork(t, newFakeDaemon())
		health := n.Check(context.Background())
		if !health.IsUnhealthy() || !strings.Contains(health.Message(), "not ready") {
			t.Fatalf("unexpected health: %s", health)
		}
	})

	t.Run("should be healthy when SOCKS and bridge answer", func(t *testing.T) {
		socks := localListenerPort(t)
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:`+strconv.Itoa(socks)+`"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		health := n.Check(context.Background())
		if !health.IsHealthy() {
			t.Fatalf("expected healthy, got %s", health)
		}
	})

	t.Run("should be degraded when the SOCKS listener is gone", func(t *testing.T) {
		lc := net.ListenConfig{}
		listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to create listener: %v", err)
		}
		closed := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:`+strconv.Itoa(closed)+`"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		health := n.Check(context.Background())
		if !health.IsDegraded() || !strings.Contains(health.Message(), "SOCKS") {
			t.Fatalf("expected degraded SOCKS, got %s", health)
		}
	})
}

