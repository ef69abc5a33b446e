package torgate

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

func newTestNetwork(t *testing.T, daemon *fakeDaemon, opts ...Option) *Network {
	t.Helper()
	opts = append([]Option{
		WithBootstrapTimeout(5 * time.Second),
		WithRetry(3, time.Millisecond),
		WithStatusPollInterval(10 * time.Millisecond),
	}, opts...)
	cfg, err := NewConfig(opts...)
	if err != nil {
		t.Fatalf("failed to build config: %v", err)
	}
	n := newNetwork(cfg, daemon)
	if err := n.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// startReady runs Start and completes bootstrap once the daemon is launched.
func startReady(t *testing.T, n *Network, daemon *fakeDaemon) BootstrapResult {
	t.Helper()
	go func() {
		deadline := time.Now().Add(testWait)
		for daemon.startCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		daemon.emit("Bootstrapped 100% (done): Done")
	}()
	return n.Start(context.Background())
}

func localListenerPort(t *testing.T) int {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestNetworkInitialize(t *testing.T) {
	t.Run("should start the bridge without starting the daemon", func(t *testing.T) {
		daemon := newFakeDaemon()
		n := newTestNetwork(t, daemon)

		st := n.Status()
		if st.BridgePort == 0 {
			t.Fatal("expected a bridge port")
		}
		if st.State != StateStopped || daemon.startCount() != 0 {
			t.Fatalf("expected stopped daemon, got %s with %d starts", st.State, daemon.startCount())
		}
		if err := n.Initialize(context.Background()); err != nil {
			t.Fatalf("second initialize must be a no-op, got %v", err)
		}
	})

	t.Run("should refuse a cancelled context", func(t *testing.T) {
		cfg, err := NewConfig()
		if err != nil {
			t.Fatalf("failed to build config: %v", err)
		}
		n := newNetwork(cfg, newFakeDaemon())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := n.Initialize(ctx); !isKind(err, ErrTimeout) {
			t.Fatalf("expected timeout error, got %v", err)
		}
		if n.HiddenServiceInfo() != nil || n.BridgeMetrics() != (BridgeMetrics{}) {
			t.Fatal("expected no bridge state")
		}
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		cfg := Config{engine: "docker"}
		if _, err := NewNetwork(cfg); !isKind(err, ErrInvalidConfig) {
			t.Fatalf("expected invalid config, got %v", err)
		}
	})
}

func TestNetworkStart(t *testing.T) {
	t.Run("should publish the proxy and library config once ready", func(t *testing.T) {
		dir := t.TempDir()
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon, WithLibraryConfigDir(dir))

		res := startReady(t, n, daemon)
		if res.Outcome != BootstrapReady || res.SocksPort != 9050 {
			t.Fatalf("expected ready(9050), got %s", res)
		}

		waitFor(t, testWait, "proxy config", func() bool {
			_, ok := n.SocksProxyConfig()
			return ok
		})
		cfg, _ := n.SocksProxyConfig()
		if cfg.Addr() != "127.0.0.1:9050" {
			t.Fatalf("unexpected proxy address %s", cfg.Addr())
		}
		if _, ok := n.ProxyDialer().(proxy.ContextDialer); !ok {
			t.Fatal("expected a SOCKS dialer")
		}

		bridgePort := n.Status().BridgePort
		for _, path := range []string{
			filepath.Join(dir, "external_tor.config"),
			filepath.Join(dir, "tor", "external_tor.config"),
		} {
			var data []byte
			waitFor(t, testWait, path, func() bool {
				var err error
				data, err = os.ReadFile(path)
				return err == nil
			})
			want := "UseExternalTor 1\nControlPort " + strconv.Itoa(bridgePort) + "\nSocksPort 9050\nCookieAuthentication 0\n"
			if string(data) != want {
				t.Fatalf("unexpected config in %s:\n%s", path, data)
			}
		}
	})

	t.Run("should point the bridge at the daemon's control port", func(t *testing.T) {
		upstream := startMockControlServer(t, func(cmd string) []string {
			if cmd == "GETINFO version" {
				return []string{"250-version=0.4.8.10", "250 OK"}
			}
			return nil
		})
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		daemon.setInfo(infoControlListeners, `"127.0.0.1:`+strconv.Itoa(upstream.port())+`"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		waitFor(t, testWait, "control port", func() bool { return n.Status().ControlPort == upstream.port() })

		// The upstream is set by the watcher after the port is recorded.
		var reply []string
		waitFor(t, testWait, "relayed reply", func() bool {
			conn, r := dialControl(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(n.Status().BridgePort)))
			reply = roundTrip(t, conn, r, "GETINFO version")
			_ = conn.Close()
			return len(reply) == 2
		})
		if reply[0] != "250-version=0.4.8.10" {
			t.Fatalf("unexpected reply: %v", reply)
		}
	})

	t.Run("should report failure after every attempt fails", func(t *testing.T) {
		daemon := newFakeDaemon()
		boom := errors.New("exec: tor: not found")
		daemon.startErrs = []error{boom, boom, boom}
		n := newTestNetwork(t, daemon)

		res := n.Start(context.Background())
		if res.Outcome != BootstrapFailed || daemon.startCount() != 3 {
			t.Fatalf("expected failure after 3 starts, got %s with %d starts", res, daemon.startCount())
		}
		if _, ok := n.SocksProxyConfig(); ok {
			t.Fatal("proxy must not be configured")
		}
		if n.ProxyDialer() != proxy.Direct {
			t.Fatal("expected direct dialer")
		}
	})

	t.Run("should clear the proxy on stop", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		waitFor(t, testWait, "proxy config", func() bool {
			_, ok := n.SocksProxyConfig()
			return ok
		})
		n.Stop()

		if _, ok := n.SocksProxyConfig(); ok {
			t.Fatal("proxy must be cleared after stop")
		}
		if n.Status().State != StateStopped {
			t.Fatalf("expected stopped, got %s", n.Status().State)
		}
	})

	t.Run("should clear the proxy when the daemon dies", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		waitFor(t, testWait, "proxy config", func() bool {
			_, ok := n.SocksProxyConfig()
			return ok
		})
		daemon.mu.Lock()
		hooks := daemon.hooks
		daemon.mu.Unlock()
		hooks.exit(errors.New("exit status 1"))

		waitFor(t, testWait, "proxy cleared", func() bool {
			_, ok := n.SocksProxyConfig()
			return !ok
		})
		if st := n.Status(); st.State != StateError || !strings.Contains(st.LastError, "exit status 1") {
			t.Fatalf("unexpected status: %+v", st)
		}
	})
}

func TestNetworkRestart(t *testing.T) {
	t.Run("should follow the new daemon's ports after a restart", func(t *testing.T) {
		versionReply := func(version string) func(string) []string {
			return func(cmd string) []string {
				if cmd == "GETINFO version" {
					return []string{"250-version=" + version, "250 OK"}
				}
				return nil
			}
		}
		first := startMockControlServer(t, versionReply("0.4.8.9"))
		second := startMockControlServer(t, versionReply("0.4.8.10"))
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		daemon.setInfo(infoControlListeners, `"127.0.0.1:`+strconv.Itoa(first.port())+`"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		waitFor(t, testWait, "first control port", func() bool { return n.Status().ControlPort == first.port() })

		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9150"`)
		daemon.setInfo(infoControlListeners, `"127.0.0.1:`+strconv.Itoa(second.port())+`"`)
		n.Restart(context.Background())
		if daemon.startCount() != 2 || daemon.stopCount() != 1 {
			t.Fatalf("expected stop+start, starts=%d stops=%d", daemon.startCount(), daemon.stopCount())
		}
		daemon.emit("Bootstrapped 100% (done): Done")

		waitFor(t, testWait, "second control port", func() bool { return n.Status().ControlPort == second.port() })
		waitFor(t, testWait, "new proxy", func() bool {
			cfg, ok := n.SocksProxyConfig()
			return ok && cfg.Port == 9150
		})

		bridgeAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(n.Status().BridgePort))
		var reply []string
		waitFor(t, testWait, "reply from the restarted daemon", func() bool {
			conn, r := dialControl(t, bridgeAddr)
			reply = roundTrip(t, conn, r, "GETINFO version")
			_ = conn.Close()
			return len(reply) == 2 && reply[0] == "250-version=0.4.8.10"
		})
	})

	t.Run("should drop the proxy while the restarted daemon bootstraps", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon)

		startReady(t, n, daemon)
		waitFor(t, testWait, "proxy config", func() bool {
			_, ok := n.SocksProxyConfig()
			return ok
		})
		n.Restart(context.Background())

		waitFor(t, testWait, "proxy cleared", func() bool {
			_, ok := n.SocksProxyConfig()
			return !ok
		})
		if st := n.Status(); st.State != StateStarting || st.Ready {
			t.Fatalf("unexpected status: %+v", st)
		}
	})
}

func TestNetworkIdentity(t *testing.T) {
	t.Run("should refuse a new identity before ready", func(t *testing.T) {
		n := newTestNetwork(t, newFakeDaemon())
		if err := n.NewIdentity(context.Background()); !isKind(err, ErrNotReady) {
			t.Fatalf("expected not ready, got %v", err)
		}
	})

	t.Run("should rotate identities on a schedule once ready", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon, WithNewIdentityInterval(-1))

		startReady(t, n, daemon)
		if err := n.StartIdentityRotation(context.Background(), 10*time.Millisecond); err != nil {
			t.Fatalf("failed to start rotation: %v", err)
		}
		waitFor(t, testWait, "two NEWNYM signals", func() bool {
			daemon.mu.Lock()
			defer daemon.mu.Unlock()
			return len(daemon.signals) >= 2
		})
		n.StopIdentityRotation()
		if n.rotator.IsRunning() {
			t.Fatal("rotation must stop")
		}
	})
}

func TestNetworkSubscribe(t *testing.T) {
	t.Run("should stream the current status and then changes", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		updates := n.Subscribe(ctx)
		first := <-updates
		if first.State != StateStopped {
			t.Fatalf("expected stopped first, got %s", first.State)
		}

		startReady(t, n, daemon)
		deadline := time.After(testWait)
		for {
			select {
			case st := <-updates:
				if st.Ready {
					if st.SocksPort != 9050 {
						t.Fatalf("unexpected status: %+v", st)
					}
					return
				}
			case <-deadline:
				t.Fatal("never saw a ready status")
			}
		}
	})

	t.Run("should close the stream when the context ends", func(t *testing.T) {
		n := newTestNetwork(t, newFakeDaemon())
		ctx, cancel := context.WithCancel(context.Background())
		updates := n.Subscribe(ctx)
		<-updates
		cancel()

		select {
		case _, ok := <-updates:
			if ok {
				// A change may race the cancellation; the next read must see the close.
				if _, ok := <-updates; ok {
					t.Fatal("expected the stream to close")
				}
			}
		case <-time.After(testWait):
			t.Fatal("stream was not closed")
		}
	})
}

func TestNetworkClose(t *testing.T) {
	t.Run("should close right after initialize", func(t *testing.T) {
		cfg, err := NewConfig()
		if err != nil {
			t.Fatalf("failed to build config: %v", err)
		}
		for i := 0; i < 20; i++ {
			n := newNetwork(cfg, newFakeDaemon())
			if err := n.Initialize(context.Background()); err != nil {
				t.Fatalf("failed to initialize: %v", err)
			}
			closed := make(chan error, 1)
			go func() { closed <- n.Close() }()
			select {
			case err := <-closed:
				if err != nil {
					t.Fatalf("close failed: %v", err)
				}
			case <-time.After(testWait):
				t.Fatal("close did not return")
			}
		}
	})

	t.Run("should stop everything and tolerate a second close", func(t *testing.T) {
		daemon := newFakeDaemon()
		daemon.setInfo(infoSocksListeners, `"127.0.0.1:9050"`)
		n := newTestNetwork(t, daemon)
		startReady(t, n, daemon)
		bridgePort := n.Status().BridgePort

		if err := n.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if err := n.Close(); err != nil {
			t.Fatalf("second close failed: %v", err)
		}
		if daemon.stopCount() != 1 {
			t.Fatalf("expected one daemon stop, got %d", daemon.stopCount())
		}
		d := net.Dialer{Timeout: 200 * time.Millisecond}
		if conn, err := d.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(bridgePort))); err == nil {
			conn.Close()
			t.Fatal("bridge must stop listening")
		}
	})
}
