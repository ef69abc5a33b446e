package torgate

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockControlServer is an in-process stand-in for tor's ControlPort. It
// accepts NULL authentication and answers commands through handler.
type mockControlServer struct {
	t        *testing.T
	listener net.Listener
	handler  func(cmd string) []string

	mu         sync.Mutex
	rejectAuth bool
	commands   []string
	conns      []*mockControlConn
	wg         sync.WaitGroup
}

type mockControlConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *mockControlConn) write(lines ...string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line + "\r\n")
	}
	_, _ = c.conn.Write([]byte(b.String())) //nolint:errcheck // test mock
}

// startMockControlServer listens on 127.0.0.1:0. handler may be nil, in
// which case every command gets "250 OK".
func startMockControlServer(t *testing.T, handler func(cmd string) []string) *mockControlServer {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	m := &mockControlServer{t: t, listener: listener, handler: handler}
	m.wg.Add(1)
	go m.acceptLoop()
	t.Cleanup(m.close)
	return m
}

func (m *mockControlServer) addr() string { return m.listener.Addr().String() }

func (m *mockControlServer) port() int { return m.listener.Addr().(*net.TCPAddr).Port }

func (m *mockControlServer) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		mc := &mockControlConn{conn: conn}
		m.mu.Lock()
		m.conns = append(m.conns, mc)
		m.mu.Unlock()
		m.wg.Add(1)
		go m.serve(mc)
	}
}

func (m *mockControlServer) serve(mc *mockControlConn) {
	defer m.wg.Done()
	defer mc.conn.Close()
	reader := bufio.NewReader(mc.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		m.mu.Unlock()
		mc.write(m.reply(cmd)...)
	}
}

func (m *mockControlServer) reply(cmd string) []string {
	verb, _ := splitCommand(cmd)
	switch verb {
	case "PROTOCOLINFO":
		return []string{
			"250-PROTOCOLINFO 1",
			"250-AUTH METHODS=NULL",
			`250-VERSION Tor="0.4.8.10"`,
			"250 OK",
		}
	case "AUTHENTICATE":
		m.mu.Lock()
		reject := m.rejectAuth
		m.mu.Unlock()
		if reject {
			return []string{"515 Authentication failed: Password did not match HashedControlPassword value from configuration"}
		}
		return []string{"250 OK"}
	}
	if m.handler != nil {
		if lines := m.handler(cmd); lines != nil {
			return lines
		}
	}
	return []string{"250 OK"}
}

// setRejectAuth makes AUTHENTICATE fail with 515.
func (m *mockControlServer) setRejectAuth(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAuth = reject
}

// received returns the commands seen so far, in order.
func (m *mockControlServer) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// countVerb counts received commands with the given verb.
func (m *mockControlServer) countVerb(verb string) int {
	n := 0
	for _, cmd := range m.received() {
		if v, _ := splitCommand(cmd); v == verb {
			n++
		}
	}
	return n
}

// connections returns the number of connections accepted so far.
func (m *mockControlServer) connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// sendEvent writes an unsolicited reply to every open connection.
func (m *mockControlServer) sendEvent(lines ...string) {
	m.mu.Lock()
	conns := append([]*mockControlConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		c.write(lines...)
	}
}

func (m *mockControlServer) close() {
	_ = m.listener.Close()
	m.mu.Lock()
	for _, c := range m.conns {
		_ = c.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// fakeDaemon is a scripted Daemon.
type fakeDaemon struct {
	mu        sync.Mutex
	startErrs []error
	starts    int
	stops     int
	hooks     DaemonHooks
	info      map[string]string
	infoErr   error
	signals   []string
	signalErr error
	auth      ControlAuth
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{info: make(map[string]string)}
}

func (d *fakeDaemon) Start(_ context.Context, hooks DaemonHooks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.hooks = hooks
	if len(d.startErrs) > 0 {
		err := d.startErrs[0]
		d.startErrs = d.startErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDaemon) GetInfo(_ context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.infoErr != nil {
		return "", d.infoErr
	}
	v, ok := d.info[key]
	if !ok {
		return "", newError(ErrControlRequestFail, "fakeDaemon", "552 Unrecognized key", nil)
	}
	return v, nil
}

func (d *fakeDaemon) Signal(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals = append(d.signals, name)
	return d.signalErr
}

func (d *fakeDaemon) ControlAuth() ControlAuth { return d.auth }

func (d *fakeDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDaemon) setInfo(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info[key] = value
}

// emit feeds a log line through the hooks of the last Start.
func (d *fakeDaemon) emit(line string) {
	d.mu.Lock()
	hooks := d.hooks
	d.mu.Unlock()
	hooks.log(line)
}

func (d *fakeDaemon) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *fakeDaemon) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// dialControl connects a raw client to addr.
func dialControl(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

// roundTrip writes cmd and reads one reply.
func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, cmd string) []string {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write %q: %v", cmd, err)
	}
	reply, err := ReadResponse(r)
	if err != nil {
		t.Fatalf("failed to read reply to %q: %v", cmd, err)
	}
	return reply
}

// logEntry is one call captured by recordLogger.
type logEntry struct {
	level string
	msg   string
	kv    []any
}

// recordLogger captures log calls for assertions.
type recordLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordLogger) Log(level string, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, kv: keysAndValues})
}

// has reports whether an entry at level contains substr in its message.
func (l *recordLogger) has(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}
