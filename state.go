package torgate

import (
	"regexp"
	"strconv"
	"sync"
)

// DaemonState is the coarse lifecycle state of the managed tor daemon.
//
// Within one run the state moves forward only:
//
//	stopped -> starting -> bootstrapping -> ready -> stopping -> stopped
//
// with error reachable from any state. A late bootstrap notice never moves a
// ready daemon back to bootstrapping.
type DaemonState int

// DaemonState values.
const (
	StateStopped DaemonState = iota
	StateStarting
	StateBootstrapping
	StateReady
	StateStopping
	StateError
)

// String returns the lower-case state name.
func (s DaemonState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// running reports whether the daemon has been started and not stopped since.
func (s DaemonState) running() bool {
	return s == StateStarting || s == StateBootstrapping || s == StateReady
}

// PortInfo holds the daemon's dynamically assigned listener ports. Zero means
// the port has not been discovered yet.
type PortInfo struct {
	// SocksPort is the SOCKS listener port.
	SocksPort int
	// ControlPort is the control listener port.
	ControlPort int
}

// Snapshot is a consistent view of the lifecycle state at one instant.
type Snapshot struct {
	// State is the lifecycle state.
	State DaemonState
	// Progress is the last reported bootstrap percentage (0-100).
	Progress int
	// Ports holds the discovered listener ports.
	Ports PortInfo
	// LastError describes the failure that moved the state to error, if any.
	LastError string
	// Run identifies the daemon run; it grows with every start.
	Run uint64
}

// Ready reports whether the daemon is ready and its SOCKS port is known.
// Both halves are read from the same snapshot, so a caller never sees one
// updated without the other.
func (s Snapshot) Ready() bool {
	return s.State == StateReady && s.Ports.SocksPort != 0
}

// stateCell stores a Snapshot and broadcasts changes by closing a channel.
type stateCell struct {
	mu      sync.Mutex
	snap    Snapshot
	changed chan struct{}
}

func newStateCell() *stateCell {
	return &stateCell{changed: make(chan struct{})}
}

// load returns the current snapshot.
func (c *stateCell) load() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// watch returns the current snapshot and a channel closed on the next change.
func (c *stateCell) watch() (Snapshot, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.changed
}

// update applies fn to a copy of the snapshot and publishes it when fn
// reports a change. Identical values are no-ops.
func (c *stateCell) update(fn func(*Snapshot)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap
	fn(&next)
	if next == c.snap {
		return false
	}
	c.snap = next
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

var (
	bootstrapNoticeRe = regexp.MustCompile(`Bootstrapped (\d{1,3})%`)
	bootstrapStatusRe = regexp.MustCompile(`BOOTSTRAP\b.*\bPROGRESS=(\d{1,3})`)
	openedListenerRe  = regexp.MustCompile(`Opened (Socks|Control) listener connection \(ready\) on (?:[0-9.]+|\[[0-9A-Fa-f:]+\]):(\d+)`)
	legacyListenerRe  = regexp.MustCompile(`(Socks|Control) listener listening on port (\d+)`)
	hostPortRe        = regexp.MustCompile(`(?:[0-9.]+|\[[0-9A-Fa-f:]+\]|localhost):(\d{1,5})`)
)

// ParseBootstrapProgress extracts the bootstrap percentage from a tor notice
// ("Bootstrapped 45% (loading_descriptors): ...") or a STATUS_CLIENT event
// ("... BOOTSTRAP PROGRESS=45 TAG=...").
func ParseBootstrapProgress(line string) (int, bool) {
	for _, re := range []*regexp.Regexp{bootstrapNoticeRe, bootstrapStatusRe} {
		if m := re.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil || n > 100 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// parseListenerNotice recognises tor's "listener opened" notices and returns
// which listener ("Socks" or "Control") and its port.
func parseListenerNotice(line string) (string, int, bool) {
	for _, re := range []*regexp.Regexp{openedListenerRe, legacyListenerRe} {
		if m := re.FindStringSubmatch(line); m != nil {
			port, err := strconv.Atoi(m[2])
			if err != nil || !validPort(port) {
				return "", 0, false
			}
			return m[1], port, true
		}
	}
	return "", 0, false
}

// parseListenerPort returns the port of the first host:port pattern in value,
// as found in GETINFO net/listeners/* answers ("\"127.0.0.1:9050\"").
func parseListenerPort(value string) (int, bool) {
	m := hostPortRe.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || !validPort(port) {
		return 0, false
	}
	return port, true
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
