package torgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// opExecDaemon labels errors originating from ExecDaemon.
	opExecDaemon = "ExecDaemon"

	// controlPortFileName is where tor writes its dynamically chosen control address.
	controlPortFileName = "control-port"
	// cookieFileName is the cookie file tor creates inside the data directory.
	cookieFileName = "control_auth_cookie"
	// startupLogLimit caps the output kept for startup error messages.
	startupLogLimit = 64 << 10
)

// DaemonHooks receives what the daemon emits while it runs. Log gets one call
// per log or status line; Exit gets one call when the daemon ends without
// being stopped.
type DaemonHooks struct {
	Log  func(line string)
	Exit func(err error)
}

func (h DaemonHooks) log(line string) {
	if h.Log != nil {
		h.Log(line)
	}
}

func (h DaemonHooks) exit(err error) {
	if h.Exit != nil {
		h.Exit(err)
	}
}

// Daemon is the tor runtime the lifecycle controller drives. Implementations
// pick their own SOCKS and control ports at start; callers learn them only
// through GetInfo.
type Daemon interface {
	// Start launches the daemon and returns once its control interface accepts
	// commands. Log lines are delivered through hooks until Stop.
	Start(ctx context.Context, hooks DaemonHooks) error
	// GetInfo issues a native GETINFO query for key.
	GetInfo(ctx context.Context, key string) (string, error)
	// Signal issues a native SIGNAL command.
	Signal(ctx context.Context, name string) error
	// ControlAuth returns the credentials a fresh control connection needs.
	ControlAuth() ControlAuth
	// Stop terminates the daemon.
	Stop() error
}

// ExecDaemon runs tor as a child process with automatically assigned ports.
// Tor writes the chosen control address to a port file, which ExecDaemon
// reads to open its own cookie-authenticated control connection.
type ExecDaemon struct {
	cfg DaemonConfig

	mu             sync.Mutex
	cmd            *exec.Cmd
	control        *nativeControl
	dataDir        string
	cleanupDataDir bool
	stopping       bool
	exited         chan struct{}
}

// NewExecDaemon returns an ExecDaemon for the given configuration.
func NewExecDaemon(cfg DaemonConfig) *ExecDaemon {
	return &ExecDaemon{cfg: cfg}
}

// Start launches tor and waits until its control port file appears and the
// control connection authenticates, or until the startup timeout elapses.
func (d *ExecDaemon) Start(ctx context.Context, hooks DaemonHooks) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return newError(ErrDaemonLaunchFailed, opExecDaemon, "daemon already started", nil)
	}
	logger := d.cfg.logger

	dataDir, cleanup, err := prepareDataDir(d.cfg.dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && cleanup {
			if rmErr := os.RemoveAll(dataDir); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
		}
	}()

	binPath, err := exec.LookPath(d.cfg.torBinary)
	if err != nil {
		msg := fmt.Sprintf("tor binary not found. Install tor via your package manager (e.g. apt-get install tor, brew install tor). attempted: %q", d.cfg.torBinary)
		return newError(ErrDaemonBinaryNotFound, opExecDaemon, msg, err)
	}

	portFile := filepath.Join(dataDir, controlPortFileName)
	if rmErr := os.Remove(portFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return newError(ErrIO, opExecDaemon, "failed to remove stale control port file", rmErr)
	}

	args := []string{
		"--SocksPort", "auto",
		"--ControlPort", "auto",
		"--ControlPortWriteToFile", portFile,
		"--CookieAuthentication", "1",
		"--CookieAuthFile", filepath.Join(dataDir, cookieFileName),
		"--RunAsDaemon", "0",
		"--DataDirectory", dataDir,
		"--Log", "notice stdout",
	}
	args = append(args, d.cfg.extraArgs...)

	// #nosec G204 -- arguments are fully controlled by validated DaemonConfig.
	// exec.Command (not CommandContext): tor must outlive the start context.
	cmd := exec.Command(binPath, args...) //nolint:noctx
	stdout := &teeWriter{buf: &bytes.Buffer{}, limit: startupLogLimit, reporter: hooks.log}
	stderr := &teeWriter{buf: &bytes.Buffer{}, limit: startupLogLimit, reporter: hooks.log}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	defer stdout.release()
	defer stderr.release()

	attachLogs := func(msg string) string {
		if logged := strings.TrimSpace(stdout.String() + "\n" + stderr.String()); logged != "" {
			return msg + ": " + logged
		}
		return msg
	}

	logger.Log("info", "starting tor daemon", "binary", binPath, "data_dir", dataDir)
	if startErr := cmd.Start(); startErr != nil {
		return newError(ErrDaemonLaunchFailed, opExecDaemon, attachLogs("failed to start tor"), startErr)
	}

	exited := make(chan struct{})
	go func() {
		waitErr := cmd.Wait()
		close(exited)
		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if !stopping {
			logger.Log("error", "tor daemon exited unexpectedly", "error", waitErr)
			hooks.exit(newError(ErrDaemonLaunchFailed, opExecDaemon, "tor exited", waitErr))
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.startupTimeout)
	defer cancel()

	control, waitErr := waitForControl(waitCtx, portFile, exited)
	if waitErr != nil {
		d.stopping = true
		if killErr := killAndWait(cmd, exited); killErr != nil {
			waitErr = errors.Join(waitErr, killErr)
		}
		return newError(ErrDaemonLaunchFailed, opExecDaemon, attachLogs("control port did not become usable"), waitErr)
	}

	d.cmd = cmd
	d.control = control
	d.dataDir = dataDir
	d.cleanupDataDir = cleanup
	d.stopping = false
	d.exited = exited
	logger.Log("info", "tor daemon started", "pid", cmd.Process.Pid)
	return nil
}

// GetInfo implements Daemon.
func (d *ExecDaemon) GetInfo(ctx context.Context, key string) (string, error) {
	control, err := d.controlClient()
	if err != nil {
		return "", err
	}
	return control.GetInfo(ctx, key)
}

// Signal implements Daemon.
func (d *ExecDaemon) Signal(ctx context.Context, name string) error {
	control, err := d.controlClient()
	if err != nil {
		return err
	}
	return control.Signal(ctx, name)
}

// ControlAuth implements Daemon.
func (d *ExecDaemon) ControlAuth() ControlAuth {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dataDir == "" {
		return ControlAuth{}
	}
	return ControlAuthFromCookie(filepath.Join(d.dataDir, cookieFileName))
}

// Stop terminates the tor process and cleans up a temporary data directory.
func (d *ExecDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	d.stopping = true
	var err error
	if d.control != nil {
		if closeErr := d.control.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		d.control = nil
	}
	if killErr := killAndWait(d.cmd, d.exited); killErr != nil {
		err = errors.Join(err, killErr)
	}
	d.cmd = nil
	if d.cleanupDataDir && d.dataDir != "" {
		if rmErr := os.RemoveAll(d.dataDir); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}
	d.dataDir = ""
	d.cleanupDataDir = false
	return err
}

func (d *ExecDaemon) controlClient() (*nativeControl, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.control == nil {
		return nil, newError(ErrNotReady, opExecDaemon, "daemon is not running", nil)
	}
	return d.control, nil
}

// prepareDataDir returns the directory to use and whether it is temporary.
func prepareDataDir(dir string) (string, bool, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "torgate-tor-data-*")
		if err != nil {
			return "", false, newError(ErrIO, opExecDaemon, "failed to create data directory", err)
		}
		return tmp, true, nil
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", false, newError(ErrIO, opExecDaemon, "failed to create data directory "+dir, err)
	}
	return dir, false, nil
}

// waitForControl polls for the control port file, then dials and
// authenticates a control connection against the address it names.
func waitForControl(ctx context.Context, portFile string, exited <-chan struct{}) (*nativeControl, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, newError(ErrTimeout, "waitForControl", "timed out waiting for control port", lastErr)
		case <-exited:
			return nil, newError(ErrDaemonLaunchFailed, "waitForControl", "tor exited during startup", nil)
		case <-ticker.C:
			addr, err := readControlPortFile(portFile)
			if err != nil {
				lastErr = err
				continue
			}
			client, err := dialNativeControl(ctx, addr, defaultControlTimeout)
			if err != nil {
				lastErr = err
				continue
			}
			return client, nil
		}
	}
}

// readControlPortFile parses tor's ControlPortWriteToFile output
// ("PORT=127.0.0.1:41234").
func readControlPortFile(path string) (string, error) {
	// #nosec G304 -- path is inside the daemon's own data directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if addr, ok := strings.CutPrefix(strings.TrimSpace(line), "PORT="); ok {
			if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
				return "", splitErr
			}
			return addr, nil
		}
	}
	return "", fmt.Errorf("no PORT= line in %s", path)
}

// teeWriter reports each line via callback. Until release it also keeps up
// to limit bytes of output in buf (no limit when zero).
type teeWriter struct {
	buf      *bytes.Buffer
	limit    int
	reporter func(string)
	partial  []byte
	mu       sync.Mutex
}

// Write implements io.Writer, buffering lines and reporting them.
func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf != nil {
		room := len(p)
		if w.limit > 0 {
			room = min(room, w.limit-w.buf.Len())
		}
		if room > 0 {
			_, _ = w.buf.Write(p[:room])
		}
	}

	if w.reporter != nil {
		data := append(w.partial, p...)
		lines := bytes.Split(data, []byte("\n"))

		// All but the last element are complete lines
		for i := range len(lines) - 1 {
			w.reporter(strings.TrimRight(string(lines[i]), "\r"))
		}

		// Keep the last partial line for next write
		w.partial = append([]byte(nil), lines[len(lines)-1]...)
	}

	return len(p), nil
}

// String returns the buffered output.
func (w *teeWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return ""
	}
	return w.buf.String()
}

// release stops buffering; later output is only reported.
func (w *teeWriter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = nil
}

// killAndWait kills the process and waits for the reaper goroutine.
func killAndWait(cmd *exec.Cmd, exited <-chan struct{}) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	if exited != nil {
		<-exited
	}
	return nil
}
