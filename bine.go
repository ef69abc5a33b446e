package torgate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cretz/bine/control"
	"github.com/cretz/bine/tor"
)

const (
	// opBineDaemon labels errors originating from BineDaemon.
	opBineDaemon = "BineDaemon"
)

// BineDaemon runs tor through github.com/cretz/bine. With a process.Creator
// configured (WithProcessCreator) tor runs inside the application process,
// which is the embedded setup this package exists for; otherwise bine execs
// the tor binary. Either way bine picks the SOCKS and control ports itself.
//
// Bootstrap progress and notices arrive as STATUS_CLIENT and NOTICE control
// events and are rendered into log lines for the lifecycle controller.
type BineDaemon struct {
	cfg DaemonConfig

	mu     sync.Mutex
	tor    *tor.Tor
	cancel context.CancelFunc
	// procCancel ends the context the tor process was created with.
	procCancel context.CancelFunc
	events chan control.Event
	done   chan struct{}
}

// NewBineDaemon returns a BineDaemon for the given configuration.
func NewBineDaemon(cfg DaemonConfig) *BineDaemon {
	return &BineDaemon{cfg: cfg}
}

// Start implements Daemon. The network stays disabled until the event
// listener is attached so no bootstrap notice is lost.
func (d *BineDaemon) Start(ctx context.Context, hooks DaemonHooks) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tor != nil {
		return newError(ErrDaemonLaunchFailed, opBineDaemon, "daemon already started", nil)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, d.cfg.startupTimeout)
	defer cancelStart()

	// bine ties the process to the context passed to tor.Start, so the
	// process gets its own context that only a failed start cancels.
	procCtx, procCancel := context.WithCancel(context.Background())
	stopWatch := context.AfterFunc(startCtx, procCancel)
	started := false
	defer func() {
		stopWatch()
		if !started {
			procCancel()
		}
	}()

	conf := &tor.StartConf{
		ExePath:        d.cfg.torBinary,
		ProcessCreator: d.cfg.processCreator,
		DataDir:        d.cfg.dataDir,
		ExtraArgs:      d.cfg.extraArgs,
		NoHush:         true,
		EnableNetwork:  false,
	}
	if d.cfg.debugWriter != nil {
		conf.DebugWriter = d.cfg.debugWriter
	}

	d.cfg.logger.Log("info", "starting tor daemon via bine", "data_dir", d.cfg.dataDir, "embedded", d.cfg.processCreator != nil)
	t, err := tor.Start(procCtx, conf)
	if err != nil {
		return newError(ErrDaemonLaunchFailed, opBineDaemon, "bine failed to start tor", err)
	}
	t.StopProcessOnClose = true

	events := make(chan control.Event, 64)
	if err := t.Control.AddEventListener(events, control.EventCodeStatusClient, control.EventCodeLogNotice); err != nil {
		_ = t.Close()
		return newError(ErrControlRequestFail, opBineDaemon, "failed to subscribe to daemon events", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := t.Control.HandleEvents(runCtx); err != nil && runCtx.Err() == nil {
			d.cfg.logger.Log("error", "daemon event stream ended", "error", err)
			hooks.exit(newError(ErrDaemonLaunchFailed, opBineDaemon, "control connection lost", err))
		}
	}()
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case ev := <-events:
				if line := renderEvent(ev); line != "" {
					hooks.log(line)
				}
			}
		}
	}()

	if err := t.EnableNetwork(startCtx, false); err != nil {
		cancel()
		<-done
		_ = t.Close()
		return newError(ErrDaemonLaunchFailed, opBineDaemon, "failed to enable network", err)
	}

	started = true
	d.tor = t
	d.cancel = cancel
	d.procCancel = procCancel
	d.events = events
	d.done = done
	d.cfg.logger.Log("info", "tor daemon started via bine", "control_port", t.ControlPort)
	return nil
}

// GetInfo implements Daemon.
func (d *BineDaemon) GetInfo(_ context.Context, key string) (string, error) {
	t, err := d.running()
	if err != nil {
		return "", err
	}
	vals, err := t.Control.GetInfo(key)
	if err != nil {
		return "", newError(ErrControlRequestFail, opBineDaemon, "GETINFO "+key+" failed", err)
	}
	for _, kv := range vals {
		if kv.Key == key {
			return kv.Val, nil
		}
	}
	return "", newError(ErrControlRequestFail, opBineDaemon, "key not found in GETINFO response", nil)
}

// Signal implements Daemon.
func (d *BineDaemon) Signal(_ context.Context, name string) error {
	t, err := d.running()
	if err != nil {
		return err
	}
	if err := t.Control.Signal(name); err != nil {
		return newError(ErrControlRequestFail, opBineDaemon, "SIGNAL "+name+" failed", err)
	}
	return nil
}

// ControlAuth implements Daemon. Bine enables cookie authentication, which a
// fresh ControlClient discovers through PROTOCOLINFO.
func (d *BineDaemon) ControlAuth() ControlAuth {
	return ControlAuth{}
}

// Stop implements Daemon.
func (d *BineDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tor == nil {
		return nil
	}
	d.cancel()
	<-d.done
	//nolint:errcheck // best-effort: the connection is closed right after.
	d.tor.Control.RemoveEventListener(d.events, control.EventCodeStatusClient, control.EventCodeLogNotice)
	err := d.tor.Close()
	d.procCancel()
	d.tor = nil
	if err != nil {
		return newError(ErrIO, opBineDaemon, "failed to stop tor", err)
	}
	return nil
}

func (d *BineDaemon) running() (*tor.Tor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tor == nil {
		return nil, newError(ErrNotReady, opBineDaemon, "daemon is not running", nil)
	}
	return d.tor, nil
}

// renderEvent turns a bine control event into the text line tor would have
// logged, so both engines feed the lifecycle controller the same way.
func renderEvent(ev control.Event) string {
	switch e := ev.(type) {
	case *control.StatusEvent:
		keys := make([]string, 0, len(e.Arguments))
		for k := range e.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := []string{"STATUS_CLIENT", e.Severity, e.Action}
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Arguments[k]))
		}
		return strings.Join(parts, " ")
	case *control.LogEvent:
		return e.Raw
	default:
		return ""
	}
}
