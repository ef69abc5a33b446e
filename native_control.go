package torgate

import (
	"context"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/cretz/bine/control"
)

const (
	// opNativeControl labels errors originating from nativeControl.
	opNativeControl = "nativeControl"
)

// nativeControl is the daemon's own control connection, used for GETINFO and
// SIGNAL. It speaks through bine's control.Conn; the bridge keeps using
// ControlClient because it relays raw reply lines.
type nativeControl struct {
	mu      sync.Mutex
	raw     net.Conn
	conn    *control.Conn
	timeout time.Duration
}

// dialNativeControl connects to addr and authenticates with whatever method
// PROTOCOLINFO advertises (NULL, COOKIE or SAFECOOKIE).
func dialNativeControl(ctx context.Context, addr string, timeout time.Duration) (*nativeControl, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(ErrControlRequestFail, opNativeControl, "failed to dial ControlPort", err)
	}
	nc := &nativeControl{raw: raw, conn: control.NewConn(textproto.NewConn(raw)), timeout: timeout}
	if err := nc.do(ctx, func(c *control.Conn) error { return c.Authenticate("") }); err != nil {
		_ = nc.Close()
		return nil, newError(ErrControlAuthFailed, opNativeControl, "AUTHENTICATE rejected", err)
	}
	return nc, nil
}

// GetInfo returns the raw value tor reports for key.
func (n *nativeControl) GetInfo(ctx context.Context, key string) (string, error) {
	var vals []*control.KeyVal
	err := n.do(ctx, func(c *control.Conn) error {
		var err error
		vals, err = c.GetInfo(key)
		return err
	})
	if err != nil {
		return "", newError(ErrControlRequestFail, opNativeControl, "GETINFO "+key+" failed", err)
	}
	for _, kv := range vals {
		if kv.Key == key {
			return kv.Val, nil
		}
	}
	return "", newError(ErrControlRequestFail, opNativeControl, "key not found in GETINFO response", nil)
}

// Signal sends SIGNAL name.
func (n *nativeControl) Signal(ctx context.Context, name string) error {
	if err := n.do(ctx, func(c *control.Conn) error { return c.Signal(name) }); err != nil {
		return newError(ErrControlRequestFail, opNativeControl, "SIGNAL "+name+" failed", err)
	}
	return nil
}

// Close closes the connection.
func (n *nativeControl) Close() error {
	return n.conn.Close()
}

// do runs fn with a deadline taken from ctx, or from the configured timeout
// when ctx has none. Cancelling ctx interrupts fn. Requests are serialized.
func (n *nativeControl) do(ctx context.Context, fn func(*control.Conn) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && n.timeout > 0 {
		deadline = time.Now().Add(n.timeout)
	}
	if err := n.raw.SetDeadline(deadline); err != nil {
		return err
	}
	//nolint:errcheck // best-effort reset to no deadline.
	defer n.raw.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		//nolint:errcheck // unblocks the pending read.
		n.raw.SetDeadline(time.Now())
	})
	defer stop()
	return fn(n.conn)
}
