package torgate

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// opControlClient labels errors originating from ControlClient operations.
	opControlClient = "ControlClient"

	defaultControlTimeout = 5 * time.Second
)

// ControlAuth holds ControlPort authentication values. It is immutable after
// construction. The zero value asks ControlClient to discover the method via
// PROTOCOLINFO.
type ControlAuth struct {
	// password is used for "HASHEDPASSWORD" auth.
	password string
	// cookiePath points to the tor control cookie for cookie-based auth.
	cookiePath string
	// cookieBytes stores raw cookie data when the file is inaccessible.
	cookieBytes []byte
}

// ControlAuthFromPassword constructs ControlAuth for password-based auth.
func ControlAuthFromPassword(password string) ControlAuth {
	return ControlAuth{password: password}
}

// ControlAuthFromCookie constructs ControlAuth for cookie-based auth.
func ControlAuthFromCookie(path string) ControlAuth {
	return ControlAuth{cookiePath: path}
}

// ControlAuthFromCookieBytes constructs ControlAuth from raw cookie bytes.
func ControlAuthFromCookieBytes(data []byte) ControlAuth {
	return ControlAuth{cookieBytes: append([]byte(nil), data...)}
}

// Password returns the configured password.
func (a ControlAuth) Password() string { return a.password }

// CookiePath returns the configured cookie file path.
func (a ControlAuth) CookiePath() string { return a.cookiePath }

// CookieBytes returns a copy of the configured cookie bytes.
func (a ControlAuth) CookieBytes() []byte {
	if len(a.cookieBytes) == 0 {
		return nil
	}
	return append([]byte(nil), a.cookieBytes...)
}

// isZero reports whether no credentials are configured.
func (a ControlAuth) isZero() bool {
	return a.password == "" && a.cookiePath == "" && len(a.cookieBytes) == 0
}

// ControlClient is the upstream side of a bridge session: one TCP connection
// to tor's ControlPort whose replies are kept as raw status lines so they can
// be relayed to the downstream client unchanged.
//
// Commands and replies are strictly paired: Exchange holds the connection for
// one write and the matching reply, and PollEvent only reads while no exchange
// is in flight, so unsolicited event lines never get mixed into a reply.
type ControlClient struct {
	// conn is the underlying TCP connection to the ControlPort.
	conn net.Conn
	// rw buffers reads/writes for the control protocol.
	rw *bufio.ReadWriter
	// timeout bounds network operations for each command.
	timeout time.Duration
	// auth contains authentication material for ControlPort access.
	auth ControlAuth
	// authenticated reports whether AUTHENTICATE succeeded.
	authenticated bool
	// mu serializes command writes/reads and event polls.
	mu sync.Mutex
}

// NewControlClient dials the ControlPort at addr with the given timeout.
func NewControlClient(addr string, auth ControlAuth, timeout time.Duration) (*ControlClient, error) {
	if addr == "" {
		return nil, newError(ErrInvalidConfig, opControlClient, "ControlAddr is empty", nil)
	}
	if timeout <= 0 {
		timeout = defaultControlTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(ErrControlRequestFail, opControlClient, "failed to dial ControlPort", err)
	}

	return &ControlClient{
		conn:    conn,
		rw:      bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		timeout: timeout,
		auth:    auth,
	}, nil
}

// Authenticate performs AUTHENTICATE. Without configured credentials the
// method is discovered through PROTOCOLINFO: NULL auth sends a bare
// AUTHENTICATE and COOKIE auth reads the advertised cookie file.
func (c *ControlClient) Authenticate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	auth := c.auth
	if auth.isZero() {
		discovered, err := c.discoverAuth(ctx)
		if err != nil {
			return err
		}
		auth = discovered
	}

	token, err := authToken(auth)
	if err != nil {
		return err
	}
	cmd := "AUTHENTICATE"
	if token != "" {
		cmd = "AUTHENTICATE " + token
	}
	if _, err := c.execCommand(ctx, cmd); err != nil {
		return newError(ErrControlAuthFailed, opControlClient, "AUTHENTICATE rejected", err)
	}
	c.authenticated = true
	return nil
}

// Authenticated reports whether AUTHENTICATE has succeeded on this connection.
func (c *ControlClient) Authenticated() bool { return c.authenticated }

// Exchange writes cmd and reads the matching reply. Asynchronous event replies
// that arrive before the reply are returned separately, in arrival order. The
// reply is returned as raw status lines so it can be relayed verbatim.
func (c *ControlClient) Exchange(ctx context.Context, cmd string) (reply []string, events [][]string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, nil, err
	}
	defer c.clearDeadline()

	if err := writeLines(c.rw.Writer, cmd); err != nil {
		return nil, nil, newError(ErrControlRequestFail, opControlClient, "failed to write command", err)
	}
	for {
		lines, err := ReadResponse(c.rw.Reader)
		if err != nil {
			return lines, events, err
		}
		if IsAsyncEvent(lines[0]) {
			events = append(events, lines)
			continue
		}
		return lines, events, nil
	}
}

// PollEvent waits up to wait for unsolicited data. It returns (nil, nil) when
// nothing arrived. Data that does arrive is read as one complete reply; the
// caller decides whether it is an event.
func (c *ControlClient) PollEvent(wait time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, newError(ErrControlRequestFail, opControlClient, "connection is closed", nil)
	}
	if c.rw.Reader.Buffered() == 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return nil, newError(ErrIO, opControlClient, "failed to set poll deadline", err)
		}
		_, err := c.rw.Reader.Peek(1)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.clearDeadline()
				return nil, nil
			}
			return nil, newError(ErrIO, opControlClient, "failed to poll control connection", err)
		}
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, newError(ErrIO, opControlClient, "failed to set read deadline", err)
	}
	defer c.clearDeadline()
	return ReadResponse(c.rw.Reader)
}

// Close closes the underlying ControlPort connection.
func (c *ControlClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// discoverAuth asks PROTOCOLINFO which method tor accepts on this port.
func (c *ControlClient) discoverAuth(ctx context.Context) (ControlAuth, error) {
	lines, err := c.execCommand(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return ControlAuth{}, newError(ErrControlAuthFailed, opControlClient, "PROTOCOLINFO failed", err)
	}
	methods, cookiePath := parseProtocolInfo(lines)
	switch {
	case methods["NULL"]:
		return ControlAuth{}, nil
	case methods["COOKIE"] && cookiePath != "":
		return ControlAuthFromCookie(cookiePath), nil
	default:
		return ControlAuth{}, newError(ErrControlAuthFailed, opControlClient, "no supported auth method in PROTOCOLINFO", nil)
	}
}

// parseProtocolInfo extracts the auth methods and COOKIEFILE path.
func parseProtocolInfo(lines []string) (map[string]bool, string) {
	methods := make(map[string]bool)
	var cookiePath string
	for _, line := range lines {
		if !strings.HasPrefix(line, "AUTH ") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if list, ok := strings.CutPrefix(field, "METHODS="); ok {
				for _, m := range strings.Split(list, ",") {
					methods[m] = true
				}
			}
		}
		if idx := strings.Index(line, `COOKIEFILE="`); idx >= 0 {
			start := idx + len(`COOKIEFILE="`)
			if end := strings.Index(line[start:], `"`); end >= 0 {
				cookiePath = filepath.Clean(unquote(line[start : start+end]))
			}
		}
	}
	return methods, cookiePath
}

// authToken derives the authentication token based on ControlAuth settings.
func authToken(auth ControlAuth) (string, error) {
	switch {
	case auth.Password() != "":
		return quotedString(auth.Password()), nil
	case auth.CookiePath() != "":
		path := filepath.Clean(auth.CookiePath())
		// #nosec G304 -- path is either configured or advertised by tor itself.
		data, err := os.ReadFile(path)
		if err != nil {
			return "", newError(ErrIO, opControlClient, "failed to read control cookie", err)
		}
		return strings.ToUpper(hex.EncodeToString(data)), nil
	case len(auth.CookieBytes()) != 0:
		return strings.ToUpper(hex.EncodeToString(auth.CookieBytes())), nil
	default:
		return "", nil
	}
}

// execCommand sends a command and returns the reply payload with status
// prefixes stripped. Non-2xx replies become errors.
func (c *ControlClient) execCommand(ctx context.Context, cmd string) ([]string, error) {
	reply, _, err := c.Exchange(ctx, cmd)
	if err != nil {
		return nil, newError(ErrControlRequestFail, opControlClient, "failed to read control response", err)
	}
	if !IsSuccessReply(reply) {
		last := reply[len(reply)-1]
		return nil, newError(ErrControlRequestFail, opControlClient, last, fmt.Errorf("%s", last))
	}
	return replyPayload(reply), nil
}

// replyPayload strips status prefixes and drops the bare "OK" terminator.
func replyPayload(reply []string) []string {
	var out []string
	for _, line := range reply {
		if _, ok := StatusCode(line); !ok || len(line) < 4 {
			if line != "." {
				out = append(out, line)
			}
			continue
		}
		if line[4:] == "OK" && isFinalLine(line) {
			continue
		}
		out = append(out, line[4:])
	}
	return out
}

// applyDeadline sets connection deadlines derived from ctx and client timeout.
func (c *ControlClient) applyDeadline(ctx context.Context) error {
	if c.conn == nil {
		return newError(ErrControlRequestFail, opControlClient, "connection is closed", nil)
	}
	deadline, ok := ctx.Deadline()
	if c.timeout > 0 {
		t := time.Now().Add(c.timeout)
		if !ok || t.Before(deadline) {
			deadline = t
			ok = true
		}
	}
	if !ok {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(deadline)
}

// clearDeadline removes any deadline on the underlying connection.
func (c *ControlClient) clearDeadline() {
	if c.conn != nil {
		//nolint:errcheck,gosec // best-effort reset to no deadline.
		c.conn.SetDeadline(time.Time{})
	}
}

// quotedString escapes special characters per control protocol expectations.
func quotedString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`"%s"`, replacer.Replace(s))
}

// unquote reverses quotedString escaping for values tor sends back.
func unquote(s string) string {
	replacer := strings.NewReplacer(`\\`, `\`, `\"`, `"`)
	return replacer.Replace(s)
}
