package torgate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bridgeSession serves one downstream control connection.
type bridgeSession struct {
	id      string
	server  *BridgeServer
	down    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	writeMu sync.Mutex
	logger  Logger

	upstream *ControlClient
	pending  *PendingOnionServices

	closeOnce sync.Once
}

func newBridgeSession(server *BridgeServer, conn net.Conn, id string) *bridgeSession {
	return &bridgeSession{
		id:      id,
		server:  server,
		down:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		logger:  withFields(server.logger, "session_id", id, "remote_addr", conn.RemoteAddr().String()),
		pending: NewPendingOnionServices(),
	}
}

// run connects upstream, starts the event forwarder and serves commands until
// the client quits, disconnects, idles out, or ctx ends.
func (s *bridgeSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	if tcpConn, ok := s.down.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(defaultKeepAlivePeriod)
	}

	s.connectUpstream(ctx)

	var forwarder sync.WaitGroup
	if s.upstream != nil {
		forwarder.Add(1)
		go func() {
			defer forwarder.Done()
			s.forwardEvents(ctx)
		}()
	}
	defer func() {
		cancel()
		forwarder.Wait()
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		s.close()
	}()

	for {
		if err := s.down.SetReadDeadline(time.Now().Add(s.server.idleTimeout)); err != nil {
			s.logger.Log("debug", "failed to set idle deadline", "error", err)
			return
		}
		line, err := readLine(s.reader)
		if err != nil {
			s.logReadEnd(ctx, err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if quit := s.handle(ctx, line); quit {
			return
		}
	}
}

// connectUpstream opens and authenticates the upstream connection. On any
// failure the session stays degraded.
func (s *bridgeSession) connectUpstream(ctx context.Context) {
	target := s.server.upstream()
	if target.addr == "" {
		s.degrade("control port not known yet", nil)
		return
	}
	client, err := NewControlClient(target.addr, target.auth, s.server.upstreamTimeout)
	if err != nil {
		s.degrade("failed to connect to control port", err)
		return
	}
	if err := client.Authenticate(ctx); err != nil {
		_ = client.Close()
		s.degrade("failed to authenticate to control port", err)
		return
	}
	s.upstream = client
	s.logger.Log("debug", "bridge session connected upstream", "upstream_addr", target.addr)
}

func (s *bridgeSession) degrade(reason string, err error) {
	s.server.metrics.sessionsDegraded.Add(1)
	if err != nil {
		s.logger.Log("warn", "bridge session running degraded: "+reason, "error", err)
		return
	}
	s.logger.Log("warn", "bridge session running degraded: "+reason)
}

func (s *bridgeSession) logReadEnd(ctx context.Context, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		s.logger.Log("debug", "bridge session closed by shutdown")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.server.metrics.idleTimeouts.Add(1)
		s.logger.Log("info", "bridge session idle timeout", "idle_timeout", s.server.idleTimeout.String())
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.logger.Log("debug", "bridge client disconnected")
	default:
		s.logger.Log("warn", "bridge session read failed", "error", err)
	}
}

// handle answers one downstream command. It reports whether the session
// should end.
func (s *bridgeSession) handle(ctx context.Context, line string) bool {
	verb, args := splitCommand(line)
	switch verb {
	case "AUTHENTICATE":
		s.synthesize(replyOK)
	case "GETINFO":
		s.handleGetInfo(ctx, line, args)
	case "SETEVENTS":
		s.handleSetEvents(ctx, line, args)
	case "ADD_ONION":
		s.handleAddOnion(ctx, line)
	case "SETCONF", "RESETCONF":
		s.relayOrAcknowledge(ctx, line)
	case "QUIT":
		s.synthesize(replyClosing)
		return true
	default:
		s.logger.Log("debug", "acknowledging unsupported command", "command", verb)
		s.synthesize(replyOK)
	}
	return false
}

func (s *bridgeSession) handleGetInfo(ctx context.Context, line, args string) {
	if s.upstream != nil {
		if reply, err := s.forward(ctx, line); err == nil {
			s.write(reply...)
			return
		}
	}
	s.synthesize(s.synthesizeGetInfo(args)...)
}

// synthesizeGetInfo answers the listener keys from discovered ports. Keys it
// cannot answer are left out; with none answered the reply is "250 OK".
func (s *bridgeSession) synthesizeGetInfo(args string) []string {
	var values []string
	for _, key := range strings.Fields(args) {
		port := 0
		switch key {
		case infoSocksListeners:
			port = s.server.socksPort()
		case infoControlListeners:
			port = s.server.Port()
		}
		if port == 0 {
			continue
		}
		addr := net.JoinHostPort(defaultBridgeListenerHost, strconv.Itoa(port))
		values = append(values, key+"="+quotedString(addr))
	}
	if len(values) == 0 {
		return []string{replyOK}
	}
	lines := make([]string, len(values))
	for i, v := range values {
		sep := "-"
		if i == len(values)-1 {
			sep = " "
		}
		lines[i] = "250" + sep + v
	}
	return lines
}

// handleSetEvents withholds an empty SETEVENTS while descriptor uploads are in
// flight, since it would cancel the upload events the client is waiting on.
func (s *bridgeSession) handleSetEvents(ctx context.Context, line, args string) {
	if s.upstream == nil {
		s.synthesize(replyOK)
		return
	}
	if args == "" && !s.pending.Empty() {
		s.server.metrics.setEventsVetoed.Add(1)
		s.logger.Log("info", "withholding SETEVENTS clear while descriptor uploads are pending", "pending", s.pending.Snapshot())
		s.synthesize(replyOK)
		return
	}
	s.relayOrAcknowledge(ctx, line)
}

// handleAddOnion relays ADD_ONION. It fails loudly when there is no daemon to
// create the service, because a fake success would leave the client with an
// address that does not exist.
func (s *bridgeSession) handleAddOnion(ctx context.Context, line string) {
	if s.upstream == nil {
		s.logger.Log("warn", "rejecting ADD_ONION without control port connection")
		s.synthesize(replyNoControlPort)
		return
	}
	reply, err := s.forward(ctx, line)
	if err != nil {
		s.synthesize(replyUpstreamFailure)
		return
	}
	if hostname, ok := s.server.hidden.recordAddOnion(line, reply); ok {
		s.logger.Log("info", "onion service created", "hostname", hostname)
	}
	s.write(reply...)
}

func (s *bridgeSession) relayOrAcknowledge(ctx context.Context, line string) {
	if s.upstream != nil {
		if reply, err := s.forward(ctx, line); err == nil {
			s.write(reply...)
			return
		}
	}
	s.synthesize(replyOK)
}

// forward sends line upstream and returns the reply. Events read while
// waiting are relayed downstream first so ordering is preserved.
func (s *bridgeSession) forward(ctx context.Context, line string) ([]string, error) {
	verb, _ := splitCommand(line)
	reply, events, err := s.upstream.Exchange(ctx, line)
	for _, event := range events {
		s.forwardEvent(event)
	}
	if err != nil {
		level := "warn"
		if isKind(err, ErrProtocol) {
			level = "error"
		}
		s.logger.Log(level, "upstream command failed, answering locally", "command", verb, "error", err)
		return nil, err
	}
	s.server.metrics.commandsForwarded.Add(1)
	return reply, nil
}

func (s *bridgeSession) synthesize(lines ...string) {
	s.server.metrics.commandsSynthesized.Add(1)
	s.write(lines...)
}

// write sends lines downstream. The forwarder and the command loop share it.
func (s *bridgeSession) write(lines ...string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeLines(s.writer, lines...); err != nil {
		s.logger.Log("debug", "failed to write to bridge client", "error", err)
	}
}

func (s *bridgeSession) close() {
	s.closeOnce.Do(func() {
		_ = s.down.Close()
	})
}
