// Package torgate runs a tor daemon inside an application and makes it look
// like an ordinary, externally managed tor to libraries that only know how to
// talk to one.
//
// # What problem does it solve?
//
// Many Tor-aware libraries expect a system tor with a fixed SocksPort and
// ControlPort. An embedded daemon is better started with automatically
// assigned ports so several applications can coexist, but then nobody knows
// where the ports are. torgate closes that gap:
//
//   - It starts tor with "auto" ports and learns them afterwards through
//     native control queries (GETINFO net/listeners/socks and
//     net/listeners/control).
//
//   - It serves a control port bridge on a port of its own. Clients connect to
//     the bridge as if it were tor's ControlPort; each connection is relayed to
//     the real, dynamically assigned control port.
//
//   - It writes an external daemon config file ("UseExternalTor 1",
//     "ControlPort <bridge>", "SocksPort <socks>") where consuming libraries
//     look for it.
//
//   - It tells the application which SOCKS proxy to use, and clears that
//     setting again when the daemon stops or fails so traffic falls back to
//     direct connections instead of a dead proxy.
//
// # Quick Start
//
//	cfg, err := torgate.NewConfig(
//	    torgate.WithLibraryConfigDir("/var/lib/myapp"),
//	    torgate.WithLogger(torgate.NewSlogAdapter(slog.Default())),
//	)
//	if err != nil {
//	    return err
//	}
//	network, err := torgate.NewNetwork(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := network.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer network.Close()
//
//	result := network.Start(ctx)
//	if result.Outcome != torgate.BootstrapReady {
//	    return fmt.Errorf("tor did not bootstrap: %s", result)
//	}
//	httpClient := &http.Client{Transport: &http.Transport{
//	    DialContext: network.ProxyDialer().(proxy.ContextDialer).DialContext,
//	}}
//
// # Architecture Overview
//
//   - Network: the facade. It wires the components below together, publishes
//     the proxy configuration and writes the library config file.
//   - Lifecycle: owns the daemon. Start, Stop, Restart and NewIdentity never
//     return launch failures; they move the observable state instead.
//   - Orchestrator: "start, wait for ready, report" with bounded retries, a
//     hard timeout, and exactly one BootstrapResult per run.
//   - BridgeServer: the local control port. Sessions without a usable
//     upstream run degraded and answer from what the bridge already knows.
//   - PortDiscovery: native listener queries, with a logged fallback probe of
//     well-known SOCKS ports when the query fails.
//   - ControlClient: the bridge's upstream connection to tor's control port,
//     relaying reply lines unchanged.
//   - Daemon: the tor runtime. ExecDaemon runs the tor binary; BineDaemon
//     runs tor through github.com/cretz/bine, optionally in-process.
//
// All configurations use the functional options pattern and are immutable
// once built.
//
// # Daemon States
//
// A daemon moves through stopped, starting, bootstrapping, ready, stopping
// and error. Ready is reached when tor reports 100% bootstrap progress; the
// SOCKS port is discovered right after, and a snapshot only counts as usable
// (Snapshot.Ready) once that port is known. Ready never falls back to
// bootstrapping. Watch returns a channel that is closed on every change, so
// callers react to state transitions without polling.
//
// # Control Bridge Behavior
//
// Most commands are relayed verbatim. A few are adapted:
//
//   - AUTHENTICATE is answered locally; the bridge authenticates upstream
//     itself, once per session.
//   - GETINFO for the listener keys falls back to locally known ports when
//     the daemon cannot be reached.
//   - SETEVENTS with no arguments is withheld while onion service descriptor
//     uploads are pending, because it would cancel the HS_DESC events the
//     client is waiting for.
//   - ADD_ONION fails with a 551 reply when there is no daemon connection
//     rather than pretending to succeed.
//
// # Error Handling
//
// Errors are *TorgateError values carrying an ErrorKind. Use errors.Is with
// a kind template to branch on them:
//
//	if errors.Is(err, &torgate.TorgateError{Kind: torgate.ErrRateLimited}) {
//	    // NewIdentity was called again within ten seconds
//	}
//
// # Troubleshooting
//
// **Tor binary not found**
//
//	Error: ExecDaemon: daemon_binary_not_found: tor binary not found
//	Solution: install tor (apt install tor, brew install tor) or point
//	WithTorBinary at it. Alternatively use WithEngine(torgate.EngineBine)
//	with a process.Creator for an embedded build.
//
// **Bootstrap times out**
//
//	Result: timed_out
//	Solution: tor may be blocked on this network. Raise WithBootstrapTimeout
//	or configure bridges through WithExtraArgs.
//
// **A library cannot find the daemon**
//
//	Check that WithLibraryConfigDir names the directory the library reads
//	external_tor.config from, and that Network.Start returned ready.
package torgate
