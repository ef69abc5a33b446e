// Command torgate runs a tor daemon behind a control port bridge so
// libraries that expect an external tor can use an embedded one.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/torgate"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev"

// runOptions holds the flags of the run command.
type runOptions struct {
	configFile       string
	engine           string
	torBinary        string
	dataDir          string
	bridgeAddr       string
	libraryConfigDir string
	bootstrapTimeout time.Duration
	retryAttempts    int
	rotateIdentity   time.Duration
	verbose          bool
	jsonLogs         bool
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "torgate",
		Short:         "Run tor behind a control port bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(stdout, stderr), newVersionCmd(stdout))
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(stdout, "torgate %s\n", version)
		},
	}
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start tor and the control bridge, and wait for a signal",
		Long: `Starts the tor daemon, waits for it to bootstrap, and serves a local
control port bridge. The external daemon config file is written once the
SOCKS port is known. Stop with SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNetwork(ctx, cmd.Flags(), opts, stdout, stderr)
		},
	}
	bindRunFlags(cmd.Flags(), opts)
	return cmd
}

func bindRunFlags(fs *pflag.FlagSet, opts *runOptions) {
	fs.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	fs.StringVar(&opts.engine, "engine", string(torgate.EngineExec), "daemon engine: exec or bine")
	fs.StringVar(&opts.torBinary, "tor", "tor", "tor executable")
	fs.StringVar(&opts.dataDir, "data-dir", "", "tor data directory (default: temporary)")
	fs.StringVar(&opts.bridgeAddr, "bridge-addr", "127.0.0.1:0", "control bridge listen address")
	fs.StringVar(&opts.libraryConfigDir, "library-config-dir", "", "directory receiving external_tor.config")
	fs.DurationVar(&opts.bootstrapTimeout, "bootstrap-timeout", 3*time.Minute, "hard limit for bootstrap")
	fs.IntVar(&opts.retryAttempts, "retry", 3, "daemon start attempts")
	fs.DurationVar(&opts.rotateIdentity, "rotate-identity", 0, "request a new identity this often (0 disables)")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVar(&opts.jsonLogs, "json", false, "log in JSON")
}

// buildOptions layers explicitly set flags over the config file.
func buildOptions(fs *pflag.FlagSet, opts *runOptions, logger *slog.Logger) ([]torgate.Option, error) {
	var out []torgate.Option
	if opts.configFile != "" {
		fc, err := torgate.LoadConfigFile(opts.configFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fc.Options()...)
	}
	if fs.Changed("engine") {
		out = append(out, torgate.WithEngine(torgate.Engine(opts.engine)))
	}
	if fs.Changed("tor") {
		out = append(out, torgate.WithTorBinary(opts.torBinary))
	}
	if fs.Changed("data-dir") {
		out = append(out, torgate.WithDataDir(opts.dataDir))
	}
	if fs.Changed("bridge-addr") {
		out = append(out, torgate.WithBridgeAddr(opts.bridgeAddr))
	}
	if fs.Changed("library-config-dir") {
		out = append(out, torgate.WithLibraryConfigDir(opts.libraryConfigDir))
	}
	if fs.Changed("bootstrap-timeout") {
		out = append(out, torgate.WithBootstrapTimeout(opts.bootstrapTimeout))
	}
	if fs.Changed("retry") {
		out = append(out, torgate.WithRetry(opts.retryAttempts, 0))
	}
	out = append(out, torgate.WithLogger(torgate.NewSlogAdapter(logger)))
	return out, nil
}

func newLogger(w io.Writer, opts *runOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.jsonLogs {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func runNetwork(ctx context.Context, fs *pflag.FlagSet, opts *runOptions, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, opts)
	slog.SetDefault(logger)

	options, err := buildOptions(fs, opts, logger)
	if err != nil {
		return err
	}
	cfg, err := torgate.NewConfig(options...)
	if err != nil {
		return err
	}
	network, err := torgate.NewNetwork(cfg)
	if err != nil {
		return err
	}
	if err := network.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := network.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go printTransitions(watchCtx, network.Subscribe(watchCtx), stdout)

	result := network.Start(ctx)
	if result.Outcome != torgate.BootstrapReady {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bootstrap %s", result)
	}
	fmt.Fprintf(stdout, "ready: socks=127.0.0.1:%d control=127.0.0.1:%d\n", result.SocksPort, network.Status().BridgePort)

	if opts.rotateIdentity > 0 {
		if err := network.StartIdentityRotation(ctx, opts.rotateIdentity); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// printTransitions prints one line per state or progress change.
func printTransitions(ctx context.Context, updates <-chan torgate.Status, w io.Writer) {
	var last torgate.Status
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !first && st.State == last.State && st.Progress == last.Progress {
				continue
			}
			first = false
			last = st
			if st.LastError != "" {
				fmt.Fprintf(w, "state=%s progress=%d%% error=%q\n", st.State, st.Progress, st.LastError)
				continue
			}
			fmt.Fprintf(w, "state=%s progress=%d%%\n", st.State, st.Progress)
		}
	}
}
