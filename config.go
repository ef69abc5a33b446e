package torgate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cretz/bine/process"
	"gopkg.in/yaml.v3"
)

// Engine selects how the tor daemon is run.
type Engine string

const (
	// EngineExec runs the tor binary as a child process.
	EngineExec Engine = "exec"
	// EngineBine runs tor through github.com/cretz/bine, optionally in-process
	// when a process.Creator is configured.
	EngineBine Engine = "bine"
)

const (
	defaultTorBinary      = "tor"
	defaultStartupTimeout = 30 * time.Second

	defaultBootstrapTimeout   = 3 * time.Minute
	defaultRetryAttempts      = 3
	defaultRetryDelay         = 2 * time.Second
	defaultStatusPollInterval = time.Second

	defaultNewIdentityInterval = 10 * time.Second

	// libraryConfigFileName is the file name consuming libraries look for.
	libraryConfigFileName = "external_tor.config"
)

// defaultFallbackSocksPorts are probed when the daemon cannot report its
// SOCKS listener: the system tor, Tor Browser, then common alternates.
var defaultFallbackSocksPorts = []int{9050, 9150, 9250, 9350, 9450}

// DaemonConfig is the part of Config a Daemon implementation needs.
type DaemonConfig struct {
	torBinary      string
	dataDir        string
	extraArgs      []string
	startupTimeout time.Duration
	logger         Logger
	processCreator process.Creator
	debugWriter    io.Writer
}

// Config bundles every knob of a Network. It is immutable after
// construction via NewConfig.
type Config struct {
	// engine selects the Daemon implementation.
	engine Engine
	// daemon is passed to the Daemon implementation.
	daemon DaemonConfig

	// bootstrapTimeout is the hard limit for reaching Ready.
	bootstrapTimeout time.Duration
	// retryAttempts is how many daemon starts bootstrap may try.
	retryAttempts int
	// retryDelay is the pause between failed attempts.
	retryDelay time.Duration
	// statusPollInterval paces bootstrap progress callbacks.
	statusPollInterval time.Duration

	// bridgeListenAddr is where the control bridge listens.
	bridgeListenAddr string
	// bridgeIdleTimeout closes bridge sessions without client commands.
	bridgeIdleTimeout time.Duration

	// fallbackSocksPorts are probed when SOCKS discovery degrades.
	fallbackSocksPorts []int
	// libraryConfigPaths receive the external daemon config file.
	libraryConfigPaths []string
	// newIdentityInterval is the minimum spacing of SIGNAL NEWNYM.
	newIdentityInterval time.Duration

	logger Logger
}

// Option customizes Config creation.
type Option func(*Config)

// NewConfig returns a validated, immutable config.
func NewConfig(opts ...Option) (Config, error) {
	cfg := Config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return normalizeConfig(cfg)
}

// Engine is the daemon engine.
func (c Config) Engine() Engine { return c.engine }

// TorBinary is the tor executable path.
func (c Config) TorBinary() string { return c.daemon.torBinary }

// DataDir is the tor DataDirectory; empty means a temporary directory.
func (c Config) DataDir() string { return c.daemon.dataDir }

// ExtraArgs are passed through to tor at launch.
func (c Config) ExtraArgs() []string {
	if len(c.daemon.extraArgs) == 0 {
		return nil
	}
	return append([]string(nil), c.daemon.extraArgs...)
}

// StartupTimeout bounds how long a daemon start may take.
func (c Config) StartupTimeout() time.Duration { return c.daemon.startupTimeout }

// BootstrapTimeout is the hard limit for reaching Ready.
func (c Config) BootstrapTimeout() time.Duration { return c.bootstrapTimeout }

// RetryAttempts is the number of daemon starts bootstrap may try.
func (c Config) RetryAttempts() int { return c.retryAttempts }

// RetryDelay is the pause between failed bootstrap attempts.
func (c Config) RetryDelay() time.Duration { return c.retryDelay }

// StatusPollInterval paces bootstrap progress callbacks.
func (c Config) StatusPollInterval() time.Duration { return c.statusPollInterval }

// BridgeListenAddr is the control bridge listen address.
func (c Config) BridgeListenAddr() string { return c.bridgeListenAddr }

// BridgeIdleTimeout closes idle bridge sessions.
func (c Config) BridgeIdleTimeout() time.Duration { return c.bridgeIdleTimeout }

// FallbackSocksPorts are the ports probed when SOCKS discovery degrades.
func (c Config) FallbackSocksPorts() []int { return append([]int(nil), c.fallbackSocksPorts...) }

// LibraryConfigPaths are the destinations of the external daemon config file.
func (c Config) LibraryConfigPaths() []string { return append([]string(nil), c.libraryConfigPaths...) }

// NewIdentityInterval is the minimum spacing of new-identity requests.
func (c Config) NewIdentityInterval() time.Duration { return c.newIdentityInterval }

// Logger returns the structured logger.
func (c Config) Logger() Logger { return c.logger }

// WithEngine selects the daemon engine.
func WithEngine(engine Engine) Option {
	return func(cfg *Config) {
		cfg.engine = engine
	}
}

// WithTorBinary sets the tor executable path.
func WithTorBinary(path string) Option {
	return func(cfg *Config) {
		cfg.daemon.torBinary = path
	}
}

// WithDataDir forces tor to use the provided DataDirectory path.
func WithDataDir(path string) Option {
	return func(cfg *Config) {
		if path != "" {
			cfg.daemon.dataDir = filepath.Clean(path)
		}
	}
}

// WithExtraArgs appends additional CLI args passed to tor.
func WithExtraArgs(args ...string) Option {
	argsCopy := append([]string(nil), args...)
	return func(cfg *Config) {
		cfg.daemon.extraArgs = append(cfg.daemon.extraArgs, argsCopy...)
	}
}

// WithStartupTimeout bounds a single daemon start.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.daemon.startupTimeout = timeout
	}
}

// WithProcessCreator runs tor in-process through bine. It implies EngineBine.
func WithProcessCreator(creator process.Creator) Option {
	return func(cfg *Config) {
		cfg.daemon.processCreator = creator
		cfg.engine = EngineBine
	}
}

// WithDaemonDebugWriter receives bine's debug output.
func WithDaemonDebugWriter(w io.Writer) Option {
	return func(cfg *Config) {
		cfg.daemon.debugWriter = w
	}
}

// WithBootstrapTimeout sets the hard limit for reaching Ready.
func WithBootstrapTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.bootstrapTimeout = timeout
	}
}

// WithRetry sets the number of daemon starts and the delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(cfg *Config) {
		cfg.retryAttempts = attempts
		cfg.retryDelay = delay
	}
}

// WithStatusPollInterval paces bootstrap progress callbacks.
func WithStatusPollInterval(interval time.Duration) Option {
	return func(cfg *Config) {
		cfg.statusPollInterval = interval
	}
}

// WithBridgeAddr sets the control bridge listen address.
func WithBridgeAddr(addr string) Option {
	return func(cfg *Config) {
		cfg.bridgeListenAddr = addr
	}
}

// WithBridgeIdleTimeout sets how long a bridge session may sit without commands.
func WithBridgeIdleTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.bridgeIdleTimeout = timeout
	}
}

// WithFallbackPorts sets the SOCKS ports probed when discovery degrades.
// At most five are kept.
func WithFallbackPorts(ports ...int) Option {
	portsCopy := append([]int(nil), ports...)
	return func(cfg *Config) {
		cfg.fallbackSocksPorts = portsCopy
	}
}

// WithLibraryConfigPaths sets where the external daemon config file is written.
func WithLibraryConfigPaths(paths ...string) Option {
	pathsCopy := append([]string(nil), paths...)
	return func(cfg *Config) {
		cfg.libraryConfigPaths = pathsCopy
	}
}

// WithLibraryConfigDir writes the config file to dir and dir/tor.
func WithLibraryConfigDir(dir string) Option {
	return WithLibraryConfigPaths(
		filepath.Join(dir, libraryConfigFileName),
		filepath.Join(dir, "tor", libraryConfigFileName),
	)
}

// WithNewIdentityInterval sets the minimum spacing of new-identity requests.
// A non-positive interval disables the limit.
func WithNewIdentityInterval(interval time.Duration) Option {
	return func(cfg *Config) {
		cfg.newIdentityInterval = interval
	}
}

// WithLogger sets the structured logger for all components.
func WithLogger(logger Logger) Option {
	return func(cfg *Config) {
		cfg.logger = logger
	}
}

// normalizeConfig applies defaults and validates the given config.
func normalizeConfig(cfg Config) (Config, error) {
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyConfigDefaults fills empty Config fields with defaults.
func applyConfigDefaults(cfg Config) Config {
	if cfg.engine == "" {
		cfg.engine = EngineExec
	}
	if cfg.daemon.torBinary == "" {
		cfg.daemon.torBinary = defaultTorBinary
	}
	if cfg.daemon.startupTimeout == 0 {
		cfg.daemon.startupTimeout = defaultStartupTimeout
	}
	if cfg.bootstrapTimeout == 0 {
		cfg.bootstrapTimeout = defaultBootstrapTimeout
	}
	if cfg.retryAttempts == 0 {
		cfg.retryAttempts = defaultRetryAttempts
	}
	if cfg.retryDelay == 0 {
		cfg.retryDelay = defaultRetryDelay
	}
	if cfg.statusPollInterval == 0 {
		cfg.statusPollInterval = defaultStatusPollInterval
	}
	if cfg.bridgeListenAddr == "" {
		cfg.bridgeListenAddr = defaultBridgeListenAddr
	}
	if cfg.bridgeIdleTimeout == 0 {
		cfg.bridgeIdleTimeout = defaultBridgeIdleTimeout
	}
	if cfg.fallbackSocksPorts == nil {
		cfg.fallbackSocksPorts = append([]int(nil), defaultFallbackSocksPorts...)
	}
	if len(cfg.fallbackSocksPorts) > maxFallbackPorts {
		cfg.fallbackSocksPorts = cfg.fallbackSocksPorts[:maxFallbackPorts]
	}
	if cfg.newIdentityInterval == 0 {
		cfg.newIdentityInterval = defaultNewIdentityInterval
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	cfg.daemon.logger = cfg.logger
	return cfg
}

// validateConfig ensures the config has usable values.
func validateConfig(cfg Config) error {
	switch {
	case cfg.engine != EngineExec && cfg.engine != EngineBine:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("unknown engine %q. Use WithEngine(torgate.EngineExec) or WithEngine(torgate.EngineBine)", cfg.engine), nil)
	case cfg.daemon.processCreator != nil && cfg.engine != EngineBine:
		return newError(ErrInvalidConfig, "validateConfig",
			"a process creator requires the bine engine", nil)
	case cfg.daemon.startupTimeout <= 0:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("StartupTimeout must be positive, got %v. Use WithStartupTimeout(30*time.Second)", cfg.daemon.startupTimeout), nil)
	case cfg.bootstrapTimeout <= 0:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("BootstrapTimeout must be positive, got %v. Use WithBootstrapTimeout(3*time.Minute)", cfg.bootstrapTimeout), nil)
	case cfg.retryAttempts < 1:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("RetryAttempts must be at least 1, got %d. Use WithRetry(3, 2*time.Second)", cfg.retryAttempts), nil)
	case cfg.retryDelay < 0:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("RetryDelay must not be negative, got %v", cfg.retryDelay), nil)
	case cfg.statusPollInterval <= 0:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("StatusPollInterval must be positive, got %v", cfg.statusPollInterval), nil)
	case cfg.bridgeIdleTimeout <= 0:
		return newError(ErrInvalidConfig, "validateConfig",
			fmt.Sprintf("BridgeIdleTimeout must be positive, got %v", cfg.bridgeIdleTimeout), nil)
	}
	for _, port := range cfg.fallbackSocksPorts {
		if !validPort(port) {
			return newError(ErrInvalidConfig, "validateConfig",
				fmt.Sprintf("fallback SOCKS port %d is out of range", port), nil)
		}
	}
	return nil
}

// FileConfig is the YAML form of Config.
//
//	engine: exec
//	tor_binary: /usr/bin/tor
//	bootstrap_timeout: 3m
//	retry_attempts: 3
//	bridge_addr: 127.0.0.1:0
//	fallback_socks_ports: [9050, 9150]
//	library_config_dir: /var/lib/app
type FileConfig struct {
	Engine              string   `yaml:"engine"`
	TorBinary           string   `yaml:"tor_binary"`
	DataDir             string   `yaml:"data_dir"`
	ExtraArgs           []string `yaml:"extra_args"`
	StartupTimeout      Duration `yaml:"startup_timeout"`
	BootstrapTimeout    Duration `yaml:"bootstrap_timeout"`
	RetryAttempts       int      `yaml:"retry_attempts"`
	RetryDelay          Duration `yaml:"retry_delay"`
	StatusPollInterval  Duration `yaml:"status_poll_interval"`
	BridgeAddr          string   `yaml:"bridge_addr"`
	BridgeIdleTimeout   Duration `yaml:"bridge_idle_timeout"`
	FallbackSocksPorts  []int    `yaml:"fallback_socks_ports"`
	LibraryConfigDir    string   `yaml:"library_config_dir"`
	LibraryConfigPaths  []string `yaml:"library_config_paths"`
	NewIdentityInterval Duration `yaml:"new_identity_interval"`
}

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return FileConfig{}, newError(ErrInvalidConfig, "LoadConfigFile", "failed to read config file", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return FileConfig{}, newError(ErrInvalidConfig, "LoadConfigFile", "failed to parse config file "+path, err)
	}
	return fc, nil
}

// Options converts the set fields to Options. Unset fields keep defaults.
func (fc FileConfig) Options() []Option {
	var opts []Option
	if fc.Engine != "" {
		opts = append(opts, WithEngine(Engine(fc.Engine)))
	}
	if fc.TorBinary != "" {
		opts = append(opts, WithTorBinary(fc.TorBinary))
	}
	if fc.DataDir != "" {
		opts = append(opts, WithDataDir(fc.DataDir))
	}
	if len(fc.ExtraArgs) > 0 {
		opts = append(opts, WithExtraArgs(fc.ExtraArgs...))
	}
	if fc.StartupTimeout > 0 {
		opts = append(opts, WithStartupTimeout(time.Duration(fc.StartupTimeout)))
	}
	if fc.BootstrapTimeout > 0 {
		opts = append(opts, WithBootstrapTimeout(time.Duration(fc.BootstrapTimeout)))
	}
	if fc.RetryAttempts > 0 || fc.RetryDelay > 0 {
		opts = append(opts, WithRetry(fc.RetryAttempts, time.Duration(fc.RetryDelay)))
	}
	if fc.StatusPollInterval > 0 {
		opts = append(opts, WithStatusPollInterval(time.Duration(fc.StatusPollInterval)))
	}
	if fc.BridgeAddr != "" {
		opts = append(opts, WithBridgeAddr(fc.BridgeAddr))
	}
	if fc.BridgeIdleTimeout > 0 {
		opts = append(opts, WithBridgeIdleTimeout(time.Duration(fc.BridgeIdleTimeout)))
	}
	if len(fc.FallbackSocksPorts) > 0 {
		opts = append(opts, WithFallbackPorts(fc.FallbackSocksPorts...))
	}
	switch {
	case len(fc.LibraryConfigPaths) > 0:
		opts = append(opts, WithLibraryConfigPaths(fc.LibraryConfigPaths...))
	case fc.LibraryConfigDir != "":
		opts = append(opts, WithLibraryConfigDir(fc.LibraryConfigDir))
	}
	if fc.NewIdentityInterval > 0 {
		opts = append(opts, WithNewIdentityInterval(time.Duration(fc.NewIdentityInterval)))
	}
	return opts
}
