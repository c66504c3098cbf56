package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid marks configuration the relay refuses to start with.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultListenPort  = 8095
	DefaultMaxWorkers  = 1024
	DefaultIdleWorkers = 4
	DefaultDialTimeout = 10 * time.Second
	DefaultBufferSize  = 1500
	DefaultLogFile     = "chicha-relay.log"
	DefaultLogLevel    = "info"
	DefaultRotation    = 24 * time.Hour
	DefaultMaxLogSize  = 100 << 20
)

// Config is everything the relay needs at startup.
type Config struct {
	ListenPort     int
	BackendAddress string
	BackendPort    int
	MaxWorkers     int
	IdleWorkers    int
	DialTimeout    time.Duration
	BufferSize     int
	LogFile        string
	LogLevel       string
	Rotation       time.Duration
	MaxLogSize     int64
	MetricsAddr    string
	ShowVersion    bool
}

// ListenAddr is the TCP address bound on all IPv4 interfaces.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.ListenPort))
}

// BackendAddr is the fixed address every accepted client is relayed to.
func (c Config) BackendAddr() string {
	return net.JoinHostPort(c.BackendAddress, strconv.Itoa(c.BackendPort))
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: listen port %d out of range", ErrInvalid, c.ListenPort))
	}
	if c.BackendAddress == "" {
		errs = append(errs, fmt.Errorf("%w: backend address is required", ErrInvalid))
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: backend port %d out of range", ErrInvalid, c.BackendPort))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("%w: max workers must be positive", ErrInvalid))
	}
	if c.IdleWorkers < 0 {
		errs = append(errs, fmt.Errorf("%w: idle workers cannot be negative", ErrInvalid))
	}
	if c.IdleWorkers > c.MaxWorkers {
		errs = append(errs, fmt.Errorf("%w: idle workers (%d) cannot exceed max workers (%d)", ErrInvalid, c.IdleWorkers, c.MaxWorkers))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: buffer size must be positive", ErrInvalid))
	}
	if c.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: dial timeout cannot be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Load reads .env (if present), RELAY_* environment variables and then the command line.
// Flags win over the environment, which wins over built-in defaults.
// Flag usage and parse errors are written to usage.
func Load(args []string, usage io.Writer) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return parse(args, os.Getenv, usage)
}

// parse seeds every flag default from getenv, so an explicit flag always wins over the environment.
func parse(args []string, getenv func(string) string, usage io.Writer) (Config, error) {
	env := envReader{getenv: getenv}
	defaults := Config{
		ListenPort:  env.integer("RELAY_LISTEN_PORT", DefaultListenPort),
		BackendPort: env.integer("RELAY_BACKEND_PORT", 0),
		MaxWorkers:  env.integer("RELAY_MAX_WORKERS", DefaultMaxWorkers),
		IdleWorkers: env.integer("RELAY_IDLE_WORKERS", DefaultIdleWorkers),
		DialTimeout: env.duration("RELAY_DIAL_TIMEOUT", DefaultDialTimeout),
		BufferSize:  env.integer("RELAY_BUFFER_SIZE", DefaultBufferSize),
		LogFile:     env.text("RELAY_LOG_FILE", DefaultLogFile),
		LogLevel:    env.text("RELAY_LOG_LEVEL", DefaultLogLevel),
		Rotation:    env.duration("RELAY_LOG_ROTATION", DefaultRotation),
		MaxLogSize:  int64(env.integer("RELAY_LOG_MAX_SIZE", DefaultMaxLogSize)),
		MetricsAddr: env.text("RELAY_METRICS_ADDR", ""),
	}
	if env.err != nil {
		return Config{}, env.err
	}

	cfg := defaults
	flags := flag.NewFlagSet("chicha-relay", flag.ContinueOnError)
	flags.SetOutput(usage)

	routeFlag := flags.String("route", env.text("RELAY_ROUTE", ""), "Single route in the format LOCALPORT:BACKENDHOST:BACKENDPORT")
	backendFlag := flags.String("backend", env.text("RELAY_BACKEND", ""), "Backend HOST or HOST:PORT every client is relayed to")
	flags.IntVar(&cfg.ListenPort, "listen-port", defaults.ListenPort, "Port to accept clients on (all interfaces)")
	flags.IntVar(&cfg.BackendPort, "backend-port", defaults.BackendPort, "Backend port (defaults to the listen port)")
	flags.IntVar(&cfg.MaxWorkers, "max-workers", defaults.MaxWorkers, "Hard ceiling on worker goroutines")
	flags.IntVar(&cfg.IdleWorkers, "idle-workers", defaults.IdleWorkers, "Idle workers kept standing by")
	flags.DurationVar(&cfg.DialTimeout, "dial-timeout", defaults.DialTimeout, "Backend connect timeout (0 waits for the OS)")
	flags.IntVar(&cfg.BufferSize, "buffer-size", defaults.BufferSize, "Per-direction read chunk in bytes")
	flags.StringVar(&cfg.LogFile, "log", defaults.LogFile, "Path to the log file (empty logs to the console only)")
	flags.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	flags.DurationVar(&cfg.Rotation, "rotation", defaults.Rotation, "Log rotation frequency (e.g. 24h, 1h)")
	flags.Int64Var(&cfg.MaxLogSize, "log-max-size", defaults.MaxLogSize, "Rotate the log early once it grows past this many bytes (0 disables)")
	flags.StringVar(&cfg.MetricsAddr, "metrics", defaults.MetricsAddr, "Address for /metrics and /healthz (empty disables)")
	flags.BoolVar(&cfg.ShowVersion, "version", false, "Print the version of the relay and exit")

	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.ShowVersion {
		return cfg, nil
	}

	if *routeFlag != "" {
		route, err := ParseRoute(*routeFlag)
		if err != nil {
			return Config{}, err
		}
		cfg.ListenPort = route.LocalPort
		cfg.BackendAddress = route.BackendHost
		cfg.BackendPort = route.BackendPort
	} else if *backendFlag != "" {
		host, port, err := ParseBackend(*backendFlag, cfg.BackendPort)
		if err != nil {
			return Config{}, err
		}
		cfg.BackendAddress = host
		cfg.BackendPort = port
	}
	if cfg.BackendPort == 0 {
		cfg.BackendPort = cfg.ListenPort
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envReader reads typed values and keeps the first parse failure.
type envReader struct {
	getenv func(string) string
	err    error
}

// text returns the variable or fallback when it is unset.
func (e *envReader) text(key, fallback string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return fallback
}

// integer parses the variable as a decimal int; a bad value is recorded and fallback returned.
func (e *envReader) integer(key string, fallback int) int {
	v := e.getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v))
		return fallback
	}
	return n
}

// duration parses the variable with time.ParseDuration.
func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%w: %s=%q is not a duration", ErrInvalid, key, v))
		return fallback
	}
	return d
}

// fail keeps only the first error so the message names the first bad variable.
func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
