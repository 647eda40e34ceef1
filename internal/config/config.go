// Package config loads the settings of the beacon commands from flags,
// BEACON_* environment variables and an optional config file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
)

// EnvPrefix prefixes every environment variable, e.g. BEACON_API_KEY.
const EnvPrefix = "BEACON"

// Logging is shared by every command.
type Logging struct {
	Level  string `mapstructure:"log_level"`
	Format string `mapstructure:"log_format"`
}

// Server configures beacon-sink.
type Server struct {
	Logging    `mapstructure:",squash"`
	Address    string        `mapstructure:"address"`
	Database   string        `mapstructure:"database"`
	APIKey     string        `mapstructure:"api_key"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Client configures beacon-demo.
type Client struct {
	Logging       `mapstructure:",squash"`
	SinkURL       string        `mapstructure:"sink_url"`
	Database      string        `mapstructure:"database"`
	APIKey        string        `mapstructure:"api_key"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	StoragePath   string        `mapstructure:"storage"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	RateLimit     float64       `mapstructure:"rate_limit"`
}

func loggingFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "Log level: debug, info, warn, error.")
	fs.String("log-format", "human", "Log format: human or json.")
}

// LoadServer parses args for beacon-sink.
func LoadServer(args []string) (*Server, error) {
	fs := pflag.NewFlagSet("beacon-sink", pflag.ContinueOnError)
	loggingFlags(fs)
	fs.String("address", "127.0.0.1:3000", "Address to listen on.")
	fs.String("database", "beacon.db", "SQLite database path, or :memory:.")
	fs.String("api-key", "", "API key clients must send. Empty disables the check.")
	fs.Int("rate-limit", 0, "Requests per IP per rate window. Zero disables limiting.")
	fs.Duration("rate-window", time.Minute, "Rate limit window.")
	fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout.")

	var cfg Server
	if err := load(fs, args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, xerrors.New("address is required")
	}
	if cfg.RateLimit < 0 {
		return nil, xerrors.Errorf("rate limit must not be negative, got %d", cfg.RateLimit)
	}
	return &cfg, nil
}

// LoadClient parses args for beacon-demo.
func LoadClient(args []string) (*Client, error) {
	fs := pflag.NewFlagSet("beacon-demo", pflag.ContinueOnError)
	loggingFlags(fs)
	fs.String("sink-url", "http://127.0.0.1:3000", "Base URL of a beacon-sink server.")
	fs.String("database", "", "Write to this SQLite database instead of a server.")
	fs.String("api-key", "", "API key sent to the sink server.")
	fs.Duration("http-timeout", 10*time.Second, "Timeout of each request to the sink server.")
	fs.String("storage", "beacon_identity.json", "File holding the device identity.")
	fs.Duration("flush-interval", 5*time.Second, "Debounce interval of the event batcher.")
	fs.Int("max-queue-size", 10, "Events queued before a flush is forced.")
	fs.Duration("ping-interval", 20*time.Second, "Presence ping interval.")
	fs.Float64("rate-limit", 0, "Requests per second sent to the sink server. Zero disables limiting.")

	var cfg Client
	if err := load(fs, args, &cfg); err != nil {
		return nil, err
	}
	if cfg.SinkURL == "" && cfg.Database == "" {
		return nil, xerrors.New("one of sink-url or database is required")
	}
	return &cfg, nil
}

func load(fs *pflag.FlagSet, args []string, out any) error {
	configFile := fs.String("config", "", "Optional config file (yaml, json or toml).")
	if err := fs.Parse(args); err != nil {
		return xerrors.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Flags are bound under their snake_case key so env, file and flag
	// agree on one name.
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return xerrors.Errorf("bind flags: %w", bindErr)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return xerrors.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return xerrors.Errorf("decode config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, xerrors.Errorf("unknown log level %q", s)
}

// Logger builds the command logger on stderr.
func (l Logging) Logger() (slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return slog.Logger{}, err
	}
	var sink slog.Sink
	switch l.Format {
	case "", "human":
		sink = sloghuman.Sink(os.Stderr)
	case "json":
		sink = slogjson.Sink(os.Stderr)
	default:
		return slog.Logger{}, xerrors.Errorf("unknown log format %q", l.Format)
	}
	return slog.Make(sink).Leveled(level), nil
}
