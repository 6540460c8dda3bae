package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/platform"
)

const envPrefix = "PGFAULT"

// Config is the recorder configuration, read from flags, PGFAULT_*
// environment variables and an optional YAML file.
type Config struct {
	RingBuf    RingBufConfig    `mapstructure:"ringbuf"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Output     OutputConfig     `mapstructure:"output"`
	Web        WebConfig        `mapstructure:"web"`
	Log        LogConfig        `mapstructure:"log"`
	Simulate   SimulateConfig   `mapstructure:"simulate"`
	Privileges PrivilegesConfig `mapstructure:"privileges"`
}

type RingBufConfig struct {
	Size int `mapstructure:"size"`
}

type CollectorConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StatsInterval time.Duration `mapstructure:"stats_interval"` // 0 disables
}

type ProbeConfig struct {
	Symbol string `mapstructure:"symbol"`
}

type OutputConfig struct {
	Format           string `mapstructure:"format"` // console or json
	ResolveProcess   bool   `mapstructure:"resolve_process"`
	ProcessCacheSize int    `mapstructure:"process_cache_size"`
}

type WebConfig struct {
	Listen string `mapstructure:"listen"` // empty disables
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SimulateConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Rate    int  `mapstructure:"rate"`
	Workers int  `mapstructure:"workers"`
}

type PrivilegesConfig struct {
	Drop bool `mapstructure:"drop"`
}

const (
	formatConsole = "console"
	formatJSON    = "json"
)

// flagKeys maps command line flags to their config keys.
var flagKeys = map[string]string{
	"ring-size":       "ringbuf.size",
	"poll-interval":   "collector.poll_interval",
	"stats-interval":  "collector.stats_interval",
	"symbol":          "probe.symbol",
	"output":          "output.format",
	"resolve-process": "output.resolve_process",
	"listen":          "web.listen",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"simulate":        "simulate.enabled",
	"simulate-rate":   "simulate.rate",
	"drop-privileges": "privileges.drop",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ringbuf.size", platform.DefaultRingSize)
	v.SetDefault("collector.poll_interval", collector.DefaultPollInterval)
	v.SetDefault("collector.stats_interval", time.Duration(0))
	v.SetDefault("probe.symbol", platform.DefaultSymbol)
	v.SetDefault("output.format", formatConsole)
	v.SetDefault("output.resolve_process", false)
	v.SetDefault("output.process_cache_size", 1024)
	v.SetDefault("web.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", formatConsole)
	v.SetDefault("simulate.enabled", false)
	v.SetDefault("simulate.rate", 1000)
	v.SetDefault("simulate.workers", 4)
	v.SetDefault("privileges.drop", false)
}

// registerFlags defines the command line flags and binds them to their keys.
func registerFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.Int("ring-size", platform.DefaultRingSize, "Ring buffer size in bytes")
	fs.Duration("poll-interval", collector.DefaultPollInterval, "Pause between ring buffer polls")
	fs.Duration("stats-interval", 0, "Interval between stats log lines (0 disables)")
	fs.String("symbol", platform.DefaultSymbol, "Kernel function to probe")
	fs.String("output", formatConsole, "Event output format (console, json)")
	fs.Bool("resolve-process", false, "Add process name and executable to json output")
	fs.String("listen", "", "Status server address, e.g. :9090 (empty disables)")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", formatConsole, "Log format (console, json)")
	fs.Bool("simulate", false, "Generate synthetic faults instead of attaching a kprobe")
	fs.Int("simulate-rate", 1000, "Synthetic faults per second")
	fs.Bool("drop-privileges", false, "Drop to SUDO_USER once the probe is attached")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// loadConfig merges defaults, the config file at path (if any), the
// environment and bound flags.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c Config) Validate() error {
	var errs []error
	if c.RingBuf.Size <= 0 {
		errs = append(errs, fmt.Errorf("ringbuf.size must be positive, got %d", c.RingBuf.Size))
	}
	if c.Collector.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("collector.poll_interval must be positive, got %s", c.Collector.PollInterval))
	}
	if c.Collector.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("collector.stats_interval must not be negative, got %s", c.Collector.StatsInterval))
	}
	if c.Probe.Symbol == "" {
		errs = append(errs, errors.New("probe.symbol must not be empty"))
	}
	switch c.Output.Format {
	case formatConsole, formatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown output.format %q", c.Output.Format))
	}
	if c.Output.ResolveProcess && c.Output.ProcessCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("output.process_cache_size must be positive, got %d", c.Output.ProcessCacheSize))
	}
	switch c.Log.Format {
	case formatConsole, formatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Simulate.Enabled && (c.Simulate.Rate <= 0 || c.Simulate.Workers <= 0) {
		errs = append(errs, fmt.Errorf("simulate.rate and simulate.workers must be positive, got %d and %d", c.Simulate.Rate, c.Simulate.Workers))
	}
	return errors.Join(errs...)
}

// newLogger builds the process logger. Output goes to stderr so events on
// stdout stay clean.
func newLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.Format == formatJSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
