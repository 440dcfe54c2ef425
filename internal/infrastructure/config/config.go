// Package config loads the relay configuration from defaults, an optional
// YAML file, a .env file, STATUSRELAY_* environment variables and flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/transport"
)

const EnvPrefix = "STATUSRELAY"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"      yaml:"http"`
	Backend   BackendConfig   `mapstructure:"backend"   yaml:"backend"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Poll      PollConfig      `mapstructure:"poll"      yaml:"poll"`
	Observer  ObserverConfig  `mapstructure:"observer"  yaml:"observer"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type BackendConfig struct {
	WebSocketURL string        `mapstructure:"ws_url"        yaml:"ws_url"`
	StatusURL    string        `mapstructure:"status_url"    yaml:"status_url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"  yaml:"dial_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"  yaml:"pong_timeout"`
}

type ReconnectConfig struct {
	Base        time.Duration `mapstructure:"base"         yaml:"base"`
	Max         time.Duration `mapstructure:"max"          yaml:"max"`
	Multiplier  float64       `mapstructure:"multiplier"   yaml:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"       yaml:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"      yaml:"interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"  yaml:"max_attempts"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RatePerSec   float64       `mapstructure:"rate"          yaml:"rate"`
	Burst        int           `mapstructure:"burst"         yaml:"burst"`
}

type ObserverConfig struct {
	Resilient bool          `mapstructure:"resilient" yaml:"resilient"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"       yaml:"level"`
	Format     string `mapstructure:"format"      yaml:"format"`
	Output     string `mapstructure:"output"      yaml:"output"`
	FilePath   string `mapstructure:"file_path"   yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size"    yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     yaml:"max_age"`
	Compress   bool   `mapstructure:"compress"    yaml:"compress"`
}

// Options are the command line switches that are not configuration values.
type Options struct {
	ConfigFile  string
	EnvFile     string
	PrintConfig bool
}

func setDefaults(v *viper.Viper) {
	d := transport.DefaultBackoff()
	p := poller.DefaultOptions()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("backend.ws_url", "ws://localhost:8000/ws")
	v.SetDefault("backend.status_url", "http://localhost:8000/api")
	v.SetDefault("backend.dial_timeout", 10*time.Second)
	v.SetDefault("backend.ping_interval", 30*time.Second)
	v.SetDefault("backend.write_timeout", 10*time.Second)
	v.SetDefault("backend.pong_timeout", 60*time.Second)

	v.SetDefault("reconnect.base", d.Base)
	v.SetDefault("reconnect.max", d.Max)
	v.SetDefault("reconnect.multiplier", d.Multiplier)
	v.SetDefault("reconnect.jitter", d.Jitter)
	v.SetDefault("reconnect.max_attempts", d.MaxAttempts)

	v.SetDefault("poll.interval", p.Interval)
	v.SetDefault("poll.max_attempts", p.MaxAttempts)
	v.SetDefault("poll.fetch_timeout", 5*time.Second)
	v.SetDefault("poll.rate", 20.0)
	v.SetDefault("poll.burst", 5)

	v.SetDefault("observer.resilient", false)
	v.SetDefault("observer.retention", 10*time.Minute)

	l := logger.NewDefaultConfig()
	v.SetDefault("log.level", l.Level.String())
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.output", l.Output)
	v.SetDefault("log.file_path", "logs/status-relay.log")
	v.SetDefault("log.max_size", l.MaxSize)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age", l.MaxAge)
	v.SetDefault("log.compress", l.Compress)
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":             "http.addr",
	"backend-ws-url":     "backend.ws_url",
	"backend-status-url": "backend.status_url",
	"poll-interval":      "poll.interval",
	"poll-max-attempts":  "poll.max_attempts",
	"reconnect-attempts": "reconnect.max_attempts",
	"resilient":          "observer.resilient",
	"retention":          "observer.retention",
	"log-level":          "log.level",
	"log-format":         "log.format",
}

func newFlagSet(name string, opts *Options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&opts.ConfigFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "print the effective configuration as YAML and exit")

	fs.String("listen", "", "HTTP listen address")
	fs.String("backend-ws-url", "", "backend push WebSocket URL")
	fs.String("backend-status-url", "", "backend status endpoint base URL")
	fs.Duration("poll-interval", 0, "polling fallback interval")
	fs.Int("poll-max-attempts", 0, "polling fallback attempt budget")
	fs.Int("reconnect-attempts", 0, "reconnect attempts before the backend is reported unreachable")
	fs.Bool("resilient", false, "poll alongside push for every observation")
	fs.Duration("retention", 0, "how long finished jobs stay queryable, 0 or less keeps them")
	fs.String("log-level", "", "debug, info, warn, error or fatal")
	fs.String("log-format", "", "json, text or console")
	return fs
}

// Load parses args (without the program name) and resolves the layered
// configuration.
func Load(name string, args []string) (*Config, Options, error) {
	var opts Options
	fs := newFlagSet(name, &opts)
	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, opts, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, opts, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, opts, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, opts, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}
	return &cfg, opts, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Backend.WebSocketURL == "" {
		errs = append(errs, errors.New("backend.ws_url is required"))
	}
	if c.Backend.StatusURL == "" {
		errs = append(errs, errors.New("backend.status_url is required"))
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Max < c.Reconnect.Base {
		errs = append(errs, fmt.Errorf("reconnect: need 0 < base <= max, got base=%s max=%s", c.Reconnect.Base, c.Reconnect.Max))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, fmt.Errorf("reconnect.jitter must be within [0,1], got %v", c.Reconnect.Jitter))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.MaxAttempts < 1 {
		errs = append(errs, errors.New("poll.max_attempts must be at least 1"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Dump writes the configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func (c *Config) Backoff() transport.Backoff {
	return transport.Backoff{
		Base:        c.Reconnect.Base,
		Max:         c.Reconnect.Max,
		Multiplier:  c.Reconnect.Multiplier,
		Jitter:      c.Reconnect.Jitter,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (c *Config) PollOptions() poller.Options {
	return poller.Options{
		Interval:    c.Poll.Interval,
		MaxAttempts: c.Poll.MaxAttempts,
	}
}

// Logger converts the log section, keeping the default static fields.
func (c *Config) Logger() *logger.Config {
	lc := logger.NewDefaultConfig()
	if level, err := logger.ParseLevel(c.Log.Level); err == nil {
		lc.Level = level
	}
	lc.Format = c.Log.Format
	lc.Output = c.Log.Output
	lc.FilePath = c.Log.FilePath
	lc.MaxSize = c.Log.MaxSize
	lc.MaxBackups = c.Log.MaxBackups
	lc.MaxAge = c.Log.MaxAge
	lc.Compress = c.Log.Compress
	return lc
}
