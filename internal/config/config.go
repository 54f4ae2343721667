// Package config loads the harvester configuration from defaults, an
// optional TOML or YAML file, the environment and command line flags, in
// that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/Sternrassler/yt-harvester/pkg/orchestrator"
	"github.com/Sternrassler/yt-harvester/pkg/pagination"
	"github.com/Sternrassler/yt-harvester/pkg/ratelimit"
	"github.com/Sternrassler/yt-harvester/pkg/resolver"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Config is the complete process configuration.
type Config struct {
	// Credentials are API keys given inline. KeysFile is used when empty.
	Credentials []string `toml:"credentials" yaml:"credentials"`
	KeysFile    string   `toml:"keys_file" yaml:"keys_file"`

	Mode        string        `toml:"mode" yaml:"mode"`
	// Interval is the pause between passes. The checkpoint is keyed by UTC
	// day, so a unit that finished today is skipped by later passes until
	// the date changes; intervals under 24h only retry failed units.
	Interval    time.Duration `toml:"interval" yaml:"interval"`
	StorageDSN  string        `toml:"storage_dsn" yaml:"storage_dsn"`
	RedisAddr   string        `toml:"redis_addr" yaml:"redis_addr"`
	Checkpoint  string        `toml:"checkpoint_path" yaml:"checkpoint_path"`
	OpsListen   string        `toml:"ops_listen" yaml:"ops_listen"`
	APIEndpoint string        `toml:"api_endpoint" yaml:"api_endpoint"`

	Client  ClientConfig `toml:"client" yaml:"client"`
	Workers WorkerConfig `toml:"workers" yaml:"workers"`
	Limits  LimitConfig  `toml:"limits" yaml:"limits"`
	Quota   QuotaConfig  `toml:"quota" yaml:"quota"`
	Log     LogConfig    `toml:"log" yaml:"log"`

	// Args are the positional arguments left after flag parsing.
	Args []string `toml:"-" yaml:"-"`
}

// ClientConfig configures the retry client.
type ClientConfig struct {
	CallDelay      time.Duration `toml:"call_delay" yaml:"call_delay"`
	MaxAttempts    int           `toml:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff" yaml:"max_backoff"`
}

// WorkerConfig configures the orchestrator pool.
type WorkerConfig struct {
	Width           int           `toml:"width" yaml:"width"`
	UnitTimeout     time.Duration `toml:"unit_timeout" yaml:"unit_timeout"`
	CheckpointBatch int           `toml:"checkpoint_batch" yaml:"checkpoint_batch"`
	ChannelDelay    time.Duration `toml:"channel_delay" yaml:"channel_delay"`
}

// LimitConfig configures traversal caps and detail resolution.
type LimitConfig struct {
	RetroactiveCap int           `toml:"retroactive_cap" yaml:"retroactive_cap"`
	IncrementalCap int           `toml:"incremental_cap" yaml:"incremental_cap"`
	DetailBatch    int           `toml:"detail_batch" yaml:"detail_batch"`
	ShortCutoff    time.Duration `toml:"short_cutoff" yaml:"short_cutoff"`
}

// QuotaConfig configures the shared daily ledger.
type QuotaConfig struct {
	DailyLimit       int64 `toml:"daily_limit" yaml:"daily_limit"`
	WarningThreshold int64 `toml:"warning_threshold" yaml:"warning_threshold"`
	StopThreshold    int64 `toml:"stop_threshold" yaml:"stop_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Pretty bool   `toml:"pretty" yaml:"pretty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		KeysFile:   "api_keys.json",
		Mode:       string(domain.ModeIncremental),
		StorageDSN: "sqlite://harvest.db",
		Checkpoint: "checkpoint.json",
		Client: ClientConfig{
			CallDelay:      500 * time.Millisecond,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Workers: WorkerConfig{
			Width:           2,
			UnitTimeout:     30 * time.Second,
			CheckpointBatch: 10,
			ChannelDelay:    500 * time.Millisecond,
		},
		Limits: LimitConfig{
			RetroactiveCap: 50,
			IncrementalCap: 50,
			DetailBatch:    resolver.MaxBatchSize,
			ShortCutoff:    resolver.DefaultShortCutoff,
		},
		Quota: QuotaConfig{
			DailyLimit:       ratelimit.DefaultDailyLimit,
			WarningThreshold: ratelimit.DefaultWarningThreshold,
			StopThreshold:    ratelimit.DefaultStopThreshold,
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	cfg := Default()

	path := configPath(args)
	if path == "" {
		path = envString("HARVEST_CONFIG", "")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.Args = fs.Args()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path into a default configuration without consulting the
// environment or flags.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// configPath finds the -config flag before the full flag set is parsed.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	if keys := envString("YOUTUBE_API_KEYS", ""); keys != "" {
		c.Credentials = splitList(keys)
	} else if key := envString("YOUTUBE_API_KEY", ""); key != "" {
		c.Credentials = []string{key}
	}

	c.KeysFile = envString("HARVEST_KEYS_FILE", c.KeysFile)
	c.Mode = envString("HARVEST_MODE", c.Mode)
	c.Interval = envDuration("HARVEST_INTERVAL", c.Interval)
	c.StorageDSN = envString("HARVEST_STORAGE_DSN", c.StorageDSN)
	c.RedisAddr = envString("HARVEST_REDIS_ADDR", c.RedisAddr)
	c.Checkpoint = envString("HARVEST_CHECKPOINT_PATH", c.Checkpoint)
	c.OpsListen = envString("HARVEST_OPS_LISTEN", c.OpsListen)
	c.APIEndpoint = envString("HARVEST_API_ENDPOINT", c.APIEndpoint)

	c.Client.CallDelay = envDuration("HARVEST_CALL_DELAY", c.Client.CallDelay)
	c.Client.MaxAttempts = envInt("HARVEST_MAX_ATTEMPTS", c.Client.MaxAttempts)
	c.Client.InitialBackoff = envDuration("HARVEST_INITIAL_BACKOFF", c.Client.InitialBackoff)
	c.Client.MaxBackoff = envDuration("HARVEST_MAX_BACKOFF", c.Client.MaxBackoff)

	c.Workers.Width = envInt("HARVEST_WORKERS", c.Workers.Width)
	c.Workers.UnitTimeout = envDuration("HARVEST_UNIT_TIMEOUT", c.Workers.UnitTimeout)
	c.Workers.CheckpointBatch = envInt("HARVEST_CHECKPOINT_BATCH", c.Workers.CheckpointBatch)
	c.Workers.ChannelDelay = envDuration("HARVEST_CHANNEL_DELAY", c.Workers.ChannelDelay)

	c.Limits.RetroactiveCap = envInt("HARVEST_RETROACTIVE_CAP", c.Limits.RetroactiveCap)
	c.Limits.IncrementalCap = envInt("HARVEST_INCREMENTAL_CAP", c.Limits.IncrementalCap)
	c.Limits.DetailBatch = envInt("HARVEST_DETAIL_BATCH", c.Limits.DetailBatch)
	c.Limits.ShortCutoff = envDuration("HARVEST_SHORT_CUTOFF", c.Limits.ShortCutoff)

	c.Quota.DailyLimit = int64(envInt("HARVEST_QUOTA_DAILY_LIMIT", int(c.Quota.DailyLimit)))
	c.Quota.WarningThreshold = int64(envInt("HARVEST_QUOTA_WARNING", int(c.Quota.WarningThreshold)))
	c.Quota.StopThreshold = int64(envInt("HARVEST_QUOTA_STOP", int(c.Quota.StopThreshold)))

	c.Log.Level = envString("HARVEST_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = envBool("HARVEST_LOG_PRETTY", c.Log.Pretty)
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a .toml or .yaml config file")
	fs.Func("keys", "comma separated API keys", func(s string) error {
		c.Credentials = splitList(s)
		return nil
	})
	fs.StringVar(&c.KeysFile, "keys-file", c.KeysFile, "JSON file holding the API key list")
	fs.StringVar(&c.Mode, "mode", c.Mode, "traversal mode: full, retroactive, incremental or refresh")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "pause between passes (0 runs a single pass); units finished today are skipped until the UTC date changes, so shorter intervals only retry failed units")
	fs.StringVar(&c.StorageDSN, "storage", c.StorageDSN, "storage DSN (sqlite://path or postgres://...)")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for cache, quota ledger and checkpoints")
	fs.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "checkpoint file used without Redis")
	fs.StringVar(&c.OpsListen, "ops-listen", c.OpsListen, "ops HTTP listen address (empty disables it)")
	fs.StringVar(&c.APIEndpoint, "api-endpoint", c.APIEndpoint, "override the remote API base URL")

	fs.DurationVar(&c.Client.CallDelay, "call-delay", c.Client.CallDelay, "pause after every successful call")
	fs.IntVar(&c.Client.MaxAttempts, "max-attempts", c.Client.MaxAttempts, "attempts per call for transient faults")
	fs.DurationVar(&c.Client.InitialBackoff, "initial-backoff", c.Client.InitialBackoff, "first retry wait")
	fs.DurationVar(&c.Client.MaxBackoff, "max-backoff", c.Client.MaxBackoff, "retry wait ceiling")

	fs.IntVar(&c.Workers.Width, "workers", c.Workers.Width, "concurrent work units")
	fs.DurationVar(&c.Workers.UnitTimeout, "unit-timeout", c.Workers.UnitTimeout, "time limit per work unit")
	fs.IntVar(&c.Workers.CheckpointBatch, "checkpoint-batch", c.Workers.CheckpointBatch, "units per checkpoint flush")
	fs.DurationVar(&c.Workers.ChannelDelay, "channel-delay", c.Workers.ChannelDelay, "pause after each unit")

	fs.IntVar(&c.Limits.RetroactiveCap, "retroactive-cap", c.Limits.RetroactiveCap, "item cap of retroactive runs")
	fs.IntVar(&c.Limits.IncrementalCap, "incremental-cap", c.Limits.IncrementalCap, "item cap of first incremental runs")
	fs.IntVar(&c.Limits.DetailBatch, "detail-batch", c.Limits.DetailBatch, "ids per detail call (max 50)")
	fs.DurationVar(&c.Limits.ShortCutoff, "short-cutoff", c.Limits.ShortCutoff, "duration below which an item is short")

	fs.Int64Var(&c.Quota.DailyLimit, "quota-daily-limit", c.Quota.DailyLimit, "daily quota units")
	fs.Int64Var(&c.Quota.WarningThreshold, "quota-warning", c.Quota.WarningThreshold, "remaining units that trigger warnings")
	fs.Int64Var(&c.Quota.StopThreshold, "quota-stop", c.Quota.StopThreshold, "remaining units below which no work starts")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.BoolVar(&c.Log.Pretty, "log-pretty", c.Log.Pretty, "human readable console logs")
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if _, err := domain.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.StorageDSN == "" {
		return fmt.Errorf("storage_dsn is required")
	}
	if c.Client.CallDelay < 0 {
		return fmt.Errorf("call_delay must be >= 0")
	}
	if c.Client.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.Client.MaxAttempts)
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Workers.Width < 1 {
		return fmt.Errorf("workers.width must be >= 1 (got %d)", c.Workers.Width)
	}
	if c.Workers.UnitTimeout <= 0 {
		return fmt.Errorf("workers.unit_timeout must be > 0")
	}
	if c.Workers.CheckpointBatch < 1 {
		return fmt.Errorf("workers.checkpoint_batch must be >= 1 (got %d)", c.Workers.CheckpointBatch)
	}
	if c.Workers.ChannelDelay < 0 {
		return fmt.Errorf("workers.channel_delay must be >= 0")
	}
	if c.Limits.RetroactiveCap < 1 || c.Limits.IncrementalCap < 1 {
		return fmt.Errorf("traversal caps must be >= 1")
	}
	if c.Limits.DetailBatch < 1 || c.Limits.DetailBatch > resolver.MaxBatchSize {
		return fmt.Errorf("limits.detail_batch must be within 1..%d (got %d)", resolver.MaxBatchSize, c.Limits.DetailBatch)
	}
	if c.Limits.ShortCutoff <= 0 {
		return fmt.Errorf("limits.short_cutoff must be > 0")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0")
	}
	if c.Quota.StopThreshold < 0 || c.Quota.WarningThreshold < c.Quota.StopThreshold {
		return fmt.Errorf("quota thresholds must satisfy 0 <= stop_threshold <= warning_threshold")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be >= 0")
	}
	return nil
}

// TraversalMode returns the parsed mode. Validate must have passed.
func (c *Config) TraversalMode() domain.Mode {
	m, _ := domain.ParseMode(c.Mode)
	return m
}

// ClientSettings returns the retry client configuration.
func (c *Config) ClientSettings() client.Config {
	cc := client.DefaultConfig()
	cc.CallDelay = c.Client.CallDelay
	cc.Retry.MaxAttempts = c.Client.MaxAttempts
	cc.Retry.InitialBackoff = c.Client.InitialBackoff
	cc.Retry.MaxBackoff = c.Client.MaxBackoff
	return cc
}

// OrchestratorSettings returns the orchestrator configuration.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	return orchestrator.Config{
		Mode:            c.TraversalMode(),
		Workers:         c.Workers.Width,
		UnitTimeout:     c.Workers.UnitTimeout,
		CheckpointBatch: c.Workers.CheckpointBatch,
		ChannelDelay:    c.Workers.ChannelDelay,
		Client:          c.ClientSettings(),
		Pagination: pagination.Config{
			RetroactiveCap: c.Limits.RetroactiveCap,
			IncrementalCap: c.Limits.IncrementalCap,
		},
		Resolver: resolver.Config{
			BatchSize:   c.Limits.DetailBatch,
			ShortCutoff: c.Limits.ShortCutoff,
		},
	}
}

// QuotaLimits returns the ledger thresholds.
func (c *Config) QuotaLimits() ratelimit.Limits {
	return ratelimit.Limits{
		DailyLimit:       c.Quota.DailyLimit,
		WarningThreshold: c.Quota.WarningThreshold,
		StopThreshold:    c.Quota.StopThreshold,
	}
}

// LogSettings returns the logger configuration.
func (c *Config) LogSettings() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
