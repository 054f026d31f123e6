package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

// ErrHelp is returned by Load when usage was requested and printed.
var ErrHelp = errors.New("help requested")

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Rules configuration
	RulesFile string `long:"rules" env:"RULES_FILE" default:"./rules.yml" description:"YAML file with feed rules and filters"`

	// State configuration
	StateBackend  string `long:"state-backend" env:"STATE_BACKEND" default:"json" choice:"json" choice:"sqlite" choice:"redis" description:"State store backend"`
	StatePath     string `long:"state-path" env:"STATE_PATH" description:"State file (json) or database (sqlite) path (default ./data/state.json or ./data/state.db)"`
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address for the redis backend"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	RedisPrefix   string `long:"redis-prefix" env:"REDIS_PREFIX" default:"harvest:state:" description:"Redis key prefix"`
	LockTimeout   int    `long:"lock-timeout" env:"LOCK_TIMEOUT" default:"30" description:"State lock timeout in seconds"`
	MaxItems      int    `long:"max-items" env:"MAX_ITEMS" default:"10000" description:"Maximum tracked items before oldest are evicted (0 disables)"`
	RetentionDays int    `long:"retention-days" env:"RETENTION_DAYS" default:"0" description:"Remove state older than this many days after each run (0 disables)"`

	// Remote call configuration
	RequestsPerSecond float64 `long:"requests-per-second" env:"REQUESTS_PER_SECOND" default:"1" description:"Outbound request rate ceiling (0 disables pacing)"`
	RetryAttempts     int     `long:"retry-attempts" env:"RETRY_ATTEMPTS" default:"3" description:"Attempts per remote call"`
	RetryBaseDelay    int     `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"1000" description:"Base retry backoff in milliseconds"`
	RetryMaxDelay     int     `long:"retry-max-delay" env:"RETRY_MAX_DELAY" default:"60" description:"Longest single retry wait in seconds, Retry-After included (0 disables the cap)"`
	RequestTimeout    int     `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30" description:"Per-request timeout in seconds"`
	UserAgent         string  `long:"user-agent" env:"USER_AGENT" description:"User agent string for HTTP requests"`

	// Run configuration
	Interval int    `long:"interval" env:"INTERVAL" default:"0" description:"Seconds between collection runs (0 runs once and exits)"`
	Output   string `long:"output" env:"OUTPUT" default:"./data/items.jsonl" description:"JSON-lines file receiving saved items"`

	// API configuration
	Port         string `long:"port" env:"PORT" description:"HTTP port for the state inspection API (empty disables it)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load parses command line args and environment into a Cfg.
func Load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		RulesFile:         raw.RulesFile,
		StateBackend:      raw.StateBackend,
		StatePath:         cmp.Or(raw.StatePath, defaultStatePath(raw.StateBackend)),
		RedisAddr:         raw.RedisAddr,
		RedisPassword:     raw.RedisPassword,
		RedisDB:           raw.RedisDB,
		RedisPrefix:       raw.RedisPrefix,
		LockTimeout:       time.Duration(raw.LockTimeout) * time.Second,
		MaxItems:          raw.MaxItems,
		RetentionDays:     raw.RetentionDays,
		RequestsPerSecond: raw.RequestsPerSecond,
		RetryAttempts:     raw.RetryAttempts,
		RetryBaseDelay:    time.Duration(raw.RetryBaseDelay) * time.Millisecond,
		RetryMaxDelay:     time.Duration(raw.RetryMaxDelay) * time.Second,
		RequestTimeout:    time.Duration(raw.RequestTimeout) * time.Second,
		UserAgent:         cmp.Or(raw.UserAgent, "harvest/"+GetVersion()),
		Interval:          time.Duration(raw.Interval) * time.Second,
		Output:            raw.Output,
		Port:              raw.Port,
		APIAccessKey:      raw.APIAccessKey,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func (c *Cfg) validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items must be non-negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days must be non-negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must be non-negative")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.RequestTimeout <= 0 || c.Interval < 0 {
		return fmt.Errorf("delays and timeouts must be non-negative")
	}
	return nil
}

func defaultStatePath(backend string) string {
	switch backend {
	case BackendSQLite:
		return "./data/state.db"
	case BackendJSON:
		return "./data/state.json"
	}
	return ""
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
