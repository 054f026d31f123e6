package cfg

import "time"

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Cfg struct {
	// Rules configuration
	RulesFile string

	// State configuration
	StateBackend  string
	StatePath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	LockTimeout   time.Duration
	MaxItems      int
	RetentionDays int

	// Remote call configuration
	RequestsPerSecond float64
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RequestTimeout    time.Duration
	UserAgent         string

	// Run configuration
	Interval time.Duration
	Output   string

	// API configuration
	Port         string
	APIAccessKey string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
