package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	SyncPoll = "poll"
	SyncPush = "push"
	SyncOff  = "off"
)

var (
	ErrInvalidDriver      = errors.New("DB_DRIVER must be 'sqlite' or 'postgres'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrInvalidSyncMode    = errors.New("CHATRELAY_SYNC must be 'poll', 'push' or 'off'")
	ErrMissingServerURL   = errors.New("CHATRELAY_SERVER is required")
)

type Config struct {
	ListenAddr    string
	ProvidersFile string
	StaticDir     string
	HealthPath    string
	MetricsPath   string

	// APIKeys maps lowercase credential names to secrets, read from
	// <NAME>_API_KEY variables (GIFTED_API_KEY -> "gifted").
	APIKeys       map[string]string
	ImgurClientID string

	Redis RedisConfig
	DB    DBConfig
	HTTP  HTTPConfig
	Rate  RateConfig
	Log   LogConfig
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type RateConfig struct {
	PerHour int64
}

type LogConfig struct {
	Level string
}

// Load reads the server configuration. A .env file in the working directory
// is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:    listenAddr(),
		ProvidersFile: mustEnv("PROVIDERS_FILE", ""),
		StaticDir:     mustEnv("STATIC_DIR", ""),
		HealthPath:    mustEnv("HEALTH_PATH", "/healthz"),
		MetricsPath:   mustEnv("METRICS_PATH", "/metrics"),
		APIKeys:       loadAPIKeys(),
		ImgurClientID: mustEnv("IMGUR_CLIENT_ID", ""),
		Redis: RedisConfig{
			Addr:           mustEnv("REDIS_ADDR", ""),
			Password:       mustEnv("REDIS_PASSWORD", ""),
			DB:             mustInt("REDIS_DB", 0),
			IdempotencyTTL: mustDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", DriverSQLite)),
			DSN:         mustEnv("DB_DSN", "file:chatrelay.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 0),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 0)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pgx" {
		cfg.DB.Driver = DriverPostgres
	}
	if cfg.DB.Driver != DriverSQLite && cfg.DB.Driver != DriverPostgres {
		return nil, ErrInvalidDriver
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.HTTP.MaxRetries < 0 {
		return nil, fmt.Errorf("HTTP_MAX_RETRIES must be >= 0, got %d", cfg.HTTP.MaxRetries)
	}
	return cfg, nil
}

// MissingCredentials returns the env keys of the named credentials that are not set.
func (c *Config) MissingCredentials(names []string) []string {
	missing := []string{}
	for _, name := range names {
		if strings.TrimSpace(c.APIKeys[strings.ToLower(name)]) == "" {
			missing = append(missing, credentialEnv(name))
		}
	}
	sort.Strings(missing)
	return missing
}

func credentialEnv(name string) string {
	return strings.ToUpper(name) + "_API_KEY"
}

func loadAPIKeys() map[string]string {
	keys := map[string]string{}
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], strings.TrimSpace(parts[1])
		if !strings.HasSuffix(k, "_API_KEY") || v == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(k, "_API_KEY"))
		if name == "" {
			continue
		}
		keys[name] = v
	}
	return keys
}

func listenAddr() string {
	if v := mustEnv("LISTEN_ADDR", ""); v != "" {
		return v
	}
	if port := mustEnv("PORT", ""); port != "" {
		return ":" + port
	}
	return ":3000"
}

type ClientConfig struct {
	ServerURL      string
	DataDir        string
	SyncMode       string
	SyncInterval   time.Duration
	ReconnectDelay time.Duration
	LogLevel       string
}

func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:      strings.TrimRight(mustEnv("CHATRELAY_SERVER", "http://localhost:3000"), "/"),
		DataDir:        mustEnv("CHATRELAY_DATA_DIR", defaultDataDir()),
		SyncMode:       strings.ToLower(mustEnv("CHATRELAY_SYNC", SyncPoll)),
		SyncInterval:   mustDuration("CHATRELAY_SYNC_INTERVAL", 3*time.Second),
		ReconnectDelay: mustDuration("CHATRELAY_RECONNECT_DELAY", 3*time.Second),
		LogLevel:       strings.ToLower(mustEnv("LOG_LEVEL", "info")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate is rerun by cmd/chat after flags override env values.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	switch c.SyncMode {
	case SyncPoll, SyncPush, SyncOff:
	default:
		return ErrInvalidSyncMode
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 3 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "chatrelay")
	}
	return ".chatrelay"
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
