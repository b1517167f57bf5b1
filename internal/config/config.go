// Package config provides application configuration loaded from environment
// variables with defaults and validation. It covers the HTTP server, the
// application store, the Kafka publisher, the optional Redis-backed
// reconciliation job, and observability.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported DB_DRIVER values.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and addresses the application store.
type DBConfig struct {
	Driver string // DB_DRIVER: postgres|sqlite

	Host     string // POSTGRES_HOST
	Port     int    // POSTGRES_PORT
	Name     string // POSTGRES_DB
	User     string // POSTGRES_USER
	Password string // POSTGRES_PASSWORD
	SSLMode  string // DB_SSLMODE

	PoolMin int // DB_POOL_MIN
	PoolMax int // DB_POOL_MAX

	Path string // DB_PATH, sqlite only

	// ConnectAttempts bounds start-up retries while the store comes up.
	ConnectAttempts int // DB_CONNECT_ATTEMPTS
}

// DSN renders the Postgres connection URL. The password is escaped.
func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// KafkaConfig configures the publisher.
type KafkaConfig struct {
	Brokers           string        // KAFKA_BROKER_URL, comma-separated
	Topic             string        // KAFKA_TOPIC
	Partitions        int           // KAFKA_TOPIC_PARTITIONS
	ReplicationFactor int           // KAFKA_TOPIC_REPLICATION
	TopicAttempts     int           // KAFKA_TOPIC_ATTEMPTS
	TopicBackoff      time.Duration // KAFKA_TOPIC_BACKOFF
	PublishTimeout    time.Duration // PUBLISH_TIMEOUT
}

// ReconcileConfig configures the optional republish job. An empty RedisURL
// disables it.
type ReconcileConfig struct {
	RedisURL string // REDIS_URL
	Key      string // RECONCILE_KEY
	Schedule string // RECONCILE_SCHEDULE (cron spec or @every)
	Batch    int    // RECONCILE_BATCH
}

// Enabled reports whether a Redis URL was configured.
func (r ReconcileConfig) Enabled() bool { return r.RedisURL != "" }

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB    DBConfig
	Kafka KafkaConfig

	// Paging
	PageSizeDefault int // PAGE_SIZE_DEFAULT
	PageSizeMax     int // PAGE_SIZE_MAX

	// Rate limiting
	RateRPS   float64 // tokens per second (0 disables)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Reconcile ReconcileConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver:          strings.ToLower(getenv("DB_DRIVER", DriverPostgres)),
			Host:            getenv("POSTGRES_HOST", "localhost"),
			Port:            getint("POSTGRES_PORT", 5432),
			Name:            getenv("POSTGRES_DB", "postgres"),
			User:            getenv("POSTGRES_USER", "postgres"),
			Password:        getenv("POSTGRES_PASSWORD", "postgres"),
			SSLMode:         getenv("DB_SSLMODE", "disable"),
			PoolMin:         getint("DB_POOL_MIN", 1),
			PoolMax:         getint("DB_POOL_MAX", 10),
			Path:            getenv("DB_PATH", "applications.db"),
			ConnectAttempts: getint("DB_CONNECT_ATTEMPTS", 5),
		},

		Kafka: KafkaConfig{
			Brokers:           getenv("KAFKA_BROKER_URL", "localhost:9092"),
			Topic:             getenv("KAFKA_TOPIC", "new_applications"),
			Partitions:        getint("KAFKA_TOPIC_PARTITIONS", 1),
			ReplicationFactor: getint("KAFKA_TOPIC_REPLICATION", 1),
			TopicAttempts:     getint("KAFKA_TOPIC_ATTEMPTS", 10),
			TopicBackoff:      getdur("KAFKA_TOPIC_BACKOFF", 500*time.Millisecond),
			PublishTimeout:    getdur("PUBLISH_TIMEOUT", 10*time.Second),
		},

		PageSizeDefault: getint("PAGE_SIZE_DEFAULT", 10),
		PageSizeMax:     getint("PAGE_SIZE_MAX", 100),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Reconcile: ReconcileConfig{
			RedisURL: getenv("REDIS_URL", ""),
			Key:      getenv("RECONCILE_KEY", "applications:unpublished"),
			Schedule: getenv("RECONCILE_SCHEDULE", "@every 1m"),
			Batch:    getint("RECONCILE_BATCH", 100),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-applications-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "sqlite3" {
		cfg.DB.Driver = DriverSQLite
	}

	return cfg, cfg.validate()
}

// minPersistHeadroom is the part of WRITE_TIMEOUT reserved for the insert
// that precedes a publish.
const minPersistHeadroom = time.Second

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case DriverPostgres:
		if strings.TrimSpace(cfg.DB.Host) == "" || strings.TrimSpace(cfg.DB.Name) == "" {
			return errors.New("POSTGRES_HOST and POSTGRES_DB must not be empty")
		}
		if cfg.DB.Port <= 0 || cfg.DB.Port > 65535 {
			return errors.New("POSTGRES_PORT must be a valid port")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if cfg.DB.PoolMin < 0 || cfg.DB.PoolMax < 1 || cfg.DB.PoolMin > cfg.DB.PoolMax {
		return errors.New("DB_POOL_MIN/DB_POOL_MAX must satisfy 0 <= min <= max, max >= 1")
	}
	if cfg.DB.ConnectAttempts < 1 {
		return errors.New("DB_CONNECT_ATTEMPTS must be >= 1")
	}

	if len(splitCSV(cfg.Kafka.Brokers)) == 0 {
		return errors.New("KAFKA_BROKER_URL must list at least one broker")
	}
	if strings.TrimSpace(cfg.Kafka.Topic) == "" {
		return errors.New("KAFKA_TOPIC must not be empty")
	}
	if cfg.Kafka.Partitions < 1 || cfg.Kafka.ReplicationFactor < 1 {
		return errors.New("KAFKA_TOPIC_PARTITIONS and KAFKA_TOPIC_REPLICATION must be >= 1")
	}
	if cfg.Kafka.TopicAttempts < 1 || cfg.Kafka.TopicBackoff <= 0 {
		return errors.New("KAFKA_TOPIC_ATTEMPTS must be >= 1 and KAFKA_TOPIC_BACKOFF > 0")
	}
	if cfg.Kafka.PublishTimeout <= 0 {
		return errors.New("PUBLISH_TIMEOUT must be > 0")
	}
	// A POST persists and then publishes within one response; the publish
	// budget must leave room for the insert before the server write deadline.
	if cfg.WriteTimeout-cfg.Kafka.PublishTimeout < minPersistHeadroom {
		return fmt.Errorf("PUBLISH_TIMEOUT must be at least %s below WRITE_TIMEOUT", minPersistHeadroom)
	}

	if cfg.PageSizeMax < 1 || cfg.PageSizeMax > 100 {
		return errors.New("PAGE_SIZE_MAX must be in [1,100]")
	}
	if cfg.PageSizeDefault < 1 || cfg.PageSizeDefault > cfg.PageSizeMax {
		return errors.New("PAGE_SIZE_DEFAULT must be in [1,PAGE_SIZE_MAX]")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Reconcile.Enabled() {
		if strings.TrimSpace(cfg.Reconcile.Key) == "" {
			return errors.New("RECONCILE_KEY must not be empty")
		}
		if cfg.Reconcile.Batch < 1 {
			return errors.New("RECONCILE_BATCH must be >= 1")
		}
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
