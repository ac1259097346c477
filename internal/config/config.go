package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig
	Elastic    ElasticConfig
	Security   SecurityConfig
	Logging    LoggingConfig
	TLS        TLSConfig
}

type ServerConfig struct {
	Environment     string
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled     bool
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
	NumBuckets  int
}

type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticConfig struct {
	Enabled   bool
	Addresses []string
	Username  string
	Password  string
	Index     string
}

type SecurityConfig struct {
	CSRFSecret       string
	CSRFTokenTTL     time.Duration
	SessionTTL       time.Duration
	SessionCacheTTL  time.Duration
	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginBlock       time.Duration
	APIMaxRequests   int
	APIWindow        time.Duration
	APIBlock         time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
	FactoryIPs       []string
	FactoryCIDRs     []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	AutocertHost string
	AutocertDir  string
	DevCert      bool
}

// LoadConfig reads configuration from the environment. A .env file is
// honored outside production. Fails when a secret or limit the service
// cannot run without is missing or malformed.
func LoadConfig() (*Config, error) {
	env := getEnv("APP_ENV", "development")
	if env != "production" {
		_ = godotenv.Load()
		env = getEnv("APP_ENV", env)
	}

	cfg := &Config{
		Server: ServerConfig{
			Environment:     env,
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:    int64(getEnvInt("SERVER_MAX_BODY_BYTES", 1<<20)),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Scylla: ScyllaConfig{
			Enabled:     getEnvBool("SCYLLA_ENABLED", true),
			Hosts:       getEnvList("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "prodflow_access"),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			Timeout:     getEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
			NumBuckets:  getEnvInt("SCYLLA_NUM_BUCKETS", 100),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("CLICKHOUSE_DATABASE", "prodflow_audit"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
		},
		Elastic: ElasticConfig{
			Enabled:   getEnvBool("ELASTIC_ENABLED", false),
			Addresses: getEnvList("ELASTIC_ADDRESSES", []string{"http://localhost:9200"}),
			Username:  getEnv("ELASTIC_USERNAME", ""),
			Password:  getEnv("ELASTIC_PASSWORD", ""),
			Index:     getEnv("ELASTIC_AUDIT_INDEX", "prodflow-audit"),
		},
		Security: SecurityConfig{
			CSRFSecret:       os.Getenv("CSRF_SECRET"),
			CSRFTokenTTL:     getEnvDuration("CSRF_TOKEN_TTL", time.Hour),
			SessionTTL:       getEnvDuration("SESSION_TTL", 30*24*time.Hour),
			SessionCacheTTL:  getEnvDuration("SESSION_CACHE_TTL", 5*time.Minute),
			LoginMaxAttempts: getEnvInt("LOGIN_RATE_MAX", 5),
			LoginWindow:      getEnvDuration("LOGIN_RATE_WINDOW", 15*time.Minute),
			LoginBlock:       getEnvDuration("LOGIN_RATE_BLOCK", time.Hour),
			APIMaxRequests:   getEnvInt("API_RATE_MAX", 100),
			APIWindow:        getEnvDuration("API_RATE_WINDOW", time.Minute),
			APIBlock:         getEnvDuration("API_RATE_BLOCK", 5*time.Minute),
			LockoutThreshold: getEnvInt("ACCOUNT_LOCKOUT_THRESHOLD", 5),
			LockoutDuration:  getEnvDuration("ACCOUNT_LOCKOUT_DURATION", 30*time.Minute),
			FactoryIPs:       getEnvList("FACTORY_IPS", nil),
			FactoryCIDRs:     getEnvList("FACTORY_CIDRS", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		TLS: TLSConfig{
			Enabled:      getEnvBool("TLS_ENABLED", false),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutocertHost: getEnv("TLS_AUTOCERT_HOST", ""),
			AutocertDir:  getEnv("TLS_AUTOCERT_DIR", "/var/lib/prodflow-access/autocert"),
			DevCert:      getEnvBool("TLS_DEV_CERT", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Security.CSRFSecret == "" {
		return fmt.Errorf("CSRF_SECRET environment variable is required")
	}
	if len(c.Security.CSRFSecret) < 32 {
		return fmt.Errorf("CSRF_SECRET must be at least 32 characters")
	}
	if c.Security.LoginMaxAttempts <= 0 || c.Security.APIMaxRequests <= 0 {
		return fmt.Errorf("rate limit maximums must be positive")
	}
	if c.Security.LoginWindow <= 0 || c.Security.APIWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
