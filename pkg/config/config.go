package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	DBDriver string
	DBDSN    string

	RedisAddr          string
	RedisSentinelAddrs []string
	RedisMasterName    string
	RedisDB            int

	RocketMQNameServer string

	AuthJWTSecret string
	LabKeyHash    string

	PaymentAPIURL string
	PaymentAPIKey string
	Currency      string

	EmailAPIURL string
	EmailAPIKey string
	EmailFrom   string
	SiteURL     string

	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	ArchivePathStyle bool

	EnableTracing   bool
	CollectorAddr   string
	DisableProfiler bool

	RateLimitGlobalRPS   float64
	RateLimitGlobalBurst int
	RateLimitIPRPS       float64
	RateLimitIPBurst     int

	CartTTL time.Duration
}

// Load reads the process environment, falling back to local development defaults.
func Load() Config {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("MYSQL_ADDR")
	}
	driver := getEnv("DB_DRIVER", "mysql")
	if dsn == "" {
		switch driver {
		case "sqlite":
			dsn = "file:balans.db?_pragma=foreign_keys(1)"
		case "postgres":
			dsn = "host=127.0.0.1 user=postgres password=postgres dbname=balans port=5432 sslmode=disable"
		default:
			dsn = "root:root_password@tcp(127.0.0.1:3307)/balans?parseTime=true"
		}
	}

	var sentinels []string
	if s := os.Getenv("REDIS_SENTINEL_ADDRS"); s != "" {
		sentinels = strings.Split(s, ",")
	}

	return Config{
		Port: getEnv("PORT", "8080"),

		DBDriver: driver,
		DBDSN:    dsn,

		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6380"),
		RedisSentinelAddrs: sentinels,
		RedisMasterName:    getEnv("REDIS_MASTER_NAME", "mymaster"),
		RedisDB:            getEnvInt("REDIS_DB", 0),

		RocketMQNameServer: os.Getenv("ROCKETMQ_NAMESERVER"),

		AuthJWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		LabKeyHash:    os.Getenv("LAB_KEY_HASH"),

		PaymentAPIURL: getEnv("PAYMENT_API_URL", "https://api.stripe.com"),
		PaymentAPIKey: os.Getenv("PAYMENT_API_KEY"),
		Currency:      getEnv("CURRENCY", "isk"),

		EmailAPIURL: getEnv("EMAIL_API_URL", "https://api.resend.com"),
		EmailAPIKey: os.Getenv("EMAIL_API_KEY"),
		EmailFrom:   getEnv("EMAIL_FROM", "Balans <no-reply@balans.is>"),
		SiteURL:     getEnv("SITE_URL", "http://localhost:3000"),

		ArchiveBucket:    os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveRegion:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchivePathStyle: strings.EqualFold(os.Getenv("ARCHIVE_S3_PATH_STYLE"), "true"),

		EnableTracing:   os.Getenv("ENABLE_TRACING") == "1",
		CollectorAddr:   os.Getenv("COLLECTOR_SERVICE_ADDR"),
		DisableProfiler: os.Getenv("DISABLE_PROFILER") != "",

		RateLimitGlobalRPS:   getEnvFloat("RATELIMIT_GLOBAL_RPS", 1000.0),
		RateLimitGlobalBurst: getEnvInt("RATELIMIT_GLOBAL_BURST", 1000),
		RateLimitIPRPS:       getEnvFloat("RATELIMIT_IP_RPS", 5.0),
		RateLimitIPBurst:     getEnvInt("RATELIMIT_IP_BURST", 10),

		CartTTL: getEnvDuration("CART_TTL", 30*24*time.Hour),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
