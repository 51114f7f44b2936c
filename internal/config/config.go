package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	LogLevel          string
	LogFormat         string
	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Gateway  GatewayConfig
	Redis    RedisConfig
	Telegram TelegramConfig
}

// GatewayConfig describes the hosted payment gateway integration.
type GatewayConfig struct {
	BaseURL       string
	ApplicationID string
	Secret        string
	StoreID       string
	WebhookSecret string
	ReturnURL     string
	CallbackURL   string
	Lang          string
	Timeout       time.Duration
	// PaidStatuses lists gateway statuses treated as a completed payment.
	PaidStatuses []string
	// SignatureFields is the concatenation order for fixed-order signatures.
	SignatureFields []string
	// Methods maps internal payment method ids to gateway payment_system codes.
	Methods           map[string]string
	ReceiptURL        string
	BreakerMaxFailure uint32
	BreakerOpenFor    time.Duration
}

// Configured reports whether credentials for the gateway are present.
func (g GatewayConfig) Configured() bool {
	return g.BaseURL != "" && g.ApplicationID != "" && g.Secret != "" && g.StoreID != ""
}

// SigningSecret returns the secret used to verify webhook signatures.
func (g GatewayConfig) SigningSecret() string {
	if g.WebhookSecret != "" {
		return g.WebhookSecret
	}
	return g.Secret
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	// StatusPollsPerMinute bounds client status polling per identity.
	StatusPollsPerMinute int
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type TelegramConfig struct {
	BotToken       string
	OperatorChatID int64
}

func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.OperatorChatID != 0
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "examly"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		NodeID:      getenvInt64("NODE_ID", 1),

		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:      strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "examly"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Gateway: GatewayConfig{
			BaseURL:           strings.TrimRight(strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")), "/"),
			ApplicationID:     strings.TrimSpace(getenv("GATEWAY_APPLICATION_ID", "")),
			Secret:            strings.TrimSpace(getenv("GATEWAY_SECRET", "")),
			StoreID:           strings.TrimSpace(getenv("GATEWAY_STORE_ID", "")),
			WebhookSecret:     strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
			ReturnURL:         getenv("GATEWAY_RETURN_URL", ""),
			CallbackURL:       getenv("GATEWAY_CALLBACK_URL", ""),
			Lang:              getenv("GATEWAY_LANG", "en"),
			Timeout:           getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
			PaidStatuses:      parseList(getenv("GATEWAY_PAID_STATUSES", "paid,success,completed,billing")),
			SignatureFields:   parseList(getenv("GATEWAY_SIGNATURE_FIELDS", "store_id,invoice_id,amount,uuid")),
			Methods:           parseMap(getenv("GATEWAY_METHODS", "card:card,wallet:wallet")),
			ReceiptURL:        getenv("GATEWAY_RECEIPT_URL", ""),
			BreakerMaxFailure: uint32(getenvInt("GATEWAY_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenFor:    getenvDuration("GATEWAY_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:                 strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:             getenv("REDIS_PASSWORD", ""),
			DB:                   getenvInt("REDIS_DB", 0),
			LockTTL:              getenvDuration("RECONCILE_LOCK_TTL", 10*time.Second),
			StatusPollsPerMinute: getenvInt("STATUS_POLLS_PER_MINUTE", 30),
		},
		Telegram: TelegramConfig{
			BotToken:       strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN", "")),
			OperatorChatID: getenvInt64("TELEGRAM_OPERATOR_CHAT_ID", 0),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseMap reads "key:value,key:value" pairs.
func parseMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
