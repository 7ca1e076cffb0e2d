package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DbURL       string
	APIPort     int
	KafkaBroker string
	KafkaTopic  string

	// Shared secret checked by the webhook endpoint. Empty means the endpoint
	// accepts unauthenticated requests, which is logged at startup.
	WebhookSecret string

	BlockCypherToken      string
	BlockCypherAPIURL     string
	BlockCypherWebhookURL string
	EthRpcURL             string
	TronGridAPIURL        string
	TronGridAPIKey        string

	// Confirmation thresholds per chain. TRON finalizes faster, hence the
	// lower default.
	Confirmations map[string]int64

	ProviderTimeout  time.Duration
	PollInterval     time.Duration
	PollBatchSize    int
	InvoiceExpiry    time.Duration
	WebhookRetention time.Duration
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	return &Config{
		DbURL:       getEnvOrFatal("DB_URL"),
		APIPort:     getEnvInt("API_PORT", 8080),
		KafkaBroker: getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:  getEnvOrFatal("KAFKA_TOPIC"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		BlockCypherToken:      os.Getenv("BLOCKCYPHER_API_KEY"),
		BlockCypherAPIURL:     getEnv("BLOCKCYPHER_API_URL", "https://api.blockcypher.com/v1"),
		BlockCypherWebhookURL: os.Getenv("BLOCKCYPHER_WEBHOOK_URL"),
		EthRpcURL:             getEnvOrFatal("ETH_RPC_URL"),
		TronGridAPIURL:        getEnv("TRONGRID_API_URL", "https://api.trongrid.io"),
		TronGridAPIKey:        os.Getenv("TRONGRID_API_KEY"),

		Confirmations: map[string]int64{
			"btc":  getEnvInt64("CONFIRMATIONS_BTC", 3),
			"ltc":  getEnvInt64("CONFIRMATIONS_LTC", 3),
			"eth":  getEnvInt64("CONFIRMATIONS_ETH", 3),
			"tron": getEnvInt64("CONFIRMATIONS_TRON", 1),
		},

		ProviderTimeout:  time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
		PollInterval:     time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 60)) * time.Second,
		PollBatchSize:    getEnvInt("POLL_BATCH_SIZE", 10),
		InvoiceExpiry:    time.Duration(getEnvInt("INVOICE_EXPIRY_HOURS", 24)) * time.Hour,
		WebhookRetention: time.Duration(getEnvInt("WEBHOOK_RETENTION_DAYS", 7)) * 24 * time.Hour,
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("environment variable %s not set", key)

	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
