package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the service. Provider credentials are
// carried here and threaded explicitly into the gateway client; nothing reads
// them from the environment at call sites.
type Config struct {
	Port string

	// DATABASE_URL. A postgres:// / postgresql:// DSN selects the Postgres
	// driver; anything else is treated as a SQLite file path.
	DatabaseURL string

	EvolutionBaseURL string
	EvolutionAPIKey  string
	EvolutionTimeout time.Duration

	// Public base URL of this service, used when registering the inbound
	// webhook on the provider (e.g. https://crm.example.com).
	WebhookPublicURL string

	RabbitURL         string
	RabbitQueue       string
	RabbitQueuePrefix string

	LogLevel  string
	LogFormat string

	// Echo pairing codes to the terminal while connecting (local dev aid).
	QRTerminal bool
}

// Load reads configuration from the environment, loading a .env file first if
// one is present. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       getenv("DATABASE_URL", "zapinbox.db"),
		EvolutionBaseURL:  os.Getenv("EVOLUTION_API_URL"),
		EvolutionAPIKey:   os.Getenv("EVOLUTION_API_KEY"),
		EvolutionTimeout:  10 * time.Second,
		WebhookPublicURL:  os.Getenv("WEBHOOK_PUBLIC_URL"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		RabbitQueue:       getenv("RABBITMQ_QUEUE", "inbox_events"),
		RabbitQueuePrefix: getenv("RABBITMQ_QUEUE_PREFIX", "zapinbox"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
		QRTerminal:        os.Getenv("QR_TERMINAL") == "true",
	}

	if cfg.EvolutionBaseURL == "" || cfg.EvolutionAPIKey == "" {
		return nil, fmt.Errorf("EVOLUTION_API_URL and EVOLUTION_API_KEY must be set")
	}

	return cfg, nil
}

// WebhookIngressURL is the full URL the provider posts events to.
func (c *Config) WebhookIngressURL() string {
	if c.WebhookPublicURL == "" {
		return ""
	}
	return c.WebhookPublicURL + "/webhooks/evolution"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
