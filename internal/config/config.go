// Package config reads service settings from the environment. A local .env
// file is loaded first when present, without overriding set variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvTableName             = "TABLE_NAME"
	EnvIngestQueueURL        = "INGEST_QUEUE_URL"
	EnvReminderQueueURL      = "REMINDER_QUEUE_URL"
	EnvGoogleClientID        = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret    = "GOOGLE_CLIENT_SECRET"
	EnvPubSubTopic           = "PUBSUB_TOPIC"
	EnvTokenSealingKey       = "TOKEN_SEALING_KEY"
	EnvTelegramBotToken      = "TELEGRAM_BOT_TOKEN"
	EnvTelegramWebhookSecret = "TELEGRAM_WEBHOOK_SECRET"
	EnvPushVerificationToken = "PUSH_VERIFICATION_TOKEN"
	EnvSweepSigningSecret    = "SWEEP_SIGNING_SECRET"
	EnvClassifierModelID     = "CLASSIFIER_MODEL_ID"
	EnvRenewalWindow         = "RENEWAL_WINDOW"
	EnvCallTimeout           = "CALL_TIMEOUT"
	EnvHTMLFallback          = "NORMALIZER_HTML_FALLBACK"
	EnvSweepConcurrency      = "SWEEP_CONCURRENCY"
)

// Config holds every setting used by the entry points. Each entry point
// checks the ones it needs with Require.
type Config struct {
	TableName             string
	IngestQueueURL        string
	ReminderQueueURL      string
	GoogleClientID        string
	GoogleClientSecret    string
	PubSubTopic           string
	TokenSealingKey       string
	TelegramBotToken      string
	TelegramWebhookSecret string
	PushVerificationToken string
	SweepSigningSecret    string
	ClassifierModelID     string
	RenewalWindow         time.Duration
	CallTimeout           time.Duration
	HTMLFallback          bool
	SweepConcurrency      int
}

// Load reads the configuration.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		TableName:             getEnvString(EnvTableName, ""),
		IngestQueueURL:        getEnvString(EnvIngestQueueURL, ""),
		ReminderQueueURL:      getEnvString(EnvReminderQueueURL, ""),
		GoogleClientID:        getEnvString(EnvGoogleClientID, ""),
		GoogleClientSecret:    getEnvString(EnvGoogleClientSecret, ""),
		PubSubTopic:           getEnvString(EnvPubSubTopic, ""),
		TokenSealingKey:       getEnvString(EnvTokenSealingKey, ""),
		TelegramBotToken:      getEnvString(EnvTelegramBotToken, ""),
		TelegramWebhookSecret: getEnvString(EnvTelegramWebhookSecret, ""),
		PushVerificationToken: getEnvString(EnvPushVerificationToken, ""),
		SweepSigningSecret:    getEnvString(EnvSweepSigningSecret, ""),
		ClassifierModelID:     getEnvString(EnvClassifierModelID, ""),
		RenewalWindow:         getEnvDuration(EnvRenewalWindow, 24*time.Hour),
		CallTimeout:           getEnvDuration(EnvCallTimeout, 20*time.Second),
		HTMLFallback:          getEnvBool(EnvHTMLFallback, false),
		SweepConcurrency:      getEnvInt(EnvSweepConcurrency, 8),
	}
}

// Require returns an error naming every listed variable that is unset.
func (c Config) Require(names ...string) error {
	values := map[string]string{
		EnvTableName:             c.TableName,
		EnvIngestQueueURL:        c.IngestQueueURL,
		EnvReminderQueueURL:      c.ReminderQueueURL,
		EnvGoogleClientID:        c.GoogleClientID,
		EnvGoogleClientSecret:    c.GoogleClientSecret,
		EnvPubSubTopic:           c.PubSubTopic,
		EnvTokenSealingKey:       c.TokenSealingKey,
		EnvTelegramBotToken:      c.TelegramBotToken,
		EnvTelegramWebhookSecret: c.TelegramWebhookSecret,
		EnvPushVerificationToken: c.PushVerificationToken,
		EnvSweepSigningSecret:    c.SweepSigningSecret,
		EnvClassifierModelID:     c.ClassifierModelID,
	}
	var missing []string
	for _, name := range names {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
