// Package config reads runtime settings from the environment and .env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	SlackBotToken  string
	SlackAppToken  string
	StaffChannelID string
	// ADMIN_CHANNEL_ID が空なら障害報告はログだけ
	AdminChannelID string

	DBDriver string
	DBPath   string
	Dynamo   struct {
		TablePrefix string
		Local       bool
		Endpoint    string
	}
	StoreMaxRetries     uint64
	StoreRetryBaseDelay time.Duration

	EnableLogging     bool
	IdleTimeout       time.Duration
	DiagnosticTrigger string
	StaffCloseTrigger string
	SummaryTrigger    string
	DefaultLanguage   string

	ListenSocket        string
	Workers             int
	ReconnectMaxRetries uint64
	ReconnectBaseDelay  time.Duration

	OpenAI struct {
		APIKey          string
		Model           string
		AzureEndpoint   string
		AzureKey        string
		AzureAPIVersion string
	}
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
		StaffChannelID:    os.Getenv("STAFF_CHANNEL_ID"),
		AdminChannelID:    os.Getenv("ADMIN_CHANNEL_ID"),
		DBDriver:          getEnv("DB_DRIVER", "sqlite"),
		DBPath:            os.Getenv("DB_PATH"),
		DiagnosticTrigger: getEnv("DIAGNOSTIC_TRIGGER", "check_chat_id"),
		StaffCloseTrigger: getEnv("STAFF_CLOSE_TRIGGER", "!close"),
		SummaryTrigger:    getEnv("SUMMARY_TRIGGER", "!summary"),
		DefaultLanguage:   getEnv("DEFAULT_LANGUAGE", "en"),
		ListenSocket:      getEnv("LISTEN_SOCKET", ":3000"),
	}
	cfg.Dynamo.TablePrefix = getEnv("DYNAMO_TABLE_PREFIX", "slaffic_relay")
	cfg.Dynamo.Endpoint = os.Getenv("DYNAMO_ENDPOINT")
	cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAI.Model = os.Getenv("OPENAI_MODEL")
	cfg.OpenAI.AzureEndpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	cfg.OpenAI.AzureKey = os.Getenv("AZURE_OPENAI_KEY")
	cfg.OpenAI.AzureAPIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")

	var errs []error
	cfg.Dynamo.Local, errs = boolEnv("DYNAMO_LOCAL", false, errs)
	cfg.EnableLogging, errs = boolEnv("ENABLE_LOGGING", true, errs)
	cfg.IdleTimeout, errs = durationEnv("IDLE_TIMEOUT", 3*time.Hour, errs)
	cfg.StoreMaxRetries, errs = uintEnv("STORE_MAX_RETRIES", 3, errs)
	cfg.StoreRetryBaseDelay, errs = durationEnv("STORE_RETRY_BASE_DELAY", 100*time.Millisecond, errs)
	cfg.ReconnectMaxRetries, errs = uintEnv("RECONNECT_MAX_RETRIES", 10, errs)
	cfg.ReconnectBaseDelay, errs = durationEnv("RECONNECT_BASE_DELAY", time.Second, errs)
	var workers uint64
	workers, errs = uintEnv("WORKERS", 8, errs)
	cfg.Workers = int(workers)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings needed to serve. Migrate only needs the store.
func (c *Config) Validate() error {
	var missing []string
	for _, kv := range [][2]string{
		{"SLACK_BOT_TOKEN", c.SlackBotToken},
		{"SLACK_APP_TOKEN", c.SlackAppToken},
		{"STAFF_CHANNEL_ID", c.StaffChannelID},
	} {
		if kv[1] == "" {
			missing = append(missing, kv[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variable not set: %s", strings.Join(missing, ", "))
	}
	return c.ValidateStore()
}

func (c *Config) ValidateStore() error {
	switch c.DBDriver {
	case "sqlite", "dynamodb":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.Workers < 1 {
		return errors.New("WORKERS must be at least 1")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("IDLE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool, errs []error) (bool, []error) {
	v := os.Getenv(key)
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: %w", key, err))
	}
	return b, errs
}

func uintEnv(key string, def uint64, errs []error) (uint64, []error) {
	v := os.Getenv(key)
	if v == "" {
		return def, errs
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: %w", key, err))
	}
	return n, errs
}

func durationEnv(key string, def time.Duration, errs []error) (time.Duration, []error) {
	v := os.Getenv(key)
	if v == "" {
		return def, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: %w", key, err))
	}
	return d, errs
}
