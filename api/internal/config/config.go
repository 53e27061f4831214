package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port" validate:"required,numeric"`

	// QueueBackend selects the job store; "memory" runs API and worker in one process.
	// Submissions and results live in Postgres for every other backend.
	QueueBackend   string `yaml:"queue_backend" validate:"oneof=postgres dynamodb memory"`
	DatabaseURL    string `yaml:"-" validate:"required_unless=QueueBackend memory"`
	DynamoTable    string `yaml:"dynamo_table" validate:"required_if=QueueBackend dynamodb"`
	AWSRegion      string `yaml:"aws_region"`
	DynamoEndpoint string `yaml:"dynamo_endpoint" validate:"omitempty,url"`

	GeminiAPIKey    string `yaml:"-"`
	GeminiModel     string `yaml:"gemini_model"`
	OpenAIAPIKey    string `yaml:"-"`
	OpenAIModel     string `yaml:"openai_model"`
	AnthropicAPIKey string `yaml:"-"`
	AnthropicModel  string `yaml:"anthropic_model"`
	MathpixAppID    string `yaml:"-"`
	MathpixAppKey   string `yaml:"-"`
	YCOAuthToken    string `yaml:"-"`
	YCFolderID      string `yaml:"yc_folder_id"`
	WolframAppID    string `yaml:"-"`

	Providers ProvidersConfig `yaml:"providers"`
	Worker    WorkerConfig    `yaml:"worker"`

	KafkaBrokers      string `yaml:"kafka_brokers"`
	KafkaTopicResults string `yaml:"kafka_topic_results" validate:"required_with=KafkaBrokers"`

	TelegramBotToken     string `yaml:"-"`
	TelegramReviewChatID int64  `yaml:"telegram_review_chat_id" validate:"required_with=TelegramBotToken"`

	PromptDir   string `yaml:"prompt_dir"`
	PromptWatch bool   `yaml:"prompt_watch"`
}

type ProvidersConfig struct {
	// Order lists vision providers by preference: gemini, openai, anthropic.
	Order      []string `yaml:"order" validate:"min=1,dive,oneof=gemini openai anthropic"`
	OCROrder   []string `yaml:"ocr_order" validate:"dive,oneof=mathpix yandex tesseract"`
	MaxRetries int      `yaml:"max_retries" validate:"gte=0,lte=10"`
	TimeoutSec int      `yaml:"timeout_sec" validate:"gt=0,lte=600"`
}

type WorkerConfig struct {
	ID             string `yaml:"id" validate:"required"`
	Concurrency    int    `yaml:"concurrency" validate:"gt=0,lte=64"`
	PollIntervalMs int    `yaml:"poll_interval_ms" validate:"gte=100"`
	// JobTimeoutSec stays 30s under the 5-minute queue lock so a live job settles before its lock can go stale.
	JobTimeoutSec  int    `yaml:"job_timeout_sec" validate:"gt=0,lte=270"`
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Providers.TimeoutSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSec) * time.Second
}

func defaults() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Config{
		Port:           "8000",
		QueueBackend:   "postgres",
		AWSRegion:      "us-east-2",
		GeminiModel:    "gemini-2.5-flash",
		OpenAIModel:    "gpt-4o",
		AnthropicModel: "claude-sonnet-4-5",
		Providers: ProvidersConfig{
			Order:      []string{"gemini", "openai", "anthropic"},
			OCROrder:   []string{"mathpix", "yandex", "tesseract"},
			MaxRetries: 2,
			TimeoutSec: 60,
		},
		Worker: WorkerConfig{
			ID:             host,
			Concurrency:    2,
			PollIntervalMs: 2000,
			JobTimeoutSec:  240,
		},
		KafkaTopicResults: "grading-results",
	}
}

// Load reads .env (if present), then the YAML file named by GRADER_CONFIG (if set), then
// environment variables, and validates the result. Secrets come from the environment only.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env: %v", err)
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("GRADER_CONFIG")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyEnv(c *Config) error {
	setStr(&c.Port, "PORT")
	setStr(&c.QueueBackend, "QUEUE_BACKEND")
	c.QueueBackend = strings.ToLower(c.QueueBackend)
	c.DatabaseURL = resolveDSN()
	setStr(&c.DynamoTable, "DYNAMO_TABLE")
	setStr(&c.AWSRegion, "AWS_REGION")
	setStr(&c.DynamoEndpoint, "DYNAMO_ENDPOINT")

	setStr(&c.GeminiAPIKey, "GEMINI_API_KEY")
	setStr(&c.GeminiModel, "GEMINI_MODEL")
	setStr(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&c.OpenAIModel, "OPENAI_MODEL")
	setStr(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setStr(&c.AnthropicModel, "ANTHROPIC_MODEL")
	setStr(&c.MathpixAppID, "MATHPIX_APP_ID")
	setStr(&c.MathpixAppKey, "MATHPIX_APP_KEY")
	setStr(&c.YCOAuthToken, "YC_OAUTH_TOKEN")
	setStr(&c.YCFolderID, "YC_FOLDER_ID")
	setStr(&c.WolframAppID, "WOLFRAM_APP_ID")

	if v := getEnv("PROVIDER_ORDER", ""); v != "" {
		c.Providers.Order = splitList(v)
	}
	if v := getEnv("OCR_ORDER", ""); v != "" {
		c.Providers.OCROrder = splitList(v)
	}
	setStr(&c.Worker.ID, "WORKER_ID")
	setStr(&c.KafkaBrokers, "KAFKA_BROKERS")
	setStr(&c.KafkaTopicResults, "KAFKA_TOPIC_RESULTS")
	setStr(&c.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setStr(&c.PromptDir, "PROMPT_DIR")

	ints := []struct {
		key string
		dst *int
	}{
		{"PROVIDER_MAX_RETRIES", &c.Providers.MaxRetries},
		{"PROVIDER_TIMEOUT_SEC", &c.Providers.TimeoutSec},
		{"WORKER_CONCURRENCY", &c.Worker.Concurrency},
		{"POLL_INTERVAL_MS", &c.Worker.PollIntervalMs},
		{"JOB_TIMEOUT_SEC", &c.Worker.JobTimeoutSec},
	}
	for _, it := range ints {
		if v := getEnv(it.key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}
	if v := getEnv("TELEGRAM_REVIEW_CHAT_ID", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_REVIEW_CHAT_ID: %w", err)
		}
		c.TelegramReviewChatID = n
	}
	if v := getEnv("PROMPT_WATCH", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROMPT_WATCH: %w", err)
		}
		c.PromptWatch = b
	}
	return nil
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func setStr(dst *string, k string) {
	if v := getEnv(k, ""); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveDSN prefers DATABASE_URL, else builds one from POSTGRES_* / PG* variables.
// It returns "" when neither a URL nor a password is configured.
func resolveDSN() string {
	if v := getEnv("DATABASE_URL", ""); v != "" {
		return v
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	if pass == "" && os.Getenv("PGHOST") == "" {
		return ""
	}
	user := getEnv("POSTGRES_USER", "grader")
	host := getEnv("PGHOST", "db")
	port := getEnv("PGPORT", "5432")
	db := getEnv("POSTGRES_DB", "grader")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=" + getEnv("PGSSLMODE", "disable"),
	}
	return u.String()
}
