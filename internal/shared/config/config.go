package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	DatabaseURL     string
	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	QueueURL        string

	DefaultProvider string
	OpenAI          ProviderConfig
	Anthropic       ProviderConfig
	Gemini          ProviderConfig

	OCRAPIKey            string
	OCRModel             string
	OCRRequestsPerSecond float64

	DocumentSourceURL     string
	DocumentSourceTimeout time.Duration

	RateLimit     RateRule
	PollRateLimit RateRule

	WorkerConcurrency int
	VisibilityTimeout time.Duration
	ShutdownTimeout   time.Duration

	Pipeline Pipeline
}

// RateRule is a per-principal token bucket for the HTTP API.
type RateRule struct {
	PerSecond float64
	Burst     int
}

// ProviderConfig carries the settings of one inference provider.
type ProviderConfig struct {
	APIKey           string
	Model            string
	BaseURL          string
	RatePerMinute    int
	Timeout          time.Duration
	ReasoningTimeout time.Duration
}

// Enabled reports whether the provider has credentials configured.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	pipeline, err := LoadPipeline(os.Getenv("PIPELINE_CONFIG_FILE"))
	if err != nil {
		log.Printf("pipeline config: %v; using defaults", err)
		pipeline = DefaultPipeline()
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:             env,
		DatabaseURL:     dbURL,
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		QueueURL:        strings.TrimSpace(getEnv("CA_SQS_QUEUE_URL", "")),

		DefaultProvider: strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		OpenAI: ProviderConfig{
			APIKey:           os.Getenv("OPENAI_API_KEY"),
			Model:            getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:          getEnv("OPENAI_BASE_URL", ""),
			RatePerMinute:    getEnvInt("OPENAI_RPM", 60),
			Timeout:          getEnvSeconds("OPENAI_TIMEOUT_SECONDS", 120*time.Second),
			ReasoningTimeout: getEnvSeconds("OPENAI_REASONING_TIMEOUT_SECONDS", 600*time.Second),
		},
		Anthropic: ProviderConfig{
			APIKey:           os.Getenv("ANTHROPIC_API_KEY"),
			Model:            getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			BaseURL:          getEnv("ANTHROPIC_BASE_URL", ""),
			RatePerMinute:    getEnvInt("ANTHROPIC_RPM", 50),
			Timeout:          getEnvSeconds("ANTHROPIC_TIMEOUT_SECONDS", 180*time.Second),
			ReasoningTimeout: getEnvSeconds("ANTHROPIC_REASONING_TIMEOUT_SECONDS", 600*time.Second),
		},
		Gemini: ProviderConfig{
			APIKey:           os.Getenv("GEMINI_API_KEY"),
			Model:            getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			BaseURL:          getEnv("GEMINI_BASE_URL", ""),
			RatePerMinute:    getEnvInt("GEMINI_RPM", 15),
			Timeout:          getEnvSeconds("GEMINI_TIMEOUT_SECONDS", 180*time.Second),
			ReasoningTimeout: getEnvSeconds("GEMINI_REASONING_TIMEOUT_SECONDS", 600*time.Second),
		},

		OCRAPIKey:            os.Getenv("MISTRAL_API_KEY"),
		OCRModel:             getEnv("OCR_MODEL", "mistral-ocr-latest"),
		OCRRequestsPerSecond: getEnvFloat("OCR_RPS", 1),

		DocumentSourceURL:     getEnv("DOCUMENT_SOURCE_URL", ""),
		DocumentSourceTimeout: getEnvSeconds("DOCUMENT_SOURCE_TIMEOUT_SECONDS", 60*time.Second),

		RateLimit: RateRule{
			PerSecond: getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 10),
		},
		PollRateLimit: RateRule{
			PerSecond: getEnvFloat("POLL_RATE_LIMIT_RPS", 5),
			Burst:     getEnvInt("POLL_RATE_LIMIT_BURST", 20),
		},

		WorkerConcurrency: getEnvInt("CA_WORKER_CONCURRENCY", 4),
		VisibilityTimeout: getEnvSeconds("CA_SQS_VISIBILITY_TIMEOUT_SECONDS", 20*time.Minute),
		ShutdownTimeout:   getEnvSeconds("CA_SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second),

		Pipeline: pipeline,
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config env %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("config env %s invalid float: %v", key, err)
		return def
	}
	return val
}

func getEnvSeconds(key string, def time.Duration) time.Duration {
	secs := getEnvInt(key, -1)
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

// IsDevLike reports whether env allows in-memory fallbacks.
func IsDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
