package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the exam API and grading pipeline.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	LogLevel               string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	EventChannel           string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	MediaRoot              string
	AIProvider             string
	AIModel                string
	AIRequestsPerMinute    int
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	AnthropicAPIKey        string
	Pipeline               PipelineConfig
}

// PipelineConfig tunes the background grading workers and maintenance loops.
type PipelineConfig struct {
	Enabled                bool
	Workers                int
	PollInterval           time.Duration
	GradingTimeout         time.Duration
	CloseExpiredInterval   time.Duration
	CompletedExamsInterval time.Duration
	RetryFailedInterval    time.Duration
	MaxRetries             int
	StuckAfter             time.Duration
	RetryAfter             time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Exam API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("events.channel", "gema:exam")
	v.SetDefault("cloudinary.folder", "gema/exams")
	v.SetDefault("media.root", "./uploads")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.requests_per_minute", 60)
	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.poll_interval", "5s")
	v.SetDefault("pipeline.grading_timeout", "120s")
	v.SetDefault("pipeline.close_expired_interval", "300s")
	v.SetDefault("pipeline.completed_exams_interval", "300s")
	v.SetDefault("pipeline.retry_failed_interval", "3600s")
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.stuck_after", "15m")
	v.SetDefault("pipeline.retry_after", "10m")

	durations := map[string]*time.Duration{}
	var pipeline PipelineConfig
	durations["pipeline.poll_interval"] = &pipeline.PollInterval
	durations["pipeline.grading_timeout"] = &pipeline.GradingTimeout
	durations["pipeline.close_expired_interval"] = &pipeline.CloseExpiredInterval
	durations["pipeline.completed_exams_interval"] = &pipeline.CompletedExamsInterval
	durations["pipeline.retry_failed_interval"] = &pipeline.RetryFailedInterval
	durations["pipeline.stuck_after"] = &pipeline.StuckAfter
	durations["pipeline.retry_after"] = &pipeline.RetryAfter

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	pipeline.Enabled = v.GetBool("pipeline.enabled")
	pipeline.Workers = v.GetInt("pipeline.workers")
	pipeline.MaxRetries = v.GetInt("pipeline.max_retries")

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventChannel:           v.GetString("events.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		MediaRoot:              v.GetString("media.root"),
		AIProvider:             strings.ToLower(v.GetString("ai.provider")),
		AIModel:                v.GetString("ai.model"),
		AIRequestsPerMinute:    v.GetInt("ai.requests_per_minute"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIBaseURL:          v.GetString("openai_base_url"),
		AnthropicAPIKey:        v.GetString("anthropic_api_key"),
		Pipeline:               pipeline,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}

	if cfg.Pipeline.MaxRetries < 0 {
		return Config{}, fmt.Errorf("pipeline max retries must not be negative")
	}

	switch cfg.AIProvider {
	case "openai", "anthropic":
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	return cfg, nil
}

// CloudinaryEnabled reports whether answer images are served from Cloudinary.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}
