package ai

import (
	"fmt"

	"github.com/rs/zerolog"
)

const anthropicCompatibleBaseURL = "https://api.anthropic.com/v1/"

// AnthropicConfig configures grading through Anthropic's OpenAI compatible endpoint.
type AnthropicConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerMinute int
	Logger            zerolog.Logger
}

// NewAnthropicGrader reuses the chat completion grader against Anthropic models.
func NewAnthropicGrader(cfg AnthropicConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicCompatibleBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}

	return NewOpenAIGrader(OpenAIConfig{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		MaxTokens:         2048,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            cfg.Logger,
	})
}
