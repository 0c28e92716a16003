package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	gradingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of AI grading requests",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
	}, []string{"model"})

	gradingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_failures_total",
		Help:      "Number of AI grading failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float32
	RequestsPerMinute int
	Logger            zerolog.Logger
}

// OpenAIGrader implements Grader against the OpenAI chat completion API.
type OpenAIGrader struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewOpenAIGrader builds a new grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	perRequest := time.Minute / time.Duration(cfg.RequestsPerMinute)

	return &OpenAIGrader{
		client:  openai.NewClientWithConfig(config),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(perRequest), cfg.RequestsPerMinute),
		tracer:  otel.Tracer("github.com/noah-isme/gema-exam-api/pkg/ai/openai"),
		logger:  logger.With().Str("component", "openai_grader").Logger(),
	}, nil
}

// Grade sends the photographed answers to OpenAI and parses the structured verdict.
func (g *OpenAIGrader) Grade(parent context.Context, input GradingInput) (GradingResult, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.Int64("submission_id", int64(input.SubmissionID)),
		attribute.Int("images", len(input.Images)),
	))
	defer span.End()

	if err := g.limiter.Wait(ctx); err != nil {
		return GradingResult{}, g.fail(span, fmt.Errorf("%w: rate limiter: %v", ErrGraderUnavailable, err))
	}

	userParts, err := buildUserParts(input)
	if err != nil {
		return GradingResult{}, g.fail(span, err)
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: graderSystemPrompt(input.Precheck),
			},
			{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: userParts,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	gradingDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return GradingResult{}, g.fail(span, fmt.Errorf("%w: openai grade: %v", ErrGraderUnavailable, err))
	}

	if len(resp.Choices) == 0 {
		return GradingResult{}, g.fail(span, fmt.Errorf("%w: no choices returned from openai", ErrGraderUnavailable))
	}

	result, err := parseGradingResponse(strings.TrimSpace(resp.Choices[0].Message.Content), input)
	if err != nil {
		return GradingResult{}, g.fail(span, err)
	}

	if result.Analysis == nil {
		result.Analysis = map[string]interface{}{}
	}
	result.Analysis["model"] = g.cfg.Model
	result.Analysis["usage"] = map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}

	span.SetAttributes(attribute.Float64("grading.score", result.Score))
	return result, nil
}

func (g *OpenAIGrader) fail(span trace.Span, err error) error {
	gradingFailures.WithLabelValues(g.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	g.logger.Warn().Err(err).Msg("grading request failed")
	return err
}

func graderSystemPrompt(precheck bool) string {
	prompt := "You are an exam grader. You receive photos of a student's handwritten answers and the exam variant. " +
		"Respond with a JSON object containing score, comments, task_scores (task_type_id, score, comment) " +
		"and an optional analysis object. Never award more than the maximum score of a task."
	if precheck {
		prompt += " Also list in anomalies any sign that the answers are not the student's own work, are unreadable, or belong to another variant."
	}
	return prompt
}

func buildUserParts(input GradingInput) ([]openai.ChatMessagePart, error) {
	builder := strings.Builder{}
	builder.WriteString("# Exam\n")
	builder.WriteString(input.WorkTitle)
	builder.WriteString("\n\n## Variant\n")
	builder.WriteString(input.VariantTitle)
	builder.WriteString("\n")
	builder.WriteString(input.VariantContent)
	builder.WriteString("\n\n## Tasks\n")
	for _, task := range input.Tasks {
		builder.WriteString(fmt.Sprintf("- task_type_id=%d %q max_score=%g\n", task.TaskTypeID, task.Title, task.MaxScore))
	}
	builder.WriteString(fmt.Sprintf("\nMaximum total score: %g\nReturn JSON.", input.MaxScore))

	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: builder.String(),
	}}

	for _, image := range input.Images {
		url, err := imageURL(image)
		if err != nil {
			return nil, err
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}

	return parts, nil
}

// imageURL passes remote URLs through and inlines local files as data URIs.
func imageURL(image ImageInput) (string, error) {
	location := strings.TrimSpace(image.Location)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") || strings.HasPrefix(location, "data:") {
		return location, nil
	}

	content, err := os.ReadFile(location)
	if err != nil {
		return "", fmt.Errorf("read answer image: %w", err)
	}

	mime := mimetype.Detect(content)
	if !strings.HasPrefix(mime.String(), "image/") {
		return "", fmt.Errorf("answer image %s has unsupported type %s", location, mime.String())
	}

	return fmt.Sprintf("data:%s;base64,%s", mime.String(), base64.StdEncoding.EncodeToString(content)), nil
}

func parseGradingResponse(content string, input GradingInput) (GradingResult, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return GradingResult{}, fmt.Errorf("%w: parse grading json: %v", ErrGraderUnavailable, err)
	}
	if err := validateGradingPayload(raw); err != nil {
		return GradingResult{}, fmt.Errorf("%w: %v", ErrGraderUnavailable, err)
	}

	var result GradingResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return GradingResult{}, fmt.Errorf("%w: decode grading json: %v", ErrGraderUnavailable, err)
	}

	limits := make(map[uint]float64, len(input.Tasks))
	for _, task := range input.Tasks {
		limits[task.TaskTypeID] = task.MaxScore
	}

	scores := make([]TaskScore, 0, len(result.TaskScores))
	for _, score := range result.TaskScores {
		limit, known := limits[score.TaskTypeID]
		if !known {
			continue
		}
		score.Score = clamp(score.Score, limit)
		scores = append(scores, score)
	}
	result.TaskScores = scores

	if len(scores) > 0 {
		total := 0.0
		for _, score := range scores {
			total += score.Score
		}
		result.Score = total
	}
	result.Score = clamp(result.Score, input.MaxScore)

	return result, nil
}

func clamp(value, limit float64) float64 {
	if value < 0 {
		return 0
	}
	if limit > 0 && value > limit {
		return limit
	}
	return value
}
