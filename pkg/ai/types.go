package ai

import (
	"context"
	"errors"
)

// ErrGraderUnavailable indicates the grading provider could not be reached or returned
// an unusable answer. Callers treat it as transient.
var ErrGraderUnavailable = errors.New("grader unavailable")

// TaskInput describes one gradable task of the exam.
type TaskInput struct {
	TaskTypeID uint
	Title      string
	MaxScore   float64
}

// ImageInput references one answer page. Location is either an http(s) URL or a local
// file path.
type ImageInput struct {
	Location string
	MimeType string
}

// GradingInput contains the artefacts needed to grade an exam submission.
type GradingInput struct {
	SubmissionID   uint
	WorkTitle      string
	VariantTitle   string
	VariantContent string
	MaxScore       float64
	Tasks          []TaskInput
	Images         []ImageInput
	Precheck       bool
}

// TaskScore is the score the grader assigned to one task.
type TaskScore struct {
	TaskTypeID uint    `json:"task_type_id"`
	Score      float64 `json:"score"`
	Comment    string  `json:"comment"`
}

// GradingResult is the structured output returned by the grader.
type GradingResult struct {
	Score      float64                `json:"score"`
	Comments   string                 `json:"comments"`
	Analysis   map[string]interface{} `json:"analysis,omitempty"`
	TaskScores []TaskScore            `json:"task_scores"`
	Anomalies  []string               `json:"anomalies,omitempty"`
}

// Grader describes an AI model capable of grading photographed exam answers.
type Grader interface {
	Grade(ctx context.Context, input GradingInput) (GradingResult, error)
}
