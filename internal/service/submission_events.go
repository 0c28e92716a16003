package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// SubmissionEvent is broadcast whenever a submission changes lifecycle state.
type SubmissionEvent struct {
	Source       string                  `json:"source"`
	SubmissionID uint                    `json:"submission_id"`
	SessionID    uint                    `json:"session_id"`
	CourseID     uint                    `json:"course_id"`
	StudentID    uint                    `json:"student_id"`
	Status       models.SubmissionStatus `json:"status"`
	Score        *float64                `json:"score,omitempty"`
	SentAt       time.Time               `json:"sent_at"`
}

// SubmissionEventPublisher fans submission status changes out to other services.
type SubmissionEventPublisher interface {
	Publish(ctx context.Context, submission models.Submission)
}

type submissionEventPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
	now          func() time.Time
}

// NewSubmissionEventPublisher publishes to Redis pub/sub and NATS. Either transport may be nil.
func NewSubmissionEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) SubmissionEventPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":submissions"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submissions"
	}

	return &submissionEventPublisher{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "submission_events").Logger(),
		nodeID:       uuid.NewString(),
		now:          time.Now,
	}
}

// Publish is best effort: delivery failures are logged and never fail the caller.
func (p *submissionEventPublisher) Publish(ctx context.Context, submission models.Submission) {
	event := SubmissionEvent{
		Source:       p.nodeID,
		SubmissionID: submission.ID,
		SessionID:    submission.SessionID,
		CourseID:     submission.CourseID,
		StudentID:    submission.StudentID,
		Status:       submission.Status,
		Score:        submission.FinalScore,
		SentAt:       p.now().UTC(),
	}
	if event.Score == nil {
		event.Score = submission.AIScore
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to encode submission event")
		return
	}

	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish submission event to redis")
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish submission event to nats")
		}
	}
}

type noopEventPublisher struct{}

func (noopEventPublisher) Publish(context.Context, models.Submission) {}
