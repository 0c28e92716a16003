package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/timing"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// SubmissionHandler exposes session finalization and the teacher review endpoints.
type SubmissionHandler struct {
	finalize  service.FinalizeService
	review    service.ReviewService
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(finalize service.FinalizeService, review service.ReviewService, validator *validator.Validate, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		finalize:  finalize,
		review:    review,
		validator: validator,
		logger:    logger.With().Str("component", "submission_handler").Logger(),
		now:       time.Now,
	}
}

// RegisterSessions attaches the student facing routes.
func (h *SubmissionHandler) RegisterSessions(router fiber.Router) {
	router.Post("/:id/finalize",
		middleware.RateLimit("finalize", 5, 10*time.Second),
		middleware.WithAuth(h.finalizeSession, middleware.AuthOptions{Role: middleware.RoleStudent}),
	)
}

// RegisterSubmissions attaches the submission routes; review actions require a reviewer role.
func (h *SubmissionHandler) RegisterSubmissions(router fiber.Router) {
	router.Get("/:id", middleware.WithAuth(h.get, middleware.AuthOptions{RequireUser: true}))

	reviewers := middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin)
	router.Post("/:id/approve", reviewers, h.approve)
	router.Post("/:id/override", reviewers, h.override)
	router.Post("/:id/reject", reviewers, h.reject)
	router.Post("/:id/flag", reviewers, h.flag)
	router.Post("/:id/ocr-confirm", middleware.WithAuth(h.confirmOCR, middleware.AuthOptions{RequireUser: true}))
}

func (h *SubmissionHandler) finalizeSession(c *fiber.Ctx) error {
	sessionID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	// students always submit manually on the server clock; auto_deadline belongs to the sweeper
	result, err := h.finalize.Finalize(c.UserContext(), service.FinalizeRequest{
		SessionID:   sessionID,
		Mode:        service.FinalizeModeManualSubmit,
		SubmittedAt: h.now().UTC(),
		StudentID:   userIDFromContext(c),
		GracePeriod: timing.SubmitGracePeriod,
	})
	if err != nil {
		return h.handleError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}
	return utils.SendSuccessWithStatus(c, status, "session finalized", dto.FinalizeSessionResponse{
		Submission: dto.NewSubmissionResponse(result.Submission),
		NextStep:   string(result.NextStep),
	})
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.review.Get(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, submission, "submission retrieved", fiber.Map{
		"awaits_review": models.SubmissionStatus(submission.Status).AwaitsReview(),
	})
}

func (h *SubmissionHandler) approve(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ApproveSubmissionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	submission, err := h.review.Approve(c.UserContext(), id, payload, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission approved", submission)
}

func (h *SubmissionHandler) override(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.OverrideScoreRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.review.OverrideScore(c.UserContext(), id, payload, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission score overridden", submission)
}

func (h *SubmissionHandler) reject(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.RejectSubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.review.Reject(c.UserContext(), id, payload, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission rejected", submission)
}

func (h *SubmissionHandler) flag(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.FlagSubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.review.Flag(c.UserContext(), id, payload, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission flagged", submission)
}

func (h *SubmissionHandler) confirmOCR(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	// the owning student confirms their own text; reviewers may confirm any submission
	var studentID uint
	switch roleFromContext(c) {
	case middleware.RoleTeacher, middleware.RoleAdmin:
	case middleware.RoleStudent:
		studentID = userIDFromContext(c)
	default:
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	}

	submission, err := h.review.CompleteOCRReview(c.UserContext(), id, studentID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "ocr review confirmed", submission)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	var consistency *service.ConsistencyError
	logger := middleware.RequestLogger(c, h.logger)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "exam session not found")
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrDeadlinePassed):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "submission deadline has passed")
	case errors.Is(err, service.ErrScoreExceedsMax):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "score exceeds exam max")
	case errors.Is(err, service.ErrSubmissionNotReviewable), errors.Is(err, service.ErrOCRNotPending):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case service.IsValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	case errors.As(err, &consistency):
		logger.Error().Err(err).Msg("storage consistency violation")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	default:
		logger.Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
