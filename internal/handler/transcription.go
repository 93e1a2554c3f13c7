package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/service"
	"github.com/transcritor/api/internal/taskstore"
	"github.com/transcritor/api/pkg/response"
)

type TranscriptionHandler struct {
	service   *service.TranscriptionService
	validator *validator.Validate
}

func NewTranscriptionHandler(svc *service.TranscriptionService, v *validator.Validate) *TranscriptionHandler {
	return &TranscriptionHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/transcriptions
// @Summary      Submit transcription task
// @Description  Queue a media file for transcription from a URL, Google Drive link or inline base64 payload
// @Tags         Transcriptions
// @Accept       json
// @Produce      json
// @Param        request body model.TranscriptionRequest true "Transcription request"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Router       /api/transcriptions [post]
func (h *TranscriptionHandler) Submit(c *fiber.Ctx) error {
	var req model.TranscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	switch req.SourceCount() {
	case 0:
		return response.ValidationError(c, "One of url, google_drive_url or base64_data is required", nil)
	case 1:
	default:
		return response.ValidationError(c, "Only one of url, google_drive_url and base64_data may be set", nil)
	}

	result, err := h.service.Submit(&req)
	if err != nil {
		if errors.Is(err, service.ErrAdmissionRejected) {
			return response.AdmissionRejected(c, "Too many active tasks, try again later")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/transcriptions/:taskId
// @Summary      Get task status
// @Description  Get the current status, progress and result of a transcription task
// @Tags         Transcriptions
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.Task
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/transcriptions/{taskId} [get]
func (h *TranscriptionHandler) Status(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.service.Get(taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) || errors.Is(err, taskstore.ErrInvalidID) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, task)
}

// List handles GET /api/transcriptions
// @Summary      List tasks
// @Description  List every known transcription task
// @Tags         Transcriptions
// @Produce      json
// @Success      200 {object} model.ListResponse
// @Router       /api/transcriptions [get]
func (h *TranscriptionHandler) List(c *fiber.Ctx) error {
	return response.OK(c, h.service.List())
}

// Transcript handles GET /api/transcriptions/:taskId/transcript
// @Summary      Get finished transcript
// @Description  Download the plain-text transcript of a completed task
// @Tags         Transcriptions
// @Produce      plain
// @Param        taskId path string true "Task ID"
// @Success      200 {string} string
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Router       /api/transcriptions/{taskId}/transcript [get]
func (h *TranscriptionHandler) Transcript(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	text, err := h.service.Transcript(taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) || errors.Is(err, taskstore.ErrInvalidID) {
			return response.NotFound(c, "Task not found")
		}
		if errors.Is(err, service.ErrNoTranscript) {
			return response.Conflict(c, "Transcript not available yet")
		}
		return response.ServiceError(c, err.Error())
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(text)
}

// Delete handles DELETE /api/transcriptions/:taskId
// @Summary      Delete task
// @Description  Remove a finished task and its transcript artifact
// @Tags         Transcriptions
// @Param        taskId path string true "Task ID"
// @Success      204
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Router       /api/transcriptions/{taskId} [delete]
func (h *TranscriptionHandler) Delete(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	err := h.service.Delete(taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) || errors.Is(err, taskstore.ErrInvalidID) {
			return response.NotFound(c, "Task not found")
		}
		if errors.Is(err, service.ErrTaskRunning) {
			return response.Conflict(c, "Task is still running")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
