package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cad-convert-service/internal/entity"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/service"
	"cad-convert-service/internal/storage"
)

// UploadSigner mints presigned upload/download pairs.
// (Implementation: storage.Gateway)
type UploadSigner interface {
	GenerateUpload(ctx context.Context, key string) (*storage.SignedPair, error)
}

type Handler struct {
	taskSvc *service.TaskService
	signer  UploadSigner
}

func NewHandler(taskSvc *service.TaskService, signer UploadSigner) *Handler {
	return &Handler{taskSvc: taskSvc, signer: signer}
}

type taskResp struct {
	TaskID       string            `json:"task_id"`
	Status       entity.TaskStatus `json:"status"`
	InputFile    string            `json:"input_file"`
	OutputFormat string            `json:"output_format"`
	ResultURL    *string           `json:"result_url,omitempty"`
	Error        *string           `json:"error,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

func toTaskResp(t *entity.Task) taskResp {
	return taskResp{
		TaskID:       t.ID.String(),
		Status:       t.Status,
		InputFile:    t.InputFile,
		OutputFormat: t.OutputFormat,
		ResultURL:    t.ResultURL,
		Error:        t.Error,
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
	}
}

// Convert godoc
// @Summary Submit a conversion task
// @Description Creates task (QUEUED) and enqueues it for background conversion.
// @Tags convert
// @Accept x-www-form-urlencoded
// @Produce json
// @Param file_url formData string true "download URL of the uploaded input file"
// @Param output_format formData string true "target format (see /formats)"
// @Success 200 {object} uniResponse
// @Failure 400 {object} uniResponse
// @Failure 500 {object} apiError
// @Router /convert [post]
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid form")
		return
	}

	id, err := h.taskSvc.Submit(r.Context(), service.SubmitRequest{
		FileURL:      r.PostFormValue("file_url"),
		OutputFormat: r.PostFormValue("output_format"),
	})
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedFormat) {
			writeData(w, http.StatusBadRequest, "UnSupport format", struct{}{})
			return
		}
		if errors.Is(err, service.ErrMissingFileURL) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, "create task error: "+err.Error())
		return
	}

	task, err := h.taskSvc.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "task created but not readable")
		return
	}

	writeData(w, http.StatusOK, "create convert task", toTaskResp(task))
}

// GetTask godoc
// @Summary Get conversion task status
// @Tags convert
// @Produce json
// @Param task_id path string true "task id"
// @Success 200 {object} uniResponse
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /convert/{task_id} [get]
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookupTask(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, "ok", toTaskResp(task))
}

type formatsResp struct {
	SupportedFormats []string `json:"supported_formats"`
}

// Formats godoc
// @Summary List supported output formats
// @Tags convert
// @Produce json
// @Success 200 {object} formatsResp
// @Router /formats [get]
func (h *Handler) Formats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, formatsResp{SupportedFormats: h.taskSvc.SupportedFormats()})
}

// GenerateUploadURL godoc
// @Summary Generate a presigned upload/download URL pair
// @Tags r2
// @Produce json
// @Param path query string true "object key for the upload"
// @Success 200 {object} uniResponse
// @Failure 400 {object} apiError
// @Failure 502 {object} apiError
// @Router /r2/generate-upload-url [post]
func (h *Handler) GenerateUploadURL(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("path")
	if key == "" {
		writeErr(w, http.StatusBadRequest, "path is required")
		return
	}

	pair, err := h.signer.GenerateUpload(r.Context(), key)
	if err != nil {
		writeErr(w, http.StatusBadGateway, "storage unavailable: "+err.Error())
		return
	}

	writeData(w, http.StatusOK, "Upload URL has been generated", pair)
}

// Download godoc
// @Summary Redirect to the converted file
// @Tags convert
// @Param task_id path string true "task id"
// @Success 302
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /download/{task_id} [get]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookupTask(w, r)
	if !ok {
		return
	}
	if task.Status != entity.StatusFinish || task.ResultURL == nil {
		writeErr(w, http.StatusConflict, "task not finished")
		return
	}
	http.Redirect(w, r, *task.ResultURL, http.StatusFound)
}

// QueueStats godoc
// @Summary Queue length and per-status task counts
// @Tags convert
// @Produce json
// @Success 200 {object} uniResponse
// @Failure 500 {object} apiError
// @Router /queue/stats [get]
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.taskSvc.Stats(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, "ok", stats)
}

func (h *Handler) lookupTask(w http.ResponseWriter, r *http.Request) (*entity.Task, bool) {
	idStr := chi.URLParam(r, "task_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}

	task, err := h.taskSvc.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return task, true
}
