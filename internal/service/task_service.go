package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"cad-convert-service/internal/entity"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrMissingFileURL    = errors.New("file_url is required")
)

// Repository port (implementation: postgresql.TaskRepository)
type TaskRepository interface {
	Create(ctx context.Context, inputFile, outputFormat string) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error
	CountByStatus(ctx context.Context) (map[entity.TaskStatus]int, error)
}

// Small queue port for the submission side.
// (Not named Queue to avoid colliding with queue_service.go)
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string) error
	Len(ctx context.Context) (int64, error)
}

type TaskService struct {
	repo  TaskRepository
	queue TaskQueue
}

func NewTaskService(repo TaskRepository, queue TaskQueue) *TaskService {
	return &TaskService{repo: repo, queue: queue}
}

type SubmitRequest struct {
	FileURL      string
	OutputFormat string
}

// Submit validates the request, creates the task record and enqueues it.
// When the enqueue fails after the record exists, the task is marked
// FAILED so it never dangles in QUEUED with nothing in the queue.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if req.FileURL == "" {
		return uuid.Nil, ErrMissingFileURL
	}

	format := strings.ToLower(strings.TrimSpace(req.OutputFormat))
	if !entity.FormatSupported(format) {
		return uuid.Nil, ErrUnsupportedFormat
	}

	id, err := s.repo.Create(ctx, req.FileURL, format)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.queue.Enqueue(ctx, id.String()); err != nil {
		_ = s.repo.SetResultFailed(ctx, id, "infrastructure: enqueue failed: "+err.Error())
		return uuid.Nil, err
	}

	return id, nil
}

func (s *TaskService) GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *TaskService) SupportedFormats() []string {
	return entity.SupportedFormats
}

type QueueStats struct {
	QueueLength  int64                     `json:"queue_length"`
	StatusCounts map[entity.TaskStatus]int `json:"status_counts"`
}

func (s *TaskService) Stats(ctx context.Context) (*QueueStats, error) {
	length, err := s.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{QueueLength: length, StatusCounts: counts}, nil
}
