package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"cad-convert-service/internal/entity"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/service"
)

type fakeRepo struct {
	createCalled int
	lastFile     string
	lastFormat   string

	createID  uuid.UUID
	createErr error

	failedIDs  []uuid.UUID
	failedMsgs []string
}

func (r *fakeRepo) Create(ctx context.Context, inputFile, outputFormat string) (uuid.UUID, error) {
	r.createCalled++
	r.lastFile = inputFile
	r.lastFormat = outputFormat
	if r.createErr != nil {
		return uuid.Nil, r.createErr
	}
	return r.createID, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	return nil, postgresql.ErrNotFound
}

func (r *fakeRepo) SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error {
	r.failedIDs = append(r.failedIDs, id)
	r.failedMsgs = append(r.failedMsgs, errText)
	return nil
}

func (r *fakeRepo) CountByStatus(ctx context.Context) (map[entity.TaskStatus]int, error) {
	return map[entity.TaskStatus]int{}, nil
}

type fakeQueue struct {
	enqueuedIDs []string
	enqueueErr  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskID string) error {
	q.enqueuedIDs = append(q.enqueuedIDs, taskID)
	return q.enqueueErr
}

func (q *fakeQueue) Len(ctx context.Context) (int64, error) { return 0, nil }

func TestTaskService_Submit_CreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	id := uuid.MustParse("66666666-6666-6666-6666-666666666666")

	repo := &fakeRepo{createID: id}
	queue := &fakeQueue{}
	svc := service.NewTaskService(repo, queue)

	got, err := svc.Submit(ctx, service.SubmitRequest{
		FileURL:      "https://files.example.com/input/part.stl",
		OutputFormat: "step",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != id {
		t.Fatalf("expected id=%s, got %s", id, got)
	}
	if repo.createCalled != 1 || repo.lastFormat != "step" {
		t.Fatalf("expected one create with format=step, got calls=%d format=%q", repo.createCalled, repo.lastFormat)
	}
	if len(queue.enqueuedIDs) != 1 || queue.enqueuedIDs[0] != id.String() {
		t.Fatalf("expected enqueue id=%s, got %#v", id.String(), queue.enqueuedIDs)
	}
}

func TestTaskService_Submit_UnsupportedFormat_NothingCreated(t *testing.T) {
	ctx := context.Background()

	repo := &fakeRepo{createID: uuid.New()}
	queue := &fakeQueue{}
	svc := service.NewTaskService(repo, queue)

	_, err := svc.Submit(ctx, service.SubmitRequest{
		FileURL:      "https://files.example.com/input/part.stl",
		OutputFormat: "zzz",
	})
	if !errors.Is(err, service.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if repo.createCalled != 0 {
		t.Fatalf("expected no record created, got %d", repo.createCalled)
	}
	if len(queue.enqueuedIDs) != 0 {
		t.Fatalf("expected nothing enqueued, got %#v", queue.enqueuedIDs)
	}
}

func TestTaskService_Submit_FormatNormalized(t *testing.T) {
	ctx := context.Background()

	repo := &fakeRepo{createID: uuid.New()}
	queue := &fakeQueue{}
	svc := service.NewTaskService(repo, queue)

	_, err := svc.Submit(ctx, service.SubmitRequest{
		FileURL:      "https://files.example.com/input/part.stl",
		OutputFormat: "  STEP ",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.lastFormat != "step" {
		t.Fatalf("expected format normalized to step, got %q", repo.lastFormat)
	}
}

func TestTaskService_Submit_EnqueueFails_TaskMarkedFailed(t *testing.T) {
	ctx := context.Background()
	id := uuid.MustParse("77777777-7777-7777-7777-777777777777")

	repo := &fakeRepo{createID: id}
	queue := &fakeQueue{enqueueErr: errors.New("redis down")}
	svc := service.NewTaskService(repo, queue)

	_, err := svc.Submit(ctx, service.SubmitRequest{
		FileURL:      "https://files.example.com/input/part.stl",
		OutputFormat: "obj",
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	// the record must not stay QUEUED with nothing in the queue
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != id {
		t.Fatalf("expected task %s marked failed, got %#v", id, repo.failedIDs)
	}
	if len(repo.failedMsgs) != 1 || repo.failedMsgs[0] == "" {
		t.Fatalf("expected a failure reason, got %#v", repo.failedMsgs)
	}
}

func TestTaskService_Submit_MissingFileURL(t *testing.T) {
	ctx := context.Background()

	repo := &fakeRepo{createID: uuid.New()}
	queue := &fakeQueue{}
	svc := service.NewTaskService(repo, queue)

	_, err := svc.Submit(ctx, service.SubmitRequest{OutputFormat: "step"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if repo.createCalled != 0 {
		t.Fatalf("expected no record created, got %d", repo.createCalled)
	}
}
