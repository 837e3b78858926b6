package worker_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"cad-convert-service/internal/entity"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/storage"
	"cad-convert-service/internal/worker"
)

// ---- fakes ----

type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*entity.Task

	finishErr   error // injected SetResultFinish failure
	failErr     error // injected SetResultFailed failure
	finishCalls int
}

func newFakeTaskRepo(tasks ...*entity.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{tasks: map[uuid.UUID]*entity.Task{}}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *fakeTaskRepo) ClaimProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return 0, postgresql.ErrNotFound
	}
	task.Status = entity.StatusProcessing
	task.AttemptCount++
	return task.AttemptCount, nil
}

func (r *fakeTaskRepo) SetResultFinish(ctx context.Context, id uuid.UUID, resultURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishCalls++
	if r.finishErr != nil {
		return r.finishErr
	}
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return postgresql.ErrNotFound
	}
	task.Status = entity.StatusFinish
	task.ResultURL = &resultURL
	task.Error = nil
	return nil
}

func (r *fakeTaskRepo) SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return postgresql.ErrNotFound
	}
	task.Status = entity.StatusFailed
	task.Error = &errText
	task.ResultURL = nil
	return nil
}

func (r *fakeTaskRepo) finishCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishCalls
}

func (r *fakeTaskRepo) get(t *testing.T, id uuid.UUID) entity.Task {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		t.Fatalf("task %s missing from fake repo", id)
	}
	return *task
}

type fakeEngine struct {
	called int
	err    error
	output []byte
}

func (e *fakeEngine) Convert(ctx context.Context, inputPath, outputPath, outputFormat string) error {
	e.called++
	if e.err != nil {
		return e.err
	}
	out := e.output
	if out == nil {
		out = []byte("converted")
	}
	return os.WriteFile(outputPath, out, 0o644)
}

type fakeUploader struct {
	uploadURL   string
	downloadURL string
	lastKey     string
	err         error
}

func (u *fakeUploader) GenerateUpload(ctx context.Context, key string) (*storage.SignedPair, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.lastKey = key
	return &storage.SignedPair{
		Key:         key,
		UploadURL:   u.uploadURL,
		DownloadURL: u.downloadURL,
	}, nil
}

// fileServer serves the input file over GET and records PUT uploads.
func fileServer(t *testing.T, inputBody string) (*httptest.Server, *[]byte) {
	t.Helper()

	var uploaded []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, inputBody)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploaded = append([]byte{}, body...)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &uploaded
}

func newTask(inputFile, format string) *entity.Task {
	now := time.Now().UTC()
	return &entity.Task{
		ID:           uuid.New(),
		InputFile:    inputFile,
		OutputFormat: format,
		Status:       entity.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ---- tests ----

func TestProcessor_Process_Success(t *testing.T) {
	srv, uploaded := fileServer(t, "solid part")

	task := newTask(srv.URL+"/input/part.stl", "step")
	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{}
	uploader := &fakeUploader{
		uploadURL:   srv.URL + "/upload/part.step",
		downloadURL: "https://files.example.com/output/part.step",
	}

	p := worker.NewProcessor(repo, engine, uploader, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !terminal {
		t.Fatal("expected terminal outcome after successful finish write")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFinish {
		t.Fatalf("expected FINISH, got %s", got.Status)
	}
	if got.ResultURL == nil || *got.ResultURL != uploader.downloadURL {
		t.Fatalf("expected result_url=%s, got %v", uploader.downloadURL, got.ResultURL)
	}
	if got.Error != nil {
		t.Fatalf("expected no error on FINISH, got %q", *got.Error)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count=1, got %d", got.AttemptCount)
	}
	if engine.called != 1 {
		t.Fatalf("expected one engine run, got %d", engine.called)
	}
	if string(*uploaded) != "converted" {
		t.Fatalf("expected converted bytes uploaded, got %q", string(*uploaded))
	}
	if !strings.HasSuffix(uploader.lastKey, "part.step") {
		t.Fatalf("expected result key for part.step, got %q", uploader.lastKey)
	}
}

func TestProcessor_Process_EngineError_WritesFailed(t *testing.T) {
	srv, _ := fileServer(t, "solid part")

	task := newTask(srv.URL+"/input/part.stl", "step")
	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{err: errors.New("converter step: unsupported topology")}

	p := worker.NewProcessor(repo, engine, &fakeUploader{}, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err == nil {
		t.Fatal("expected engine error returned for logging")
	}
	if !terminal {
		t.Fatal("expected terminal outcome, FAILED is durably written")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "unsupported topology") {
		t.Fatalf("expected engine message in error, got %v", got.Error)
	}
	if got.ResultURL != nil {
		t.Fatalf("expected no result_url on FAILED, got %q", *got.ResultURL)
	}
}

func TestProcessor_Process_DownloadError_WritesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	task := newTask(srv.URL+"/input/gone.stl", "obj")
	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{}

	p := worker.NewProcessor(repo, engine, &fakeUploader{}, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err == nil {
		t.Fatal("expected download error returned")
	}
	if !terminal {
		t.Fatal("expected terminal outcome, FAILED is durably written")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if engine.called != 0 {
		t.Fatalf("expected engine never invoked, got %d calls", engine.called)
	}
}

func TestProcessor_Process_AttemptLimitExceeded(t *testing.T) {
	task := newTask("https://files.example.com/input/part.stl", "step")
	task.Status = entity.StatusProcessing
	task.AttemptCount = 3 // claim makes it 4

	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{}

	p := worker.NewProcessor(repo, engine, &fakeUploader{}, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !terminal {
		t.Fatal("expected terminal outcome after attempt-limit FAILED write")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "attempt limit exceeded") {
		t.Fatalf("expected attempt limit message, got %v", got.Error)
	}
	if engine.called != 0 {
		t.Fatalf("expected engine never invoked, got %d calls", engine.called)
	}
}

func TestProcessor_Process_TerminalTask_Skipped(t *testing.T) {
	resultURL := "https://files.example.com/output/done.step"
	task := newTask("https://files.example.com/input/part.stl", "step")
	task.Status = entity.StatusFinish
	task.ResultURL = &resultURL

	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{}

	p := worker.NewProcessor(repo, engine, &fakeUploader{}, t.TempDir(), 3)

	// redelivered entry for an already finished task: no-op, no regression
	terminal, err := p.Process(context.Background(), task.ID.String())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !terminal {
		t.Fatal("expected terminal outcome for an already finished task")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFinish {
		t.Fatalf("terminal status must not regress, got %s", got.Status)
	}
	if engine.called != 0 {
		t.Fatalf("expected engine never invoked, got %d calls", engine.called)
	}
}

func TestProcessor_Process_FinishWriteFails_NotTerminal(t *testing.T) {
	srv, _ := fileServer(t, "solid part")

	task := newTask(srv.URL+"/input/part.stl", "step")
	repo := newFakeTaskRepo(task)
	repo.finishErr = errors.New("pg: connection reset")
	engine := &fakeEngine{}
	uploader := &fakeUploader{
		uploadURL:   srv.URL + "/upload/part.step",
		downloadURL: "https://files.example.com/output/part.step",
	}

	p := worker.NewProcessor(repo, engine, uploader, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err == nil {
		t.Fatal("expected finish-write error returned")
	}
	if terminal {
		t.Fatal("no terminal status landed, entry must stay leased for redelivery")
	}

	// conversion succeeded but the store never heard about it; the task
	// must still be claimable by the next attempt
	got := repo.get(t, task.ID)
	if got.Status != entity.StatusProcessing {
		t.Fatalf("expected PROCESSING awaiting redelivery, got %s", got.Status)
	}
	if got.ResultURL != nil {
		t.Fatalf("expected no result_url, got %q", *got.ResultURL)
	}
}

func TestProcessor_Process_FailedWriteFails_NotTerminal(t *testing.T) {
	srv, _ := fileServer(t, "solid part")

	task := newTask(srv.URL+"/input/part.stl", "step")
	repo := newFakeTaskRepo(task)
	repo.failErr = errors.New("pg: connection reset")
	engine := &fakeEngine{err: errors.New("converter step: unsupported topology")}

	p := worker.NewProcessor(repo, engine, &fakeUploader{}, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err == nil {
		t.Fatal("expected error returned")
	}
	if terminal {
		t.Fatal("FAILED write did not land, entry must stay leased for redelivery")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusProcessing {
		t.Fatalf("expected PROCESSING awaiting redelivery, got %s", got.Status)
	}
}

func TestProcessor_Process_RedeliveryIncrementsAttempt(t *testing.T) {
	srv, _ := fileServer(t, "solid part")

	// first attempt crashed after claiming: status already PROCESSING
	task := newTask(srv.URL+"/input/part.stl", "step")
	task.Status = entity.StatusProcessing
	task.AttemptCount = 1

	repo := newFakeTaskRepo(task)
	engine := &fakeEngine{}
	uploader := &fakeUploader{
		uploadURL:   srv.URL + "/upload/part.step",
		downloadURL: "https://files.example.com/output/part.step",
	}

	p := worker.NewProcessor(repo, engine, uploader, t.TempDir(), 3)

	terminal, err := p.Process(context.Background(), task.ID.String())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !terminal {
		t.Fatal("expected terminal outcome after redelivered finish")
	}

	got := repo.get(t, task.ID)
	if got.Status != entity.StatusFinish {
		t.Fatalf("expected FINISH after redelivery, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("expected attempt_count=2 after redelivery, got %d", got.AttemptCount)
	}
}
