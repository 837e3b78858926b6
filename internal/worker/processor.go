package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cad-convert-service/internal/entity"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/storage"
)

type TaskRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	ClaimProcessing(ctx context.Context, id uuid.UUID) (int, error)
	SetResultFinish(ctx context.Context, id uuid.UUID, resultURL string) error
	SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error
}

// Uploader mints the presigned pair the result file is pushed through.
type Uploader interface {
	GenerateUpload(ctx context.Context, key string) (*storage.SignedPair, error)
}

type Processor struct {
	repo        TaskRepo
	engine      Engine
	uploader    Uploader
	client      *http.Client
	workDir     string
	maxAttempts int
}

func NewProcessor(repo TaskRepo, engine Engine, uploader Uploader, workDir string, maxAttempts int) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Processor{
		repo:        repo,
		engine:      engine,
		uploader:    uploader,
		client:      &http.Client{Timeout: 5 * time.Minute},
		workDir:     workDir,
		maxAttempts: maxAttempts,
	}
}

// Process runs one claimed task to a terminal state. The returned bool
// reports whether a terminal status is durably in the store (or the task
// was already terminal), i.e. whether the queue entry may be acked. When
// it is false no terminal write landed: the lease must be left to lapse
// so the reaper redelivers the task.
func (p *Processor) Process(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()

	id, err := uuid.Parse(taskID)
	if err != nil {
		// an unparseable id never maps to a record; drop the entry
		log.Printf("[worker] task_id=%s parse_error=%v", taskID, err)
		return true, err
	}

	attempt, err := p.repo.ClaimProcessing(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			// already terminal or unknown; the ack drops the queue entry
			log.Printf("[worker] task_id=%s claim skipped: task terminal or missing", id.String())
			return true, nil
		}
		log.Printf("[worker] task_id=%s claim error=%v", id.String(), err)
		return false, err
	}

	if attempt > p.maxAttempts {
		msg := fmt.Sprintf("infrastructure: attempt limit exceeded (%d)", p.maxAttempts)
		if err := p.setFailed(ctx, id, msg); err != nil {
			return false, err
		}
		log.Printf("[worker] task_id=%s status=FAILED attempt=%d error=%q", id.String(), attempt, msg)
		return true, nil
	}

	task, err := p.repo.GetByID(ctx, id)
	if err != nil {
		log.Printf("[worker] task_id=%s get_task error=%v", id.String(), err)
		return false, err
	}

	log.Printf("[worker] task_id=%s format=%s attempt=%d status=PROCESSING", id.String(), task.OutputFormat, attempt)

	resultURL, convErr := p.convert(ctx, task)
	if convErr != nil {
		msg := convErr.Error()
		if err := p.setFailed(ctx, id, msg); err != nil {
			return false, err
		}

		log.Printf("[worker] task_id=%s format=%s status=FAILED duration_ms=%d error=%q",
			id.String(), task.OutputFormat, time.Since(start).Milliseconds(), msg,
		)
		return true, convErr
	}

	if err := p.repo.SetResultFinish(ctx, id, resultURL); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			// row turned terminal under us; nothing left to write
			return true, nil
		}
		log.Printf("[worker] task_id=%s set_finish error=%v", id.String(), err)
		return false, err
	}

	log.Printf("[worker] task_id=%s format=%s status=FINISH duration_ms=%d",
		id.String(), task.OutputFormat, time.Since(start).Milliseconds(),
	)
	return true, nil
}

// setFailed writes the terminal FAILED state. ErrNotFound means the row
// is already terminal, which is as done as done gets.
func (p *Processor) setFailed(ctx context.Context, id uuid.UUID, msg string) error {
	err := p.repo.SetResultFailed(ctx, id, msg)
	if err != nil && !errors.Is(err, postgresql.ErrNotFound) {
		log.Printf("[worker] task_id=%s set_failed error=%v", id.String(), err)
		return err
	}
	return nil
}

// convert downloads the input, runs the engine and uploads the result,
// returning the result's public download URL. Partial output from an
// earlier attempt is simply overwritten on the output path.
func (p *Processor) convert(ctx context.Context, task *entity.Task) (string, error) {
	dir, err := os.MkdirTemp(p.workDir, "convert-")
	if err != nil {
		return "", fmt.Errorf("workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputName := inputFileName(task.InputFile)
	inputPath := filepath.Join(dir, inputName)
	if err := p.download(ctx, task.InputFile, inputPath); err != nil {
		return "", fmt.Errorf("download input: %w", err)
	}

	base := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	outputName := base + "." + task.OutputFormat
	outputPath := filepath.Join(dir, outputName)

	if err := p.engine.Convert(ctx, inputPath, outputPath, task.OutputFormat); err != nil {
		return "", err
	}

	key := fmt.Sprintf("output/%s_%s", task.ID.String()[:8], outputName)
	pair, err := p.uploader.GenerateUpload(ctx, key)
	if err != nil {
		return "", fmt.Errorf("presign result upload: %w", err)
	}
	if err := p.upload(ctx, pair.UploadURL, outputPath); err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}

	return pair.DownloadURL, nil
}

func (p *Processor) download(ctx context.Context, fileURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", fileURL, resp.StatusCode)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}

func (p *Processor) upload(ctx context.Context, uploadURL, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT: status %d", resp.StatusCode)
	}
	return nil
}

// inputFileName takes the base name of the URL path, ignoring query
// parameters presigned URLs carry.
func inputFileName(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "input.bin"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "input.bin"
	}
	return name
}
