package postgresql

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cad-convert-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Create(ctx context.Context, inputFile, outputFormat string) (uuid.UUID, error) {
	const q = `
INSERT INTO tasks (input_file, output_format, status)
VALUES ($1, $2, 'QUEUED')
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, inputFile, outputFormat).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	const q = `
SELECT id, input_file, output_format, status, result_url, error, attempt_count, created_at, updated_at
FROM tasks
WHERE id = $1;
`
	var (
		task       entity.Task
		statusText string
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&task.ID,
		&task.InputFile,
		&task.OutputFormat,
		&statusText,
		&task.ResultURL, // NULL => nil
		&task.Error,     // NULL => nil
		&task.AttemptCount,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	task.Status = entity.TaskStatus(statusText)
	return &task, nil
}

// ClaimProcessing moves a task into PROCESSING and increments its attempt
// counter, returning the new count. Terminal rows are never touched; a
// redelivered task that is already PROCESSING re-enters it with attempt+1.
func (r *TaskRepository) ClaimProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `
UPDATE tasks
SET status='PROCESSING', attempt_count=attempt_count+1, updated_at=now()
WHERE id=$1 AND status IN ('QUEUED', 'PROCESSING')
RETURNING attempt_count;
`
	var attempt int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return attempt, nil
}

func (r *TaskRepository) SetResultFinish(ctx context.Context, id uuid.UUID, resultURL string) error {
	const q = `
UPDATE tasks
SET status='FINISH', result_url=$2, error=NULL, updated_at=now()
WHERE id=$1 AND status NOT IN ('FINISH', 'FAILED');
`
	tag, err := r.pool.Exec(ctx, q, id, resultURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepository) SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `
UPDATE tasks
SET status='FAILED', error=$2, result_url=NULL, updated_at=now()
WHERE id=$1 AND status NOT IN ('FINISH', 'FAILED');
`
	tag, err := r.pool.Exec(ctx, q, id, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[entity.TaskStatus]int, error) {
	const q = `SELECT status, count(*) FROM tasks GROUP BY status;`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[entity.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[entity.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
