package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"blendfarm/internal/models"
)

var ErrRunNotFound = errors.New("render run not found")

type RunRepository struct {
	db *pgxpool.Pool
}

func NewRunRepository(db *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *models.RenderRun) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO render_runs (id, sandbox_id, params_json, status)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, run.ID, run.SandboxID, run.ParamsJSON, run.Status).Scan(&run.CreatedAt)
}

func (r *RunRepository) Get(ctx context.Context, id string) (*models.RenderRun, error) {
	var run models.RenderRun
	err := r.db.QueryRow(ctx, `
		SELECT id, sandbox_id, params_json, status,
		       COALESCE(error_code,''), COALESCE(error_text,''),
		       COALESCE(video_object_key,''), COALESCE(provider,''),
		       created_at, started_at, finished_at, wake_at
		FROM render_runs
		WHERE id=$1
	`, id).Scan(
		&run.ID,
		&run.SandboxID,
		&run.ParamsJSON,
		&run.Status,
		&run.ErrorCode,
		&run.ErrorText,
		&run.VideoObjectKey,
		&run.Provider,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.WakeAt,
	)
	if err != nil {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (r *RunRepository) List(ctx context.Context, status string, limit int) ([]models.RenderRun, error) {
	query := `
		SELECT id, sandbox_id, status,
		       COALESCE(error_code,''), COALESCE(video_object_key,''),
		       created_at, finished_at
		FROM render_runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RenderRun
	for rows.Next() {
		var run models.RenderRun
		if err := rows.Scan(
			&run.ID,
			&run.SandboxID,
			&run.Status,
			&run.ErrorCode,
			&run.VideoObjectKey,
			&run.CreatedAt,
			&run.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepository) MarkRunning(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE render_runs
		SET status=$2, started_at=COALESCE(started_at, now()), wake_at=NULL
		WHERE id=$1
	`, id, models.RunStatusRunning)
	return err
}

func (r *RunRepository) MarkSleeping(ctx context.Context, id string, wakeAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE render_runs SET status=$2, wake_at=$3 WHERE id=$1
	`, id, models.RunStatusSleeping, wakeAt)
	return err
}

func (r *RunRepository) MarkDone(ctx context.Context, id, objectKey, provider string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE render_runs
		SET status=$2, video_object_key=$3, provider=$4, finished_at=now(), wake_at=NULL
		WHERE id=$1
	`, id, models.RunStatusDone, objectKey, provider)
	return err
}

func (r *RunRepository) MarkFailed(ctx context.Context, id, code, message string) error {
	if len(message) > 2000 {
		message = message[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE render_runs
		SET status=$2, error_code=$3, error_text=$4, finished_at=now(), wake_at=NULL
		WHERE id=$1
	`, id, models.RunStatusFailed, code, message)
	return err
}
