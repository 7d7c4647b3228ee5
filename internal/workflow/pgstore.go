package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists workflow state in Postgres.
//
// Schema:
//
//	CREATE TABLE workflow_steps (
//	    run_id      TEXT NOT NULL,
//	    step_name   TEXT NOT NULL,
//	    result_json JSONB NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (run_id, step_name)
//	);
//	CREATE TABLE workflow_sleeps (
//	    run_id     TEXT NOT NULL,
//	    sleep_name TEXT NOT NULL,
//	    wake_at    TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (run_id, sleep_name)
//	);
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetStep(ctx context.Context, runID, name string) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRow(ctx,
		`SELECT result_json FROM workflow_steps WHERE run_id=$1 AND step_name=$2`,
		runID, name,
	).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (s *PGStore) PutStep(ctx context.Context, runID, name string, result []byte) error {
	// First write wins: a concurrent replay must not overwrite a result.
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_steps (run_id, step_name, result_json)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (run_id, step_name) DO NOTHING`,
		runID, name, result,
	)
	return err
}

func (s *PGStore) GetSleep(ctx context.Context, runID, name string) (time.Time, bool, error) {
	var wakeAt time.Time
	err := s.db.QueryRow(ctx,
		`SELECT wake_at FROM workflow_sleeps WHERE run_id=$1 AND sleep_name=$2`,
		runID, name,
	).Scan(&wakeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return wakeAt, true, nil
}

func (s *PGStore) PutSleep(ctx context.Context, runID, name string, wakeAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_sleeps (run_id, sleep_name, wake_at)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (run_id, sleep_name) DO NOTHING`,
		runID, name, wakeAt,
	)
	return err
}
