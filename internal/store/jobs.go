package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `
	id, task_name, function_name, args, status, repeats, times_run,
	timeout_seconds, sync_output_seconds, run_output, traceback,
	assigned_worker, created_at, started_at, finished_at, updated_at`

// InsertJob stores a new QUEUED task. The caller supplies the id.
func (s *Store) InsertJob(ctx context.Context, job *Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encode job args: %w", err)
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	return s.q.QueryRowContext(ctx, `
		INSERT INTO setup.scheduler_tasks
			(id, task_name, function_name, args, status, repeats, timeout_seconds, sync_output_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, job.ID, job.TaskName, job.Function, args, string(job.Status), job.Repeats,
		int(job.Timeout/time.Second), int(job.SyncOutput/time.Second),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		args       []byte
		status     string
		timeout    int
		syncOutput int
	)
	err := row.Scan(
		&job.ID, &job.TaskName, &job.Function, &args, &status, &job.Repeats, &job.TimesRun,
		&timeout, &syncOutput, &job.RunOutput, &job.Traceback,
		&job.AssignedWorker, &job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &job.Args); err != nil {
			return nil, fmt.Errorf("decode job args: %w", err)
		}
	}
	job.Status = JobStatus(status)
	job.Timeout = time.Duration(timeout) * time.Second
	job.SyncOutput = time.Duration(syncOutput) * time.Second
	return &job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM setup.scheduler_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ClaimJob moves a QUEUED job to ASSIGNED for worker. It reports false when
// another worker got there first or the job is no longer queued.
func (s *Store) ClaimJob(ctx context.Context, id, worker string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE setup.scheduler_tasks
		SET status = 'ASSIGNED', assigned_worker = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'QUEUED'
	`, id, worker)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// StartJob moves an ASSIGNED job to RUNNING.
func (s *Store) StartJob(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE setup.scheduler_tasks
		SET status = 'RUNNING', started_at = NOW(), times_run = times_run + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'ASSIGNED'
	`, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// SyncJobOutput copies partial output onto a RUNNING job.
func (s *Store) SyncJobOutput(ctx context.Context, id, output string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE setup.scheduler_tasks
		SET run_output = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`, id, output)
	return err
}

// FinishJob records a terminal status. Jobs already terminal (for example
// failed by the reaper) are left alone and false is returned.
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, output, traceback string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish job %s: %s is not terminal", id, status)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE setup.scheduler_tasks
		SET status = $2, run_output = $3, traceback = $4, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('ASSIGNED', 'RUNNING')
	`, id, string(status), output, traceback)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ExpireJobs fails every ASSIGNED or RUNNING job whose timeout plus grace has
// elapsed by now, returning the ids it changed.
func (s *Store) ExpireJobs(ctx context.Context, now time.Time, grace time.Duration) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE setup.scheduler_tasks
		SET status = 'FAILED',
			traceback = 'job exceeded its timeout of ' || timeout_seconds || 's and was failed by the reaper',
			finished_at = NOW(),
			updated_at = NOW()
		WHERE status IN ('ASSIGNED', 'RUNNING')
		  AND COALESCE(started_at, updated_at) + make_interval(secs => timeout_seconds + $2) < $1
		RETURNING id
	`, now, int(grace/time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StaleQueuedJobs lists QUEUED jobs created before cutoff, for re-dispatch.
func (s *Store) StaleQueuedJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM setup.scheduler_tasks
		WHERE status = 'QUEUED' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
