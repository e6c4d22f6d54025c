package store

import (
	"context"
	"database/sql"
	"errors"
)

func (s *Store) InsertUpgrade(ctx context.Context, u *Upgrade) error {
	return s.q.QueryRowContext(ctx, `
		INSERT INTO setup.upgrades (deployment_id, job_id)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, u.DeploymentID, u.JobID).Scan(&u.ID, &u.CreatedAt)
}

// LatestUpgrade returns the most recent upgrade of a deployment with its job status.
func (s *Store) LatestUpgrade(ctx context.Context, deploymentID int64) (*Upgrade, error) {
	var (
		u      Upgrade
		status string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT u.id, u.deployment_id, u.job_id, u.created_at, COALESCE(t.status, '')
		FROM setup.upgrades u
		LEFT JOIN setup.scheduler_tasks t ON t.id = u.job_id
		WHERE u.deployment_id = $1
		ORDER BY u.id DESC
		LIMIT 1
	`, deploymentID).Scan(&u.ID, &u.DeploymentID, &u.JobID, &u.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.JobStatus = JobStatus(status)
	return &u, nil
}
