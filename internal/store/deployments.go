package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const deploymentColumns = `
	d.id, d.name, d.scope, d.host, d.connection, d.web_server, d.database_type,
	d.db_password, d.distro, d.template, d.prepop, d.prepop_options, d.demo_phase,
	d.hostname, d.sitename, d.remote_user, d.private_key, d.repo_url, d.job_id,
	d.refresh_lock, d.last_refreshed, d.created_at, COALESCE(t.status, '')`

const deploymentFrom = `
	FROM setup.deployments d
	LEFT JOIN setup.scheduler_tasks t ON t.id = d.job_id`

func scanDeployment(row rowScanner) (*Deployment, error) {
	var (
		d      Deployment
		status string
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Scope, &d.Host, &d.Connection, &d.WebServer, &d.DatabaseType,
		&d.DBPassword, &d.Distro, &d.Template, &d.Prepop, pq.Array(&d.PrepopOptions), &d.DemoPhase,
		&d.Hostname, &d.Sitename, &d.RemoteUser, &d.PrivateKey, &d.RepoURL, &d.JobID,
		&d.RefreshLock, &d.LastRefreshed, &d.CreatedAt, &status,
	)
	if err != nil {
		return nil, err
	}
	d.JobStatus = JobStatus(status)
	return &d, nil
}

func (s *Store) queryDeployments(ctx context.Context, where string, args ...any) ([]Deployment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+deploymentColumns+deploymentFrom+` `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// InsertDeployment stores a new deployment record linked to its job.
func (s *Store) InsertDeployment(ctx context.Context, d *Deployment) error {
	options := d.PrepopOptions
	if options == nil {
		options = []string{}
	}
	return s.q.QueryRowContext(ctx, `
		INSERT INTO setup.deployments
			(name, scope, host, connection, web_server, database_type, db_password, distro,
			 template, prepop, prepop_options, demo_phase, hostname, sitename, remote_user,
			 private_key, repo_url, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at
	`, d.Name, d.Scope, d.Host, d.Connection, d.WebServer, d.DatabaseType, d.DBPassword, d.Distro,
		d.Template, d.Prepop, pq.Array(options), d.DemoPhase, d.Hostname, d.Sitename, d.RemoteUser,
		d.PrivateKey, d.RepoURL, d.JobID,
	).Scan(&d.ID, &d.CreatedAt)
}

func (s *Store) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	d, err := scanDeployment(s.q.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+deploymentFrom+` WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDeployments returns every deployment, newest first. Records are never
// deleted, so this is the full audit trail.
func (s *Store) ListDeployments(ctx context.Context) ([]Deployment, error) {
	return s.queryDeployments(ctx, `ORDER BY d.id DESC`)
}

// CompletedInScope returns the COMPLETED deployments sharing a host scope.
func (s *Store) CompletedInScope(ctx context.Context, scope string) ([]Deployment, error) {
	return s.queryDeployments(ctx, `WHERE d.scope = $1 AND t.status = 'COMPLETED' ORDER BY d.id`, scope)
}

// CompletedPrepops returns the prepop kinds with a COMPLETED deployment in scope.
func (s *Store) CompletedPrepops(ctx context.Context, scope string) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT d.prepop
		FROM setup.deployments d
		JOIN setup.scheduler_tasks t ON t.id = d.job_id
		WHERE d.scope = $1 AND t.status = 'COMPLETED'
	`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kinds := make(map[string]bool)
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		kinds[kind] = true
	}
	return kinds, rows.Err()
}

func (s *Store) SetLastRefreshed(ctx context.Context, id int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE setup.deployments SET last_refreshed = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
