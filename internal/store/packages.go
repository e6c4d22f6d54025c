package store

import (
	"context"

	"github.com/lib/pq"
)

// PackageNames lists the package names recorded for a deployment.
func (s *Store) PackageNames(ctx context.Context, deploymentID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT name FROM setup.packages WHERE deployment_id = $1 ORDER BY name`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpsertPackage records a newly seen package. A co-located deployment may
// already hold a row for the name, in which case versions are refreshed.
func (s *Store) UpsertPackage(ctx context.Context, p *Package) error {
	return s.q.QueryRowContext(ctx, `
		INSERT INTO setup.packages (deployment_id, name, cv, av, type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (deployment_id, name) DO UPDATE SET
			cv = EXCLUDED.cv,
			av = EXCLUDED.av,
			type = EXCLUDED.type
		RETURNING id
	`, p.DeploymentID, p.Name, p.CV, p.AV, p.Type).Scan(&p.ID)
}

// SetAvailableVersion updates av for an existing package row.
func (s *Store) SetAvailableVersion(ctx context.Context, deploymentID int64, name, av string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE setup.packages SET av = $3 WHERE deployment_id = $1 AND name = $2`,
		deploymentID, name, av)
	return err
}

// MarkUpToDate clears the pending upgrade by setting av = cv.
func (s *Store) MarkUpToDate(ctx context.Context, deploymentID int64, name string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE setup.packages SET av = cv WHERE deployment_id = $1 AND name = $2`,
		deploymentID, name)
	return err
}

func (s *Store) scanPackages(ctx context.Context, query string, args ...any) ([]Package, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.DeploymentID, &p.Name, &p.CV, &p.AV, &p.Type); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpgradablePackages lists packages whose available version differs from
// the installed one.
func (s *Store) UpgradablePackages(ctx context.Context, deploymentID int64) ([]Package, error) {
	return s.scanPackages(ctx, `
		SELECT id, deployment_id, name, cv, av, type
		FROM setup.packages
		WHERE deployment_id = $1 AND cv <> av
		ORDER BY type, name
	`, deploymentID)
}

// PackagesByID returns the selected packages that belong to deploymentID.
func (s *Store) PackagesByID(ctx context.Context, deploymentID int64, ids []int64) ([]Package, error) {
	return s.scanPackages(ctx, `
		SELECT id, deployment_id, name, cv, av, type
		FROM setup.packages
		WHERE deployment_id = $1 AND id = ANY($2)
		ORDER BY type, name
	`, deploymentID, pq.Array(ids))
}
