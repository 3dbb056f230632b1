package metrics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/npurcella/atmosphere/internal/core/database"
	"github.com/npurcella/atmosphere/internal/core/model"
)

// PgStore is the PostgreSQL-backed aggregate source.
type PgStore struct {
	db *database.Database
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{db: db} }

func (s *PgStore) ApplicationByUUID(ctx context.Context, uuid string) (*model.Application, error) {
	const q = `
SELECT id, uuid, name, private, created_by, start_date, end_date
FROM applications WHERE uuid = $1`
	var app model.Application
	var endDate sql.NullTime
	err := s.db.QueryRowContext(ctx, q, uuid).Scan(&app.ID, &app.UUID, &app.Name,
		&app.Private, &app.CreatedBy, &app.StartDate, &endDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if endDate.Valid {
		app.EndDate = &endDate.Time
	}
	return &app, nil
}

func (s *PgStore) VersionsForApplication(ctx context.Context, applicationID int64) ([]*model.ApplicationVersion, error) {
	const q = `
SELECT id, name, application_id, start_date, end_date
FROM application_versions WHERE application_id = $1 ORDER BY start_date`
	rows, err := s.db.QueryContext(ctx, q, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	var out []*model.ApplicationVersion
	for rows.Next() {
		var v model.ApplicationVersion
		var endDate sql.NullTime
		if err := rows.Scan(&v.ID, &v.Name, &v.ApplicationID, &v.StartDate, &endDate); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if endDate.Valid {
			v.EndDate = &endDate.Time
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PgStore) LaunchStats(ctx context.Context, versionID int64) (int, int, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE EXISTS (
         SELECT 1 FROM instance_status_history h
         JOIN instance_status st ON st.id = h.status_id
         WHERE h.instance_id = i.id AND st.name = 'active'))
FROM instances i
JOIN provider_machines pm ON pm.instance_source_id = i.instance_source_id
WHERE pm.application_version_id = $1`
	var launches, successes int
	if err := s.db.QueryRowContext(ctx, q, versionID).Scan(&launches, &successes); err != nil {
		return 0, 0, fmt.Errorf("launch stats: %w", err)
	}
	return launches, successes, nil
}

func (s *PgStore) ForkCount(ctx context.Context, versionID int64) (int, error) {
	const q = `
SELECT COUNT(*) FROM machine_requests mr
JOIN provider_machines pm ON pm.id = mr.parent_machine_id
WHERE pm.application_version_id = $1 AND mr.status = 'completed'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, versionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("fork count: %w", err)
	}
	return n, nil
}
