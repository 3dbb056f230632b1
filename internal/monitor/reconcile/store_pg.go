package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/database"
	"github.com/npurcella/atmosphere/internal/core/model"
)

// PgStore is the PostgreSQL-backed Store. Machines and volumes share the
// instance_sources table; end dates are written once and never cleared.
type PgStore struct {
	db *database.Database
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{db: db} }

func (s *PgStore) Provider(ctx context.Context, id int64) (*model.Provider, error) {
	const q = `
SELECT id, uuid, name, type, active, COALESCE(over_allocation_action, '')
FROM providers WHERE id = $1`
	var p model.Provider
	err := s.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.UUID, &p.Name, &p.Type, &p.Active, &p.OverAllocationAction)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

func (s *PgStore) ActiveProviders(ctx context.Context) ([]*model.Provider, error) {
	const q = `
SELECT id, uuid, name, type, active, COALESCE(over_allocation_action, '')
FROM providers WHERE active ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()
	var out []*model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.UUID, &p.Name, &p.Type, &p.Active, &p.OverAllocationAction); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const machineColumns = `
pm.id, s.id, s.identifier, s.provider_id, s.created_by, s.start_date, s.end_date,
pm.application_version_id, v.application_id`

func scanMachine(rows *sql.Rows) (*model.ProviderMachine, error) {
	var pm model.ProviderMachine
	var endDate sql.NullTime
	if err := rows.Scan(&pm.ID, &pm.Source.ID, &pm.Source.Identifier, &pm.Source.ProviderID,
		&pm.Source.CreatedBy, &pm.Source.StartDate, &endDate, &pm.VersionID, &pm.ApplicationID); err != nil {
		return nil, fmt.Errorf("scan machine: %w", err)
	}
	if endDate.Valid {
		pm.Source.EndDate = &endDate.Time
	}
	return &pm, nil
}

func (s *PgStore) machines(ctx context.Context, q string, args ...any) ([]*model.ProviderMachine, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()
	var out []*model.ProviderMachine
	for rows.Next() {
		pm, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (s *PgStore) CurrentMachines(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error) {
	const q = `
SELECT ` + machineColumns + `
FROM provider_machines pm
JOIN instance_sources s ON s.id = pm.instance_source_id
JOIN application_versions v ON v.id = pm.application_version_id
WHERE s.provider_id = $1 AND s.end_date IS NULL
ORDER BY s.identifier`
	return s.machines(ctx, q, providerID)
}

func (s *PgStore) MachinesInRange(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error) {
	// Inactive-provider variant: include machines with a future end date.
	const q = `
SELECT ` + machineColumns + `
FROM provider_machines pm
JOIN instance_sources s ON s.id = pm.instance_source_id
JOIN application_versions v ON v.id = pm.application_version_id
WHERE s.provider_id = $1 AND (s.end_date IS NULL OR s.end_date > NOW())
ORDER BY s.identifier`
	return s.machines(ctx, q, providerID)
}

func (s *PgStore) MachineByIdentifier(ctx context.Context, providerID int64, identifier string) (*model.ProviderMachine, error) {
	const q = `
SELECT ` + machineColumns + `
FROM provider_machines pm
JOIN instance_sources s ON s.id = pm.instance_source_id
JOIN application_versions v ON v.id = pm.application_version_id
WHERE s.provider_id = $1 AND s.identifier = $2
ORDER BY s.start_date DESC
LIMIT 1`
	machines, err := s.machines(ctx, q, providerID, identifier)
	if err != nil || len(machines) == 0 {
		return nil, err
	}
	return machines[0], nil
}

func (s *PgStore) Application(ctx context.Context, id int64) (*model.Application, error) {
	const q = `
SELECT id, uuid, name, private, created_by, start_date, end_date
FROM applications WHERE id = $1`
	var app model.Application
	var endDate sql.NullTime
	err := s.db.QueryRowContext(ctx, q, id).Scan(&app.ID, &app.UUID, &app.Name, &app.Private,
		&app.CreatedBy, &app.StartDate, &endDate)
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

// UpsertMachine registers an image bottom-up: application by name, version
// by name under it, then the machine's instance source. Existing records
// are reused; only genuinely new images produce a created=true.
func (s *PgStore) UpsertMachine(ctx context.Context, provider *model.Provider, image *cloud.Image, ownerName string) (*model.ProviderMachine, bool, error) {
	existing, err := s.MachineByIdentifier(ctx, provider.ID, image.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	appName := image.Get("application_name")
	if appName == "" {
		appName = image.Name
	}
	private := image.Visibility != "public"

	var appID int64
	const appQ = `SELECT id FROM applications WHERE name = $1 AND end_date IS NULL`
	err = s.db.QueryRowContext(ctx, appQ, appName).Scan(&appID)
	if err == sql.ErrNoRows {
		const insApp = `
INSERT INTO applications(uuid, name, private, created_by, start_date)
VALUES ($1, $2, $3, $4, $5) RETURNING id`
		if err := s.db.QueryRowContext(ctx, insApp, uuid.NewString(), appName, private, ownerName, image.CreatedAt).Scan(&appID); err != nil {
			return nil, false, fmt.Errorf("insert application: %w", err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("lookup application: %w", err)
	}

	versionName := image.Get("application_version")
	if versionName == "" {
		versionName = "1.0"
	}
	var versionID int64
	const verQ = `
SELECT id FROM application_versions
WHERE application_id = $1 AND name = $2 AND end_date IS NULL`
	err = s.db.QueryRowContext(ctx, verQ, appID, versionName).Scan(&versionID)
	if err == sql.ErrNoRows {
		const insVer = `
INSERT INTO application_versions(application_id, name, start_date)
VALUES ($1, $2, $3) RETURNING id`
		if err := s.db.QueryRowContext(ctx, insVer, appID, versionName, image.CreatedAt).Scan(&versionID); err != nil {
			return nil, false, fmt.Errorf("insert version: %w", err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("lookup version: %w", err)
	}

	var sourceID int64
	const insSource = `
INSERT INTO instance_sources(identifier, provider_id, created_by, start_date)
VALUES ($1, $2, $3, $4) RETURNING id`
	if err := s.db.QueryRowContext(ctx, insSource, image.ID, provider.ID, ownerName, image.CreatedAt).Scan(&sourceID); err != nil {
		return nil, false, fmt.Errorf("insert instance source: %w", err)
	}
	var machineID int64
	const insMachine = `
INSERT INTO provider_machines(instance_source_id, application_version_id)
VALUES ($1, $2) RETURNING id`
	if err := s.db.QueryRowContext(ctx, insMachine, sourceID, versionID).Scan(&machineID); err != nil {
		return nil, false, fmt.Errorf("insert machine: %w", err)
	}

	return &model.ProviderMachine{
		ID: machineID,
		Source: model.InstanceSource{
			ID:         sourceID,
			Identifier: image.ID,
			ProviderID: provider.ID,
			CreatedBy:  ownerName,
			StartDate:  image.CreatedAt,
		},
		VersionID:     versionID,
		ApplicationID: appID,
	}, true, nil
}

func (s *PgStore) EndDateMachine(ctx context.Context, machineID int64, at time.Time) error {
	const q = `
UPDATE instance_sources SET end_date = $2
WHERE id = (SELECT instance_source_id FROM provider_machines WHERE id = $1)
  AND end_date IS NULL`
	if _, err := s.db.ExecContext(ctx, q, machineID, at); err != nil {
		return fmt.Errorf("end-date machine: %w", err)
	}
	return nil
}

func (s *PgStore) EndDateVersion(ctx context.Context, versionID int64, at time.Time) error {
	const q = `UPDATE application_versions SET end_date = $2 WHERE id = $1 AND end_date IS NULL`
	if _, err := s.db.ExecContext(ctx, q, versionID, at); err != nil {
		return fmt.Errorf("end-date version: %w", err)
	}
	return nil
}

func (s *PgStore) EndDateApplication(ctx context.Context, applicationID int64, at time.Time) error {
	const q = `UPDATE applications SET end_date = $2 WHERE id = $1 AND end_date IS NULL`
	if _, err := s.db.ExecContext(ctx, q, applicationID, at); err != nil {
		return fmt.Errorf("end-date application: %w", err)
	}
	return nil
}

func (s *PgStore) CurrentMachineCount(ctx context.Context, versionID int64, at time.Time) (int, error) {
	const q = `
SELECT COUNT(*) FROM provider_machines pm
JOIN instance_sources s ON s.id = pm.instance_source_id
WHERE pm.application_version_id = $1 AND (s.end_date IS NULL OR s.end_date > $2)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, versionID, at).Scan(&n); err != nil {
		return 0, fmt.Errorf("count machines: %w", err)
	}
	return n, nil
}

func (s *PgStore) CurrentVersionCount(ctx context.Context, applicationID int64, at time.Time) (int, error) {
	const q = `
SELECT COUNT(*) FROM application_versions
WHERE application_id = $1 AND (end_date IS NULL OR end_date > $2)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, applicationID, at).Scan(&n); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

func (s *PgStore) idList(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PgStore) VersionsWithoutMachines(ctx context.Context) ([]int64, error) {
	const q = `
SELECT v.id FROM application_versions v
WHERE v.end_date IS NULL
  AND NOT EXISTS (SELECT 1 FROM provider_machines pm WHERE pm.application_version_id = v.id)`
	return s.idList(ctx, q)
}

func (s *PgStore) ApplicationsWithoutVersions(ctx context.Context) ([]int64, error) {
	const q = `
SELECT a.id FROM applications a
WHERE a.end_date IS NULL
  AND NOT EXISTS (SELECT 1 FROM application_versions v WHERE v.application_id = a.id)`
	return s.idList(ctx, q)
}

func (s *PgStore) ApplicationsWithOnlyInactiveVersions(ctx context.Context, at time.Time) ([]int64, error) {
	const q = `
SELECT a.id FROM applications a
WHERE a.end_date IS NULL
  AND EXISTS (SELECT 1 FROM application_versions v WHERE v.application_id = a.id)
  AND NOT EXISTS (
    SELECT 1 FROM application_versions v
    WHERE v.application_id = a.id AND (v.end_date IS NULL OR v.end_date > $1))`
	return s.idList(ctx, q, at)
}

func (s *PgStore) members(ctx context.Context, q string, id int64) ([]MemberRef, error) {
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()
	var out []MemberRef
	for rows.Next() {
		var ref MemberRef
		if err := rows.Scan(&ref.GroupID, &ref.GroupName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PgStore) MachineMembers(ctx context.Context, machineID int64) ([]MemberRef, error) {
	const q = `
SELECT g.id, g.name FROM provider_machine_membership m
JOIN groups g ON g.id = m.group_id
WHERE m.provider_machine_id = $1 ORDER BY g.name`
	return s.members(ctx, q, machineID)
}

func (s *PgStore) VersionMembers(ctx context.Context, versionID int64) ([]MemberRef, error) {
	const q = `
SELECT g.id, g.name FROM application_version_membership m
JOIN groups g ON g.id = m.group_id
WHERE m.application_version_id = $1 ORDER BY g.name`
	return s.members(ctx, q, versionID)
}

func (s *PgStore) ApplicationMembers(ctx context.Context, applicationID int64) ([]MemberRef, error) {
	const q = `
SELECT g.id, g.name FROM application_membership m
JOIN groups g ON g.id = m.group_id
WHERE m.application_id = $1 ORDER BY g.name`
	return s.members(ctx, q, applicationID)
}

func (s *PgStore) GroupsByNames(ctx context.Context, names []string) ([]*model.Group, error) {
	if len(names) == 0 {
		return nil, nil
	}
	const q = `
SELECT id, uuid, name, COALESCE(project_name, '')
FROM groups WHERE name = ANY($1) OR project_name = ANY($1)
ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()
	var out []*model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.UUID, &g.Name, &g.ProjectName); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PgStore) GroupsForMachine(ctx context.Context, machineID int64) ([]*model.Group, error) {
	const q = `
SELECT g.id, g.uuid, g.name, COALESCE(g.project_name, '')
FROM provider_machine_membership m
JOIN groups g ON g.id = m.group_id
WHERE m.provider_machine_id = $1 ORDER BY g.name`
	rows, err := s.db.QueryContext(ctx, q, machineID)
	if err != nil {
		return nil, fmt.Errorf("query machine groups: %w", err)
	}
	defer rows.Close()
	var out []*model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.UUID, &g.Name, &g.ProjectName); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// addMembership reports created=false on conflict so racing passes are
// indistinguishable from a no-op.
func (s *PgStore) addMembership(ctx context.Context, q string, resourceID, groupID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, resourceID, groupID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PgStore) AddMachineMembership(ctx context.Context, machineID, groupID int64) (bool, error) {
	const q = `
INSERT INTO provider_machine_membership(provider_machine_id, group_id)
VALUES ($1, $2) ON CONFLICT DO NOTHING`
	return s.addMembership(ctx, q, machineID, groupID)
}

func (s *PgStore) AddVersionMembership(ctx context.Context, versionID, groupID int64) (bool, error) {
	const q = `
INSERT INTO application_version_membership(application_version_id, group_id)
VALUES ($1, $2) ON CONFLICT DO NOTHING`
	return s.addMembership(ctx, q, versionID, groupID)
}

func (s *PgStore) AddApplicationMembership(ctx context.Context, applicationID, groupID int64) (bool, error) {
	const q = `
INSERT INTO application_membership(application_id, group_id)
VALUES ($1, $2) ON CONFLICT DO NOTHING`
	return s.addMembership(ctx, q, applicationID, groupID)
}

func (s *PgStore) RemoveMachineMembership(ctx context.Context, machineID, groupID int64) error {
	const q = `DELETE FROM provider_machine_membership WHERE provider_machine_id = $1 AND group_id = $2`
	_, err := s.db.ExecContext(ctx, q, machineID, groupID)
	return err
}

func (s *PgStore) RemoveVersionMembership(ctx context.Context, versionID, groupID int64) error {
	const q = `DELETE FROM application_version_membership WHERE application_version_id = $1 AND group_id = $2`
	_, err := s.db.ExecContext(ctx, q, versionID, groupID)
	return err
}

func (s *PgStore) RemoveApplicationMembership(ctx context.Context, applicationID, groupID int64) error {
	const q = `DELETE FROM application_membership WHERE application_id = $1 AND group_id = $2`
	_, err := s.db.ExecContext(ctx, q, applicationID, groupID)
	return err
}

func (s *PgStore) LastCompletedMachineRequest(ctx context.Context, identifier string) (*model.MachineRequest, error) {
	const q = `
SELECT id, status, new_machine_identifier, access_list
FROM machine_requests
WHERE new_machine_identifier = $1 AND status = 'completed'
ORDER BY id DESC LIMIT 1`
	var req model.MachineRequest
	err := s.db.QueryRowContext(ctx, q, identifier).Scan(&req.ID, &req.Status,
		&req.NewMachineIdentifier, pq.Array(&req.AccessList))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get machine request: %w", err)
	}
	return &req, nil
}

// PatternMatchedUsernames evaluates the application's access patterns
// against the user table. Patterns are few; matching runs in memory where
// the comma-list and wildcard semantics live.
func (s *PgStore) PatternMatchedUsernames(ctx context.Context, applicationID int64) ([]string, error) {
	const patQ = `
SELECT p.pattern, p.type, p.allow_access
FROM pattern_matches p
JOIN application_pattern_matches ap ON ap.pattern_match_id = p.id
WHERE ap.application_id = $1`
	rows, err := s.db.QueryContext(ctx, patQ, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	var patterns []model.PatternMatch
	for rows.Next() {
		var p model.PatternMatch
		if err := rows.Scan(&p.Pattern, &p.Type, &p.AllowAccess); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	const userQ = `SELECT id, username, COALESCE(email, '') FROM users`
	rows, err = s.db.QueryContext(ctx, userQ)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	var matched []string
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		for _, p := range patterns {
			if p.Matches(&u) {
				matched = append(matched, u.Username)
				break
			}
		}
	}
	return matched, rows.Err()
}

func (s *PgStore) CurrentVolumes(ctx context.Context, providerID int64) ([]*model.Volume, error) {
	const q = `
SELECT v.id, s.id, s.identifier, s.provider_id, s.created_by, s.start_date, s.end_date, v.name, v.size_gb
FROM volumes v
JOIN instance_sources s ON s.id = v.instance_source_id
WHERE s.provider_id = $1 AND s.end_date IS NULL
ORDER BY s.identifier`
	rows, err := s.db.QueryContext(ctx, q, providerID)
	if err != nil {
		return nil, fmt.Errorf("query volumes: %w", err)
	}
	defer rows.Close()
	var out []*model.Volume
	for rows.Next() {
		var v model.Volume
		var endDate sql.NullTime
		if err := rows.Scan(&v.ID, &v.Source.ID, &v.Source.Identifier, &v.Source.ProviderID,
			&v.Source.CreatedBy, &v.Source.StartDate, &endDate, &v.Name, &v.SizeGB); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		if endDate.Valid {
			v.Source.EndDate = &endDate.Time
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PgStore) UpsertVolume(ctx context.Context, providerID int64, vol *cloud.Volume, identity *model.Identity) (*model.Volume, error) {
	const findQ = `
SELECT v.id FROM volumes v
JOIN instance_sources s ON s.id = v.instance_source_id
WHERE s.provider_id = $1 AND s.identifier = $2`
	var volumeID int64
	err := s.db.QueryRowContext(ctx, findQ, providerID, vol.ID).Scan(&volumeID)
	if err == nil {
		const upd = `UPDATE volumes SET name = $2, size_gb = $3 WHERE id = $1`
		if _, err := s.db.ExecContext(ctx, upd, volumeID, vol.Name, vol.Size); err != nil {
			return nil, fmt.Errorf("update volume: %w", err)
		}
		return &model.Volume{ID: volumeID, Name: vol.Name, SizeGB: vol.Size}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup volume: %w", err)
	}

	var sourceID int64
	const insSource = `
INSERT INTO instance_sources(identifier, provider_id, created_by, start_date)
VALUES ($1, $2, $3, $4) RETURNING id`
	if err := s.db.QueryRowContext(ctx, insSource, vol.ID, providerID, identity.CreatedBy, vol.CreatedAt).Scan(&sourceID); err != nil {
		return nil, fmt.Errorf("insert volume source: %w", err)
	}
	const insVol = `
INSERT INTO volumes(instance_source_id, name, size_gb) VALUES ($1, $2, $3) RETURNING id`
	if err := s.db.QueryRowContext(ctx, insVol, sourceID, vol.Name, vol.Size).Scan(&volumeID); err != nil {
		return nil, fmt.Errorf("insert volume: %w", err)
	}
	return &model.Volume{
		ID: volumeID,
		Source: model.InstanceSource{
			ID: sourceID, Identifier: vol.ID, ProviderID: providerID,
			CreatedBy: identity.CreatedBy, StartDate: vol.CreatedAt,
		},
		Name: vol.Name, SizeGB: vol.Size,
	}, nil
}

func (s *PgStore) EndDateVolume(ctx context.Context, volumeID int64, at time.Time) error {
	const q = `
UPDATE instance_sources SET end_date = $2
WHERE id = (SELECT instance_source_id FROM volumes WHERE id = $1)
  AND end_date IS NULL`
	if _, err := s.db.ExecContext(ctx, q, volumeID, at); err != nil {
		return fmt.Errorf("end-date volume: %w", err)
	}
	return nil
}

func (s *PgStore) IdentityByProjectName(ctx context.Context, providerID int64, projectName string) (*model.Identity, error) {
	const q = `
SELECT id, uuid, provider_id, created_by, project_name
FROM identities WHERE provider_id = $1 AND project_name = $2`
	var ident model.Identity
	err := s.db.QueryRowContext(ctx, q, providerID, projectName).Scan(&ident.ID, &ident.UUID,
		&ident.ProviderID, &ident.CreatedBy, &ident.ProjectName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &ident, nil
}

const sizeColumns = `id, provider_id, alias, name, cpu, mem_mb, disk_gb, start_date, end_date`

func scanSize(rows *sql.Rows) (*model.Size, error) {
	var sz model.Size
	var endDate sql.NullTime
	if err := rows.Scan(&sz.ID, &sz.ProviderID, &sz.Alias, &sz.Name, &sz.CPU,
		&sz.MemMB, &sz.DiskGB, &sz.StartDate, &endDate); err != nil {
		return nil, fmt.Errorf("scan size: %w", err)
	}
	if endDate.Valid {
		sz.EndDate = &endDate.Time
	}
	return &sz, nil
}

func (s *PgStore) sizes(ctx context.Context, q string, args ...any) ([]*model.Size, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sizes: %w", err)
	}
	defer rows.Close()
	var out []*model.Size
	for rows.Next() {
		sz, err := scanSize(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sz)
	}
	return out, rows.Err()
}

func (s *PgStore) CurrentSizes(ctx context.Context, providerID int64) ([]*model.Size, error) {
	const q = `SELECT ` + sizeColumns + ` FROM sizes WHERE provider_id = $1 AND end_date IS NULL ORDER BY alias`
	return s.sizes(ctx, q, providerID)
}

func (s *PgStore) UnknownSizes(ctx context.Context, providerID int64) ([]*model.Size, error) {
	const q = `
SELECT ` + sizeColumns + ` FROM sizes
WHERE provider_id = $1 AND end_date IS NULL AND name LIKE 'Unknown Size%'
ORDER BY alias`
	return s.sizes(ctx, q, providerID)
}

func (s *PgStore) SizeByAlias(ctx context.Context, providerID int64, alias string) (*model.Size, error) {
	const q = `
SELECT ` + sizeColumns + ` FROM sizes
WHERE provider_id = $1 AND alias = $2 AND end_date IS NULL
ORDER BY start_date DESC LIMIT 1`
	sizes, err := s.sizes(ctx, q, providerID, alias)
	if err != nil || len(sizes) == 0 {
		return nil, err
	}
	return sizes[0], nil
}

func (s *PgStore) UpsertSize(ctx context.Context, providerID int64, size *cloud.Size) (*model.Size, error) {
	existing, err := s.SizeByAlias(ctx, providerID, size.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		const upd = `UPDATE sizes SET name = $2, cpu = $3, mem_mb = $4, disk_gb = $5 WHERE id = $1`
		if _, err := s.db.ExecContext(ctx, upd, existing.ID, size.Name, size.CPU, size.MemMB, size.DiskGB); err != nil {
			return nil, fmt.Errorf("update size: %w", err)
		}
		existing.Name = size.Name
		existing.CPU = size.CPU
		existing.MemMB = size.MemMB
		existing.DiskGB = size.DiskGB
		return existing, nil
	}
	const ins = `
INSERT INTO sizes(provider_id, alias, name, cpu, mem_mb, disk_gb, start_date)
VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id, start_date`
	sz := &model.Size{ProviderID: providerID, Alias: size.ID, Name: size.Name,
		CPU: size.CPU, MemMB: size.MemMB, DiskGB: size.DiskGB}
	if err := s.db.QueryRowContext(ctx, ins, providerID, size.ID, size.Name, size.CPU,
		size.MemMB, size.DiskGB).Scan(&sz.ID, &sz.StartDate); err != nil {
		return nil, fmt.Errorf("insert size: %w", err)
	}
	return sz, nil
}

func (s *PgStore) IdentitiesForProvider(ctx context.Context, providerID int64, users []string) ([]*model.Identity, error) {
	q := `
SELECT id, uuid, provider_id, created_by, project_name
FROM identities WHERE provider_id = $1`
	args := []any{providerID}
	if len(users) > 0 {
		q += ` AND created_by = ANY($2)`
		args = append(args, pq.Array(users))
	}
	q += ` ORDER BY created_by`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()
	var out []*model.Identity
	for rows.Next() {
		var ident model.Identity
		if err := rows.Scan(&ident.ID, &ident.UUID, &ident.ProviderID, &ident.CreatedBy, &ident.ProjectName); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, &ident)
	}
	return out, rows.Err()
}

func (s *PgStore) CurrentInstancesForIdentity(ctx context.Context, identityID int64) ([]*model.Instance, error) {
	const q = `
SELECT id, provider_alias, provider_id, identity_id, created_by, name, start_date, end_date, allocation_source_id
FROM instances WHERE identity_id = $1 AND end_date IS NULL
ORDER BY provider_alias`
	rows, err := s.db.QueryContext(ctx, q, identityID)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		var inst model.Instance
		var endDate sql.NullTime
		var allocID sql.NullInt64
		if err := rows.Scan(&inst.ID, &inst.ProviderAlias, &inst.ProviderID, &inst.IdentityID,
			&inst.CreatedBy, &inst.Name, &inst.StartDate, &endDate, &allocID); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if endDate.Valid {
			inst.EndDate = &endDate.Time
		}
		if allocID.Valid {
			inst.AllocationSourceID = &allocID.Int64
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// EndDateInstanceAll closes the instance and every open history row at the
// same timestamp so the chain never outlives its instance.
func (s *PgStore) EndDateInstanceAll(ctx context.Context, instanceID int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	const instQ = `UPDATE instances SET end_date = $2 WHERE id = $1 AND end_date IS NULL`
	if _, err := tx.ExecContext(ctx, instQ, instanceID, at); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("end-date instance: %w", err)
	}
	const histQ = `UPDATE instance_status_history SET end_date = $2 WHERE instance_id = $1 AND end_date IS NULL`
	if _, err := tx.ExecContext(ctx, histQ, instanceID, at); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("close instance histories: %w", err)
	}
	return tx.Commit()
}

func (s *PgStore) OpenHistoryCount(ctx context.Context, instanceID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM instance_status_history WHERE instance_id = $1 AND end_date IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, q, instanceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open histories: %w", err)
	}
	return n, nil
}
