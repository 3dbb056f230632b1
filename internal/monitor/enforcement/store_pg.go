package enforcement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/npurcella/atmosphere/internal/core/database"
	"github.com/npurcella/atmosphere/internal/core/model"
)

// PgStore is the PostgreSQL-backed Store. It also serves as the override
// store for the database override policy.
type PgStore struct {
	db *database.Database
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{db: db} }

func (s *PgStore) AllocationSources(ctx context.Context) ([]*model.AllocationSource, error) {
	const q = `
SELECT id, uuid, name, compute_used, compute_allowed, COALESCE(renewal_strategy, '')
FROM allocation_sources ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query allocation sources: %w", err)
	}
	defer rows.Close()
	var out []*model.AllocationSource
	for rows.Next() {
		var src model.AllocationSource
		if err := rows.Scan(&src.ID, &src.UUID, &src.Name, &src.ComputeUsed,
			&src.ComputeAllowed, &src.RenewalStrategy); err != nil {
			return nil, fmt.Errorf("scan allocation source: %w", err)
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (s *PgStore) UsernamesForSource(ctx context.Context, sourceID int64) ([]string, error) {
	const q = `
SELECT u.username FROM user_allocation_sources uas
JOIN users u ON u.id = uas.user_id
WHERE uas.allocation_source_id = $1
ORDER BY u.username`
	rows, err := s.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query source users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		out = append(out, username)
	}
	return out, rows.Err()
}

func (s *PgStore) IdentitiesForUser(ctx context.Context, username string) ([]*model.Identity, error) {
	const q = `
SELECT id, uuid, provider_id, created_by, project_name
FROM identities WHERE created_by = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, username)
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

func (s *PgStore) InstancesForUserOnSource(ctx context.Context, identityID, sourceID int64) ([]*model.Instance, error) {
	const q = `
SELECT id, provider_alias, provider_id, identity_id, created_by, name, start_date, end_date, allocation_source_id
FROM instances
WHERE identity_id = $1 AND allocation_source_id = $2 AND end_date IS NULL
ORDER BY provider_alias`
	rows, err := s.db.QueryContext(ctx, q, identityID, sourceID)
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

// AllocationCount reports how many allocation sources a user belongs to.
// It backs the local fallback of the allocation user validator.
func (s *PgStore) AllocationCount(ctx context.Context, username string) (int, error) {
	const q = `
SELECT COUNT(*) FROM user_allocation_sources uas
JOIN users u ON u.id = uas.user_id
WHERE u.username = $1`
	var count int
	if err := s.db.QueryRowContext(ctx, q, username).Scan(&count); err != nil {
		return 0, fmt.Errorf("count allocations: %w", err)
	}
	return count, nil
}

// EnforcementOverride implements the override store read: absence of a
// row means no override.
func (s *PgStore) EnforcementOverride(ctx context.Context, username, sourceName string) (string, error) {
	const q = `
SELECT override FROM allocation_source_overrides
WHERE username = $1 AND source_name = $2`
	var override string
	err := s.db.QueryRowContext(ctx, q, username, sourceName).Scan(&override)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get enforcement override: %w", err)
	}
	return override, nil
}
