package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npurcella/atmosphere/internal/core/database"
	"github.com/npurcella/atmosphere/internal/core/model"
)

// PgStore is the PostgreSQL-backed Store. Status names live in the
// deduplicated instance_status table; history rows reference it by id.
type PgStore struct {
	db *database.Database
	tx *sql.Tx
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{db: db} }

func (s *PgStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if s.tx != nil {
		return s.tx.QueryContext(ctx, q, args...)
	}
	return s.db.QueryContext(ctx, q, args...)
}

func (s *PgStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s.tx != nil {
		return s.tx.ExecContext(ctx, q, args...)
	}
	return s.db.ExecContext(ctx, q, args...)
}

func (s *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&PgStore{db: s.db, tx: tx}); err != nil {
		_ = tx.Rollback()
		return translateLockErr(err)
	}
	if err := tx.Commit(); err != nil {
		return translateLockErr(err)
	}
	return nil
}

// translateLockErr maps serialization/lock failures onto ErrLockConflict
// so callers abandon instead of surfacing an opaque driver error.
func translateLockErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrLockConflict, pqErr.Message)
		}
	}
	return err
}

func (s *PgStore) Instance(ctx context.Context, instanceID int64) (*model.Instance, error) {
	const q = `
SELECT id, provider_alias, provider_id, identity_id, created_by, name, start_date, end_date
FROM instances WHERE id = $1`
	rows, err := s.query(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("instance %d not found", instanceID)
	}
	var inst model.Instance
	var endDate sql.NullTime
	if err := rows.Scan(&inst.ID, &inst.ProviderAlias, &inst.ProviderID, &inst.IdentityID,
		&inst.CreatedBy, &inst.Name, &inst.StartDate, &endDate); err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	if endDate.Valid {
		inst.EndDate = &endDate.Time
	}
	return &inst, rows.Err()
}

const historyColumns = `
h.id, h.uuid, h.instance_id, h.size_id, st.name, COALESCE(h.activity, ''),
h.start_date, h.end_date, h.extra`

func scanHistory(rows *sql.Rows) (*model.InstanceStatusHistory, error) {
	var h model.InstanceStatusHistory
	var endDate sql.NullTime
	var extraRaw []byte
	if err := rows.Scan(&h.ID, &h.UUID, &h.InstanceID, &h.SizeID, &h.Status,
		&h.Activity, &h.StartDate, &endDate, &extraRaw); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if endDate.Valid {
		h.EndDate = &endDate.Time
	}
	if len(extraRaw) > 0 {
		_ = json.Unmarshal(extraRaw, &h.Extra)
	}
	return &h, nil
}

func (s *PgStore) historyRow(ctx context.Context, q string, args ...any) (*model.InstanceStatusHistory, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanHistory(rows)
}

func (s *PgStore) LastHistory(ctx context.Context, instanceID int64) (*model.InstanceStatusHistory, error) {
	const q = `
SELECT ` + historyColumns + `
FROM instance_status_history h JOIN instance_status st ON st.id = h.status_id
WHERE h.instance_id = $1
ORDER BY h.start_date DESC
LIMIT 1`
	return s.historyRow(ctx, q, instanceID)
}

func (s *PgStore) OpenHistories(ctx context.Context, instanceID int64) ([]*model.InstanceStatusHistory, error) {
	const q = `
SELECT ` + historyColumns + `
FROM instance_status_history h JOIN instance_status st ON st.id = h.status_id
WHERE h.instance_id = $1 AND h.end_date IS NULL
ORDER BY h.start_date ASC`
	rows, err := s.query(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query open histories: %w", err)
	}
	defer rows.Close()
	var out []*model.InstanceStatusHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PgStore) RowBefore(ctx context.Context, instanceID int64, start time.Time) (*model.InstanceStatusHistory, error) {
	const q = `
SELECT ` + historyColumns + `
FROM instance_status_history h JOIN instance_status st ON st.id = h.status_id
WHERE h.instance_id = $1 AND h.start_date < $2
ORDER BY h.start_date DESC
LIMIT 1`
	return s.historyRow(ctx, q, instanceID, start)
}

func (s *PgStore) RowAfter(ctx context.Context, instanceID int64, start time.Time) (*model.InstanceStatusHistory, error) {
	const q = `
SELECT ` + historyColumns + `
FROM instance_status_history h JOIN instance_status st ON st.id = h.status_id
WHERE h.instance_id = $1 AND h.start_date > $2
ORDER BY h.start_date ASC
LIMIT 1`
	return s.historyRow(ctx, q, instanceID, start)
}

func (s *PgStore) CloseHistory(ctx context.Context, historyID int64, at time.Time) error {
	const q = `UPDATE instance_status_history SET end_date = $2 WHERE id = $1`
	if _, err := s.exec(ctx, q, historyID, at); err != nil {
		return fmt.Errorf("close history: %w", translateLockErr(err))
	}
	return nil
}

func (s *PgStore) InsertHistory(ctx context.Context, h *model.InstanceStatusHistory) (*model.InstanceStatusHistory, error) {
	const statusQ = `
INSERT INTO instance_status(name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`
	rows, err := s.query(ctx, statusQ, h.Status)
	if err != nil {
		return nil, fmt.Errorf("upsert status: %w", translateLockErr(err))
	}
	var statusID int64
	if rows.Next() {
		if err := rows.Scan(&statusID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status id: %w", err)
		}
	}
	rows.Close()

	extraJSON, _ := json.Marshal(h.Extra)
	h.UUID = uuid.NewString()
	const q = `
INSERT INTO instance_status_history(uuid, instance_id, size_id, status_id, activity, start_date, end_date, extra)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8::jsonb)
RETURNING id`
	var endDate any
	if h.EndDate != nil {
		endDate = *h.EndDate
	}
	rows, err = s.query(ctx, q, h.UUID, h.InstanceID, h.SizeID, statusID, h.Activity, h.StartDate, endDate, string(extraJSON))
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", translateLockErr(err))
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&h.ID); err != nil {
			return nil, fmt.Errorf("scan history id: %w", err)
		}
	}
	return h, rows.Err()
}
