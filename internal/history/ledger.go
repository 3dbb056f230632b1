// Package history maintains the append-only status chain per instance and
// answers time-accounted "active time" queries against it.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/timeutil"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoOpenHistory signals a transition without a closable prior row.
	// This is caller misuse, not environmental flakiness.
	ErrNoOpenHistory = errors.New("history: no open history row to close")
	// ErrHistoryClosed signals a supplied last row that is already closed.
	ErrHistoryClosed = errors.New("history: supplied history row already has an end date")
	// ErrBoundary signals traversal past the first or final row.
	ErrBoundary = errors.New("history: no adjacent history row")
	// ErrChainBroken signals a gap where an adjacent row was expected.
	ErrChainBroken = errors.New("history: no matching row for adjacent timestamp")
	// ErrChainLeak signals an ended instance whose chain is still open;
	// left alone this leaks accounted time.
	ErrChainLeak = errors.New("history: instance has ended but its history is still open")
	// ErrLockConflict signals an abandoned transition; the next scheduled
	// run is the retry mechanism.
	ErrLockConflict = errors.New("history: transaction lock conflict")
)

// Store is the persistence surface the ledger drives. WithTx runs fn
// against a transactional view; an error from fn rolls every write back.
type Store interface {
	WithTx(ctx context.Context, fn func(Store) error) error

	Instance(ctx context.Context, instanceID int64) (*model.Instance, error)
	LastHistory(ctx context.Context, instanceID int64) (*model.InstanceStatusHistory, error)
	OpenHistories(ctx context.Context, instanceID int64) ([]*model.InstanceStatusHistory, error)
	// RowBefore returns the latest row starting strictly before start,
	// RowAfter the earliest row starting strictly after. Both return nil
	// when no such row exists.
	RowBefore(ctx context.Context, instanceID int64, start time.Time) (*model.InstanceStatusHistory, error)
	RowAfter(ctx context.Context, instanceID int64, start time.Time) (*model.InstanceStatusHistory, error)

	CloseHistory(ctx context.Context, historyID int64, at time.Time) error
	InsertHistory(ctx context.Context, h *model.InstanceStatusHistory) (*model.InstanceStatusHistory, error)
}

type Ledger struct {
	store  Store
	active map[string]bool
}

// NewLedger builds a ledger. activeStatuses is the closed set of status
// names counted as running time; nil defaults to {"active", "running"}.
func NewLedger(store Store, activeStatuses []string) *Ledger {
	if len(activeStatuses) == 0 {
		activeStatuses = []string{"active", "running"}
	}
	active := make(map[string]bool, len(activeStatuses))
	for _, name := range activeStatuses {
		active[name] = true
	}
	return &Ledger{store: store, active: active}
}

// Transition atomically closes the instance's open history row at
// startTime and opens a new row with the given status. When lastHistory is
// nil the current open row is looked up inside the transaction. Contract
// violations abort with no partial writes.
func (l *Ledger) Transition(ctx context.Context, instance *model.Instance, statusName, activity string, sizeID int64, extra map[string]string, startTime time.Time, lastHistory *model.InstanceStatusHistory) (*model.InstanceStatusHistory, error) {
	var created *model.InstanceStatusHistory
	err := l.store.WithTx(ctx, func(tx Store) error {
		last := lastHistory
		if last == nil {
			var err error
			last, err = tx.LastHistory(ctx, instance.ID)
			if err != nil {
				return fmt.Errorf("lookup last history: %w", err)
			}
			if last == nil {
				return fmt.Errorf("instance %d: %w", instance.ID, ErrNoOpenHistory)
			}
		}
		if last.EndDate != nil {
			return fmt.Errorf("history %d: %w", last.ID, ErrHistoryClosed)
		}

		if err := tx.CloseHistory(ctx, last.ID, startTime); err != nil {
			return fmt.Errorf("close history %d: %w", last.ID, err)
		}
		next, err := tx.InsertHistory(ctx, &model.InstanceStatusHistory{
			InstanceID: instance.ID,
			SizeID:     sizeID,
			Status:     statusName,
			Activity:   activity,
			StartDate:  startTime,
			Extra:      extra,
		})
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		log.Info().
			Str("user", instance.CreatedBy).
			Str("instance", instance.ProviderAlias).
			Str("old_status", last.Status).
			Str("new_status", next.Status).
			Time("at", startTime).
			Msg("instance status transition")
		created = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockConflict) {
			log.Error().Err(err).Int64("instance_id", instance.ID).
				Msg("status transition abandoned: lock held by another transaction")
			return nil, ErrLockConflict
		}
		return nil, err
	}
	return created, nil
}

// Previous returns the chronologically preceding row. ErrBoundary signals
// the first row of the chain.
func (l *Ledger) Previous(ctx context.Context, row *model.InstanceStatusHistory) (*model.InstanceStatusHistory, error) {
	inst, err := l.store.Instance(ctx, row.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.StartDate.Equal(row.StartDate) {
		return nil, fmt.Errorf("instance %s first state: %w", inst.ProviderAlias, ErrBoundary)
	}
	prev, err := l.store.RowBefore(ctx, row.InstanceID, row.StartDate)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("instance %s before %s: %w", inst.ProviderAlias, row.StartDate, ErrChainBroken)
	}
	return prev, nil
}

// Next returns the chronologically following row. ErrBoundary signals the
// final row; an ended instance with an open row is surfaced as ErrChainLeak.
func (l *Ledger) Next(ctx context.Context, row *model.InstanceStatusHistory) (*model.InstanceStatusHistory, error) {
	inst, err := l.store.Instance(ctx, row.InstanceID)
	if err != nil {
		return nil, err
	}
	if row.EndDate == nil {
		if inst.EndDate != nil {
			return nil, fmt.Errorf("instance %s ended at %s: %w", inst.ProviderAlias, inst.EndDate, ErrChainLeak)
		}
		return nil, fmt.Errorf("instance %s final state: %w", inst.ProviderAlias, ErrBoundary)
	}
	if inst.EndDate != nil && inst.EndDate.Equal(*row.EndDate) {
		return nil, fmt.Errorf("instance %s final state: %w", inst.ProviderAlias, ErrBoundary)
	}
	next, err := l.store.RowAfter(ctx, row.InstanceID, row.StartDate)
	if err != nil {
		return nil, err
	}
	if next == nil {
		// Final row whose end date drifted from the instance's.
		last, err := l.store.LastHistory(ctx, row.InstanceID)
		if err == nil && last != nil && last.ID == row.ID {
			return nil, fmt.Errorf("instance %s final state: %w", inst.ProviderAlias, ErrBoundary)
		}
		return nil, fmt.Errorf("instance %s after %s: %w", inst.ProviderAlias, row.StartDate, ErrChainBroken)
	}
	return next, nil
}

// ActiveTime returns the accounted running time of one row, clipped to the
// optional window. Rows whose status is not classified active contribute
// zero regardless of window.
func (l *Ledger) ActiveTime(row *model.InstanceStatusHistory, earliest, latest *time.Time) (time.Duration, time.Time, time.Time) {
	start, end := timeutil.ClipWindow(row.StartDate, row.EndDate, earliest, latest)

	// Inactive states are not counted against you.
	if !l.IsActive(row) {
		return 0, start, end
	}
	if row.StartDate.After(end) {
		return 0, start, end
	}
	return end.Sub(start), start, end
}

// IsActive reports whether the row's status is classified as running time.
func (l *Ledger) IsActive(row *model.InstanceStatusHistory) bool {
	return l.active[row.Status]
}

// ResolveConflict repairs an instance that accumulated multiple open rows:
// every open row is closed at resetTime and a single fresh row is opened
// with the cloud-reported status.
func (l *Ledger) ResolveConflict(ctx context.Context, instance *model.Instance, statusName string, sizeID int64, resetTime time.Time) (*model.InstanceStatusHistory, error) {
	var created *model.InstanceStatusHistory
	err := l.store.WithTx(ctx, func(tx Store) error {
		open, err := tx.OpenHistories(ctx, instance.ID)
		if err != nil {
			return err
		}
		for _, h := range open {
			if err := tx.CloseHistory(ctx, h.ID, resetTime); err != nil {
				return err
			}
		}
		created, err = tx.InsertHistory(ctx, &model.InstanceStatusHistory{
			InstanceID: instance.ID,
			SizeID:     sizeID,
			Status:     statusName,
			StartDate:  resetTime,
		})
		return err
	})
	return created, err
}

// BuildExtra assembles the structured fault payload stored on a history
// row. Only computed for statuses that surface deploy faults; malformed
// shapes are logged and skipped rather than failing the transition.
func BuildExtra(statusName string, fault map[string]string, deployFaultMessage, deployFaultTrace string) map[string]string {
	extra := map[string]string{}
	if statusName != "active" && statusName != "deploy_error" {
		return extra
	}
	if fault != nil {
		if msg, ok := fault["message"]; ok {
			extra["display_error"] = msg
			extra["traceback"] = fault["details"]
		} else {
			log.Warn().Interface("fault", fault).Msg("invalid fault payload: missing message")
		}
	}
	if deployFaultMessage != "" && deployFaultTrace != "" {
		extra["display_error"] = deployFaultMessage
		extra["traceback"] = deployFaultTrace
	} else if deployFaultMessage != "" || deployFaultTrace != "" {
		log.Warn().
			Str("deploy_fault_message", deployFaultMessage).
			Str("deploy_fault_trace", deployFaultTrace).
			Msg("invalid metadata: expected both deploy fault message and trace")
	}
	return extra
}
