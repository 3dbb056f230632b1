package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// unknownSizePrefix marks placeholder sizes created when a history row
// referenced a flavor the store had never seen.
const unknownSizePrefix = "Unknown Size"

// MonitorSizes folds the provider's flavor snapshot into the store,
// end-dates flavors the cloud dropped, and re-resolves placeholder sizes.
func (m *Monitor) MonitorSizes(ctx context.Context, providerID int64) ([]*model.Size, error) {
	started := m.now()
	defer func() {
		passDuration.WithLabelValues(providerLabel(providerID), "monitor_sizes").
			Observe(m.now().Sub(started).Seconds())
	}()

	provider, err := m.store.Provider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("lookup provider %d: %w", providerID, err)
	}
	src, err := m.sources.SourceFor(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("cloud source for provider %d: %w", providerID, err)
	}
	cloudSizes, err := src.ListSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sizes for provider %d: %w", providerID, err)
	}

	seen := make([]*model.Size, 0, len(cloudSizes))
	cloudIDs := make(map[string]bool, len(cloudSizes))
	for _, cs := range cloudSizes {
		cloudIDs[cs.ID] = true
		size, err := m.store.UpsertSize(ctx, providerID, cs)
		if err != nil {
			return seen, fmt.Errorf("upsert size %s: %w", cs.ID, err)
		}
		seen = append(seen, size)
	}

	now := m.now()
	current, err := m.store.CurrentSizes(ctx, providerID)
	if err != nil {
		return seen, err
	}
	for _, dbSize := range current {
		if cloudIDs[dbSize.Alias] {
			continue
		}
		if err := m.store.EndDateSize(ctx, dbSize.ID, now); err != nil {
			return seen, fmt.Errorf("end-date size %s: %w", dbSize.Alias, err)
		}
		log.Info().Str("provider", provider.Name).Str("alias", dbSize.Alias).
			Str("name", dbSize.Name).Msg("size end-dated: flavor gone from cloud")
	}

	if err := m.repairUnknownSizes(ctx, src, provider, now); err != nil {
		return seen, err
	}

	log.Info().Str("provider", provider.Name).Int("sizes", len(seen)).
		Msg("size monitor complete")
	return seen, nil
}

// repairUnknownSizes re-queries the cloud for placeholder sizes. A flavor
// found gets its real name and specs; a 404 means it was deleted before we
// ever saw it, so the placeholder is end-dated.
func (m *Monitor) repairUnknownSizes(ctx context.Context, src cloud.SnapshotSource, provider *model.Provider, now time.Time) error {
	placeholders, err := m.store.UnknownSizes(ctx, provider.ID)
	if err != nil {
		return err
	}
	for _, p := range placeholders {
		if !strings.HasPrefix(p.Name, unknownSizePrefix) {
			continue
		}
		cs, err := src.GetSize(ctx, p.Alias)
		if err != nil {
			if errors.Is(err, cloud.ErrNotFound) {
				if err := m.store.EndDateSize(ctx, p.ID, now); err != nil {
					return err
				}
				log.Info().Str("provider", provider.Name).Str("alias", p.Alias).
					Msg("placeholder size end-dated: flavor deleted")
				continue
			}
			return fmt.Errorf("re-lookup size %s: %w", p.Alias, err)
		}
		if _, err := m.store.UpsertSize(ctx, provider.ID, cs); err != nil {
			return err
		}
		log.Info().Str("provider", provider.Name).Str("alias", p.Alias).
			Str("name", cs.Name).Msg("placeholder size resolved")
	}
	return nil
}
