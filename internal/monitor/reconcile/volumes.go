package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// MonitorVolumes folds the provider's volume snapshot into the store and
// end-dates volumes the cloud no longer reports. Returns the identifiers
// seen in the snapshot.
func (m *Monitor) MonitorVolumes(ctx context.Context, providerID int64) ([]string, error) {
	started := m.now()
	defer func() {
		passDuration.WithLabelValues(providerLabel(providerID), "monitor_volumes").
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
	volumes, err := src.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volumes for provider %d: %w", providerID, err)
	}

	cache := newRunCache()
	tenantNames, err := cache.TenantNames(ctx, src)
	if err != nil {
		return nil, err
	}

	seen := make([]string, 0, len(volumes))
	cloudIDs := make(map[string]bool, len(volumes))
	for _, vol := range volumes {
		cloudIDs[vol.ID] = true
		projectName := tenantNames[vol.TenantID]
		if projectName == "" {
			log.Warn().Str("volume", vol.ID).Str("tenant_id", vol.TenantID).
				Msg("volume tenant unknown, skipping")
			continue
		}
		identity, err := m.store.IdentityByProjectName(ctx, providerID, projectName)
		if err != nil {
			return seen, err
		}
		if identity == nil {
			// Tenants with no tracked identity are outside our accounting.
			log.Debug().Str("volume", vol.ID).Str("project", projectName).
				Msg("no identity for volume tenant, skipping")
			continue
		}
		if _, err := m.store.UpsertVolume(ctx, providerID, vol, identity); err != nil {
			return seen, fmt.Errorf("upsert volume %s: %w", vol.ID, err)
		}
		seen = append(seen, vol.ID)
	}

	current, err := m.store.CurrentVolumes(ctx, providerID)
	if err != nil {
		return seen, err
	}
	now := m.now()
	for _, dbVol := range current {
		if cloudIDs[dbVol.Source.Identifier] {
			continue
		}
		if err := m.store.EndDateVolume(ctx, dbVol.ID, now); err != nil {
			return seen, fmt.Errorf("end-date volume %s: %w", dbVol.Source.Identifier, err)
		}
		log.Info().Str("provider", provider.Name).Str("identifier", dbVol.Source.Identifier).
			Msg("volume end-dated: gone from cloud")
	}

	log.Info().Str("provider", provider.Name).Int("volumes", len(seen)).
		Msg("volume monitor complete")
	return seen, nil
}
