package reconcile

import (
	"context"
	"fmt"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// MonitorInstances reconciles tracked instances against the provider's
// live servers: instances the cloud no longer reports are end-dated with
// their history chains closed, and instances that accumulated multiple
// open history rows are repaired from the cloud-reported status. Pass a
// user list to restrict the pass; nil means every identity on the
// provider. Returns how many live instances matched tracked ones.
func (m *Monitor) MonitorInstances(ctx context.Context, providerID int64, users []string) (int, error) {
	started := m.now()
	defer func() {
		passDuration.WithLabelValues(providerLabel(providerID), "monitor_instances").
			Observe(m.now().Sub(started).Seconds())
	}()

	provider, err := m.store.Provider(ctx, providerID)
	if err != nil {
		return 0, fmt.Errorf("lookup provider %d: %w", providerID, err)
	}
	src, err := m.sources.SourceFor(ctx, providerID)
	if err != nil {
		return 0, fmt.Errorf("cloud source for provider %d: %w", providerID, err)
	}
	servers, err := src.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list instances for provider %d: %w", providerID, err)
	}

	cache := newRunCache()
	tenantNames, err := cache.TenantNames(ctx, src)
	if err != nil {
		return 0, err
	}
	// Key the snapshot by owning project name so each identity only sees
	// its own servers.
	byProject := map[string]map[string]*cloud.Instance{}
	for _, server := range servers {
		name := tenantNames[server.OwnerID]
		if name == "" {
			continue
		}
		if byProject[name] == nil {
			byProject[name] = map[string]*cloud.Instance{}
		}
		byProject[name][server.ID] = server
	}

	identities, err := m.store.IdentitiesForProvider(ctx, providerID, users)
	if err != nil {
		return 0, err
	}

	seen := 0
	now := m.now()
	for _, identity := range identities {
		liveServers := byProject[identity.ProjectName]
		tracked, err := m.store.CurrentInstancesForIdentity(ctx, identity.ID)
		if err != nil {
			return seen, err
		}
		for _, inst := range tracked {
			server, ok := liveServers[inst.ProviderAlias]
			if !ok {
				if err := m.store.EndDateInstanceAll(ctx, inst.ID, now); err != nil {
					return seen, fmt.Errorf("end-date instance %s: %w", inst.ProviderAlias, err)
				}
				instancesEndDated.WithLabelValues(provider.Name).Inc()
				log.Info().Str("provider", provider.Name).Str("instance", inst.ProviderAlias).
					Str("user", inst.CreatedBy).Msg("instance end-dated: gone from cloud")
				continue
			}
			seen++
			if err := m.repairHistoryConflict(ctx, providerID, inst, server); err != nil {
				log.Error().Err(err).Str("instance", inst.ProviderAlias).
					Msg("history conflict repair failed")
			}
		}
	}

	log.Info().Str("provider", provider.Name).Int("instances", seen).
		Msg("instance monitor complete")
	return seen, nil
}

// repairHistoryConflict collapses multiple open history rows down to a
// single fresh row carrying the cloud-reported status.
func (m *Monitor) repairHistoryConflict(ctx context.Context, providerID int64, inst *model.Instance, server *cloud.Instance) error {
	open, err := m.store.OpenHistoryCount(ctx, inst.ID)
	if err != nil {
		return err
	}
	if open <= 1 {
		return nil
	}
	var sizeID int64
	if server.SizeID != "" {
		size, err := m.store.SizeByAlias(ctx, providerID, server.SizeID)
		if err != nil {
			return err
		}
		if size != nil {
			sizeID = size.ID
		}
	}
	log.Warn().Str("instance", inst.ProviderAlias).Int("open_rows", open).
		Str("status", server.Status).Msg("resolving history conflict")
	_, err = m.ledger.ResolveConflict(ctx, inst, server.Status, sizeID, m.now())
	return err
}
