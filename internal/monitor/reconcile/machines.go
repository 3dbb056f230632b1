package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// PruneResult summarizes one prune pass.
type PruneResult struct {
	MachinesEndDated     int
	VersionsEndDated     int
	ApplicationsEndDated int
	MembershipsRemoved   int
}

// PruneMachines end-dates machines whose cloud image no longer exists,
// cascading up to versions and applications, then runs the consistency
// sweeps and the membership cleanup. Steps always run in the same order so
// a sweep never observes a half-applied cascade.
func (m *Monitor) PruneMachines(ctx context.Context, providerID int64, opts MachineOpts) (*PruneResult, error) {
	started := m.now()
	defer func() {
		passDuration.WithLabelValues(providerLabel(providerID), "prune_machines").
			Observe(m.now().Sub(started).Seconds())
	}()

	provider, err := m.store.Provider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("lookup provider %d: %w", providerID, err)
	}

	var dbMachines []*model.ProviderMachine
	cloudIDs := map[string]bool{}
	if provider.Active {
		dbMachines, err = m.store.CurrentMachines(ctx, providerID)
		if err != nil {
			return nil, err
		}
		src, err := m.sources.SourceFor(ctx, providerID)
		if err != nil {
			return nil, fmt.Errorf("cloud source for provider %d: %w", providerID, err)
		}
		images, err := src.ListImages(ctx)
		if err != nil {
			return nil, fmt.Errorf("list images for provider %d: %w", providerID, err)
		}
		for _, img := range images {
			// A validator-rejected image counts as absent, so its machine
			// gets end-dated like any other orphan.
			if opts.Validate && m.validator != nil && !m.validator.Validate(img) {
				log.Debug().Str("image", img.ID).Str("validator", m.validator.Name()).
					Msg("image rejected by validator, treated as absent")
				continue
			}
			cloudIDs[img.ID] = true
		}
		// An empty snapshot from a live provider is far more likely an
		// outage than a mass deletion. Refuse to prune unless forced. The
		// guard keys on the raw snapshot: a list the validator emptied out
		// is a deliberate result, not an outage.
		if len(images) == 0 && len(dbMachines) > 0 && !opts.ForcedRemoval {
			log.Warn().Str("provider", provider.Name).Int("db_machines", len(dbMachines)).
				Msg("empty image snapshot, skipping prune")
			return &PruneResult{}, nil
		}
	} else {
		// Inactive provider: everything it ever hosted gets end-dated.
		dbMachines, err = m.store.MachinesInRange(ctx, providerID)
		if err != nil {
			return nil, err
		}
	}

	res := &PruneResult{}
	now := m.now()
	for _, machine := range dbMachines {
		if cloudIDs[machine.Source.Identifier] {
			continue
		}
		if opts.DryRun {
			log.Info().Str("identifier", machine.Source.Identifier).Msg("dry run: would end-date machine")
			continue
		}
		if err := m.removeMachine(ctx, provider, machine, now, res); err != nil {
			return res, err
		}
	}

	if !opts.DryRun {
		if err := m.sweep(ctx, provider, now, res); err != nil {
			return res, err
		}
		removed, err := m.cleanMemberships(ctx, providerID)
		if err != nil {
			return res, err
		}
		res.MembershipsRemoved = removed
	}

	log.Info().Str("provider", provider.Name).
		Int("machines", res.MachinesEndDated).
		Int("versions", res.VersionsEndDated).
		Int("applications", res.ApplicationsEndDated).
		Int("memberships_removed", res.MembershipsRemoved).
		Msg("machine prune complete")
	return res, nil
}

// removeMachine end-dates one machine and cascades upward: the version goes
// when its last machine goes, the application when its last version goes.
// The cascade stops at the first level that still has a surviving child.
func (m *Monitor) removeMachine(ctx context.Context, provider *model.Provider, machine *model.ProviderMachine, at time.Time, res *PruneResult) error {
	if err := m.store.EndDateMachine(ctx, machine.ID, at); err != nil {
		return fmt.Errorf("end-date machine %s: %w", machine.Source.Identifier, err)
	}
	res.MachinesEndDated++
	machinesEndDated.WithLabelValues(provider.Name).Inc()
	log.Info().Str("provider", provider.Name).Str("identifier", machine.Source.Identifier).
		Msg("machine end-dated: image gone from cloud")

	remaining, err := m.store.CurrentMachineCount(ctx, machine.VersionID, at)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if err := m.store.EndDateVersion(ctx, machine.VersionID, at); err != nil {
		return fmt.Errorf("end-date version %d: %w", machine.VersionID, err)
	}
	res.VersionsEndDated++
	versionsEndDated.WithLabelValues(provider.Name).Inc()

	versions, err := m.store.CurrentVersionCount(ctx, machine.ApplicationID, at)
	if err != nil {
		return err
	}
	if versions > 0 {
		return nil
	}
	if err := m.store.EndDateApplication(ctx, machine.ApplicationID, at); err != nil {
		return fmt.Errorf("end-date application %d: %w", machine.ApplicationID, err)
	}
	res.ApplicationsEndDated++
	applicationsEndDated.WithLabelValues(provider.Name).Inc()
	return nil
}

// sweep catches records other write paths left inconsistent: versions with
// no machines at all, applications with no versions, and applications
// whose versions are all end-dated while the application itself is not.
func (m *Monitor) sweep(ctx context.Context, provider *model.Provider, at time.Time, res *PruneResult) error {
	versionIDs, err := m.store.VersionsWithoutMachines(ctx)
	if err != nil {
		return err
	}
	for _, id := range versionIDs {
		if err := m.store.EndDateVersion(ctx, id, at); err != nil {
			return err
		}
		res.VersionsEndDated++
		versionsEndDated.WithLabelValues(provider.Name).Inc()
	}

	appIDs, err := m.store.ApplicationsWithoutVersions(ctx)
	if err != nil {
		return err
	}
	stale, err := m.store.ApplicationsWithOnlyInactiveVersions(ctx, at)
	if err != nil {
		return err
	}
	appIDs = append(appIDs, stale...)
	for _, id := range appIDs {
		if err := m.store.EndDateApplication(ctx, id, at); err != nil {
			return err
		}
		res.ApplicationsEndDated++
		applicationsEndDated.WithLabelValues(provider.Name).Inc()
	}
	return nil
}

// MonitorMachines folds the provider's image snapshot into the store:
// unseen images become machines, and each image's shared-access set is
// re-derived and applied additively.
func (m *Monitor) MonitorMachines(ctx context.Context, providerID int64, opts MachineOpts) ([]*model.ProviderMachine, error) {
	started := m.now()
	defer func() {
		passDuration.WithLabelValues(providerLabel(providerID), "monitor_machines").
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
	images, err := src.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images for provider %d: %w", providerID, err)
	}
	if len(opts.LimitMachines) > 0 {
		keep := make(map[string]bool, len(opts.LimitMachines))
		for _, id := range opts.LimitMachines {
			keep[id] = true
		}
		var filtered []*cloud.Image
		for _, img := range images {
			if keep[img.ID] {
				filtered = append(filtered, img)
			}
		}
		images = filtered
	}

	cache := newRunCache()
	var machines []*model.ProviderMachine
	for _, img := range images {
		if opts.Validate && m.validator != nil && !m.validator.Validate(img) {
			log.Debug().Str("image", img.ID).Str("validator", m.validator.Name()).
				Msg("image rejected by validator")
			continue
		}
		machine, err := m.registerImage(ctx, src, cache, provider, img)
		if err != nil {
			// One broken image must not abort the whole snapshot.
			log.Error().Err(err).Str("image", img.ID).Str("provider", provider.Name).
				Msg("failed to register image")
			continue
		}
		machines = append(machines, machine)
	}
	log.Info().Str("provider", provider.Name).Int("machines", len(machines)).
		Msg("machine monitor complete")
	return machines, nil
}

func (m *Monitor) registerImage(ctx context.Context, src cloud.SnapshotSource, cache *RunCache, provider *model.Provider, img *cloud.Image) (*model.ProviderMachine, error) {
	ownerName, err := m.ownerName(ctx, src, cache, img)
	if err != nil {
		return nil, err
	}
	machine, created, err := m.store.UpsertMachine(ctx, provider, img, ownerName)
	if err != nil {
		return nil, err
	}
	if created {
		machinesDiscovered.WithLabelValues(provider.Name).Inc()
		log.Info().Str("provider", provider.Name).Str("identifier", img.ID).
			Str("owner", ownerName).Msg("new machine registered")
	}
	if err := m.updateImageMembership(ctx, src, cache, provider, machine, img, ownerName); err != nil {
		return nil, err
	}
	if m.enforcing {
		if err := m.distributeImageMembership(ctx, src, machine, img); err != nil {
			return nil, err
		}
	}
	return machine, nil
}

// ownerName resolves the image's owning project name, preferring the live
// tenant map and falling back to the imaging service's recorded owner.
func (m *Monitor) ownerName(ctx context.Context, src cloud.SnapshotSource, cache *RunCache, img *cloud.Image) (string, error) {
	if img.Owner != "" {
		names, err := cache.TenantNames(ctx, src)
		if err != nil {
			return "", err
		}
		if name, ok := names[img.Owner]; ok {
			return name, nil
		}
	}
	if img.ApplicationOwner != "" {
		return img.ApplicationOwner, nil
	}
	return "", fmt.Errorf("image %s: no resolvable owner", img.ID)
}

func providerLabel(id int64) string { return strconv.FormatInt(id, 10) }
