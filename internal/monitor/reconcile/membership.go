package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// updateImageMembership re-derives the shared-access set for one machine
// and applies it additively at all three granularities. Absence from the
// derived union never removes anybody; removal happens only through the
// corrupted-set reset.
func (m *Monitor) updateImageMembership(ctx context.Context, src cloud.SnapshotSource, cache *RunCache, provider *model.Provider, machine *model.ProviderMachine, img *cloud.Image, ownerName string) error {
	// Public images are open to everyone; tracked membership would be noise.
	if img.Visibility == "public" {
		return nil
	}

	names := map[string]bool{ownerName: true}

	if img.Visibility == "shared" {
		members, err := src.GetImageMembers(ctx, img.ID)
		if err != nil {
			return fmt.Errorf("image members for %s: %w", img.ID, err)
		}
		tenantNames, err := cache.TenantNames(ctx, src)
		if err != nil {
			return err
		}
		for _, member := range members {
			if name, ok := tenantNames[member.MemberID]; ok {
				names[name] = true
			}
		}
	}

	for _, username := range m.lastApprovedAccessList(ctx, machine.Source.Identifier) {
		names[username] = true
	}

	patternUsers, err := m.store.PatternMatchedUsernames(ctx, machine.ApplicationID)
	if err != nil {
		return err
	}
	for _, username := range patternUsers {
		names[username] = true
	}

	// Group names are equated with cloud project names; names with no
	// matching group are users the account system has not provisioned yet.
	groups, err := m.store.GroupsByNames(ctx, sortedKeys(names))
	if err != nil {
		return err
	}
	added := 0
	for _, g := range groups {
		created, err := m.store.AddMachineMembership(ctx, machine.ID, g.ID)
		if err != nil {
			return fmt.Errorf("add machine membership for group %s: %w", g.Name, err)
		}
		if created {
			added++
		}
		created, err = m.store.AddVersionMembership(ctx, machine.VersionID, g.ID)
		if err != nil {
			return fmt.Errorf("add version membership for group %s: %w", g.Name, err)
		}
		if created {
			added++
		}
		created, err = m.store.AddApplicationMembership(ctx, machine.ApplicationID, g.ID)
		if err != nil {
			return fmt.Errorf("add application membership for group %s: %w", g.Name, err)
		}
		if created {
			added++
		}
	}
	if added > 0 {
		membershipsAdded.WithLabelValues(provider.Name).Add(float64(added))
		log.Info().Str("identifier", machine.Source.Identifier).Int("added", added).
			Msg("image membership extended")
	}
	return nil
}

// lastApprovedAccessList returns the access list of the machine's last
// completed request, empty when no request ever completed.
func (m *Monitor) lastApprovedAccessList(ctx context.Context, identifier string) []string {
	req, err := m.store.LastCompletedMachineRequest(ctx, identifier)
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("machine request lookup failed")
		return nil
	}
	if req == nil {
		return nil
	}
	return req.AccessList
}

// cleanMemberships scans current machines for shared-access sets that grew
// past the corruption threshold and resets each one to the last approved
// access list. This is the only path that removes membership rows.
func (m *Monitor) cleanMemberships(ctx context.Context, providerID int64) (int, error) {
	provider, err := m.store.Provider(ctx, providerID)
	if err != nil {
		return 0, err
	}
	machines, err := m.store.CurrentMachines(ctx, providerID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, machine := range machines {
		n, err := m.cleanMachineMemberships(ctx, provider, machine)
		if err != nil {
			log.Error().Err(err).Str("identifier", machine.Source.Identifier).
				Msg("membership cleanup failed")
			continue
		}
		removed += n
	}
	return removed, nil
}

func (m *Monitor) cleanMachineMemberships(ctx context.Context, provider *model.Provider, machine *model.ProviderMachine) (int, error) {
	machineMembers, err := m.store.MachineMembers(ctx, machine.ID)
	if err != nil {
		return 0, err
	}
	versionMembers, err := m.store.VersionMembers(ctx, machine.VersionID)
	if err != nil {
		return 0, err
	}
	appMembers, err := m.store.ApplicationMembers(ctx, machine.ApplicationID)
	if err != nil {
		return 0, err
	}
	if len(machineMembers) <= m.memberThreshold &&
		len(versionMembers) <= m.memberThreshold &&
		len(appMembers) <= m.memberThreshold {
		return 0, nil
	}

	req, err := m.store.LastCompletedMachineRequest(ctx, machine.Source.Identifier)
	if err != nil {
		return 0, err
	}
	if req == nil {
		// No approved baseline to reset to; leave the set alone rather
		// than guessing.
		log.Warn().Str("identifier", machine.Source.Identifier).
			Int("machine_members", len(machineMembers)).
			Msg("membership over threshold but no completed request to reset from")
		return 0, nil
	}

	allowed := map[string]bool{}
	for _, username := range req.AccessList {
		allowed[username] = true
	}
	if app, err := m.store.Application(ctx, machine.ApplicationID); err == nil && app != nil {
		allowed[app.CreatedBy] = true
	}

	log.Warn().Str("provider", provider.Name).Str("identifier", machine.Source.Identifier).
		Int("machine_members", len(machineMembers)).
		Int("version_members", len(versionMembers)).
		Int("application_members", len(appMembers)).
		Int("threshold", m.memberThreshold).
		Msg("membership set corrupted, resetting to last approved access list")

	removed := 0
	for _, ref := range machineMembers {
		if allowed[ref.GroupName] {
			continue
		}
		if err := m.store.RemoveMachineMembership(ctx, machine.ID, ref.GroupID); err != nil {
			return removed, err
		}
		removed++
	}
	for _, ref := range versionMembers {
		if allowed[ref.GroupName] {
			continue
		}
		if err := m.store.RemoveVersionMembership(ctx, machine.VersionID, ref.GroupID); err != nil {
			return removed, err
		}
		removed++
	}
	for _, ref := range appMembers {
		if allowed[ref.GroupName] {
			continue
		}
		if err := m.store.RemoveApplicationMembership(ctx, machine.ApplicationID, ref.GroupID); err != nil {
			return removed, err
		}
		removed++
	}
	membershipsRepaired.WithLabelValues(provider.Name).Add(float64(removed))
	return removed, nil
}

// distributeImageMembership pushes the store's membership back to the
// cloud so every member group's project can see the image. Share grants
// that already exist are fine.
func (m *Monitor) distributeImageMembership(ctx context.Context, src cloud.SnapshotSource, machine *model.ProviderMachine, img *cloud.Image) error {
	groups, err := m.store.GroupsForMachine(ctx, machine.ID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		project := g.CloudProject()
		if err := src.Share(ctx, img.ID, project); err != nil {
			if cloud.IsConflict(err) {
				continue
			}
			return fmt.Errorf("share image %s with %s: %w", img.ID, project, err)
		}
		log.Info().Str("image", img.ID).Str("project", project).Msg("image shared with project")
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
