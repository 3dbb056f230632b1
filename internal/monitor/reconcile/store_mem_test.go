package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
)

// memStore is the in-memory Store used by the engine tests.
type memStore struct {
	providers  map[int64]*model.Provider
	machines   map[int64]*model.ProviderMachine
	versions   map[int64]*model.ApplicationVersion
	apps       map[int64]*model.Application
	volumes    map[int64]*model.Volume
	sizes      map[int64]*model.Size
	instances  map[int64]*model.Instance
	identities map[int64]*model.Identity
	groups     map[int64]*model.Group

	machineMembers map[int64]map[int64]bool
	versionMembers map[int64]map[int64]bool
	appMembers     map[int64]map[int64]bool

	requests     map[string]*model.MachineRequest
	patternUsers map[int64][]string
	openHist     map[int64]int

	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		providers:      map[int64]*model.Provider{},
		machines:       map[int64]*model.ProviderMachine{},
		versions:       map[int64]*model.ApplicationVersion{},
		apps:           map[int64]*model.Application{},
		volumes:        map[int64]*model.Volume{},
		sizes:          map[int64]*model.Size{},
		instances:      map[int64]*model.Instance{},
		identities:     map[int64]*model.Identity{},
		groups:         map[int64]*model.Group{},
		machineMembers: map[int64]map[int64]bool{},
		versionMembers: map[int64]map[int64]bool{},
		appMembers:     map[int64]map[int64]bool{},
		requests:       map[string]*model.MachineRequest{},
		patternUsers:   map[int64][]string{},
		openHist:       map[int64]int{},
		nextID:         1,
	}
}

func (m *memStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *memStore) Provider(ctx context.Context, id int64) (*model.Provider, error) {
	return m.providers[id], nil
}

func (m *memStore) ActiveProviders(ctx context.Context) ([]*model.Provider, error) {
	var out []*model.Provider
	for _, p := range m.providers {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CurrentMachines(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error) {
	var out []*model.ProviderMachine
	for _, pm := range m.machines {
		if pm.Source.ProviderID == providerID && pm.Source.EndDate == nil {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Identifier < out[j].Source.Identifier })
	return out, nil
}

func (m *memStore) MachinesInRange(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error) {
	return m.CurrentMachines(ctx, providerID)
}

func (m *memStore) MachineByIdentifier(ctx context.Context, providerID int64, identifier string) (*model.ProviderMachine, error) {
	for _, pm := range m.machines {
		if pm.Source.ProviderID == providerID && pm.Source.Identifier == identifier {
			return pm, nil
		}
	}
	return nil, nil
}

func (m *memStore) Application(ctx context.Context, id int64) (*model.Application, error) {
	return m.apps[id], nil
}

func (m *memStore) UpsertMachine(ctx context.Context, provider *model.Provider, image *cloud.Image, ownerName string) (*model.ProviderMachine, bool, error) {
	if pm, _ := m.MachineByIdentifier(ctx, provider.ID, image.ID); pm != nil {
		return pm, false, nil
	}
	appName := image.Get("application_name")
	if appName == "" {
		appName = image.Name
	}
	var app *model.Application
	for _, a := range m.apps {
		if a.Name == appName && a.EndDate == nil {
			app = a
			break
		}
	}
	if app == nil {
		app = &model.Application{ID: m.id(), Name: appName, CreatedBy: ownerName,
			Private: image.Visibility != "public", StartDate: image.CreatedAt}
		m.apps[app.ID] = app
	}
	var version *model.ApplicationVersion
	for _, v := range m.versions {
		if v.ApplicationID == app.ID && v.EndDate == nil {
			version = v
			break
		}
	}
	if version == nil {
		version = &model.ApplicationVersion{ID: m.id(), Name: "1.0", ApplicationID: app.ID, StartDate: image.CreatedAt}
		m.versions[version.ID] = version
	}
	pm := &model.ProviderMachine{
		ID: m.id(),
		Source: model.InstanceSource{
			ID: m.id(), Identifier: image.ID, ProviderID: provider.ID,
			CreatedBy: ownerName, StartDate: image.CreatedAt,
		},
		VersionID:     version.ID,
		ApplicationID: app.ID,
	}
	m.machines[pm.ID] = pm
	return pm, true, nil
}

func (m *memStore) EndDateMachine(ctx context.Context, machineID int64, at time.Time) error {
	if pm := m.machines[machineID]; pm != nil && pm.Source.EndDate == nil {
		t := at
		pm.Source.EndDate = &t
	}
	return nil
}

func (m *memStore) EndDateVersion(ctx context.Context, versionID int64, at time.Time) error {
	if v := m.versions[versionID]; v != nil && v.EndDate == nil {
		t := at
		v.EndDate = &t
	}
	return nil
}

func (m *memStore) EndDateApplication(ctx context.Context, applicationID int64, at time.Time) error {
	if a := m.apps[applicationID]; a != nil && a.EndDate == nil {
		t := at
		a.EndDate = &t
	}
	return nil
}

func (m *memStore) CurrentMachineCount(ctx context.Context, versionID int64, at time.Time) (int, error) {
	n := 0
	for _, pm := range m.machines {
		if pm.VersionID == versionID && pm.Source.Current(at) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CurrentVersionCount(ctx context.Context, applicationID int64, at time.Time) (int, error) {
	n := 0
	for _, v := range m.versions {
		if v.ApplicationID == applicationID && (v.EndDate == nil || v.EndDate.After(at)) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) VersionsWithoutMachines(ctx context.Context) ([]int64, error) {
	var out []int64
	for _, v := range m.versions {
		if v.EndDate != nil {
			continue
		}
		found := false
		for _, pm := range m.machines {
			if pm.VersionID == v.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v.ID)
		}
	}
	return out, nil
}

func (m *memStore) ApplicationsWithoutVersions(ctx context.Context) ([]int64, error) {
	var out []int64
	for _, a := range m.apps {
		if a.EndDate != nil {
			continue
		}
		found := false
		for _, v := range m.versions {
			if v.ApplicationID == a.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (m *memStore) ApplicationsWithOnlyInactiveVersions(ctx context.Context, at time.Time) ([]int64, error) {
	var out []int64
	for _, a := range m.apps {
		if a.EndDate != nil {
			continue
		}
		total, live := 0, 0
		for _, v := range m.versions {
			if v.ApplicationID != a.ID {
				continue
			}
			total++
			if v.EndDate == nil || v.EndDate.After(at) {
				live++
			}
		}
		if total > 0 && live == 0 {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (m *memStore) refs(set map[int64]bool) []MemberRef {
	var out []MemberRef
	for gid := range set {
		out = append(out, MemberRef{GroupID: gid, GroupName: m.groups[gid].Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupName < out[j].GroupName })
	return out
}

func (m *memStore) MachineMembers(ctx context.Context, machineID int64) ([]MemberRef, error) {
	return m.refs(m.machineMembers[machineID]), nil
}

func (m *memStore) VersionMembers(ctx context.Context, versionID int64) ([]MemberRef, error) {
	return m.refs(m.versionMembers[versionID]), nil
}

func (m *memStore) ApplicationMembers(ctx context.Context, applicationID int64) ([]MemberRef, error) {
	return m.refs(m.appMembers[applicationID]), nil
}

func (m *memStore) GroupsByNames(ctx context.Context, names []string) ([]*model.Group, error) {
	var out []*model.Group
	for _, name := range names {
		for _, g := range m.groups {
			if g.Name == name || g.ProjectName == name {
				out = append(out, g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GroupsForMachine(ctx context.Context, machineID int64) ([]*model.Group, error) {
	var out []*model.Group
	for gid := range m.machineMembers[machineID] {
		out = append(out, m.groups[gid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func addMember(set map[int64]map[int64]bool, resourceID, groupID int64) bool {
	if set[resourceID] == nil {
		set[resourceID] = map[int64]bool{}
	}
	if set[resourceID][groupID] {
		return false
	}
	set[resourceID][groupID] = true
	return true
}

func (m *memStore) AddMachineMembership(ctx context.Context, machineID, groupID int64) (bool, error) {
	return addMember(m.machineMembers, machineID, groupID), nil
}

func (m *memStore) AddVersionMembership(ctx context.Context, versionID, groupID int64) (bool, error) {
	return addMember(m.versionMembers, versionID, groupID), nil
}

func (m *memStore) AddApplicationMembership(ctx context.Context, applicationID, groupID int64) (bool, error) {
	return addMember(m.appMembers, applicationID, groupID), nil
}

func (m *memStore) RemoveMachineMembership(ctx context.Context, machineID, groupID int64) error {
	delete(m.machineMembers[machineID], groupID)
	return nil
}

func (m *memStore) RemoveVersionMembership(ctx context.Context, versionID, groupID int64) error {
	delete(m.versionMembers[versionID], groupID)
	return nil
}

func (m *memStore) RemoveApplicationMembership(ctx context.Context, applicationID, groupID int64) error {
	delete(m.appMembers[applicationID], groupID)
	return nil
}

func (m *memStore) LastCompletedMachineRequest(ctx context.Context, identifier string) (*model.MachineRequest, error) {
	return m.requests[identifier], nil
}

func (m *memStore) PatternMatchedUsernames(ctx context.Context, applicationID int64) ([]string, error) {
	return m.patternUsers[applicationID], nil
}

func (m *memStore) CurrentVolumes(ctx context.Context, providerID int64) ([]*model.Volume, error) {
	var out []*model.Volume
	for _, v := range m.volumes {
		if v.Source.ProviderID == providerID && v.Source.EndDate == nil {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Identifier < out[j].Source.Identifier })
	return out, nil
}

func (m *memStore) UpsertVolume(ctx context.Context, providerID int64, vol *cloud.Volume, identity *model.Identity) (*model.Volume, error) {
	for _, v := range m.volumes {
		if v.Source.ProviderID == providerID && v.Source.Identifier == vol.ID {
			v.Name = vol.Name
			v.SizeGB = vol.Size
			return v, nil
		}
	}
	v := &model.Volume{
		ID: m.id(),
		Source: model.InstanceSource{
			ID: m.id(), Identifier: vol.ID, ProviderID: providerID,
			CreatedBy: identity.CreatedBy, StartDate: vol.CreatedAt,
		},
		Name: vol.Name, SizeGB: vol.Size,
	}
	m.volumes[v.ID] = v
	return v, nil
}

func (m *memStore) EndDateVolume(ctx context.Context, volumeID int64, at time.Time) error {
	if v := m.volumes[volumeID]; v != nil && v.Source.EndDate == nil {
		t := at
		v.Source.EndDate = &t
	}
	return nil
}

func (m *memStore) IdentityByProjectName(ctx context.Context, providerID int64, projectName string) (*model.Identity, error) {
	for _, ident := range m.identities {
		if ident.ProviderID == providerID && ident.ProjectName == projectName {
			return ident, nil
		}
	}
	return nil, nil
}

func (m *memStore) CurrentSizes(ctx context.Context, providerID int64) ([]*model.Size, error) {
	var out []*model.Size
	for _, sz := range m.sizes {
		if sz.ProviderID == providerID && sz.EndDate == nil {
			out = append(out, sz)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (m *memStore) UnknownSizes(ctx context.Context, providerID int64) ([]*model.Size, error) {
	var out []*model.Size
	for _, sz := range m.sizes {
		if sz.ProviderID == providerID && sz.EndDate == nil && strings.HasPrefix(sz.Name, unknownSizePrefix) {
			out = append(out, sz)
		}
	}
	return out, nil
}

func (m *memStore) UpsertSize(ctx context.Context, providerID int64, size *cloud.Size) (*model.Size, error) {
	for _, sz := range m.sizes {
		if sz.ProviderID == providerID && sz.Alias == size.ID && sz.EndDate == nil {
			sz.Name = size.Name
			sz.CPU = size.CPU
			sz.MemMB = size.MemMB
			sz.DiskGB = size.DiskGB
			return sz, nil
		}
	}
	sz := &model.Size{ID: m.id(), ProviderID: providerID, Alias: size.ID, Name: size.Name,
		CPU: size.CPU, MemMB: size.MemMB, DiskGB: size.DiskGB}
	m.sizes[sz.ID] = sz
	return sz, nil
}

func (m *memStore) EndDateSize(ctx context.Context, sizeID int64, at time.Time) error {
	if sz := m.sizes[sizeID]; sz != nil && sz.EndDate == nil {
		t := at
		sz.EndDate = &t
	}
	return nil
}

func (m *memStore) SizeByAlias(ctx context.Context, providerID int64, alias string) (*model.Size, error) {
	for _, sz := range m.sizes {
		if sz.ProviderID == providerID && sz.Alias == alias && sz.EndDate == nil {
			return sz, nil
		}
	}
	return nil, nil
}

func (m *memStore) IdentitiesForProvider(ctx context.Context, providerID int64, users []string) ([]*model.Identity, error) {
	want := map[string]bool{}
	for _, u := range users {
		want[u] = true
	}
	var out []*model.Identity
	for _, ident := range m.identities {
		if ident.ProviderID != providerID {
			continue
		}
		if len(want) > 0 && !want[ident.CreatedBy] {
			continue
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CurrentInstancesForIdentity(ctx context.Context, identityID int64) ([]*model.Instance, error) {
	var out []*model.Instance
	for _, inst := range m.instances {
		if inst.IdentityID == identityID && inst.EndDate == nil {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderAlias < out[j].ProviderAlias })
	return out, nil
}

func (m *memStore) EndDateInstanceAll(ctx context.Context, instanceID int64, at time.Time) error {
	if inst := m.instances[instanceID]; inst != nil && inst.EndDate == nil {
		t := at
		inst.EndDate = &t
	}
	m.openHist[instanceID] = 0
	return nil
}

func (m *memStore) OpenHistoryCount(ctx context.Context, instanceID int64) (int, error) {
	return m.openHist[instanceID], nil
}
