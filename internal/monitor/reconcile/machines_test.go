package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(minute int) time.Time {
	return time.Date(2021, 6, 1, 0, minute, 0, 0, time.UTC)
}

func newTestMonitor(store Store, src *cloud.FakeSource, cfg Config) *Monitor {
	m := New(store, &cloud.FakeFactory{Source: src}, plugins.BasicValidator{}, nil, cfg)
	m.now = func() time.Time { return ts(30) }
	return m
}

func seedProvider(s *memStore, id int64, active bool) *model.Provider {
	p := &model.Provider{ID: id, Name: "tucson-cloud", Type: "openstack", Active: active}
	s.providers[id] = p
	return p
}

// seedMachine wires up app -> version -> machine in one call, reusing the
// app and version when they already exist.
func seedMachine(s *memStore, providerID int64, appName, versionName, identifier string) *model.ProviderMachine {
	var app *model.Application
	for _, a := range s.apps {
		if a.Name == appName {
			app = a
			break
		}
	}
	if app == nil {
		app = &model.Application{ID: s.id(), Name: appName, CreatedBy: "alice", StartDate: ts(0)}
		s.apps[app.ID] = app
	}
	var version *model.ApplicationVersion
	for _, v := range s.versions {
		if v.ApplicationID == app.ID && v.Name == versionName {
			version = v
			break
		}
	}
	if version == nil {
		version = &model.ApplicationVersion{ID: s.id(), Name: versionName, ApplicationID: app.ID, StartDate: ts(0)}
		s.versions[version.ID] = version
	}
	pm := &model.ProviderMachine{
		ID: s.id(),
		Source: model.InstanceSource{
			ID: s.id(), Identifier: identifier, ProviderID: providerID,
			CreatedBy: "alice", StartDate: ts(0),
		},
		VersionID:     version.ID,
		ApplicationID: app.ID,
	}
	s.machines[pm.ID] = pm
	return pm
}

func activeImage(id, name string) *cloud.Image {
	return &cloud.Image{ID: id, Name: name, Status: "active", Visibility: "private",
		Owner: "proj-1", CreatedAt: ts(0)}
}

func TestPruneEndDatesOrphanedMachineOnly(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	m1 := seedMachine(store, 1, "ubuntu", "1.0", "img-1")
	m2 := seedMachine(store, 1, "ubuntu", "1.0", "img-2")

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-2", "ubuntu")}
	mon := newTestMonitor(store, src, Config{})

	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.MachinesEndDated)
	assert.NotNil(t, m1.Source.EndDate)
	assert.Nil(t, m2.Source.EndDate)
	// Version and application survive through the remaining machine.
	assert.Nil(t, store.versions[m1.VersionID].EndDate)
	assert.Nil(t, store.apps[m1.ApplicationID].EndDate)
}

func TestPruneCascadesThroughEmptyLevels(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	pm := seedMachine(store, 1, "ubuntu", "1.0", "img-1")

	src := cloud.NewFakeSource()
	mon := newTestMonitor(store, src, Config{})

	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{ForcedRemoval: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.MachinesEndDated)
	assert.Equal(t, 1, res.VersionsEndDated)
	assert.Equal(t, 1, res.ApplicationsEndDated)
	assert.NotNil(t, pm.Source.EndDate)
	assert.NotNil(t, store.versions[pm.VersionID].EndDate)
	assert.NotNil(t, store.apps[pm.ApplicationID].EndDate)
}

func TestPruneCascadeStopsAtSurvivingVersion(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	gone := seedMachine(store, 1, "ubuntu", "1.0", "img-old")
	kept := seedMachine(store, 1, "ubuntu", "2.0", "img-new")

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-new", "ubuntu")}
	mon := newTestMonitor(store, src, Config{})

	_, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)

	assert.NotNil(t, store.versions[gone.VersionID].EndDate)
	assert.Nil(t, store.versions[kept.VersionID].EndDate)
	// Application keeps living through version 2.0.
	assert.Nil(t, store.apps[gone.ApplicationID].EndDate)
}

func TestPruneIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	seedMachine(store, 1, "ubuntu", "1.0", "img-1")
	seedMachine(store, 1, "centos", "1.0", "img-2")

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-1", "ubuntu")}
	mon := newTestMonitor(store, src, Config{})

	first, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.MachinesEndDated)

	second, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.Zero(t, second.MachinesEndDated)
	assert.Zero(t, second.VersionsEndDated)
	assert.Zero(t, second.ApplicationsEndDated)
}

func TestPruneEndDatesValidatorRejectedImage(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	rejected := seedMachine(store, 1, "ubuntu", "1.0", "img-1")
	kept := seedMachine(store, 1, "centos", "1.0", "img-2")

	src := cloud.NewFakeSource()
	deactivated := activeImage("img-1", "ubuntu")
	deactivated.Status = "deactivated"
	src.Images = []*cloud.Image{deactivated, activeImage("img-2", "centos")}
	mon := newTestMonitor(store, src, Config{})

	// Without validation the image still counts as present.
	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.Zero(t, res.MachinesEndDated)
	assert.Nil(t, rejected.Source.EndDate)

	res, err = mon.PruneMachines(context.Background(), 1, MachineOpts{Validate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MachinesEndDated)
	assert.NotNil(t, rejected.Source.EndDate)
	assert.Nil(t, kept.Source.EndDate)
}

func TestPrunesWhenValidatorEmptiesSnapshot(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	pm := seedMachine(store, 1, "ubuntu", "1.0", "img-1")

	src := cloud.NewFakeSource()
	deactivated := activeImage("img-1", "ubuntu")
	deactivated.Status = "deactivated"
	src.Images = []*cloud.Image{deactivated}
	mon := newTestMonitor(store, src, Config{})

	// A non-empty snapshot the validator filtered down to nothing is a
	// deliberate result, not an outage, so the empty-snapshot guard does
	// not apply.
	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{Validate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MachinesEndDated)
	assert.NotNil(t, pm.Source.EndDate)
}

func TestPruneRefusesEmptySnapshotUnlessForced(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	pm := seedMachine(store, 1, "ubuntu", "1.0", "img-1")

	src := cloud.NewFakeSource()
	mon := newTestMonitor(store, src, Config{})

	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.Zero(t, res.MachinesEndDated)
	assert.Nil(t, pm.Source.EndDate, "empty snapshot must not prune without force")
}

func TestPruneDryRunWritesNothing(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	pm := seedMachine(store, 1, "ubuntu", "1.0", "img-1")

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-2", "other")}
	mon := newTestMonitor(store, src, Config{})

	res, err := mon.PruneMachines(context.Background(), 1, MachineOpts{DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, res.MachinesEndDated)
	assert.Nil(t, pm.Source.EndDate)
}

func TestPruneSweepsVersionlessApplication(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	seedMachine(store, 1, "ubuntu", "1.0", "img-1")
	// An application someone created with no versions at all.
	orphan := &model.Application{ID: store.id(), Name: "empty-app", CreatedBy: "bob", StartDate: ts(0)}
	store.apps[orphan.ID] = orphan

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-1", "ubuntu")}
	mon := newTestMonitor(store, src, Config{})

	_, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.NotNil(t, orphan.EndDate)
}

func TestPruneSweepsApplicationWithOnlyInactiveVersions(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)
	pm := seedMachine(store, 1, "ubuntu", "1.0", "img-1")
	// Version already end-dated but the application was left open.
	end := ts(10)
	store.versions[pm.VersionID].EndDate = &end
	pm.Source.EndDate = &end

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-other", "other")}
	mon := newTestMonitor(store, src, Config{})

	_, err := mon.PruneMachines(context.Background(), 1, MachineOpts{})
	require.NoError(t, err)
	assert.NotNil(t, store.apps[pm.ApplicationID].EndDate)
}

func TestMonitorMachinesRegistersNewImage(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-1", "ubuntu")}
	src.Projects = []*cloud.Project{{ID: "proj-1", Name: "alice"}}
	mon := newTestMonitor(store, src, Config{})

	machines, err := mon.MonitorMachines(context.Background(), 1, MachineOpts{Validate: true})
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, "img-1", machines[0].Source.Identifier)
	assert.Equal(t, "alice", machines[0].Source.CreatedBy)

	// Second run reuses the record.
	again, err := mon.MonitorMachines(context.Background(), 1, MachineOpts{Validate: true})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, machines[0].ID, again[0].ID)
	assert.Len(t, store.machines, 1)
}

func TestMonitorMachinesSkipsInvalidImages(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{
		activeImage("img-1", "ubuntu"),
		{ID: "img-2", Name: "building", Status: "queued", Owner: "proj-1"},
	}
	src.Projects = []*cloud.Project{{ID: "proj-1", Name: "alice"}}
	mon := newTestMonitor(store, src, Config{})

	machines, err := mon.MonitorMachines(context.Background(), 1, MachineOpts{Validate: true})
	require.NoError(t, err)
	assert.Len(t, machines, 1)
}

func TestMonitorMachinesHonorsLimit(t *testing.T) {
	store := newMemStore()
	seedProvider(store, 1, true)

	src := cloud.NewFakeSource()
	src.Images = []*cloud.Image{activeImage("img-1", "ubuntu"), activeImage("img-2", "centos")}
	src.Projects = []*cloud.Project{{ID: "proj-1", Name: "alice"}}
	mon := newTestMonitor(store, src, Config{})

	machines, err := mon.MonitorMachines(context.Background(), 1, MachineOpts{LimitMachines: []string{"img-2"}})
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, "img-2", machines[0].Source.Identifier)
}
