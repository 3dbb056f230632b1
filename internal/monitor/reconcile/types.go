// Package reconcile diffs the lifecycle store against per-provider cloud
// snapshots and applies end-dating, cascade, and membership repairs. Every
// pass is safe to run repeatedly and concurrently across providers:
// identifier matching is the sole driver of destructive action, so a
// second run against an unchanged snapshot is a no-op.
package reconcile

import (
	"context"
	"time"

	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/history"
	"github.com/npurcella/atmosphere/internal/plugins"
)

// MemberRef is one (group) entry of a resource's shared-access set.
type MemberRef struct {
	GroupID   int64
	GroupName string
}

// ProviderStore resolves providers for fan-out.
type ProviderStore interface {
	Provider(ctx context.Context, id int64) (*model.Provider, error)
	ActiveProviders(ctx context.Context) ([]*model.Provider, error)
}

// MachineStore is the machine/version/application slice of the lifecycle
// store used by the machine passes.
type MachineStore interface {
	// CurrentMachines returns non-end-dated machines on the provider;
	// MachinesInRange is the variant for inactive providers (any machine
	// whose source overlaps the provider's lifetime).
	CurrentMachines(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error)
	MachinesInRange(ctx context.Context, providerID int64) ([]*model.ProviderMachine, error)
	MachineByIdentifier(ctx context.Context, providerID int64, identifier string) (*model.ProviderMachine, error)
	Application(ctx context.Context, id int64) (*model.Application, error)

	// UpsertMachine registers a cloud image in the hierarchy, creating the
	// application, version and machine as needed. ownerName is the cloud
	// project that authored the image.
	UpsertMachine(ctx context.Context, provider *model.Provider, image *cloud.Image, ownerName string) (*model.ProviderMachine, bool, error)

	EndDateMachine(ctx context.Context, machineID int64, at time.Time) error
	EndDateVersion(ctx context.Context, versionID int64, at time.Time) error
	EndDateApplication(ctx context.Context, applicationID int64, at time.Time) error
	CurrentMachineCount(ctx context.Context, versionID int64, at time.Time) (int, error)
	CurrentVersionCount(ctx context.Context, applicationID int64, at time.Time) (int, error)

	// Sweep queries; safety nets for records created inconsistently by
	// other write paths.
	VersionsWithoutMachines(ctx context.Context) ([]int64, error)
	ApplicationsWithoutVersions(ctx context.Context) ([]int64, error)
	ApplicationsWithOnlyInactiveVersions(ctx context.Context, at time.Time) ([]int64, error)
}

// MembershipStore is the sharing slice: additive joins plus the
// corruption-repair removals.
type MembershipStore interface {
	MachineMembers(ctx context.Context, machineID int64) ([]MemberRef, error)
	VersionMembers(ctx context.Context, versionID int64) ([]MemberRef, error)
	ApplicationMembers(ctx context.Context, applicationID int64) ([]MemberRef, error)

	GroupsByNames(ctx context.Context, names []string) ([]*model.Group, error)
	GroupsForMachine(ctx context.Context, machineID int64) ([]*model.Group, error)

	// Add* insert a join row; a duplicate insert is a no-op (unique
	// constraint), so racing writers tolerate each other.
	AddMachineMembership(ctx context.Context, machineID, groupID int64) (bool, error)
	AddVersionMembership(ctx context.Context, versionID, groupID int64) (bool, error)
	AddApplicationMembership(ctx context.Context, applicationID, groupID int64) (bool, error)

	// Remove* exist solely for the corrupted-set reset path.
	RemoveMachineMembership(ctx context.Context, machineID, groupID int64) error
	RemoveVersionMembership(ctx context.Context, versionID, groupID int64) error
	RemoveApplicationMembership(ctx context.Context, applicationID, groupID int64) error

	LastCompletedMachineRequest(ctx context.Context, identifier string) (*model.MachineRequest, error)
	PatternMatchedUsernames(ctx context.Context, applicationID int64) ([]string, error)
}

// VolumeStore is the volume slice.
type VolumeStore interface {
	CurrentVolumes(ctx context.Context, providerID int64) ([]*model.Volume, error)
	UpsertVolume(ctx context.Context, providerID int64, vol *cloud.Volume, identity *model.Identity) (*model.Volume, error)
	EndDateVolume(ctx context.Context, volumeID int64, at time.Time) error
	IdentityByProjectName(ctx context.Context, providerID int64, projectName string) (*model.Identity, error)
}

// SizeStore is the flavor slice.
type SizeStore interface {
	CurrentSizes(ctx context.Context, providerID int64) ([]*model.Size, error)
	UnknownSizes(ctx context.Context, providerID int64) ([]*model.Size, error)
	UpsertSize(ctx context.Context, providerID int64, size *cloud.Size) (*model.Size, error)
	EndDateSize(ctx context.Context, sizeID int64, at time.Time) error
	SizeByAlias(ctx context.Context, providerID int64, alias string) (*model.Size, error)
}

// InstanceStore is the instance slice used by the cleanup pass.
type InstanceStore interface {
	IdentitiesForProvider(ctx context.Context, providerID int64, users []string) ([]*model.Identity, error)
	CurrentInstancesForIdentity(ctx context.Context, identityID int64) ([]*model.Instance, error)
	// EndDateInstanceAll end-dates the instance and closes any open
	// history rows at the same timestamp, in one transaction.
	EndDateInstanceAll(ctx context.Context, instanceID int64, at time.Time) error
	OpenHistoryCount(ctx context.Context, instanceID int64) (int, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	ProviderStore
	MachineStore
	MembershipStore
	VolumeStore
	SizeStore
	InstanceStore
}

// MachineOpts tunes one machine pass.
type MachineOpts struct {
	DryRun bool
	// Validate filters the cloud snapshot through the machine validator.
	Validate bool
	// ForcedRemoval prunes even when the cloud snapshot came back empty.
	ForcedRemoval bool
	// LimitMachines restricts the pass to the listed image ids.
	LimitMachines []string
}

// Monitor is the per-provider reconciliation engine. All collaborators are
// injected at construction; there is no ambient plugin lookup.
type Monitor struct {
	store     Store
	sources   cloud.SourceFactory
	validator plugins.MachineValidator
	ledger    *history.Ledger

	// enforcing gates the DB-to-cloud ACL push-back.
	enforcing bool
	// memberThreshold is the shared-access count treated as corruption.
	memberThreshold int

	now func() time.Time
}

type Config struct {
	Enforcing       bool
	MemberThreshold int
}

func New(store Store, sources cloud.SourceFactory, validator plugins.MachineValidator, ledger *history.Ledger, cfg Config) *Monitor {
	if cfg.MemberThreshold <= 0 {
		cfg.MemberThreshold = 128
	}
	return &Monitor{
		store:           store,
		sources:         sources,
		validator:       validator,
		ledger:          ledger,
		enforcing:       cfg.Enforcing,
		memberThreshold: cfg.MemberThreshold,
		now:             time.Now,
	}
}

// ActiveProviders lists the providers the engine fans out over.
func (m *Monitor) ActiveProviders(ctx context.Context) ([]*model.Provider, error) {
	return m.store.ActiveProviders(ctx)
}

// Resources bundles the result of a full per-provider pass.
type Resources struct {
	Machines  []*model.ProviderMachine
	Volumes   []string
	Sizes     []*model.Size
	Instances int
}

// MonitorResources runs the per-kind passes for one provider in sequence.
func (m *Monitor) MonitorResources(ctx context.Context, providerID int64) (*Resources, error) {
	sizes, err := m.MonitorSizes(ctx, providerID)
	if err != nil {
		return nil, err
	}
	volumes, err := m.MonitorVolumes(ctx, providerID)
	if err != nil {
		return nil, err
	}
	machines, err := m.MonitorMachines(ctx, providerID, MachineOpts{Validate: true})
	if err != nil {
		return nil, err
	}
	seen, err := m.MonitorInstances(ctx, providerID, nil)
	if err != nil {
		return nil, err
	}
	return &Resources{Machines: machines, Volumes: volumes, Sizes: sizes, Instances: seen}, nil
}
