// Package model holds the persisted entities of the lifecycle store.
// Removal is always logical: records carry an end date and are never
// physically deleted by the engine.
package model

import "time"

// Provider is one configured cloud backend (e.g. an OpenStack region).
type Provider struct {
	ID     int64
	UUID   string
	Name   string
	Type   string
	Active bool
	// OverAllocationAction names the enforcement action taken against a
	// user's instances on this provider ("Suspend", "Stop", "Shelve",
	// "Shelve Offload", "Terminate"). Empty means do nothing.
	OverAllocationAction string
}

// InstanceSource is the lifecycle record shared by volumes and machines.
// EndDate once set is never cleared; a record is "current" while EndDate
// is nil.
type InstanceSource struct {
	ID         int64
	Identifier string
	ProviderID int64
	CreatedBy  string
	StartDate  time.Time
	EndDate    *time.Time
}

// Current reports whether the source is still active at t.
func (s *InstanceSource) Current(t time.Time) bool {
	return s.EndDate == nil || s.EndDate.After(t)
}

// Application is a named logical image family.
type Application struct {
	ID        int64
	UUID      string
	Name      string
	Private   bool
	CreatedBy string
	StartDate time.Time
	EndDate   *time.Time
	Tags      []string
}

// ApplicationVersion is one buildable version of an Application.
type ApplicationVersion struct {
	ID            int64
	Name          string
	ApplicationID int64
	StartDate     time.Time
	EndDate       *time.Time
}

// ProviderMachine is a concrete machine image on one provider. It wraps an
// InstanceSource and belongs to exactly one ApplicationVersion.
type ProviderMachine struct {
	ID        int64
	Source    InstanceSource
	VersionID int64
	// ApplicationID is denormalized from the owning version for the
	// membership passes; the version remains the authoritative parent.
	ApplicationID int64
}

// Volume wraps an InstanceSource for a block storage resource.
type Volume struct {
	ID     int64
	Source InstanceSource
	Name   string
	SizeGB int
}

// Size is a provider flavor with its own end-dating.
type Size struct {
	ID         int64
	ProviderID int64
	Alias      string // cloud-side id
	Name       string
	CPU        int
	MemMB      int
	DiskGB     int
	StartDate  time.Time
	EndDate    *time.Time
}

// Instance is a launched server tracked by the status history ledger.
type Instance struct {
	ID            int64
	ProviderAlias string // cloud-side id
	ProviderID    int64
	IdentityID    int64
	CreatedBy     string
	Name          string
	StartDate     time.Time
	EndDate       *time.Time
	// AllocationSourceID links usage accounting; nil when unassigned.
	AllocationSourceID *int64
}

// Group is the sharing unit. Group.Name is equated with the cloud
// project/tenant name; an explicit Group-to-project mapping table remains
// known modeling debt.
type Group struct {
	ID   int64
	UUID string
	Name string
	// ProjectName maps the group to a cloud project. Historically the two
	// names were equated; the explicit mapping lets them diverge. Empty
	// means the project is named after the group.
	ProjectName string
}

// CloudProject returns the cloud project name the group maps to.
func (g *Group) CloudProject() string {
	if g.ProjectName != "" {
		return g.ProjectName
	}
	return g.Name
}

// Membership join records are pure (resource, group) pairs, unique per
// pair. Reconciliation only ever adds them; the corruption-repair pass is
// the single documented exception that removes.

type ApplicationMembership struct {
	ApplicationID int64
	GroupID       int64
}

type ApplicationVersionMembership struct {
	VersionID int64
	GroupID   int64
}

type ProviderMachineMembership struct {
	MachineID int64
	GroupID   int64
}

// MachineRequest records an image build/share request. The access list of
// the last completed request is the last-known-good membership set used
// when repairing corrupted shares.
type MachineRequest struct {
	ID                   int64
	Status               string
	NewMachineIdentifier string
	AccessList           []string
}

// User is an account known to the allocation system.
type User struct {
	ID       int64
	Username string
	Email    string
}

// Identity is a user's credential binding on one provider; ProjectName is
// the cloud tenant the identity operates in.
type Identity struct {
	ID          int64
	UUID        string
	ProviderID  int64
	CreatedBy   string
	ProjectName string
}
