// Package cloud defines the capability boundary between the reconciliation
// engine and a concrete cloud backend. The engine only consumes snapshots
// and membership lists; it never talks to a provider SDK directly.
package cloud

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Image is a cloud-side machine image record.
type Image struct {
	ID         string
	Name       string
	Status     string
	Visibility string // "public", "private" or "shared"
	Owner      string // owning project id
	// ApplicationOwner is the project name recorded by the imaging service,
	// used when Owner is missing on older providers.
	ApplicationOwner string
	Metadata         map[string]string
	CreatedAt        time.Time
}

// Get returns a metadata value, "" when absent.
func (im *Image) Get(key string) string {
	if im.Metadata == nil {
		return ""
	}
	return im.Metadata[key]
}

// Volume is a cloud-side block storage record.
type Volume struct {
	ID        string
	Name      string
	TenantID  string
	Size      int
	CreatedAt time.Time
}

// Size is a cloud-side flavor record.
type Size struct {
	ID     string
	Name   string
	CPU    int
	MemMB  int
	DiskGB int
}

// Instance is a cloud-side running server record.
type Instance struct {
	ID       string
	Name     string
	OwnerID  string // project/tenant id, converted to name by the engine
	Status   string
	Activity string
	SizeID   string
	Fault    map[string]string
	LaunchAt time.Time
}

// Project is a cloud tenant.
type Project struct {
	ID   string
	Name string
}

// ImageMember is one project granted access to a shared image.
type ImageMember struct {
	MemberID string // project id
}

// SnapshotSource returns the authoritative cloud-side view of a provider's
// resources. Implementations wrap one provider's API; every call is a
// potential blocking network call and must honor ctx.
type SnapshotSource interface {
	ListImages(ctx context.Context) ([]*Image, error)
	ListVolumes(ctx context.Context) ([]*Volume, error)
	ListSizes(ctx context.Context) ([]*Size, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	GetImage(ctx context.Context, id string) (*Image, error)
	GetSize(ctx context.Context, id string) (*Size, error)
	GetProject(ctx context.Context, name string) (*Project, error)
	GetProjectByID(ctx context.Context, id string) (*Project, error)

	GetImageMembers(ctx context.Context, imageID string) ([]*ImageMember, error)
	// Share grants projectName access to imageID. Sharing an image that is
	// already shared with the project returns ErrAlreadyShared.
	Share(ctx context.Context, imageID, projectName string) error
}

// SourceFactory yields a snapshot source for one provider. The factory is
// the seam a deployment uses to plug in its provider SDK.
type SourceFactory interface {
	SourceFor(ctx context.Context, providerID int64) (SnapshotSource, error)
}

var (
	// ErrNotFound signals an expected-missing resource (404 class).
	ErrNotFound = errors.New("cloud: resource not found")
	// ErrTimeout signals a bounded call that did not complete in time.
	ErrTimeout = errors.New("cloud: operation timed out")
	// ErrAlreadyShared signals a share grant that already exists.
	ErrAlreadyShared = errors.New("cloud: image already shared with project")
)

// IsConflict reports whether err is a known share conflict that should be
// treated as already-satisfied rather than a failure.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyShared) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already associated with image") ||
		strings.Contains(msg, "Public images do not have members")
}
