package cloud

import (
	"context"
	"sync"
)

// FakeSource is an in-memory SnapshotSource used by engine tests.
type FakeSource struct {
	mu sync.Mutex

	Images    []*Image
	Volumes   []*Volume
	Sizes     []*Size
	Instances []*Instance
	Projects  []*Project

	// Members maps image id to the projects granted access.
	Members map[string][]*ImageMember
	// Shared records Share calls as "imageID|projectName".
	Shared []string
	// ShareErr, when set, is returned by every Share call.
	ShareErr error
	// Err, when set, is returned by every list call.
	Err error
}

func NewFakeSource() *FakeSource {
	return &FakeSource{Members: map[string][]*ImageMember{}}
}

func (f *FakeSource) ListImages(ctx context.Context) ([]*Image, error) {
	return f.Images, f.Err
}

func (f *FakeSource) ListVolumes(ctx context.Context) ([]*Volume, error) {
	return f.Volumes, f.Err
}

func (f *FakeSource) ListSizes(ctx context.Context) ([]*Size, error) {
	return f.Sizes, f.Err
}

func (f *FakeSource) ListInstances(ctx context.Context) ([]*Instance, error) {
	return f.Instances, f.Err
}

func (f *FakeSource) ListProjects(ctx context.Context) ([]*Project, error) {
	return f.Projects, f.Err
}

func (f *FakeSource) GetImage(ctx context.Context, id string) (*Image, error) {
	for _, im := range f.Images {
		if im.ID == id {
			return im, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FakeSource) GetSize(ctx context.Context, id string) (*Size, error) {
	for _, s := range f.Sizes {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FakeSource) GetProject(ctx context.Context, name string) (*Project, error) {
	for _, p := range f.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FakeSource) GetProjectByID(ctx context.Context, id string) (*Project, error) {
	for _, p := range f.Projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FakeSource) GetImageMembers(ctx context.Context, imageID string) ([]*ImageMember, error) {
	return f.Members[imageID], nil
}

func (f *FakeSource) Share(ctx context.Context, imageID, projectName string) error {
	if f.ShareErr != nil {
		return f.ShareErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Shared = append(f.Shared, imageID+"|"+projectName)
	return nil
}

// FakeFactory returns the same FakeSource for every provider.
type FakeFactory struct {
	Source *FakeSource
	// Fail, when set, makes SourceFor return an error for listed providers.
	Fail map[int64]error
}

func (f *FakeFactory) SourceFor(ctx context.Context, providerID int64) (SnapshotSource, error) {
	if err := f.Fail[providerID]; err != nil {
		return nil, err
	}
	return f.Source, nil
}
