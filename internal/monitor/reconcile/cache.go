package reconcile

import (
	"context"
	"errors"

	"github.com/npurcella/atmosphere/internal/cloud"
)

// RunCache memoizes cloud lookups for the lifetime of a single pass. A
// fresh cache is built per run so no state survives between passes; staleness
// is bounded by the run itself.
type RunCache struct {
	tenantNames map[string]string
	images      map[string]*cloud.Image
}

func newRunCache() *RunCache {
	return &RunCache{images: map[string]*cloud.Image{}}
}

// TenantNames returns the project-id-to-name map, listing projects on
// first use.
func (c *RunCache) TenantNames(ctx context.Context, src cloud.SnapshotSource) (map[string]string, error) {
	if c.tenantNames != nil {
		return c.tenantNames, nil
	}
	projects, err := src.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	c.tenantNames = names
	return names, nil
}

// Image returns the image record, caching both hits and misses. A cached
// miss is a nil entry so a flapping 404 is not re-fetched within the run.
func (c *RunCache) Image(ctx context.Context, src cloud.SnapshotSource, id string) (*cloud.Image, error) {
	if img, ok := c.images[id]; ok {
		return img, nil
	}
	img, err := src.GetImage(ctx, id)
	if err != nil {
		if errors.Is(err, cloud.ErrNotFound) {
			c.images[id] = nil
			return nil, nil
		}
		return nil, err
	}
	c.images[id] = img
	return img, nil
}
