package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	values map[string]string
	ttls   map[string]time.Duration
	sets   int
}

func newMemCache() *memCache {
	return &memCache{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := c.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.values[key] = value
	c.ttls[key] = ttl
	c.sets++
	return nil
}

type memStore struct {
	app      *model.Application
	versions []*model.ApplicationVersion
	launches map[int64][2]int
	forks    map[int64]int
	queries  int
}

func (m *memStore) ApplicationByUUID(ctx context.Context, uuid string) (*model.Application, error) {
	m.queries++
	if m.app != nil && m.app.UUID == uuid {
		return m.app, nil
	}
	return nil, nil
}

func (m *memStore) VersionsForApplication(ctx context.Context, applicationID int64) ([]*model.ApplicationVersion, error) {
	return m.versions, nil
}

func (m *memStore) LaunchStats(ctx context.Context, versionID int64) (int, int, error) {
	s := m.launches[versionID]
	return s[0], s[1], nil
}

func (m *memStore) ForkCount(ctx context.Context, versionID int64) (int, error) {
	return m.forks[versionID], nil
}

func newFixture() (*memStore, *memCache, *Service) {
	store := &memStore{
		app: &model.Application{ID: 1, UUID: "app-uuid", Name: "ubuntu"},
		versions: []*model.ApplicationVersion{
			{ID: 10, Name: "1.0", ApplicationID: 1},
			{ID: 11, Name: "2.0", ApplicationID: 1},
		},
		launches: map[int64][2]int{10: {8, 6}, 11: {0, 0}},
		forks:    map[int64]int{10: 2},
	}
	cache := newMemCache()
	svc := NewService(store, cache)
	svc.now = func() time.Time { return time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC) }
	return store, cache, svc
}

func TestComputeAndCache(t *testing.T) {
	_, cache, svc := newFixture()

	got, err := svc.ApplicationMetrics(context.Background(), "app-uuid", false, false)
	require.NoError(t, err)

	assert.Equal(t, VersionMetrics{Forks: 2, Launches: 8, Successes: 6, SuccessPct: 75}, got.Versions["1.0"])
	assert.Equal(t, VersionMetrics{}, got.Versions["2.0"], "zero launches must not divide")
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, cacheTTL, cache.ttls[cacheKey("app-uuid")])
}

func TestCachedValueWins(t *testing.T) {
	store, _, svc := newFixture()
	ctx := context.Background()

	_, err := svc.ApplicationMetrics(ctx, "app-uuid", false, false)
	require.NoError(t, err)
	before := store.queries

	_, err = svc.ApplicationMetrics(ctx, "app-uuid", false, false)
	require.NoError(t, err)
	assert.Equal(t, before, store.queries, "second read must come from cache")
}

func TestForceRecomputes(t *testing.T) {
	store, cache, svc := newFixture()
	ctx := context.Background()

	_, err := svc.ApplicationMetrics(ctx, "app-uuid", false, false)
	require.NoError(t, err)

	store.launches[10] = [2]int{10, 10}
	got, err := svc.ApplicationMetrics(ctx, "app-uuid", true, false)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Versions["1.0"].Launches)
	assert.Equal(t, 2, cache.sets)
}

func TestReadOnlyMissReturnsEmpty(t *testing.T) {
	store, cache, svc := newFixture()

	got, err := svc.ApplicationMetrics(context.Background(), "app-uuid", false, true)
	require.NoError(t, err)
	assert.Empty(t, got.Versions)
	assert.Zero(t, cache.sets, "read-only must not write")
	assert.Zero(t, store.queries, "read-only must not compute")
}

func TestUnknownApplicationFails(t *testing.T) {
	_, _, svc := newFixture()
	_, err := svc.ApplicationMetrics(context.Background(), "nope", false, false)
	assert.Error(t, err)
}

func TestMalformedCacheEntryRecomputed(t *testing.T) {
	_, cache, svc := newFixture()
	cache.values[cacheKey("app-uuid")] = "{not json"

	got, err := svc.ApplicationMetrics(context.Background(), "app-uuid", false, false)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Versions["1.0"].Launches)
}
