package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// cacheTTL keeps computed metrics for four days; the scheduler refreshes
// them far more often, so the TTL only matters after an outage.
const cacheTTL = 4 * 24 * time.Hour

// VersionMetrics is the launch record of one application version.
type VersionMetrics struct {
	Forks      int     `json:"forks"`
	Launches   int     `json:"launches"`
	Successes  int     `json:"successes"`
	SuccessPct float64 `json:"success_pct"`
}

// ApplicationMetrics is the cached payload for one application.
type ApplicationMetrics struct {
	Versions   map[string]VersionMetrics `json:"versions"`
	ComputedAt time.Time                 `json:"computed_at"`
}

// Store supplies the aggregates the metrics are computed from.
type Store interface {
	ApplicationByUUID(ctx context.Context, uuid string) (*model.Application, error)
	VersionsForApplication(ctx context.Context, applicationID int64) ([]*model.ApplicationVersion, error)
	// LaunchStats returns (launches, successes) for one version, where a
	// success is an instance that ever reached active.
	LaunchStats(ctx context.Context, versionID int64) (int, int, error)
	ForkCount(ctx context.Context, versionID int64) (int, error)
}

type Service struct {
	store Store
	cache Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewService(store Store, cache Cache) *Service {
	return &Service{store: store, cache: cache, ttl: cacheTTL, now: time.Now}
}

func cacheKey(appUUID string) string {
	return fmt.Sprintf("application_metrics-%s", appUUID)
}

// ApplicationMetrics returns the application's metrics. The cached value
// wins unless force recomputes; readOnly never computes and returns an
// empty payload on a miss.
func (s *Service) ApplicationMetrics(ctx context.Context, appUUID string, force, readOnly bool) (*ApplicationMetrics, error) {
	key := cacheKey(appUUID)
	if !force {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var cached ApplicationMetrics
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return &cached, nil
			}
			log.Warn().Str("key", key).Msg("discarding malformed cached metrics")
		} else if !errors.Is(err, ErrCacheMiss) {
			return nil, fmt.Errorf("metrics cache get: %w", err)
		}
	}
	if readOnly {
		return &ApplicationMetrics{Versions: map[string]VersionMetrics{}, ComputedAt: s.now()}, nil
	}

	computed, err := s.compute(ctx, appUUID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(computed)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	if err := s.cache.Set(ctx, key, string(raw), s.ttl); err != nil {
		// Serving fresh metrics beats failing on a cache write.
		log.Error().Err(err).Str("key", key).Msg("metrics cache set failed")
	}
	return computed, nil
}

func (s *Service) compute(ctx context.Context, appUUID string) (*ApplicationMetrics, error) {
	app, err := s.store.ApplicationByUUID(ctx, appUUID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("application %s not found", appUUID)
	}
	versions, err := s.store.VersionsForApplication(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	out := &ApplicationMetrics{Versions: map[string]VersionMetrics{}, ComputedAt: s.now()}
	for _, v := range versions {
		launches, successes, err := s.store.LaunchStats(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		forks, err := s.store.ForkCount(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		vm := VersionMetrics{Forks: forks, Launches: launches, Successes: successes}
		if launches > 0 {
			vm.SuccessPct = 100 * float64(successes) / float64(launches)
		}
		out.Versions[v.Name] = vm
	}
	return out, nil
}
