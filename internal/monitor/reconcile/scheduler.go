package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Deps struct {
	Monitor  *Monitor
	Interval time.Duration
}

// StartScheduler runs the full reconciliation on every tick, fanning out
// one goroutine per active provider. A slow or failing provider never
// blocks the others.
func StartScheduler(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Minute
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := runOnce(ctx, deps.Monitor); err != nil {
				log.Error().Err(err).Msg("reconciliation runOnce failed")
			}
		}
	}
}

func runOnce(ctx context.Context, m *Monitor) error {
	providers, err := m.store.ActiveProviders(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(providerID int64, name string) {
			defer wg.Done()
			if _, err := m.PruneMachines(ctx, providerID, MachineOpts{Validate: true}); err != nil {
				log.Error().Err(err).Str("provider", name).Msg("machine prune failed")
			}
			if _, err := m.MonitorResources(ctx, providerID); err != nil {
				log.Error().Err(err).Str("provider", name).Msg("resource monitor failed")
			}
		}(p.ID, p.Name)
	}
	wg.Wait()
	return nil
}
