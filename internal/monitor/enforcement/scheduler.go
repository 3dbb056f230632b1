package enforcement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Deps struct {
	Enforcer *Enforcer
	Interval time.Duration
}

// StartScheduler runs a full enforcement pass on every tick.
func StartScheduler(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 15 * time.Minute
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := deps.Enforcer.Monitor(ctx, nil); err != nil {
				log.Error().Err(err).Msg("enforcement run failed")
			}
		}
	}
}
