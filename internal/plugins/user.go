package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// UserValidator answers whether a username is entitled to hold resources.
// Invalid users are skipped by the instance and enforcement passes.
type UserValidator interface {
	ValidUser(ctx context.Context, username string) bool
}

// RemoteAccountChecker is an external account authority (e.g. the TAS API).
// Check must honor ctx; the validator bounds every call with a deadline.
type RemoteAccountChecker interface {
	Check(ctx context.Context, username string) (bool, error)
}

// AllocationCounter reports how many allocation sources a user holds
// locally. It backs the fallback path when the remote authority is slow
// or unreachable.
type AllocationCounter interface {
	AllocationCount(ctx context.Context, username string) (int, error)
}

// AllocationUserValidator asks the remote authority first, with a bounded
// timeout, and falls back to local allocation records. A remote outage
// must never make every user look invalid: users with local allocations
// stay valid.
type AllocationUserValidator struct {
	Remote  RemoteAccountChecker
	Local   AllocationCounter
	Timeout time.Duration
}

const defaultValidatorTimeout = 5 * time.Second

func (v *AllocationUserValidator) ValidUser(ctx context.Context, username string) bool {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = defaultValidatorTimeout
	}
	if v.Remote != nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		ok, err := v.Remote.Check(cctx, username)
		cancel()
		if err == nil {
			return ok
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("username", username).Dur("timeout", timeout).
				Msg("account check timed out, falling back to local allocations")
		} else {
			log.Warn().Err(err).Str("username", username).
				Msg("account check failed, falling back to local allocations")
		}
	}
	if v.Local == nil {
		return false
	}
	count, err := v.Local.AllocationCount(ctx, username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("local allocation lookup failed")
		return false
	}
	return count > 0
}

// AllowAllValidator accepts every user. Used by deployments without an
// external account authority.
type AllowAllValidator struct{}

func (AllowAllValidator) ValidUser(context.Context, string) bool { return true }
