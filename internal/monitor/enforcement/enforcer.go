// Package enforcement turns exhausted allocation budgets into provider
// actions against the offending user's instances. The walk order is fixed
// (sources by name, users by username) so two runs against the same state
// make the same decisions in the same order; the per-pair work itself is
// dispatched concurrently.
package enforcement

import (
	"context"
	"sort"
	"sync"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/plugins"
	"github.com/rs/zerolog/log"
)

// Store is the persistence surface the enforcer reads.
type Store interface {
	AllocationSources(ctx context.Context) ([]*model.AllocationSource, error)
	UsernamesForSource(ctx context.Context, sourceID int64) ([]string, error)
	IdentitiesForUser(ctx context.Context, username string) ([]*model.Identity, error)
	// InstancesForUserOnSource returns the user's current instances on one
	// identity that bill against the given allocation source.
	InstancesForUserOnSource(ctx context.Context, identityID, sourceID int64) ([]*model.Instance, error)
	Provider(ctx context.Context, id int64) (*model.Provider, error)
}

// PairResult is the outcome of enforcement for one (source, user) pair.
type PairResult struct {
	SourceName string
	Username   string
	// Enforced records the decision, not the provider calls: it is true
	// for every pair the decision table selected, including runs with
	// enforcement disabled (Affected stays empty) and runner failures
	// (Err is set).
	Enforced bool
	Override plugins.Override
	// Affected lists provider aliases of instances acted on.
	Affected []string
	Err      error
}

// Report aggregates one enforcement run.
type Report struct {
	Pairs []PairResult
}

// Enforced returns how many pairs the decision table selected for
// enforcement. Actual provider activity is visible per pair in Affected.
func (r *Report) Enforced() int {
	n := 0
	for _, p := range r.Pairs {
		if p.Enforced {
			n++
		}
	}
	return n
}

type Enforcer struct {
	store     Store
	policy    plugins.OverridePolicy
	validator plugins.UserValidator
	runner    ActionRunner

	// enforcing gates all provider actions; decisions are still computed
	// and reported when it is off.
	enforcing bool
}

func New(store Store, policy plugins.OverridePolicy, validator plugins.UserValidator, runner ActionRunner, enforcing bool) *Enforcer {
	return &Enforcer{store: store, policy: policy, validator: validator, runner: runner, enforcing: enforcing}
}

// shouldEnforce is the decision table: budget exhaustion enforces unless
// explicitly suppressed, and ALWAYS_ENFORCE wins regardless of budget.
func shouldEnforce(over bool, override plugins.Override) bool {
	if override == plugins.AlwaysEnforce {
		return true
	}
	return over && override != plugins.NeverEnforce
}

// Monitor walks every allocation source and enforces over-allocated
// (source, user) pairs. Pass usernames to restrict the run; nil means all
// users. Each pair is enforced independently: one user's failure never
// blocks another's.
func (e *Enforcer) Monitor(ctx context.Context, usernames []string) (*Report, error) {
	sources, err := e.store.AllocationSources(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	only := map[string]bool{}
	for _, u := range usernames {
		only[u] = true
	}

	report := &Report{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, source := range sources {
		users, err := e.store.UsernamesForSource(ctx, source.ID)
		if err != nil {
			return report, err
		}
		sort.Strings(users)
		over := source.OverAllocation()
		for _, username := range users {
			if len(only) > 0 && !only[username] {
				continue
			}
			if e.validator != nil && !e.validator.ValidUser(ctx, username) {
				log.Debug().Str("username", username).Msg("skipping invalid user")
				continue
			}
			override, err := e.policy.OverrideFor(ctx, username, source.Name)
			if err != nil {
				log.Error().Err(err).Str("username", username).Str("source", source.Name).
					Msg("override lookup failed, assuming none")
				override = plugins.NoOverride
			}
			if !shouldEnforce(over, override) {
				mu.Lock()
				report.Pairs = append(report.Pairs, PairResult{
					SourceName: source.Name, Username: username, Override: override,
				})
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(source *model.AllocationSource, username string, override plugins.Override) {
				defer wg.Done()
				affected, err := e.EnforceForUser(ctx, source, username)
				mu.Lock()
				report.Pairs = append(report.Pairs, PairResult{
					SourceName: source.Name, Username: username, Enforced: true,
					Override: override, Affected: affected, Err: err,
				})
				mu.Unlock()
			}(source, username, override)
		}
	}
	wg.Wait()

	sort.Slice(report.Pairs, func(i, j int) bool {
		if report.Pairs[i].SourceName != report.Pairs[j].SourceName {
			return report.Pairs[i].SourceName < report.Pairs[j].SourceName
		}
		return report.Pairs[i].Username < report.Pairs[j].Username
	})
	log.Info().Int("pairs", len(report.Pairs)).Int("enforced", report.Enforced()).
		Msg("enforcement run complete")
	return report, nil
}

// EnforceForUser applies the provider's over-allocation action to every
// instance the user bills against the source. Identities are isolated:
// a failure on one leaves the others enforced, and the aggregate of
// affected instances is always returned.
func (e *Enforcer) EnforceForUser(ctx context.Context, source *model.AllocationSource, username string) ([]string, error) {
	if !e.enforcing {
		log.Info().Str("username", username).Str("source", source.Name).
			Msg("enforcement disabled, skipping provider actions")
		return nil, nil
	}
	identities, err := e.store.IdentitiesForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	var affected []string
	var firstErr error
	for _, identity := range identities {
		acted, err := e.enforceIdentity(ctx, source, username, identity)
		affected = append(affected, acted...)
		if err != nil {
			log.Error().Err(err).Str("username", username).Int64("identity", identity.ID).
				Msg("enforcement failed for identity")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return affected, firstErr
}

func (e *Enforcer) enforceIdentity(ctx context.Context, source *model.AllocationSource, username string, identity *model.Identity) ([]string, error) {
	provider, err := e.store.Provider(ctx, identity.ProviderID)
	if err != nil {
		return nil, err
	}
	action := provider.OverAllocationAction
	if action == "" {
		log.Debug().Str("provider", provider.Name).Msg("provider has no over-allocation action")
		return nil, nil
	}
	instances, err := e.store.InstancesForUserOnSource(ctx, identity.ID, source.ID)
	if err != nil {
		return nil, err
	}
	var affected []string
	for _, inst := range instances {
		if err := e.runner.Run(ctx, provider, inst, action); err != nil {
			return affected, err
		}
		affected = append(affected, inst.ProviderAlias)
		log.Info().Str("username", username).Str("source", source.Name).
			Str("instance", inst.ProviderAlias).Str("action", action).
			Msg("over-allocation action applied")
	}
	return affected, nil
}
