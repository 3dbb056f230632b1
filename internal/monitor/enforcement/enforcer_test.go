package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	sources    []*model.AllocationSource
	sourceUser map[int64][]string
	identities map[string][]*model.Identity
	instances  map[int64][]*model.Instance // identityID -> instances
	providers  map[int64]*model.Provider
}

func (m *memStore) AllocationSources(ctx context.Context) ([]*model.AllocationSource, error) {
	return m.sources, nil
}

func (m *memStore) UsernamesForSource(ctx context.Context, sourceID int64) ([]string, error) {
	return m.sourceUser[sourceID], nil
}

func (m *memStore) IdentitiesForUser(ctx context.Context, username string) ([]*model.Identity, error) {
	return m.identities[username], nil
}

func (m *memStore) InstancesForUserOnSource(ctx context.Context, identityID, sourceID int64) ([]*model.Instance, error) {
	var out []*model.Instance
	for _, inst := range m.instances[identityID] {
		if inst.AllocationSourceID != nil && *inst.AllocationSourceID == sourceID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *memStore) Provider(ctx context.Context, id int64) (*model.Provider, error) {
	return m.providers[id], nil
}

// recordingRunner records every action it is asked to run.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string // "instance/action"
	fail  map[string]error
}

func (r *recordingRunner) Run(ctx context.Context, provider *model.Provider, instance *model.Instance, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[instance.ProviderAlias]; err != nil {
		return err
	}
	r.calls = append(r.calls, instance.ProviderAlias+"/"+action)
	return nil
}

func allocID(id int64) *int64 { return &id }

// fixture: one provider that suspends, TG-001 over budget with alice and
// bob, TG-002 under budget with carol.
func newFixture() *memStore {
	return &memStore{
		sources: []*model.AllocationSource{
			{ID: 1, Name: "TG-001", ComputeUsed: 1200, ComputeAllowed: 1000},
			{ID: 2, Name: "TG-002", ComputeUsed: 10, ComputeAllowed: 1000},
		},
		sourceUser: map[int64][]string{1: {"bob", "alice"}, 2: {"carol"}},
		identities: map[string][]*model.Identity{
			"alice": {{ID: 11, ProviderID: 1, CreatedBy: "alice", ProjectName: "alice"}},
			"bob":   {{ID: 12, ProviderID: 1, CreatedBy: "bob", ProjectName: "bob"}},
			"carol": {{ID: 13, ProviderID: 1, CreatedBy: "carol", ProjectName: "carol"}},
		},
		instances: map[int64][]*model.Instance{
			11: {{ID: 101, ProviderAlias: "srv-alice", IdentityID: 11, CreatedBy: "alice", AllocationSourceID: allocID(1)}},
			12: {{ID: 102, ProviderAlias: "srv-bob", IdentityID: 12, CreatedBy: "bob", AllocationSourceID: allocID(1)}},
			13: {{ID: 103, ProviderAlias: "srv-carol", IdentityID: 13, CreatedBy: "carol", AllocationSourceID: allocID(2)}},
		},
		providers: map[int64]*model.Provider{
			1: {ID: 1, Name: "tucson-cloud", Active: true, OverAllocationAction: ActionSuspend},
		},
	}
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		over     bool
		override plugins.Override
		enforce  bool
	}{
		{"under_no_override", false, plugins.NoOverride, false},
		{"under_always", false, plugins.AlwaysEnforce, true},
		{"under_never", false, plugins.NeverEnforce, false},
		{"over_no_override", true, plugins.NoOverride, true},
		{"over_always", true, plugins.AlwaysEnforce, true},
		{"over_never", true, plugins.NeverEnforce, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.enforce, shouldEnforce(tt.over, tt.override))
		})
	}
}

func TestMonitorEnforcesOverAllocatedUsers(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, true)

	report, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)

	// TG-001 is exhausted: alice and bob suspended. carol untouched.
	assert.Equal(t, 2, report.Enforced())
	assert.ElementsMatch(t, []string{"srv-alice/Suspend", "srv-bob/Suspend"}, runner.calls)
}

func TestMonitorReportsDeterministicOrder(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, true)

	report, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)

	var order []string
	for _, p := range report.Pairs {
		order = append(order, p.SourceName+"/"+p.Username)
	}
	assert.Equal(t, []string{"TG-001/alice", "TG-001/bob", "TG-002/carol"}, order)
}

func TestNeverEnforceOverrideSuppressesAction(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	policy := &plugins.DatabaseOverridePolicy{Store: overrideRows{
		"alice/TG-001": "NEVER_ENFORCE",
	}}
	e := New(store, policy, nil, runner, true)

	report, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)

	// alice keeps running on the exhausted source; bob does not.
	assert.Equal(t, []string{"srv-bob/Suspend"}, runner.calls)
	for _, p := range report.Pairs {
		if p.Username == "alice" {
			assert.False(t, p.Enforced)
			assert.Equal(t, plugins.NeverEnforce, p.Override)
		}
	}
}

func TestAlwaysEnforceOverrideActsUnderBudget(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	policy := &plugins.DatabaseOverridePolicy{Store: overrideRows{
		"carol/TG-002": "ALWAYS_ENFORCE",
	}}
	e := New(store, policy, nil, runner, true)

	_, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, runner.calls, "srv-carol/Suspend")
}

func TestEnforcementDisabledComputesButDoesNotAct(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, false)

	report, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Enforced(), "decisions are still reported")
	assert.Empty(t, runner.calls, "no provider action may run when disabled")
	for _, pair := range report.Pairs {
		assert.Empty(t, pair.Affected, "Affected must stay empty when disabled")
	}
}

func TestUsernameFilterRestrictsRun(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, true)

	_, err := e.Monitor(context.Background(), []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-bob/Suspend"}, runner.calls)
}

func TestInvalidUserSkipped(t *testing.T) {
	store := newFixture()
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, denyValidator{"alice"}, runner, true)

	_, err := e.Monitor(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-bob/Suspend"}, runner.calls)
}

func TestIdentityFailureIsolated(t *testing.T) {
	store := newFixture()
	// alice has a second identity whose instance fails.
	store.identities["alice"] = append(store.identities["alice"],
		&model.Identity{ID: 14, ProviderID: 1, CreatedBy: "alice", ProjectName: "alice-2"})
	store.instances[14] = []*model.Instance{
		{ID: 104, ProviderAlias: "srv-broken", IdentityID: 14, CreatedBy: "alice", AllocationSourceID: allocID(1)},
	}
	runner := &recordingRunner{fail: map[string]error{"srv-broken": errors.New("compute api down")}}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, true)

	source := store.sources[0]
	affected, err := e.EnforceForUser(context.Background(), source, "alice")
	assert.Error(t, err)
	assert.Equal(t, []string{"srv-alice"}, affected, "healthy identity still enforced")
}

func TestProviderWithoutActionDoesNothing(t *testing.T) {
	store := newFixture()
	store.providers[1].OverAllocationAction = ""
	runner := &recordingRunner{}
	e := New(store, plugins.StaticOverridePolicy{}, nil, runner, true)

	affected, err := e.EnforceForUser(context.Background(), store.sources[0], "alice")
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Empty(t, runner.calls)
}

// overrideRows is a map-backed plugins.OverrideStore.
type overrideRows map[string]string

func (o overrideRows) EnforcementOverride(ctx context.Context, username, sourceName string) (string, error) {
	return o[username+"/"+sourceName], nil
}

// denyValidator marks the listed usernames invalid.
type denyValidator []string

func (d denyValidator) ValidUser(ctx context.Context, username string) bool {
	for _, u := range d {
		if u == username {
			return false
		}
	}
	return true
}
