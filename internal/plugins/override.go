package plugins

import (
	"context"
	"fmt"
)

// Override adjusts the enforcement decision for one (user, source) pair.
type Override int

const (
	// NoOverride leaves the over-allocation check in charge.
	NoOverride Override = iota
	// AlwaysEnforce enforces even under allocation.
	AlwaysEnforce
	// NeverEnforce suppresses enforcement even over allocation.
	NeverEnforce
)

func (o Override) String() string {
	switch o {
	case AlwaysEnforce:
		return "ALWAYS_ENFORCE"
	case NeverEnforce:
		return "NEVER_ENFORCE"
	default:
		return "NO_OVERRIDE"
	}
}

// ParseOverride maps the stored override name onto an Override value.
func ParseOverride(name string) (Override, error) {
	switch name {
	case "", "NO_OVERRIDE":
		return NoOverride, nil
	case "ALWAYS_ENFORCE":
		return AlwaysEnforce, nil
	case "NEVER_ENFORCE":
		return NeverEnforce, nil
	}
	return NoOverride, fmt.Errorf("unknown enforcement override %q", name)
}

// OverridePolicy resolves the override for one user on one allocation
// source.
type OverridePolicy interface {
	OverrideFor(ctx context.Context, username, sourceName string) (Override, error)
}

// OverrideStore reads persisted override rows; absence means NoOverride.
type OverrideStore interface {
	EnforcementOverride(ctx context.Context, username, sourceName string) (string, error)
}

// DatabaseOverridePolicy resolves overrides from persisted rows.
type DatabaseOverridePolicy struct {
	Store OverrideStore
}

func (p *DatabaseOverridePolicy) OverrideFor(ctx context.Context, username, sourceName string) (Override, error) {
	name, err := p.Store.EnforcementOverride(ctx, username, sourceName)
	if err != nil {
		return NoOverride, err
	}
	return ParseOverride(name)
}

// StaticOverridePolicy answers the same override for everyone. Used in
// tests and in deployments that globally disable enforcement.
type StaticOverridePolicy struct {
	Value Override
}

func (p StaticOverridePolicy) OverrideFor(context.Context, string, string) (Override, error) {
	return p.Value, nil
}
