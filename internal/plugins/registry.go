package plugins

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional plugins YAML file. Every section falls back
// to the built-in default when absent.
type FileConfig struct {
	MachineValidator MachineValidatorConfig `yaml:"machine_validator"`
	UserValidator    UserValidatorConfig    `yaml:"user_validator"`
	OverridePolicy   OverridePolicyConfig   `yaml:"override_policy"`
}

type MachineValidatorConfig struct {
	Name       string `yaml:"name"`
	ExcludeKey string `yaml:"exclude_key"`
	IncludeKey string `yaml:"include_key"`
}

type UserValidatorConfig struct {
	Name    string `yaml:"name"`
	Timeout string `yaml:"timeout"`
}

type OverridePolicyConfig struct {
	Name string `yaml:"name"`
	// Value is the fixed override for the static policy.
	Value string `yaml:"value"`
}

// LoadConfig reads the plugins file. An empty path yields the zero config,
// which resolves to defaults everywhere.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugins config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse plugins config: %w", err)
	}
	return cfg, nil
}

// Registry builds plugin implementations from config, wiring in the
// backing collaborators a deployment provides.
type Registry struct {
	Remote    RemoteAccountChecker
	Local     AllocationCounter
	Overrides OverrideStore
}

func (r *Registry) MachineValidator(cfg MachineValidatorConfig) (MachineValidator, error) {
	switch cfg.Name {
	case "", "basic":
		return BasicValidator{}, nil
	case "blacklist":
		return BlacklistValidator{Key: cfg.ExcludeKey}, nil
	case "whitelist":
		return WhitelistValidator{Key: cfg.IncludeKey}, nil
	case "cyverse":
		return CyverseValidator{ExcludeKey: cfg.ExcludeKey}, nil
	}
	return nil, fmt.Errorf("unknown machine validator %q", cfg.Name)
}

func (r *Registry) UserValidator(cfg UserValidatorConfig) (UserValidator, error) {
	switch cfg.Name {
	case "allow_all":
		return AllowAllValidator{}, nil
	case "", "allocation":
		timeout := defaultValidatorTimeout
		if cfg.Timeout != "" {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("parse validator timeout: %w", err)
			}
			timeout = d
		}
		return &AllocationUserValidator{Remote: r.Remote, Local: r.Local, Timeout: timeout}, nil
	}
	return nil, fmt.Errorf("unknown user validator %q", cfg.Name)
}

func (r *Registry) OverridePolicy(cfg OverridePolicyConfig) (OverridePolicy, error) {
	switch cfg.Name {
	case "", "database":
		if r.Overrides == nil {
			return nil, fmt.Errorf("database override policy requires an override store")
		}
		return &DatabaseOverridePolicy{Store: r.Overrides}, nil
	case "static":
		value, err := ParseOverride(cfg.Value)
		if err != nil {
			return nil, err
		}
		return StaticOverridePolicy{Value: value}, nil
	}
	return nil, fmt.Errorf("unknown override policy %q", cfg.Name)
}
