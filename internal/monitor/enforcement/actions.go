package enforcement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/rs/zerolog/log"
)

// Known over-allocation actions, matching the values stored on providers.
const (
	ActionSuspend       = "Suspend"
	ActionStop          = "Stop"
	ActionShelve        = "Shelve"
	ActionShelveOffload = "Shelve Offload"
	ActionTerminate     = "Terminate"
)

// ActionRunner applies one enforcement action to one instance.
type ActionRunner interface {
	Run(ctx context.Context, provider *model.Provider, instance *model.Instance, action string) error
}

// InstanceController drives state changes on a provider's servers. It is
// the enforcement counterpart of the snapshot source: same seam, write
// side.
type InstanceController interface {
	Suspend(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Shelve(ctx context.Context, instanceID string) error
	ShelveOffload(ctx context.Context, instanceID string) error
	Terminate(ctx context.Context, instanceID string) error
}

// ControllerFactory yields the controller for one provider.
type ControllerFactory interface {
	ControllerFor(ctx context.Context, providerID int64) (InstanceController, error)
}

// CloudRunner executes actions through a provider controller. An instance
// already in the target state is success, not failure.
type CloudRunner struct {
	Factory ControllerFactory
	// Timeout bounds a single action call. Zero means 30s.
	Timeout time.Duration
}

func (r *CloudRunner) Run(ctx context.Context, provider *model.Provider, instance *model.Instance, action string) error {
	ctrl, err := r.Factory.ControllerFor(ctx, provider.ID)
	if err != nil {
		return fmt.Errorf("controller for provider %s: %w", provider.Name, err)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch action {
	case ActionSuspend:
		err = ctrl.Suspend(cctx, instance.ProviderAlias)
	case ActionStop:
		err = ctrl.Stop(cctx, instance.ProviderAlias)
	case ActionShelve:
		err = ctrl.Shelve(cctx, instance.ProviderAlias)
	case ActionShelveOffload:
		err = ctrl.ShelveOffload(cctx, instance.ProviderAlias)
	case ActionTerminate:
		err = ctrl.Terminate(cctx, instance.ProviderAlias)
	default:
		return fmt.Errorf("unknown over-allocation action %q", action)
	}
	if err != nil {
		if isVMStateConflict(err) {
			log.Debug().Str("instance", instance.ProviderAlias).Str("action", action).
				Msg("instance already in target state")
			return nil
		}
		return fmt.Errorf("%s %s: %w", action, instance.ProviderAlias, err)
	}
	return nil
}

// isVMStateConflict matches the provider error raised when an instance
// cannot take the action because it is already in (or past) the target
// state.
func isVMStateConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "in vm_state")
}
