package platform

import (
	"context"
	"fmt"
)

// State is a stage of the platform lifecycle
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Hook is run when the platform enters a state. A hook failing while the
// platform is starting aborts the start.
type Hook func(ctx context.Context, p *Platform) error

func (p *Platform) enterState(ctx context.Context, state State) error {
	p.mutex.Lock()
	p.state = state
	p.mutex.Unlock()

	p.logger.Debug().Str("state", state.String()).Msg("Platform state changed")

	for _, hook := range p.config.hooks[state] {
		if err := hook(ctx, p); err != nil {
			return fmt.Errorf("%s hook failed: %w", state, err)
		}
	}
	return nil
}

// State returns the current lifecycle state
func (p *Platform) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}
