package funding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one unit of a saga. Run performs the forward action; Compensate
// undoes it. Compensate is invoked only for steps whose Run succeeded.
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga executes steps in order. On failure it runs the compensations of all
// completed steps in reverse order and returns the original error.
// Compensation failures are logged, never propagated; every compensating
// action is idempotent so a stuck saga can be re-driven.
type Saga struct {
	name   string
	steps  []Step
	logger zerolog.Logger
}

func NewSaga(name string, logger zerolog.Logger, steps ...Step) *Saga {
	return &Saga{name: name, steps: steps, logger: logger}
}

func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Run(ctx); err != nil {
			s.logger.Warn().Err(err).
				Str("saga", s.name).
				Str("step", step.Name).
				Msg("saga step failed, compensating")
			s.compensate(ctx, i)
			return fmt.Errorf("saga %s step %s: %w", s.name, step.Name, err)
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, failedIdx int) {
	for i := failedIdx - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.logger.Error().Err(err).
				Str("saga", s.name).
				Str("step", step.Name).
				Msg("saga compensation failed")
		}
	}
}
