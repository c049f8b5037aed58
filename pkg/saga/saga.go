// Package saga runs an ordered list of actions, each paired with the
// compensation that semantically undoes it. When an action fails, the
// compensations of the actions that already committed run in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Action performs one forward step.
type Action func(ctx context.Context) error

// Compensation undoes a committed step. Its errors are logged, never returned.
type Compensation func(ctx context.Context) error

// Step is an (action, compensation) pair. Compensate may be nil.
type Step struct {
	Name       string
	Action     Action
	Compensate Compensation
}

// StepError describes the step that stopped a run.
type StepError struct {
	Saga        string
	Step        string
	Err         error
	Compensated []string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s failed at step %s: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type abortError struct {
	err error
}

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

// Abort marks a failure after which the failing step's own compensation must
// run too, because the resource it guards is released along with the
// committed ones.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// DefaultCompensationTimeout bounds the whole unwind of a failed run.
const DefaultCompensationTimeout = 30 * time.Second

// Saga is a sequence of steps executed by Run.
type Saga struct {
	name        string
	steps       []Step
	logger      *zap.Logger
	compTimeout time.Duration
}

// New creates an empty saga.
func New(name string, logger *zap.Logger) *Saga {
	return &Saga{
		name:        name,
		logger:      logger,
		compTimeout: DefaultCompensationTimeout,
	}
}

// WithCompensationTimeout overrides how long the unwind may take. Values
// <= 0 are ignored.
func (s *Saga) WithCompensationTimeout(d time.Duration) *Saga {
	if d > 0 {
		s.compTimeout = d
	}
	return s
}

// Add appends a step and returns the saga for chaining.
func (s *Saga) Add(name string, action Action, compensate Compensation) *Saga {
	s.steps = append(s.steps, Step{Name: name, Action: action, Compensate: compensate})
	return s
}

// Steps returns the names of the registered steps, in order.
func (s *Saga) Steps() []string {
	names := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.Name)
	}
	return names
}

// Run executes every step in order. On the first failure it unwinds the
// committed steps and returns a *StepError wrapping the step's error.
func (s *Saga) Run(ctx context.Context) error {
	tracer := otel.Tracer("saga")
	ctx, span := tracer.Start(ctx, "saga."+s.name)
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.name", s.name),
		attribute.Int("saga.steps", len(s.steps)),
	)

	for i, step := range s.steps {
		stepCtx, stepSpan := tracer.Start(ctx, "saga.step."+step.Name)
		err := step.Action(stepCtx)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, "step failed")
		}
		stepSpan.End()

		if err == nil {
			continue
		}

		s.logger.Warn("❌ saga step failed",
			zap.String("saga", s.name),
			zap.String("step", step.Name),
			zap.Error(err),
		)

		committed := s.steps[:i]
		var aborted *abortError
		if errors.As(err, &aborted) {
			committed = s.steps[:i+1]
			err = aborted.err
		}

		stepErr := &StepError{
			Saga: s.name,
			Step: step.Name,
			Err:  err,
		}
		stepErr.Compensated = s.unwind(ctx, committed)

		span.RecordError(stepErr)
		span.SetStatus(codes.Error, "saga compensated")
		return stepErr
	}

	span.SetStatus(codes.Ok, "saga completed")
	return nil
}

// unwind runs compensations in reverse order and returns the names of the
// steps whose compensation was invoked. Compensations run detached from the
// caller's cancellation, bounded by the compensation timeout.
func (s *Saga) unwind(ctx context.Context, committed []Step) []string {
	tracer := otel.Tracer("saga")
	var compensated []string

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compTimeout)
	defer cancel()

	for i := len(committed) - 1; i >= 0; i-- {
		step := committed[i]
		if step.Compensate == nil {
			continue
		}

		compCtx, span := tracer.Start(ctx, "saga.compensate."+step.Name)
		err := step.Compensate(compCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			s.logger.Error("❌ compensation failed, continuing",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
		} else {
			s.logger.Info("↩️ step compensated",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
			)
		}
		span.End()

		compensated = append(compensated, step.Name)
	}

	return compensated
}
