package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Acknowledger blocks until the operator confirms the run may continue.
// The interactive implementation waits on a terminal prompt with no timeout;
// tests inject a scripted one.
type Acknowledger interface {
	Acknowledge(ctx context.Context, completed StepID) error
}

// Recorder persists run bookkeeping. Implementations must tolerate being
// called for every step of every run.
type Recorder interface {
	RunStarted(ctx context.Context, runID string) error
	StepRecorded(ctx context.Context, runID string, rec Record) error
	RunCompleted(ctx context.Context, runID string, summary RunSummary, runErr error) error
	MarkApplied(ctx context.Context, id StepID) error
}

// MetricsSink receives step and run measurements.
type MetricsSink interface {
	RecordStep(id StepID, outcome Outcome, d time.Duration)
	RecordRun(status string, d time.Duration)
}

// Sequencer executes the fixed, dependency-ordered step list. Execution is
// strictly sequential: host-level mutations are order-dependent and unsafe
// to parallelize, so there is exactly one in-flight step at any time.
type Sequencer struct {
	steps    []Step
	log      zerolog.Logger
	recorder Recorder
	metrics  MetricsSink
	tracer   trace.Tracer
	ack      Acknowledger
	pause    bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithRecorder wires persisted run bookkeeping.
func WithRecorder(r Recorder) Option {
	return func(s *Sequencer) { s.recorder = r }
}

// WithMetrics wires step/run measurements.
func WithMetrics(m MetricsSink) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithTracer wires span creation for the run and each step.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sequencer) { s.tracer = t }
}

// WithPause enables single-step pause mode using the given acknowledger.
func WithPause(ack Acknowledger) Option {
	return func(s *Sequencer) {
		s.ack = ack
		s.pause = true
	}
}

// NewSequencer creates a sequencer over the given steps. The step slice must
// already be in dependency order; declared DependsOn edges are validated
// against it.
func NewSequencer(steps []Step, log zerolog.Logger, opts ...Option) (*Sequencer, error) {
	if err := validateOrder(steps); err != nil {
		return nil, err
	}

	s := &Sequencer{
		steps:  steps,
		log:    log,
		tracer: noop.NewTracerProvider().Tracer("pinstrap"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// validateOrder checks that every DependsOn edge points at an earlier step.
func validateOrder(steps []Step) error {
	seen := make(map[StepID]bool, len(steps))
	for _, st := range steps {
		if st.ID == "" {
			return NewInvalidArgument("step with empty ID", nil)
		}
		if seen[st.ID] {
			return NewInvalidArgument(fmt.Sprintf("duplicate step %q", st.ID), nil)
		}
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return NewInvalidArgument(
					fmt.Sprintf("step %q depends on %q which does not precede it", st.ID, dep), nil)
			}
		}
		seen[st.ID] = true
	}
	return nil
}

// Run executes all steps in declared order. The first failure aborts the run
// immediately: side effects are cumulative and never rolled back, and
// recovery is by re-invocation, where idempotent preconditions skip the
// already-completed steps.
func (s *Sequencer) Run(ctx context.Context) (*RunLog, error) {
	runID := uuid.New().String()
	start := time.Now()
	runLog := &RunLog{}

	ctx, span := s.tracer.Start(ctx, "provision.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	s.log.Info().Str("run_id", runID).Int("steps", len(s.steps)).Msg("provisioning run started")
	if s.recorder != nil {
		if err := s.recorder.RunStarted(ctx, runID); err != nil {
			return runLog, fmt.Errorf("record run start: %w", err)
		}
	}

	runErr := s.runSteps(ctx, runID, runLog)

	summary := runLog.Summary()
	status := "succeeded"
	if runErr != nil {
		status = "failed"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if s.metrics != nil {
		s.metrics.RecordRun(status, time.Since(start))
	}
	if s.recorder != nil {
		if err := s.recorder.RunCompleted(ctx, runID, summary, runErr); err != nil {
			s.log.Warn().Err(err).Msg("failed to record run completion")
		}
	}

	s.log.Info().
		Str("run_id", runID).
		Str("status", status).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("provisioning run finished")

	return runLog, runErr
}

func (s *Sequencer) runSteps(ctx context.Context, runID string, runLog *RunLog) error {
	for i, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := s.runStep(ctx, runID, st)
		runLog.Append(rec)
		if s.metrics != nil {
			s.metrics.RecordStep(st.ID, rec.Outcome, rec.Duration)
		}
		if s.recorder != nil {
			if rerr := s.recorder.StepRecorded(ctx, runID, rec); rerr != nil {
				s.log.Warn().Err(rerr).Str("step", string(st.ID)).Msg("failed to persist step record")
			}
		}
		if err != nil {
			// All steps are fatal: surface the first failure and stop.
			return err
		}

		if s.pause && i < len(s.steps)-1 {
			s.log.Info().Str("step", string(st.ID)).Msg("pausing for acknowledgment")
			if err := s.ack.Acknowledge(ctx, st.ID); err != nil {
				return fmt.Errorf("pause acknowledgment: %w", err)
			}
		}
	}
	return nil
}

// runStep evaluates one step's precondition and, when needed, its action.
func (s *Sequencer) runStep(ctx context.Context, runID string, st Step) (Record, error) {
	ctx, span := s.tracer.Start(ctx, "provision.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.id", string(st.ID)),
		))
	defer span.End()

	log := s.log.With().Str("run_id", runID).Str("step", string(st.ID)).Logger()

	applied, err := st.Precondition(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec := Record{StepID: st.ID, Outcome: OutcomeFailed, Timestamp: time.Now(), Err: err}
		return rec, wrapStepErr(st.ID, err)
	}
	if applied {
		log.Info().Msg("already applied, skipping")
		span.SetAttributes(attribute.String("step.outcome", string(OutcomeSkipped)))
		return Record{StepID: st.ID, Outcome: OutcomeSkipped, Timestamp: time.Now()}, nil
	}

	log.Info().Str("summary", st.Summary).Msg("applying step")
	start := time.Now()
	err = st.Action(ctx)
	dur := time.Since(start)

	if err != nil {
		log.Error().Err(err).Dur("duration", dur).Msg("step failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec := Record{StepID: st.ID, Outcome: OutcomeFailed, Timestamp: time.Now(), Duration: dur, Err: err}
		return rec, wrapStepErr(st.ID, err)
	}

	log.Info().Dur("duration", dur).Msg("step succeeded")
	span.SetAttributes(attribute.String("step.outcome", string(OutcomeSucceeded)))
	if s.recorder != nil {
		if merr := s.recorder.MarkApplied(ctx, st.ID); merr != nil {
			log.Warn().Err(merr).Msg("failed to mark step applied")
		}
	}
	return Record{StepID: st.ID, Outcome: OutcomeSucceeded, Timestamp: time.Now(), Duration: dur}, nil
}

// wrapStepErr attaches step context, preserving an existing taxonomy code.
func wrapStepErr(id StepID, err error) error {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		if pe.Step == "" {
			pe.Step = id
		}
		return err
	}
	return NewStepFailed(id, err)
}

// Plan evaluates every precondition without running any action and reports
// which steps a run would execute.
func (s *Sequencer) Plan(ctx context.Context) ([]PlanEntry, error) {
	entries := make([]PlanEntry, 0, len(s.steps))
	for _, st := range s.steps {
		applied, err := st.Precondition(ctx)
		if err != nil {
			return entries, wrapStepErr(st.ID, err)
		}
		entries = append(entries, PlanEntry{
			StepID:   st.ID,
			Summary:  st.Summary,
			WouldRun: !applied,
		})
	}
	return entries, nil
}
