package engine

import (
	"context"
	"time"
)

// StepID identifies a provisioning step.
type StepID string

// The fixed step order for a node provisioning run. Steps are declared in
// dependency order; the sequencer executes them exactly in this order.
const (
	StepOSBootstrap         StepID = "os-bootstrap"
	StepAccountCreated      StepID = "account-created"
	StepRuntimeInstalled    StepID = "runtime-installed"
	StepNodeInstalled       StepID = "node-installed"
	StepNodeInitialized     StepID = "node-initialized"
	StepFirewallOpened      StepID = "firewall-opened"
	StepQuotaSet            StepID = "quota-set"
	StepAutostartRegistered StepID = "autostart-registered"
	StepPostInstall         StepID = "post-install"
	StepDaemonStarted       StepID = "daemon-started"
)

// Step is a single idempotent unit of provisioning work.
//
// The precondition reports whether the step's effect is already present on
// the host; the action applies it. An action must be safe to run at most
// once in effect: rerunning without the precondition check would error or
// duplicate work, which is why the sequencer never invokes an action whose
// precondition holds.
type Step struct {
	// ID uniquely identifies the step.
	ID StepID

	// Summary is a one-line human-readable description.
	Summary string

	// DependsOn lists steps that must have completed (or been skipped as
	// already applied) before this step runs. The declared step order must
	// already satisfy these edges; they exist for validation and display.
	DependsOn []StepID

	// Precondition reports whether the step is already applied.
	Precondition func(ctx context.Context) (bool, error)

	// Action applies the step's effect.
	Action func(ctx context.Context) error
}

// Outcome is the recorded result of one step in a run.
type Outcome string

const (
	// OutcomeSkipped means the precondition held and the action did not run.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeSucceeded means the action ran and returned no error.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the action ran and returned an error.
	OutcomeFailed Outcome = "failed"
)

// Record is a single entry in the run log.
type Record struct {
	// StepID is the step this record belongs to.
	StepID StepID `json:"step_id"`

	// Outcome is the step's outcome.
	Outcome Outcome `json:"outcome"`

	// Timestamp is when the outcome was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the action ran (zero for skipped steps).
	Duration time.Duration `json:"duration"`

	// Err is the failure, if the outcome is failed.
	Err error `json:"-"`
}

// RunLog is the ordered, append-only sequence of step records for one run.
// It is owned exclusively by the sequencer and not persisted across runs.
type RunLog struct {
	records []Record
}

// Append adds a record to the log.
func (l *RunLog) Append(r Record) {
	l.records = append(l.records, r)
}

// Records returns the recorded entries in append order.
func (l *RunLog) Records() []Record {
	return l.records
}

// Summary tallies outcomes across the log.
func (l *RunLog) Summary() RunSummary {
	var s RunSummary
	s.Total = len(l.records)
	for _, r := range l.records {
		switch r.Outcome {
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		}
	}
	return s
}

// RunSummary provides statistics about a completed or aborted run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// PlanEntry describes what a dry run would do for one step.
type PlanEntry struct {
	// StepID is the step being planned.
	StepID StepID `json:"step_id"`

	// Summary is the step's description.
	Summary string `json:"summary"`

	// WouldRun is true when the precondition does not hold.
	WouldRun bool `json:"would_run"`
}
