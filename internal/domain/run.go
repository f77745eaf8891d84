package domain

import (
	"errors"
	"strings"
	"time"
)

// Experiment groups runs under a name inside a workspace.
type Experiment struct {
	ID              string
	WorkspaceID     string
	Name            string
	Description     string
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (e Experiment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("experiment id is required")
	}
	if strings.TrimSpace(e.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("experiment name is required")
	}
	return nil
}

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

var runStatusRank = map[RunStatus]int{
	RunStatusQueued:   1,
	RunStatusStarting: 2,
	RunStatusRunning:  3,
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

func (s RunStatus) Known() bool {
	if s.Terminal() {
		return true
	}
	_, ok := runStatusRank[s]
	return ok
}

// RunStatusTransitionAllowed reports whether a run may move from one status
// to another. Terminal states absorb; non-terminal progress never moves
// backwards.
func RunStatusTransitionAllowed(from, to RunStatus) bool {
	if !from.Known() || !to.Known() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return runStatusRank[to] > runStatusRank[from]
}

// Run is one submitted training execution. Its status is derived from the
// latest appended state event, not stored as a mutable column.
type Run struct {
	ID              string
	WorkspaceID     string
	ExperimentID    string
	EnvironmentID   string
	ComputeTargetID string
	Command         []string
	Args            []string
	Env             map[string]string
	DatasetBindings map[string]string
	SubmittedAt     time.Time
	SubmittedBy     string
	IntegritySHA256 string
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(r.ExperimentID) == "" {
		return errors.New("experiment id is required")
	}
	if strings.TrimSpace(r.EnvironmentID) == "" {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(r.ComputeTargetID) == "" {
		return errors.New("compute target id is required")
	}
	if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
		return errors.New("command is required")
	}
	return nil
}

// RunStateEvent is one append-only status observation for a run.
type RunStateEvent struct {
	ID         string
	RunID      string
	Status     RunStatus
	ObservedAt time.Time
	Details    Metadata
}

// RunLogLine is one log record reported by the run container.
type RunLogLine struct {
	EventID    int64
	RunID      string
	OccurredAt time.Time
	Actor      string
	Level      string
	Message    string
	Metadata   Metadata
}

// MetricSample is one scalar metric observation reported by the run
// container, keyed by step and metric name.
type MetricSample struct {
	ID         string
	RunID      string
	RecordedAt time.Time
	RecordedBy string
	Step       int64
	Name       string
	Value      float64
	Metadata   Metadata
}

func (m MetricSample) Validate() error {
	if strings.TrimSpace(m.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("metric name is required")
	}
	if m.Step < 0 {
		return errors.New("step must be >= 0")
	}
	return nil
}
