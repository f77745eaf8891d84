package domain

import (
	"testing"
	"time"
)

func TestRunStatusTransitionAllowed(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunStatusQueued, RunStatusStarting, true},
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusQueued, RunStatusFailed, true},
		{RunStatusStarting, RunStatusRunning, true},
		{RunStatusStarting, RunStatusQueued, false},
		{RunStatusRunning, RunStatusSucceeded, true},
		{RunStatusRunning, RunStatusCanceled, true},
		{RunStatusRunning, RunStatusStarting, false},
		{RunStatusSucceeded, RunStatusFailed, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCanceled, RunStatusCanceled, false},
		{RunStatus("bogus"), RunStatusRunning, false},
		{RunStatusQueued, RunStatus("bogus"), false},
	}
	for _, tt := range tests {
		if got := RunStatusTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Fatalf("RunStatusTransitionAllowed(%s, %s)=%v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusSucceeded, RunStatusFailed, RunStatusCanceled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusQueued, RunStatusStarting, RunStatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestRunValidate(t *testing.T) {
	run := Run{
		ID:              "run-1",
		WorkspaceID:     "ws-1",
		ExperimentID:    "exp-1",
		EnvironmentID:   "env-1",
		ComputeTargetID: "ct-1",
		Command:         []string{"python", "train.py"},
		SubmittedAt:     time.Now().UTC(),
		SubmittedBy:     "alice",
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	missing := run
	missing.Command = nil
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected validation error for empty command")
	}

	missing = run
	missing.ComputeTargetID = ""
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected validation error for missing compute target")
	}
}

func TestMetricSampleValidate(t *testing.T) {
	sample := MetricSample{RunID: "run-1", Name: "loss", Step: 0}
	if err := sample.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	sample.Step = -1
	if err := sample.Validate(); err == nil {
		t.Fatalf("expected validation error for negative step")
	}
	sample = MetricSample{RunID: "run-1", Step: 1}
	if err := sample.Validate(); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}
