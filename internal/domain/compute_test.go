package domain

import "testing"

func TestParseComputeKind(t *testing.T) {
	kind, err := ParseComputeKind(" Kubernetes ")
	if err != nil {
		t.Fatalf("ParseComputeKind() err=%v", err)
	}
	if kind != ComputeKindKubernetes {
		t.Fatalf("kind=%q, want kubernetes", kind)
	}
	if _, err := ParseComputeKind("slurm"); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}

func TestComputeStateTransitionAllowed(t *testing.T) {
	tests := []struct {
		from ComputeState
		to   ComputeState
		want bool
	}{
		{ComputeStateCreating, ComputeStateReady, true},
		{ComputeStateCreating, ComputeStateFailed, true},
		{ComputeStateCreating, ComputeStateDeleting, true},
		{ComputeStateCreating, ComputeStateDeleted, false},
		{ComputeStateReady, ComputeStateDeleting, true},
		{ComputeStateReady, ComputeStateCreating, false},
		{ComputeStateDeleting, ComputeStateDeleted, true},
		{ComputeStateDeleting, ComputeStateReady, false},
		{ComputeStateFailed, ComputeStateDeleting, true},
		{ComputeStateFailed, ComputeStateReady, false},
		{ComputeStateDeleted, ComputeStateDeleting, false},
	}
	for _, tt := range tests {
		if got := ComputeStateTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Fatalf("ComputeStateTransitionAllowed(%s, %s)=%v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestComputeTargetValidate(t *testing.T) {
	target := ComputeTarget{
		ID:           "ct-1",
		WorkspaceID:  "ws-1",
		Name:         "gpu-pool",
		Kind:         ComputeKindKubernetes,
		MinNodes:     0,
		MaxNodes:     4,
		K8sNamespace: "foundry-jobs",
	}
	if err := target.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	bad := target
	bad.K8sNamespace = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for kubernetes target without namespace")
	}

	bad = target
	bad.MinNodes = 5
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for min > max")
	}

	docker := target
	docker.Kind = ComputeKindDocker
	docker.K8sNamespace = ""
	if err := docker.Validate(); err != nil {
		t.Fatalf("docker target should not require a namespace: %v", err)
	}
}
