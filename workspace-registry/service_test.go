package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

func TestBaseImagePinned(t *testing.T) {
	digest := "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tests := []struct {
		ref  string
		want bool
	}{
		{"registry.example.test/train@" + digest, true},
		{"registry.example.test/train:v1", true},
		{"train:2024-05", true},
		{"train:latest", false},
		{"train:LATEST", false},
		{"train", false},
		{"registry.example.test:5000/train", false},
		{"registry.example.test:5000/train:v1", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := baseImagePinned(tt.ref); got != tt.want {
			t.Fatalf("baseImagePinned(%q)=%v, want %v", tt.ref, got, tt.want)
		}
	}
}

type fakeWorkspaceRepo struct {
	workspaces map[string]domain.Workspace
}

func (f *fakeWorkspaceRepo) Create(ctx context.Context, workspace domain.Workspace) error {
	if f.workspaces == nil {
		f.workspaces = map[string]domain.Workspace{}
	}
	f.workspaces[workspace.ID] = workspace
	return nil
}

func (f *fakeWorkspaceRepo) Get(ctx context.Context, id string) (domain.Workspace, error) {
	workspace, ok := f.workspaces[id]
	if !ok {
		return domain.Workspace{}, repo.ErrNotFound
	}
	return workspace, nil
}

func (f *fakeWorkspaceRepo) List(ctx context.Context, filter repo.WorkspaceFilter) ([]domain.Workspace, error) {
	out := make([]domain.Workspace, 0, len(f.workspaces))
	for _, workspace := range f.workspaces {
		out = append(out, workspace)
	}
	return out, nil
}

type fakeComputeRepo struct {
	targets map[string]domain.ComputeTarget
}

func (f *fakeComputeRepo) Create(ctx context.Context, target domain.ComputeTarget) error {
	if f.targets == nil {
		f.targets = map[string]domain.ComputeTarget{}
	}
	f.targets[target.ID] = target
	return nil
}

func (f *fakeComputeRepo) Get(ctx context.Context, workspaceID, id string) (domain.ComputeTarget, error) {
	target, ok := f.targets[id]
	if !ok || target.WorkspaceID != workspaceID {
		return domain.ComputeTarget{}, repo.ErrNotFound
	}
	return target, nil
}

func (f *fakeComputeRepo) GetByName(ctx context.Context, workspaceID, name string) (domain.ComputeTarget, error) {
	for _, target := range f.targets {
		if target.WorkspaceID == workspaceID && target.Name == name {
			return target, nil
		}
	}
	return domain.ComputeTarget{}, repo.ErrNotFound
}

func (f *fakeComputeRepo) List(ctx context.Context, filter repo.ComputeTargetFilter) ([]domain.ComputeTarget, error) {
	out := make([]domain.ComputeTarget, 0, len(f.targets))
	for _, target := range f.targets {
		out = append(out, target)
	}
	return out, nil
}

func (f *fakeComputeRepo) ListByState(ctx context.Context, state domain.ComputeState, limit int) ([]domain.ComputeTarget, error) {
	var out []domain.ComputeTarget
	for _, target := range f.targets {
		if target.State == state {
			out = append(out, target)
		}
	}
	return out, nil
}

func (f *fakeComputeRepo) UpdateState(ctx context.Context, workspaceID, id string, from, to domain.ComputeState, at time.Time) error {
	target, ok := f.targets[id]
	if !ok || target.WorkspaceID != workspaceID || target.State != from {
		return repo.ErrNotFound
	}
	target.State = to
	target.UpdatedAt = at
	f.targets[id] = target
	return nil
}

type fakeEnvironmentRepo struct {
	environments []domain.Environment
}

func (f *fakeEnvironmentRepo) Create(ctx context.Context, environment domain.Environment) error {
	f.environments = append(f.environments, environment)
	return nil
}

func (f *fakeEnvironmentRepo) Get(ctx context.Context, workspaceID, id string) (domain.Environment, error) {
	for _, environment := range f.environments {
		if environment.WorkspaceID == workspaceID && environment.ID == id {
			return environment, nil
		}
	}
	return domain.Environment{}, repo.ErrNotFound
}

func (f *fakeEnvironmentRepo) GetByNameVersion(ctx context.Context, workspaceID, name string, version int64) (domain.Environment, error) {
	var latest domain.Environment
	found := false
	for _, environment := range f.environments {
		if environment.WorkspaceID != workspaceID || environment.Name != name {
			continue
		}
		if version >= 1 && environment.Version == version {
			return environment, nil
		}
		if version < 1 && environment.Version >= latest.Version {
			latest = environment
			found = true
		}
	}
	if version < 1 && found {
		return latest, nil
	}
	return domain.Environment{}, repo.ErrNotFound
}

func (f *fakeEnvironmentRepo) List(ctx context.Context, filter repo.EnvironmentFilter) ([]domain.Environment, error) {
	return append([]domain.Environment(nil), f.environments...), nil
}

func (f *fakeEnvironmentRepo) NextVersion(ctx context.Context, workspaceID, name string) (int64, error) {
	var max int64
	for _, environment := range f.environments {
		if environment.WorkspaceID == workspaceID && environment.Name == name && environment.Version > max {
			max = environment.Version
		}
	}
	return max + 1, nil
}

type fakeAudit struct {
	events []domain.AuditEvent
}

func (f *fakeAudit) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	f.events = append(f.events, event)
	return int64(len(f.events)), nil
}

func newTestService(requirePinning bool) (*registryService, *fakeWorkspaceRepo, *fakeComputeRepo, *fakeEnvironmentRepo, *fakeAudit) {
	workspaces := &fakeWorkspaceRepo{}
	computes := &fakeComputeRepo{}
	environments := &fakeEnvironmentRepo{}
	audit := &fakeAudit{}
	service := newRegistryService(workspaces, computes, environments, audit, requirePinning)
	return service, workspaces, computes, environments, audit
}

func testAuditContext() auditContext {
	return auditContext{Actor: "alice", RequestID: "rid-1", Service: "workspace-registry", Path: "/test"}
}

const testCondaSpec = "name: train-env\ndependencies:\n  - python=3.11\n"

func TestCreateWorkspace(t *testing.T) {
	service, workspaces, _, _, audit := newTestService(false)

	workspace, err := service.CreateWorkspace(context.Background(), " ml-team ", "training", "us-east-1", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}
	if workspace.Name != "ml-team" {
		t.Fatalf("Name=%q, want ml-team", workspace.Name)
	}
	if workspace.IntegritySHA256 == "" {
		t.Fatalf("integrity hash not set")
	}
	if _, ok := workspaces.workspaces[workspace.ID]; !ok {
		t.Fatalf("workspace not persisted")
	}
	if len(audit.events) != 1 || audit.events[0].Action != "workspace.create" {
		t.Fatalf("audit events=%v", audit.events)
	}

	if _, err := service.CreateWorkspace(context.Background(), "   ", "", "", nil, testAuditContext()); err == nil {
		t.Fatalf("expected error for blank name")
	}
}

func TestCreateComputeTarget(t *testing.T) {
	service, _, computes, _, audit := newTestService(false)
	workspace, err := service.CreateWorkspace(context.Background(), "ml-team", "", "", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}

	target, err := service.CreateComputeTarget(context.Background(), workspace.ID, "gpu-pool", "kubernetes", "g5.xlarge", 0, 4, "foundry-jobs", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateComputeTarget() err=%v", err)
	}
	if target.State != domain.ComputeStateCreating {
		t.Fatalf("State=%q, want creating", target.State)
	}
	if _, ok := computes.targets[target.ID]; !ok {
		t.Fatalf("target not persisted")
	}
	if audit.events[len(audit.events)-1].Action != "compute_target.create" {
		t.Fatalf("missing compute_target.create audit event")
	}

	if _, err := service.CreateComputeTarget(context.Background(), "missing-ws", "gpu-pool", "kubernetes", "", 0, 1, "ns", nil, testAuditContext()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound for unknown workspace", err)
	}
	if _, err := service.CreateComputeTarget(context.Background(), workspace.ID, "pool", "slurm", "", 0, 1, "", nil, testAuditContext()); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}

func TestDeleteComputeTarget(t *testing.T) {
	service, _, computes, _, audit := newTestService(false)
	workspace, err := service.CreateWorkspace(context.Background(), "ml-team", "", "", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}
	created, err := service.CreateComputeTarget(context.Background(), workspace.ID, "gpu-pool", "kubernetes", "", 0, 4, "foundry-jobs", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateComputeTarget() err=%v", err)
	}

	// Provisioner has moved the target to ready.
	if err := computes.UpdateState(context.Background(), workspace.ID, created.ID, domain.ComputeStateCreating, domain.ComputeStateReady, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateState() err=%v", err)
	}

	deleted, err := service.DeleteComputeTarget(context.Background(), workspace.ID, created.ID, testAuditContext())
	if err != nil {
		t.Fatalf("DeleteComputeTarget() err=%v", err)
	}
	if deleted.State != domain.ComputeStateDeleting {
		t.Fatalf("State=%q, want deleting", deleted.State)
	}
	if audit.events[len(audit.events)-1].Action != "compute_target.delete" {
		t.Fatalf("missing compute_target.delete audit event")
	}

	// A second delete is a state conflict, not a repeat transition.
	if _, err := service.DeleteComputeTarget(context.Background(), workspace.ID, created.ID, testAuditContext()); !errors.Is(err, errComputeStateConflict) {
		t.Fatalf("err=%v, want errComputeStateConflict", err)
	}

	if _, err := service.DeleteComputeTarget(context.Background(), workspace.ID, "missing", testAuditContext()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestRegisterEnvironment(t *testing.T) {
	service, _, _, environments, audit := newTestService(false)
	workspace, err := service.CreateWorkspace(context.Background(), "ml-team", "", "", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}

	first, err := service.RegisterEnvironment(context.Background(), workspace.ID, "train-env", "registry.example.test/train:v1", []byte(testCondaSpec), nil, testAuditContext())
	if err != nil {
		t.Fatalf("RegisterEnvironment() err=%v", err)
	}
	if first.Version != 1 {
		t.Fatalf("Version=%d, want 1", first.Version)
	}
	if first.LockSHA256 == "" || first.CondaSpec == "" {
		t.Fatalf("lock hash or canonical spec not set: %+v", first)
	}

	second, err := service.RegisterEnvironment(context.Background(), workspace.ID, "train-env", "registry.example.test/train:v2", []byte(testCondaSpec), nil, testAuditContext())
	if err != nil {
		t.Fatalf("RegisterEnvironment() second err=%v", err)
	}
	if second.Version != 2 {
		t.Fatalf("Version=%d, want 2", second.Version)
	}
	if len(environments.environments) != 2 {
		t.Fatalf("environments=%d, want 2", len(environments.environments))
	}
	if audit.events[len(audit.events)-1].Action != "environment.register" {
		t.Fatalf("missing environment.register audit event")
	}

	latest, err := service.GetEnvironmentByNameVersion(context.Background(), workspace.ID, "train-env", 0)
	if err != nil {
		t.Fatalf("GetEnvironmentByNameVersion() err=%v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest=%q, want %q", latest.ID, second.ID)
	}

	if _, err := service.RegisterEnvironment(context.Background(), workspace.ID, "bad-env", "train:v1", []byte("not: [valid"), nil, testAuditContext()); err == nil {
		t.Fatalf("expected error for malformed conda spec")
	}
}

func TestRegisterEnvironment_PinningPolicy(t *testing.T) {
	service, _, _, _, _ := newTestService(true)
	workspace, err := service.CreateWorkspace(context.Background(), "ml-team", "", "", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}

	if _, err := service.RegisterEnvironment(context.Background(), workspace.ID, "train-env", "train:latest", []byte(testCondaSpec), nil, testAuditContext()); !errors.Is(err, errBaseImageNotPinned) {
		t.Fatalf("err=%v, want errBaseImageNotPinned", err)
	}

	if _, err := service.RegisterEnvironment(context.Background(), workspace.ID, "train-env", "registry.example.test/train:v1", []byte(testCondaSpec), nil, testAuditContext()); err != nil {
		t.Fatalf("RegisterEnvironment() pinned tag err=%v", err)
	}
}
