package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/condaenv"
	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/imageref"
	"github.com/foundry-ml/foundry-go/internal/repo"
	"github.com/google/uuid"
)

var errComputeStateConflict = errors.New("compute state conflict")
var errBaseImageNotPinned = errors.New("base image is not pinned")

type auditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Path      string
	Service   string
}

type registryService struct {
	workspaces     repo.WorkspaceRepository
	computes       repo.ComputeTargetRepository
	environments   repo.EnvironmentRepository
	audit          repo.AuditEventAppender
	requirePinning bool
	now            func() time.Time
}

func newRegistryService(workspaces repo.WorkspaceRepository, computes repo.ComputeTargetRepository, environments repo.EnvironmentRepository, audit repo.AuditEventAppender, requirePinning bool) *registryService {
	return &registryService{
		workspaces:     workspaces,
		computes:       computes,
		environments:   environments,
		audit:          audit,
		requirePinning: requirePinning,
		now:            time.Now,
	}
}

func (s *registryService) CreateWorkspace(ctx context.Context, name string, description string, region string, metadata map[string]any, auditCtx auditContext) (domain.Workspace, error) {
	if s == nil || s.workspaces == nil {
		return domain.Workspace{}, fmt.Errorf("workspace service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Workspace{}, fmt.Errorf("workspace name is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	workspaceID := uuid.NewString()

	type integrityInput struct {
		WorkspaceID string          `json:"workspace_id"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Region      string          `json:"region,omitempty"`
		Metadata    json.RawMessage `json:"metadata"`
		CreatedAt   time.Time       `json:"created_at"`
		CreatedBy   string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		Region:      region,
		Metadata:    metadataJSON,
		CreatedAt:   now,
		CreatedBy:   auditCtx.Actor,
	})
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("integrity: %w", err)
	}

	workspace := domain.Workspace{
		ID:              workspaceID,
		Name:            name,
		Description:     strings.TrimSpace(description),
		Region:          strings.TrimSpace(region),
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       auditCtx.Actor,
		IntegritySHA256: integrity,
	}
	if err := workspace.Validate(); err != nil {
		return domain.Workspace{}, err
	}
	if err := s.workspaces.Create(ctx, workspace); err != nil {
		return domain.Workspace{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "workspace.create", "workspace", workspaceID, map[string]any{
		"name":   name,
		"region": region,
	})
	return workspace, nil
}

func (s *registryService) GetWorkspace(ctx context.Context, workspaceID string) (domain.Workspace, error) {
	if s == nil || s.workspaces == nil {
		return domain.Workspace{}, fmt.Errorf("workspace service not initialized")
	}
	return s.workspaces.Get(ctx, workspaceID)
}

func (s *registryService) ListWorkspaces(ctx context.Context, filter repo.WorkspaceFilter) ([]domain.Workspace, error) {
	if s == nil || s.workspaces == nil {
		return nil, fmt.Errorf("workspace service not initialized")
	}
	return s.workspaces.List(ctx, filter)
}

func (s *registryService) CreateComputeTarget(ctx context.Context, workspaceID string, name string, kindRaw string, vmSize string, minNodes int, maxNodes int, k8sNamespace string, metadata map[string]any, auditCtx auditContext) (domain.ComputeTarget, error) {
	if s == nil || s.computes == nil {
		return domain.ComputeTarget{}, fmt.Errorf("compute service not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return domain.ComputeTarget{}, fmt.Errorf("workspace id is required")
	}
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return domain.ComputeTarget{}, err
	}
	kind, err := domain.ParseComputeKind(kindRaw)
	if err != nil {
		return domain.ComputeTarget{}, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.ComputeTarget{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	targetID := uuid.NewString()

	type integrityInput struct {
		TargetID     string          `json:"target_id"`
		WorkspaceID  string          `json:"workspace_id"`
		Name         string          `json:"name"`
		Kind         string          `json:"kind"`
		VMSize       string          `json:"vm_size,omitempty"`
		MinNodes     int             `json:"min_nodes"`
		MaxNodes     int             `json:"max_nodes"`
		K8sNamespace string          `json:"k8s_namespace,omitempty"`
		Metadata     json.RawMessage `json:"metadata"`
		CreatedAt    time.Time       `json:"created_at"`
		CreatedBy    string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		TargetID:     targetID,
		WorkspaceID:  workspaceID,
		Name:         strings.TrimSpace(name),
		Kind:         string(kind),
		VMSize:       strings.TrimSpace(vmSize),
		MinNodes:     minNodes,
		MaxNodes:     maxNodes,
		K8sNamespace: strings.TrimSpace(k8sNamespace),
		Metadata:     metadataJSON,
		CreatedAt:    now,
		CreatedBy:    auditCtx.Actor,
	})
	if err != nil {
		return domain.ComputeTarget{}, fmt.Errorf("integrity: %w", err)
	}

	target := domain.ComputeTarget{
		ID:              targetID,
		WorkspaceID:     workspaceID,
		Name:            strings.TrimSpace(name),
		Kind:            kind,
		State:           domain.ComputeStateCreating,
		VMSize:          strings.TrimSpace(vmSize),
		MinNodes:        minNodes,
		MaxNodes:        maxNodes,
		K8sNamespace:    strings.TrimSpace(k8sNamespace),
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       auditCtx.Actor,
		UpdatedAt:       now,
		IntegritySHA256: integrity,
	}
	if err := target.Validate(); err != nil {
		return domain.ComputeTarget{}, err
	}
	if err := s.computes.Create(ctx, target); err != nil {
		return domain.ComputeTarget{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "compute_target.create", "compute_target", targetID, map[string]any{
		"workspace_id":  workspaceID,
		"name":          target.Name,
		"kind":          string(kind),
		"vm_size":       target.VMSize,
		"min_nodes":     minNodes,
		"max_nodes":     maxNodes,
		"k8s_namespace": target.K8sNamespace,
	})
	return target, nil
}

func (s *registryService) GetComputeTarget(ctx context.Context, workspaceID string, targetID string) (domain.ComputeTarget, error) {
	if s == nil || s.computes == nil {
		return domain.ComputeTarget{}, fmt.Errorf("compute service not initialized")
	}
	return s.computes.Get(ctx, workspaceID, targetID)
}

func (s *registryService) ListComputeTargets(ctx context.Context, filter repo.ComputeTargetFilter) ([]domain.ComputeTarget, error) {
	if s == nil || s.computes == nil {
		return nil, fmt.Errorf("compute service not initialized")
	}
	return s.computes.List(ctx, filter)
}

// DeleteComputeTarget moves a target into deleting; the provisioner finishes
// the transition. Already-deleting and deleted targets are conflicts.
func (s *registryService) DeleteComputeTarget(ctx context.Context, workspaceID string, targetID string, auditCtx auditContext) (domain.ComputeTarget, error) {
	if s == nil || s.computes == nil {
		return domain.ComputeTarget{}, fmt.Errorf("compute service not initialized")
	}
	target, err := s.computes.Get(ctx, workspaceID, targetID)
	if err != nil {
		return domain.ComputeTarget{}, err
	}
	if !domain.ComputeStateTransitionAllowed(target.State, domain.ComputeStateDeleting) {
		return domain.ComputeTarget{}, fmt.Errorf("%w: %s -> deleting", errComputeStateConflict, target.State)
	}

	now := s.now().UTC()
	fromState := target.State
	if err := s.computes.UpdateState(ctx, workspaceID, targetID, fromState, domain.ComputeStateDeleting, now); err != nil {
		return domain.ComputeTarget{}, err
	}
	target.State = domain.ComputeStateDeleting
	target.UpdatedAt = now

	s.appendAudit(ctx, auditCtx, now, "compute_target.delete", "compute_target", targetID, map[string]any{
		"workspace_id": workspaceID,
		"name":         target.Name,
		"from_state":   string(fromState),
	})
	return target, nil
}

func (s *registryService) RegisterEnvironment(ctx context.Context, workspaceID string, name string, baseImage string, condaYAML []byte, metadata map[string]any, auditCtx auditContext) (domain.Environment, error) {
	if s == nil || s.environments == nil {
		return domain.Environment{}, fmt.Errorf("environment service not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return domain.Environment{}, fmt.Errorf("workspace id is required")
	}
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return domain.Environment{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Environment{}, fmt.Errorf("environment name is required")
	}
	baseImage = strings.TrimSpace(baseImage)
	if baseImage == "" {
		return domain.Environment{}, fmt.Errorf("base image is required")
	}
	if s.requirePinning && !baseImagePinned(baseImage) {
		return domain.Environment{}, errBaseImageNotPinned
	}

	spec, err := condaenv.Parse(condaYAML)
	if err != nil {
		return domain.Environment{}, err
	}
	canonicalYAML, err := spec.MarshalYAML()
	if err != nil {
		return domain.Environment{}, fmt.Errorf("canonicalize conda spec: %w", err)
	}
	lock := spec.LockSHA256()

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.Environment{}, fmt.Errorf("invalid metadata: %w", err)
	}

	version, err := s.environments.NextVersion(ctx, workspaceID, name)
	if err != nil {
		return domain.Environment{}, err
	}

	now := s.now().UTC()
	environmentID := uuid.NewString()

	type integrityInput struct {
		EnvironmentID string          `json:"environment_id"`
		WorkspaceID   string          `json:"workspace_id"`
		Name          string          `json:"name"`
		Version       int64           `json:"version"`
		BaseImage     string          `json:"base_image"`
		LockSHA256    string          `json:"lock_sha256"`
		Metadata      json.RawMessage `json:"metadata"`
		CreatedAt     time.Time       `json:"created_at"`
		CreatedBy     string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		EnvironmentID: environmentID,
		WorkspaceID:   workspaceID,
		Name:          name,
		Version:       version,
		BaseImage:     baseImage,
		LockSHA256:    lock,
		Metadata:      metadataJSON,
		CreatedAt:     now,
		CreatedBy:     auditCtx.Actor,
	})
	if err != nil {
		return domain.Environment{}, fmt.Errorf("integrity: %w", err)
	}

	environment := domain.Environment{
		ID:              environmentID,
		WorkspaceID:     workspaceID,
		Name:            name,
		Version:         version,
		BaseImage:       baseImage,
		CondaSpec:       string(canonicalYAML),
		LockSHA256:      lock,
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       auditCtx.Actor,
		IntegritySHA256: integrity,
	}
	if err := environment.Validate(); err != nil {
		return domain.Environment{}, err
	}
	if err := s.environments.Create(ctx, environment); err != nil {
		return domain.Environment{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "environment.register", "environment", environmentID, map[string]any{
		"workspace_id": workspaceID,
		"name":         name,
		"version":      version,
		"base_image":   baseImage,
		"lock_sha256":  lock,
	})
	return environment, nil
}

func (s *registryService) GetEnvironment(ctx context.Context, workspaceID string, environmentID string) (domain.Environment, error) {
	if s == nil || s.environments == nil {
		return domain.Environment{}, fmt.Errorf("environment service not initialized")
	}
	return s.environments.Get(ctx, workspaceID, environmentID)
}

// GetEnvironmentByNameVersion resolves a named environment; version < 1
// means latest.
func (s *registryService) GetEnvironmentByNameVersion(ctx context.Context, workspaceID string, name string, version int64) (domain.Environment, error) {
	if s == nil || s.environments == nil {
		return domain.Environment{}, fmt.Errorf("environment service not initialized")
	}
	return s.environments.GetByNameVersion(ctx, workspaceID, name, version)
}

func (s *registryService) ListEnvironments(ctx context.Context, filter repo.EnvironmentFilter) ([]domain.Environment, error) {
	if s == nil || s.environments == nil {
		return nil, fmt.Errorf("environment service not initialized")
	}
	return s.environments.List(ctx, filter)
}

// baseImagePinned accepts digest-pinned references and tags other than
// latest. An untagged reference floats and is rejected under pinning policy.
func baseImagePinned(ref string) bool {
	if _, ok := imageref.DigestFromRef(ref); ok {
		return true
	}
	name := ref
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		name = name[slash+1:]
	}
	colon := strings.LastIndex(name, ":")
	if colon < 0 {
		return false
	}
	tag := strings.TrimSpace(name[colon+1:])
	return tag != "" && !strings.EqualFold(tag, "latest")
}

func (s *registryService) appendAudit(ctx context.Context, auditCtx auditContext, occurredAt time.Time, action string, resourceType string, resourceID string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = auditCtx.Service
	payload["request_path"] = auditCtx.Path
	_, _ = s.audit.Append(ctx, domain.AuditEvent{
		OccurredAt:   occurredAt,
		Actor:        auditCtx.Actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    auditCtx.RequestID,
		IP:           auditCtx.IP,
		UserAgent:    auditCtx.UserAgent,
		Payload:      payload,
	})
}
