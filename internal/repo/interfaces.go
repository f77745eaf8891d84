package repo

import (
	"context"
	"errors"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

type WorkspaceFilter struct {
	Name      string
	CreatedBy string
	Limit     int
}

type ComputeTargetFilter struct {
	WorkspaceID string
	Kind        domain.ComputeKind
	State       domain.ComputeState
	Limit       int
}

type EnvironmentFilter struct {
	WorkspaceID string
	Name        string
	Limit       int
}

type DatastoreFilter struct {
	WorkspaceID string
	Limit       int
}

type DatasetFilter struct {
	WorkspaceID string
	Name        string
	Limit       int
}

type DatasetVersionFilter struct {
	WorkspaceID string
	DatasetID   string
	Limit       int
}

type ExperimentFilter struct {
	WorkspaceID string
	Name        string
	Limit       int
}

// WorkspaceRepository manages workspaces.
type WorkspaceRepository interface {
	Create(ctx context.Context, workspace domain.Workspace) error
	Get(ctx context.Context, id string) (domain.Workspace, error)
	List(ctx context.Context, filter WorkspaceFilter) ([]domain.Workspace, error)
}

// ComputeTargetRepository manages compute targets and their lifecycle state.
type ComputeTargetRepository interface {
	Create(ctx context.Context, target domain.ComputeTarget) error
	Get(ctx context.Context, workspaceID, id string) (domain.ComputeTarget, error)
	GetByName(ctx context.Context, workspaceID, name string) (domain.ComputeTarget, error)
	List(ctx context.Context, filter ComputeTargetFilter) ([]domain.ComputeTarget, error)
	ListByState(ctx context.Context, state domain.ComputeState, limit int) ([]domain.ComputeTarget, error)
	UpdateState(ctx context.Context, workspaceID, id string, from, to domain.ComputeState, at time.Time) error
}

// EnvironmentRepository manages immutable environment versions.
type EnvironmentRepository interface {
	Create(ctx context.Context, environment domain.Environment) error
	Get(ctx context.Context, workspaceID, id string) (domain.Environment, error)
	GetByNameVersion(ctx context.Context, workspaceID, name string, version int64) (domain.Environment, error)
	List(ctx context.Context, filter EnvironmentFilter) ([]domain.Environment, error)
	NextVersion(ctx context.Context, workspaceID, name string) (int64, error)
}

// DatastoreRepository manages datastore pointers.
type DatastoreRepository interface {
	Create(ctx context.Context, datastore domain.Datastore) error
	Get(ctx context.Context, workspaceID, id string) (domain.Datastore, error)
	GetDefault(ctx context.Context, workspaceID string) (domain.Datastore, error)
	List(ctx context.Context, filter DatastoreFilter) ([]domain.Datastore, error)
}

// DatasetRepository manages datasets and their immutable versions.
type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset domain.Dataset) error
	GetDataset(ctx context.Context, workspaceID, id string) (domain.Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, error)

	CreateVersion(ctx context.Context, version domain.DatasetVersion) error
	GetVersion(ctx context.Context, workspaceID, id string) (domain.DatasetVersion, error)
	ListVersions(ctx context.Context, filter DatasetVersionFilter) ([]domain.DatasetVersion, error)
	NextVersionOrdinal(ctx context.Context, workspaceID, datasetID string) (int64, error)
}

// ExperimentRepository manages experiments.
type ExperimentRepository interface {
	Create(ctx context.Context, experiment domain.Experiment) error
	Get(ctx context.Context, workspaceID, id string) (domain.Experiment, error)
	GetByName(ctx context.Context, workspaceID, name string) (domain.Experiment, error)
	List(ctx context.Context, filter ExperimentFilter) ([]domain.Experiment, error)
}

// AuditEventAppender guarantees append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
