package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
	"github.com/google/uuid"
)

// defaultDatastoreName is created lazily the first time a workspace touches
// the dataset store without naming a datastore of its own.
const defaultDatastoreName = "workspaceblobstore"

type auditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Path      string
	Service   string
}

type datasetStoreService struct {
	workspaces    repo.WorkspaceRepository
	datastores    repo.DatastoreRepository
	datasets      repo.DatasetRepository
	audit         repo.AuditEventAppender
	defaultBucket string
	now           func() time.Time
}

func newDatasetStoreService(workspaces repo.WorkspaceRepository, datastores repo.DatastoreRepository, datasets repo.DatasetRepository, audit repo.AuditEventAppender, defaultBucket string) *datasetStoreService {
	return &datasetStoreService{
		workspaces:    workspaces,
		datastores:    datastores,
		datasets:      datasets,
		audit:         audit,
		defaultBucket: defaultBucket,
		now:           time.Now,
	}
}

func (s *datasetStoreService) CreateDatastore(ctx context.Context, workspaceID string, name string, bucket string, keyPrefix string, isDefault bool, metadata map[string]any, auditCtx auditContext) (domain.Datastore, error) {
	if s == nil || s.datastores == nil {
		return domain.Datastore{}, fmt.Errorf("datastore service not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return domain.Datastore{}, fmt.Errorf("workspace id is required")
	}
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return domain.Datastore{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Datastore{}, fmt.Errorf("datastore name is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = s.defaultBucket
	}
	keyPrefix = strings.Trim(strings.TrimSpace(keyPrefix), "/")
	if keyPrefix == "" {
		keyPrefix = workspaceID
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.Datastore{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	datastoreID := uuid.NewString()

	type integrityInput struct {
		DatastoreID string          `json:"datastore_id"`
		WorkspaceID string          `json:"workspace_id"`
		Name        string          `json:"name"`
		Bucket      string          `json:"bucket"`
		KeyPrefix   string          `json:"key_prefix"`
		IsDefault   bool            `json:"is_default"`
		Metadata    json.RawMessage `json:"metadata"`
		CreatedAt   time.Time       `json:"created_at"`
		CreatedBy   string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		DatastoreID: datastoreID,
		WorkspaceID: workspaceID,
		Name:        name,
		Bucket:      bucket,
		KeyPrefix:   keyPrefix,
		IsDefault:   isDefault,
		Metadata:    metadataJSON,
		CreatedAt:   now,
		CreatedBy:   auditCtx.Actor,
	})
	if err != nil {
		return domain.Datastore{}, fmt.Errorf("integrity: %w", err)
	}

	datastore := domain.Datastore{
		ID:              datastoreID,
		WorkspaceID:     workspaceID,
		Name:            name,
		Bucket:          bucket,
		KeyPrefix:       keyPrefix,
		IsDefault:       isDefault,
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       auditCtx.Actor,
		IntegritySHA256: integrity,
	}
	if err := datastore.Validate(); err != nil {
		return domain.Datastore{}, err
	}
	if err := s.datastores.Create(ctx, datastore); err != nil {
		return domain.Datastore{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "datastore.create", "datastore", datastoreID, map[string]any{
		"workspace_id": workspaceID,
		"name":         name,
		"bucket":       bucket,
		"key_prefix":   keyPrefix,
		"is_default":   isDefault,
	})
	return datastore, nil
}

func (s *datasetStoreService) GetDatastore(ctx context.Context, workspaceID string, datastoreID string) (domain.Datastore, error) {
	if s == nil || s.datastores == nil {
		return domain.Datastore{}, fmt.Errorf("datastore service not initialized")
	}
	return s.datastores.Get(ctx, workspaceID, datastoreID)
}

func (s *datasetStoreService) ListDatastores(ctx context.Context, filter repo.DatastoreFilter) ([]domain.Datastore, error) {
	if s == nil || s.datastores == nil {
		return nil, fmt.Errorf("datastore service not initialized")
	}
	return s.datastores.List(ctx, filter)
}

// EnsureDefaultDatastore returns the workspace default, creating the
// conventional workspaceblobstore on first use. A concurrent create loses
// the unique-index race and re-reads the winner.
func (s *datasetStoreService) EnsureDefaultDatastore(ctx context.Context, workspaceID string, auditCtx auditContext) (domain.Datastore, error) {
	if s == nil || s.datastores == nil {
		return domain.Datastore{}, fmt.Errorf("datastore service not initialized")
	}
	datastore, err := s.datastores.GetDefault(ctx, workspaceID)
	if err == nil {
		return datastore, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Datastore{}, err
	}

	created, err := s.CreateDatastore(ctx, workspaceID, defaultDatastoreName, s.defaultBucket, workspaceID, true, nil, auditCtx)
	if err != nil {
		if isUniqueViolation(err) {
			return s.datastores.GetDefault(ctx, workspaceID)
		}
		return domain.Datastore{}, err
	}
	return created, nil
}

func (s *datasetStoreService) CreateDataset(ctx context.Context, workspaceID string, datastoreID string, name string, description string, metadata map[string]any, auditCtx auditContext) (domain.Dataset, error) {
	if s == nil || s.datasets == nil {
		return domain.Dataset{}, fmt.Errorf("dataset service not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return domain.Dataset{}, fmt.Errorf("workspace id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Dataset{}, fmt.Errorf("dataset name is required")
	}

	datastoreID = strings.TrimSpace(datastoreID)
	if datastoreID == "" {
		datastore, err := s.EnsureDefaultDatastore(ctx, workspaceID, auditCtx)
		if err != nil {
			return domain.Dataset{}, err
		}
		datastoreID = datastore.ID
	} else if _, err := s.datastores.Get(ctx, workspaceID, datastoreID); err != nil {
		return domain.Dataset{}, err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	datasetID := uuid.NewString()

	type integrityInput struct {
		DatasetID   string          `json:"dataset_id"`
		WorkspaceID string          `json:"workspace_id"`
		DatastoreID string          `json:"datastore_id"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Metadata    json.RawMessage `json:"metadata"`
		CreatedAt   time.Time       `json:"created_at"`
		CreatedBy   string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		DatasetID:   datasetID,
		WorkspaceID: workspaceID,
		DatastoreID: datastoreID,
		Name:        name,
		Description: description,
		Metadata:    metadataJSON,
		CreatedAt:   now,
		CreatedBy:   auditCtx.Actor,
	})
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("integrity: %w", err)
	}

	dataset := domain.Dataset{
		ID:              datasetID,
		WorkspaceID:     workspaceID,
		DatastoreID:     datastoreID,
		Name:            name,
		Description:     strings.TrimSpace(description),
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       auditCtx.Actor,
		IntegritySHA256: integrity,
	}
	if err := dataset.Validate(); err != nil {
		return domain.Dataset{}, err
	}
	if err := s.datasets.CreateDataset(ctx, dataset); err != nil {
		return domain.Dataset{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "dataset.create", "dataset", datasetID, map[string]any{
		"workspace_id": workspaceID,
		"datastore_id": datastoreID,
		"name":         name,
		"description":  description,
	})
	return dataset, nil
}

func (s *datasetStoreService) GetDataset(ctx context.Context, workspaceID string, datasetID string) (domain.Dataset, error) {
	if s == nil || s.datasets == nil {
		return domain.Dataset{}, fmt.Errorf("dataset service not initialized")
	}
	return s.datasets.GetDataset(ctx, workspaceID, datasetID)
}

func (s *datasetStoreService) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.datasets == nil {
		return nil, fmt.Errorf("dataset service not initialized")
	}
	return s.datasets.ListDatasets(ctx, filter)
}

// UploadTarget resolves the bucket and object key for a new version of a
// dataset via the dataset's datastore.
func (s *datasetStoreService) UploadTarget(ctx context.Context, dataset domain.Dataset, versionID string, filename string) (bucket string, objectKey string, err error) {
	datastore, err := s.datastores.Get(ctx, dataset.WorkspaceID, dataset.DatastoreID)
	if err != nil {
		return "", "", fmt.Errorf("resolve datastore: %w", err)
	}
	return datastore.Bucket, path.Join(datastore.KeyPrefix, dataset.ID, versionID, filename), nil
}

func (s *datasetStoreService) NextDatasetVersionOrdinal(ctx context.Context, workspaceID string, datasetID string) (int64, error) {
	if s == nil || s.datasets == nil {
		return 0, fmt.Errorf("dataset service not initialized")
	}
	return s.datasets.NextVersionOrdinal(ctx, workspaceID, datasetID)
}

func (s *datasetStoreService) CreateDatasetVersion(ctx context.Context, version domain.DatasetVersion, metadata map[string]any, auditCtx auditContext) (domain.DatasetVersion, error) {
	if s == nil || s.datasets == nil {
		return domain.DatasetVersion{}, fmt.Errorf("dataset service not initialized")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.DatasetVersion{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	version.Metadata = domain.Metadata(metadata)
	version.CreatedAt = now
	version.CreatedBy = auditCtx.Actor

	type integrityInput struct {
		VersionID     string          `json:"version_id"`
		WorkspaceID   string          `json:"workspace_id"`
		DatasetID     string          `json:"dataset_id"`
		Ordinal       int64           `json:"ordinal"`
		ContentSHA256 string          `json:"content_sha256"`
		ObjectKey     string          `json:"object_key"`
		SizeBytes     int64           `json:"size_bytes"`
		Metadata      json.RawMessage `json:"metadata"`
		CreatedAt     time.Time       `json:"created_at"`
		CreatedBy     string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		VersionID:     version.ID,
		WorkspaceID:   version.WorkspaceID,
		DatasetID:     version.DatasetID,
		Ordinal:       version.Ordinal,
		ContentSHA256: version.ContentSHA256,
		ObjectKey:     version.ObjectKey,
		SizeBytes:     version.SizeBytes,
		Metadata:      metadataJSON,
		CreatedAt:     now,
		CreatedBy:     auditCtx.Actor,
	})
	if err != nil {
		return domain.DatasetVersion{}, fmt.Errorf("integrity: %w", err)
	}
	version.IntegritySHA256 = integrity

	if err := version.Validate(); err != nil {
		return domain.DatasetVersion{}, err
	}
	if err := s.datasets.CreateVersion(ctx, version); err != nil {
		return domain.DatasetVersion{}, err
	}

	s.appendAudit(ctx, auditCtx, now, "dataset_version.create", "dataset_version", version.ID, map[string]any{
		"workspace_id":   version.WorkspaceID,
		"dataset_id":     version.DatasetID,
		"ordinal":        version.Ordinal,
		"content_sha256": version.ContentSHA256,
		"object_key":     version.ObjectKey,
		"size_bytes":     version.SizeBytes,
	})
	return version, nil
}

func (s *datasetStoreService) GetDatasetVersion(ctx context.Context, workspaceID string, versionID string) (domain.DatasetVersion, error) {
	if s == nil || s.datasets == nil {
		return domain.DatasetVersion{}, fmt.Errorf("dataset service not initialized")
	}
	return s.datasets.GetVersion(ctx, workspaceID, versionID)
}

func (s *datasetStoreService) ListDatasetVersions(ctx context.Context, filter repo.DatasetVersionFilter) ([]domain.DatasetVersion, error) {
	if s == nil || s.datasets == nil {
		return nil, fmt.Errorf("dataset service not initialized")
	}
	return s.datasets.ListVersions(ctx, filter)
}

func (s *datasetStoreService) appendAudit(ctx context.Context, auditCtx auditContext, occurredAt time.Time, action string, resourceType string, resourceID string, payload map[string]any) {
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
