package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type DatasetStore struct {
	db DB
}

func NewDatasetStore(db DB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db}
}

const datasetColumns = `dataset_id, workspace_id, datastore_id, name, description, metadata, created_at, created_by, integrity_sha256`
const datasetVersionColumns = `version_id, workspace_id, dataset_id, ordinal, content_sha256, object_key, size_bytes, metadata, created_at, created_by, integrity_sha256`

func (s *DatasetStore) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(dataset.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(dataset.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO datasets (
			dataset_id,
			workspace_id,
			datastore_id,
			name,
			description,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.WorkspaceID),
		strings.TrimSpace(dataset.DatastoreID),
		strings.TrimSpace(dataset.Name),
		strings.TrimSpace(dataset.Description),
		metadataJSON,
		normalizeTime(dataset.CreatedAt),
		strings.TrimSpace(dataset.CreatedBy),
		strings.TrimSpace(dataset.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetDataset(ctx context.Context, workspaceID, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.Dataset{}, fmt.Errorf("workspace id and dataset id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+datasetColumns+`
		 FROM datasets
		 WHERE workspace_id = $1 AND dataset_id = $2`,
		workspaceID,
		id,
	)
	return scanDataset(row)
}

func (s *DatasetStore) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dataset store not initialized")
	}
	if strings.TrimSpace(filter.WorkspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	args := []any{strings.TrimSpace(filter.WorkspaceID)}
	clauses := []string{"workspace_id = $1"}
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	args = append(args, clampLimit(filter.Limit, 100, 500))
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dataset)
	}
	return out, rows.Err()
}

func (s *DatasetStore) CreateVersion(ctx context.Context, version domain.DatasetVersion) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := version.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(version.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(version.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO dataset_versions (
			version_id,
			workspace_id,
			dataset_id,
			ordinal,
			content_sha256,
			object_key,
			size_bytes,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(version.ID),
		strings.TrimSpace(version.WorkspaceID),
		strings.TrimSpace(version.DatasetID),
		version.Ordinal,
		strings.ToLower(strings.TrimSpace(version.ContentSHA256)),
		strings.TrimSpace(version.ObjectKey),
		version.SizeBytes,
		metadataJSON,
		normalizeTime(version.CreatedAt),
		strings.TrimSpace(version.CreatedBy),
		strings.TrimSpace(version.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert dataset version: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetVersion(ctx context.Context, workspaceID, id string) (domain.DatasetVersion, error) {
	if s == nil || s.db == nil {
		return domain.DatasetVersion{}, fmt.Errorf("dataset store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.DatasetVersion{}, fmt.Errorf("workspace id and version id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+datasetVersionColumns+`
		 FROM dataset_versions
		 WHERE workspace_id = $1 AND version_id = $2`,
		workspaceID,
		id,
	)
	return scanDatasetVersion(row)
}

func (s *DatasetStore) ListVersions(ctx context.Context, filter repo.DatasetVersionFilter) ([]domain.DatasetVersion, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dataset store not initialized")
	}
	if strings.TrimSpace(filter.WorkspaceID) == "" || strings.TrimSpace(filter.DatasetID) == "" {
		return nil, fmt.Errorf("workspace id and dataset id are required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+datasetVersionColumns+`
		 FROM dataset_versions
		 WHERE workspace_id = $1 AND dataset_id = $2
		 ORDER BY ordinal DESC
		 LIMIT $3`,
		strings.TrimSpace(filter.WorkspaceID),
		strings.TrimSpace(filter.DatasetID),
		clampLimit(filter.Limit, 100, 500),
	)
	if err != nil {
		return nil, fmt.Errorf("list dataset versions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DatasetVersion, 0)
	for rows.Next() {
		version, err := scanDatasetVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, version)
	}
	return out, rows.Err()
}

func (s *DatasetStore) NextVersionOrdinal(ctx context.Context, workspaceID, datasetID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("dataset store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	datasetID = strings.TrimSpace(datasetID)
	if workspaceID == "" || datasetID == "" {
		return 0, fmt.Errorf("workspace id and dataset id are required")
	}
	var next int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(ordinal), 0) + 1
		 FROM dataset_versions
		 WHERE workspace_id = $1 AND dataset_id = $2`,
		workspaceID,
		datasetID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next dataset version ordinal: %w", err)
	}
	return next, nil
}

func scanDataset(row rowScanner) (domain.Dataset, error) {
	var (
		dataset      domain.Dataset
		metadataJSON []byte
	)
	if err := row.Scan(
		&dataset.ID,
		&dataset.WorkspaceID,
		&dataset.DatastoreID,
		&dataset.Name,
		&dataset.Description,
		&metadataJSON,
		&dataset.CreatedAt,
		&dataset.CreatedBy,
		&dataset.IntegritySHA256,
	); err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("decode metadata: %w", err)
	}
	dataset.Metadata = meta
	return dataset, nil
}

func scanDatasetVersion(row rowScanner) (domain.DatasetVersion, error) {
	var (
		version      domain.DatasetVersion
		metadataJSON []byte
	)
	if err := row.Scan(
		&version.ID,
		&version.WorkspaceID,
		&version.DatasetID,
		&version.Ordinal,
		&version.ContentSHA256,
		&version.ObjectKey,
		&version.SizeBytes,
		&metadataJSON,
		&version.CreatedAt,
		&version.CreatedBy,
		&version.IntegritySHA256,
	); err != nil {
		return domain.DatasetVersion{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.DatasetVersion{}, fmt.Errorf("decode metadata: %w", err)
	}
	version.Metadata = meta
	return version, nil
}
