package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type DatastoreStore struct {
	db DB
}

func NewDatastoreStore(db DB) *DatastoreStore {
	if db == nil {
		return nil
	}
	return &DatastoreStore{db: db}
}

const datastoreColumns = `datastore_id, workspace_id, name, bucket, key_prefix, is_default, metadata, created_at, created_by, integrity_sha256`

func (s *DatastoreStore) Create(ctx context.Context, datastore domain.Datastore) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("datastore store not initialized")
	}
	if err := datastore.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(datastore.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(datastore.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO datastores (
			datastore_id,
			workspace_id,
			name,
			bucket,
			key_prefix,
			is_default,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(datastore.ID),
		strings.TrimSpace(datastore.WorkspaceID),
		strings.TrimSpace(datastore.Name),
		strings.TrimSpace(datastore.Bucket),
		strings.TrimSpace(datastore.KeyPrefix),
		datastore.IsDefault,
		metadataJSON,
		normalizeTime(datastore.CreatedAt),
		strings.TrimSpace(datastore.CreatedBy),
		strings.TrimSpace(datastore.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert datastore: %w", err)
	}
	return nil
}

func (s *DatastoreStore) Get(ctx context.Context, workspaceID, id string) (domain.Datastore, error) {
	if s == nil || s.db == nil {
		return domain.Datastore{}, fmt.Errorf("datastore store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.Datastore{}, fmt.Errorf("workspace id and datastore id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+datastoreColumns+`
		 FROM datastores
		 WHERE workspace_id = $1 AND datastore_id = $2`,
		workspaceID,
		id,
	)
	return scanDatastore(row)
}

func (s *DatastoreStore) GetDefault(ctx context.Context, workspaceID string) (domain.Datastore, error) {
	if s == nil || s.db == nil {
		return domain.Datastore{}, fmt.Errorf("datastore store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return domain.Datastore{}, fmt.Errorf("workspace id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+datastoreColumns+`
		 FROM datastores
		 WHERE workspace_id = $1 AND is_default
		 ORDER BY created_at ASC
		 LIMIT 1`,
		workspaceID,
	)
	return scanDatastore(row)
}

func (s *DatastoreStore) List(ctx context.Context, filter repo.DatastoreFilter) ([]domain.Datastore, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("datastore store not initialized")
	}
	if strings.TrimSpace(filter.WorkspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+datastoreColumns+`
		 FROM datastores
		 WHERE workspace_id = $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		strings.TrimSpace(filter.WorkspaceID),
		clampLimit(filter.Limit, 100, 500),
	)
	if err != nil {
		return nil, fmt.Errorf("list datastores: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Datastore, 0)
	for rows.Next() {
		datastore, err := scanDatastore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, datastore)
	}
	return out, rows.Err()
}

func scanDatastore(row rowScanner) (domain.Datastore, error) {
	var (
		datastore    domain.Datastore
		metadataJSON []byte
	)
	if err := row.Scan(
		&datastore.ID,
		&datastore.WorkspaceID,
		&datastore.Name,
		&datastore.Bucket,
		&datastore.KeyPrefix,
		&datastore.IsDefault,
		&metadataJSON,
		&datastore.CreatedAt,
		&datastore.CreatedBy,
		&datastore.IntegritySHA256,
	); err != nil {
		return domain.Datastore{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Datastore{}, fmt.Errorf("decode metadata: %w", err)
	}
	datastore.Metadata = meta
	return datastore, nil
}
