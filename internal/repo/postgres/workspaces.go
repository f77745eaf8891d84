package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type WorkspaceStore struct {
	db DB
}

func NewWorkspaceStore(db DB) *WorkspaceStore {
	if db == nil {
		return nil
	}
	return &WorkspaceStore{db: db}
}

func (s *WorkspaceStore) Create(ctx context.Context, workspace domain.Workspace) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workspace store not initialized")
	}
	if err := workspace.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(workspace.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(workspace.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workspaces (
			workspace_id,
			name,
			description,
			region,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(workspace.ID),
		strings.TrimSpace(workspace.Name),
		strings.TrimSpace(workspace.Description),
		strings.TrimSpace(workspace.Region),
		metadataJSON,
		normalizeTime(workspace.CreatedAt),
		strings.TrimSpace(workspace.CreatedBy),
		strings.TrimSpace(workspace.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *WorkspaceStore) Get(ctx context.Context, id string) (domain.Workspace, error) {
	if s == nil || s.db == nil {
		return domain.Workspace{}, fmt.Errorf("workspace store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Workspace{}, fmt.Errorf("workspace id is required")
	}
	var (
		workspace    domain.Workspace
		metadataJSON []byte
	)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT workspace_id, name, description, region, metadata, created_at, created_by, integrity_sha256
		 FROM workspaces
		 WHERE workspace_id = $1`,
		id,
	)
	if err := row.Scan(&workspace.ID, &workspace.Name, &workspace.Description, &workspace.Region, &metadataJSON, &workspace.CreatedAt, &workspace.CreatedBy, &workspace.IntegritySHA256); err != nil {
		return domain.Workspace{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("decode metadata: %w", err)
	}
	workspace.Metadata = meta
	return workspace, nil
}

func (s *WorkspaceStore) List(ctx context.Context, filter repo.WorkspaceFilter) ([]domain.Workspace, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workspace store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if strings.TrimSpace(filter.CreatedBy) != "" {
		args = append(args, strings.TrimSpace(filter.CreatedBy))
		clauses = append(clauses, fmt.Sprintf("created_by = $%d", len(args)))
	}

	query := `SELECT workspace_id, name, description, region, metadata, created_at, created_by, integrity_sha256 FROM workspaces`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, clampLimit(filter.Limit, 100, 500))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Workspace, 0)
	for rows.Next() {
		var (
			workspace    domain.Workspace
			metadataJSON []byte
		)
		if err := rows.Scan(&workspace.ID, &workspace.Name, &workspace.Description, &workspace.Region, &metadataJSON, &workspace.CreatedAt, &workspace.CreatedBy, &workspace.IntegritySHA256); err != nil {
			return nil, err
		}
		meta, err := decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		workspace.Metadata = meta
		out = append(out, workspace)
	}
	return out, rows.Err()
}
