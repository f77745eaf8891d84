package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type EnvironmentStore struct {
	db DB
}

func NewEnvironmentStore(db DB) *EnvironmentStore {
	if db == nil {
		return nil
	}
	return &EnvironmentStore{db: db}
}

const environmentColumns = `environment_id, workspace_id, name, version, base_image, conda_spec, lock_sha256, metadata, created_at, created_by, integrity_sha256`

func (s *EnvironmentStore) Create(ctx context.Context, environment domain.Environment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("environment store not initialized")
	}
	if err := environment.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(environment.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(environment.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO environments (
			environment_id,
			workspace_id,
			name,
			version,
			base_image,
			conda_spec,
			lock_sha256,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(environment.ID),
		strings.TrimSpace(environment.WorkspaceID),
		strings.TrimSpace(environment.Name),
		environment.Version,
		strings.TrimSpace(environment.BaseImage),
		environment.CondaSpec,
		strings.TrimSpace(environment.LockSHA256),
		metadataJSON,
		normalizeTime(environment.CreatedAt),
		strings.TrimSpace(environment.CreatedBy),
		strings.TrimSpace(environment.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

func (s *EnvironmentStore) Get(ctx context.Context, workspaceID, id string) (domain.Environment, error) {
	if s == nil || s.db == nil {
		return domain.Environment{}, fmt.Errorf("environment store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.Environment{}, fmt.Errorf("workspace id and environment id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+environmentColumns+`
		 FROM environments
		 WHERE workspace_id = $1 AND environment_id = $2`,
		workspaceID,
		id,
	)
	return scanEnvironment(row)
}

func (s *EnvironmentStore) GetByNameVersion(ctx context.Context, workspaceID, name string, version int64) (domain.Environment, error) {
	if s == nil || s.db == nil {
		return domain.Environment{}, fmt.Errorf("environment store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	name = strings.TrimSpace(name)
	if workspaceID == "" || name == "" {
		return domain.Environment{}, fmt.Errorf("workspace id and environment name are required")
	}
	if version < 1 {
		// Latest version when unspecified.
		row := s.db.QueryRowContext(
			ctx,
			`SELECT `+environmentColumns+`
			 FROM environments
			 WHERE workspace_id = $1 AND name = $2
			 ORDER BY version DESC
			 LIMIT 1`,
			workspaceID,
			name,
		)
		return scanEnvironment(row)
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+environmentColumns+`
		 FROM environments
		 WHERE workspace_id = $1 AND name = $2 AND version = $3`,
		workspaceID,
		name,
		version,
	)
	return scanEnvironment(row)
}

func (s *EnvironmentStore) List(ctx context.Context, filter repo.EnvironmentFilter) ([]domain.Environment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("environment store not initialized")
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
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY name ASC, version DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Environment, 0)
	for rows.Next() {
		environment, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, environment)
	}
	return out, rows.Err()
}

func (s *EnvironmentStore) NextVersion(ctx context.Context, workspaceID, name string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("environment store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	name = strings.TrimSpace(name)
	if workspaceID == "" || name == "" {
		return 0, fmt.Errorf("workspace id and environment name are required")
	}
	var next int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1
		 FROM environments
		 WHERE workspace_id = $1 AND name = $2`,
		workspaceID,
		name,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next environment version: %w", err)
	}
	return next, nil
}

func scanEnvironment(row rowScanner) (domain.Environment, error) {
	var (
		environment  domain.Environment
		metadataJSON []byte
	)
	if err := row.Scan(
		&environment.ID,
		&environment.WorkspaceID,
		&environment.Name,
		&environment.Version,
		&environment.BaseImage,
		&environment.CondaSpec,
		&environment.LockSHA256,
		&metadataJSON,
		&environment.CreatedAt,
		&environment.CreatedBy,
		&environment.IntegritySHA256,
	); err != nil {
		return domain.Environment{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Environment{}, fmt.Errorf("decode metadata: %w", err)
	}
	environment.Metadata = meta
	return environment, nil
}
