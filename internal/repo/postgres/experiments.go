package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type ExperimentStore struct {
	db DB
}

func NewExperimentStore(db DB) *ExperimentStore {
	if db == nil {
		return nil
	}
	return &ExperimentStore{db: db}
}

const experimentColumns = `experiment_id, workspace_id, name, description, metadata, created_at, created_by, integrity_sha256`

func (s *ExperimentStore) Create(ctx context.Context, experiment domain.Experiment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("experiment store not initialized")
	}
	if err := experiment.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(experiment.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(experiment.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO experiments (
			experiment_id,
			workspace_id,
			name,
			description,
			metadata,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(experiment.ID),
		strings.TrimSpace(experiment.WorkspaceID),
		strings.TrimSpace(experiment.Name),
		strings.TrimSpace(experiment.Description),
		metadataJSON,
		normalizeTime(experiment.CreatedAt),
		strings.TrimSpace(experiment.CreatedBy),
		strings.TrimSpace(experiment.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func (s *ExperimentStore) Get(ctx context.Context, workspaceID, id string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.Experiment{}, fmt.Errorf("workspace id and experiment id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+experimentColumns+`
		 FROM experiments
		 WHERE workspace_id = $1 AND experiment_id = $2`,
		workspaceID,
		id,
	)
	return scanExperiment(row)
}

func (s *ExperimentStore) GetByName(ctx context.Context, workspaceID, name string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	name = strings.TrimSpace(name)
	if workspaceID == "" || name == "" {
		return domain.Experiment{}, fmt.Errorf("workspace id and experiment name are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+experimentColumns+`
		 FROM experiments
		 WHERE workspace_id = $1 AND name = $2`,
		workspaceID,
		name,
	)
	return scanExperiment(row)
}

func (s *ExperimentStore) List(ctx context.Context, filter repo.ExperimentFilter) ([]domain.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("experiment store not initialized")
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
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Experiment, 0)
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, experiment)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var (
		experiment   domain.Experiment
		metadataJSON []byte
	)
	if err := row.Scan(
		&experiment.ID,
		&experiment.WorkspaceID,
		&experiment.Name,
		&experiment.Description,
		&metadataJSON,
		&experiment.CreatedAt,
		&experiment.CreatedBy,
		&experiment.IntegritySHA256,
	); err != nil {
		return domain.Experiment{}, handleNotFound(err)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("decode metadata: %w", err)
	}
	experiment.Metadata = meta
	return experiment, nil
}
