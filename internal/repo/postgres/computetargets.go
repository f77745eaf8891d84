package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type ComputeTargetStore struct {
	db DB
}

func NewComputeTargetStore(db DB) *ComputeTargetStore {
	if db == nil {
		return nil
	}
	return &ComputeTargetStore{db: db}
}

const computeTargetColumns = `compute_target_id, workspace_id, name, kind, state, vm_size, min_nodes, max_nodes, k8s_namespace, metadata, created_at, created_by, updated_at, integrity_sha256`

func (s *ComputeTargetStore) Create(ctx context.Context, target domain.ComputeTarget) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("compute target store not initialized")
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(target.IntegritySHA256); err != nil {
		return err
	}
	if target.State == "" {
		target.State = domain.ComputeStateCreating
	}
	metadataJSON, err := encodeMetadata(target.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := normalizeTime(target.CreatedAt)
	updatedAt := normalizeTime(target.UpdatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO compute_targets (
			compute_target_id,
			workspace_id,
			name,
			kind,
			state,
			vm_size,
			min_nodes,
			max_nodes,
			k8s_namespace,
			metadata,
			created_at,
			created_by,
			updated_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		strings.TrimSpace(target.ID),
		strings.TrimSpace(target.WorkspaceID),
		strings.TrimSpace(target.Name),
		string(target.Kind),
		string(target.State),
		strings.TrimSpace(target.VMSize),
		target.MinNodes,
		target.MaxNodes,
		strings.TrimSpace(target.K8sNamespace),
		metadataJSON,
		createdAt,
		strings.TrimSpace(target.CreatedBy),
		updatedAt,
		strings.TrimSpace(target.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert compute target: %w", err)
	}
	return nil
}

func (s *ComputeTargetStore) Get(ctx context.Context, workspaceID, id string) (domain.ComputeTarget, error) {
	if s == nil || s.db == nil {
		return domain.ComputeTarget{}, fmt.Errorf("compute target store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	id = strings.TrimSpace(id)
	if workspaceID == "" || id == "" {
		return domain.ComputeTarget{}, fmt.Errorf("workspace id and compute target id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+computeTargetColumns+`
		 FROM compute_targets
		 WHERE workspace_id = $1 AND compute_target_id = $2`,
		workspaceID,
		id,
	)
	return scanComputeTarget(row)
}

func (s *ComputeTargetStore) GetByName(ctx context.Context, workspaceID, name string) (domain.ComputeTarget, error) {
	if s == nil || s.db == nil {
		return domain.ComputeTarget{}, fmt.Errorf("compute target store not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	name = strings.TrimSpace(name)
	if workspaceID == "" || name == "" {
		return domain.ComputeTarget{}, fmt.Errorf("workspace id and compute target name are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+computeTargetColumns+`
		 FROM compute_targets
		 WHERE workspace_id = $1 AND name = $2 AND state <> 'deleted'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		workspaceID,
		name,
	)
	return scanComputeTarget(row)
}

func (s *ComputeTargetStore) List(ctx context.Context, filter repo.ComputeTargetFilter) ([]domain.ComputeTarget, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("compute target store not initialized")
	}
	if strings.TrimSpace(filter.WorkspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	args := []any{strings.TrimSpace(filter.WorkspaceID)}
	clauses := []string{"workspace_id = $1"}
	if strings.TrimSpace(string(filter.Kind)) != "" {
		args = append(args, string(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.State)) != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}

	args = append(args, clampLimit(filter.Limit, 100, 500))
	query := `SELECT ` + computeTargetColumns + ` FROM compute_targets WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compute targets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ComputeTarget, 0)
	for rows.Next() {
		target, err := scanComputeTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

// ListByState returns targets in one lifecycle state across workspaces,
// oldest first. The provisioner drains these in batches.
func (s *ComputeTargetStore) ListByState(ctx context.Context, state domain.ComputeState, limit int) ([]domain.ComputeTarget, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("compute target store not initialized")
	}
	if strings.TrimSpace(string(state)) == "" {
		return nil, fmt.Errorf("state is required")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+computeTargetColumns+`
		 FROM compute_targets
		 WHERE state = $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		string(state),
		clampLimit(limit, 100, 500),
	)
	if err != nil {
		return nil, fmt.Errorf("list compute targets by state: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ComputeTarget, 0)
	for rows.Next() {
		target, err := scanComputeTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

// UpdateState performs a guarded transition: the row only changes when it is
// still in the expected prior state.
func (s *ComputeTargetStore) UpdateState(ctx context.Context, workspaceID, id string, from, to domain.ComputeState, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("compute target store not initialized")
	}
	if !domain.ComputeStateTransitionAllowed(from, to) {
		return fmt.Errorf("compute state transition not allowed: %s -> %s", from, to)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE compute_targets
		 SET state = $1, updated_at = $2
		 WHERE workspace_id = $3 AND compute_target_id = $4 AND state = $5`,
		string(to),
		normalizeTime(at),
		strings.TrimSpace(workspaceID),
		strings.TrimSpace(id),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update compute target state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComputeTarget(row rowScanner) (domain.ComputeTarget, error) {
	var (
		target       domain.ComputeTarget
		kind         string
		state        string
		metadataJSON []byte
	)
	if err := row.Scan(
		&target.ID,
		&target.WorkspaceID,
		&target.Name,
		&kind,
		&state,
		&target.VMSize,
		&target.MinNodes,
		&target.MaxNodes,
		&target.K8sNamespace,
		&metadataJSON,
		&target.CreatedAt,
		&target.CreatedBy,
		&target.UpdatedAt,
		&target.IntegritySHA256,
	); err != nil {
		return domain.ComputeTarget{}, handleNotFound(err)
	}
	target.Kind = domain.ComputeKind(kind)
	target.State = domain.ComputeState(state)
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.ComputeTarget{}, fmt.Errorf("decode metadata: %w", err)
	}
	target.Metadata = meta
	return target, nil
}
