package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/platform/auditlog"
	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// currentRunStatus reads the latest state event for a run. A run with no
// state events yet counts as queued.
func currentRunStatus(ctx context.Context, q auditlog.QueryRower, runID string) (domain.RunStatus, error) {
	var status string
	err := q.QueryRowContext(
		ctx,
		`SELECT status FROM run_state_events
		 WHERE run_id = $1
		 ORDER BY observed_at DESC, state_id DESC
		 LIMIT 1`,
		runID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunStatusQueued, nil
	}
	if err != nil {
		return "", fmt.Errorf("current run status: %w", err)
	}
	return domain.RunStatus(status), nil
}

// insertRunStateEvent appends one state event inside the caller's
// transaction. It refuses transitions the run lifecycle does not allow and
// reports whether a row was actually inserted; a duplicate status for the
// same run is absorbed by the unique constraint.
func insertRunStateEvent(ctx context.Context, tx *sql.Tx, runID string, status domain.RunStatus, observedAt time.Time, details map[string]any) (bool, error) {
	if !status.Known() {
		return false, fmt.Errorf("unknown run status %q", status)
	}
	current, err := currentRunStatus(ctx, tx, runID)
	if err != nil {
		return false, err
	}
	if current != status && !domain.RunStatusTransitionAllowed(current, status) {
		return false, nil
	}

	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode state details: %w", err)
	}

	observedAt = observedAt.UTC()
	stateID := newID()

	type integrityInput struct {
		StateID    string          `json:"state_id"`
		RunID      string          `json:"run_id"`
		Status     string          `json:"status"`
		ObservedAt time.Time       `json:"observed_at"`
		Details    json.RawMessage `json:"details"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		StateID:    stateID,
		RunID:      runID,
		Status:     string(status),
		ObservedAt: observedAt,
		Details:    detailsJSON,
	})
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO run_state_events (
			state_id,
			run_id,
			status,
			observed_at,
			details,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (run_id, status) DO NOTHING`,
		stateID,
		runID,
		string(status),
		observedAt,
		detailsJSON,
		integrity,
	)
	if err != nil {
		return false, fmt.Errorf("insert run state event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// insertRunEvent appends one annotation event inside the caller's
// transaction and returns the assigned event id.
func insertRunEvent(ctx context.Context, tx *sql.Tx, runID string, actor string, level string, message string, metadata map[string]any) (int64, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encode event metadata: %w", err)
	}

	occurredAt := time.Now().UTC()

	type integrityInput struct {
		RunID      string          `json:"run_id"`
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Level      string          `json:"level"`
		Message    string          `json:"message"`
		Metadata   json.RawMessage `json:"metadata"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		RunID:      runID,
		OccurredAt: occurredAt,
		Actor:      actor,
		Level:      level,
		Message:    message,
		Metadata:   metadataJSON,
	})
	if err != nil {
		return 0, err
	}

	var eventID int64
	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO run_events (
			run_id,
			occurred_at,
			actor,
			level,
			message,
			metadata,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING event_id`,
		runID,
		occurredAt,
		actor,
		level,
		message,
		metadataJSON,
		integrity,
	).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("insert run event: %w", err)
	}
	return eventID, nil
}

type runStateEvent struct {
	StateID    string          `json:"state_id"`
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	ObservedAt time.Time       `json:"observed_at"`
	Details    json.RawMessage `json:"details"`
}

// transitionRun records a state change plus its annotation and audit trail
// in a single transaction. It reports whether the state event was new; a
// terminal or duplicate state leaves the run untouched.
func (api *trainingAPI) transitionRun(ctx context.Context, runID string, workspaceID string, status domain.RunStatus, actor string, details map[string]any, requestID string) (bool, error) {
	tx, err := api.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	inserted, err := insertRunStateEvent(ctx, tx, runID, status, now, details)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	level := "info"
	if status == domain.RunStatusFailed {
		level = "error"
	}
	if _, err := insertRunEvent(ctx, tx, runID, actor, level, "run "+string(status), details); err != nil {
		return false, err
	}

	if _, err := auditlog.Append(ctx, tx, domain.AuditEvent{
		OccurredAt:   now,
		Actor:        actor,
		Action:       "run." + string(status),
		ResourceType: "run",
		ResourceID:   runID,
		RequestID:    requestID,
		Payload: map[string]any{
			"service":      "training",
			"workspace_id": workspaceID,
			"status":       string(status),
		},
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}
