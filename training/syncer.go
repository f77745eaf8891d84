package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/exec"
	"github.com/foundry-ml/foundry-go/internal/platform/auditlog"
)

// runSyncer polls the executor for runs that have not reached a terminal
// state and appends the state events it observes.
type runSyncer struct {
	logger   *slog.Logger
	db       *sql.DB
	executor exec.Executor
	interval time.Duration
	batch    int
}

func startRunSyncer(ctx context.Context, logger *slog.Logger, db *sql.DB, executor exec.Executor, interval time.Duration) {
	if db == nil || executor == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &runSyncer{
		logger:   logger,
		db:       db,
		executor: executor,
		interval: interval,
		batch:    50,
	}

	go s.run(ctx)
}

func (s *runSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *runSyncer) syncOnce(ctx context.Context) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT e.run_id, r.workspace_id, e.executor, e.k8s_namespace, e.k8s_job_name, e.docker_container_id
		 FROM run_executions e
		 JOIN runs r ON r.run_id = e.run_id
		 WHERE e.executor = $1
		   AND NOT EXISTS (
			SELECT 1 FROM run_state_events s
			WHERE s.run_id = e.run_id
			  AND s.status IN ('succeeded','failed','canceled')
		   )
		 ORDER BY e.created_at ASC
		 LIMIT $2`,
		s.executor.Kind(),
		s.batch,
	)
	if err != nil {
		s.log("list pending executions failed", "error", err)
		return
	}
	defer rows.Close()

	type pending struct {
		execution   exec.Execution
		workspaceID string
	}
	out := make([]pending, 0, s.batch)
	for rows.Next() {
		var (
			p         pending
			namespace sql.NullString
			jobName   sql.NullString
			container sql.NullString
		)
		if err := rows.Scan(&p.execution.RunID, &p.workspaceID, &p.execution.Executor, &namespace, &jobName, &container); err != nil {
			s.log("scan execution failed", "error", err)
			return
		}
		p.execution.K8sNamespace = namespace.String
		p.execution.K8sJobName = jobName.String
		p.execution.DockerContainer = container.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		s.log("list pending executions failed", "error", err)
		return
	}

	for _, p := range out {
		if err := s.syncExecution(ctx, p.execution, p.workspaceID); err != nil {
			s.log("sync execution failed", "run_id", p.execution.RunID, "error", err)
		}
	}
}

func (s *runSyncer) syncExecution(ctx context.Context, execution exec.Execution, workspaceID string) error {
	observation, err := s.executor.Inspect(ctx, execution)
	if err != nil {
		return err
	}

	var status domain.RunStatus
	switch observation.Status {
	case "", "pending":
		return nil
	case "running":
		status = domain.RunStatusRunning
	case "succeeded":
		status = domain.RunStatusSucceeded
	case "failed":
		status = domain.RunStatusFailed
	default:
		s.log("unexpected execution status", "run_id", execution.RunID, "status", observation.Status)
		return nil
	}

	details := observation.Details
	if details == nil {
		details = map[string]any{}
	}
	if observation.Message != "" {
		details["message"] = observation.Message
	}
	details["executor"] = s.executor.Kind()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	inserted, err := insertRunStateEvent(ctx, tx, execution.RunID, status, now, details)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	level := "info"
	if status == domain.RunStatusFailed {
		level = "error"
	}
	if _, err := insertRunEvent(ctx, tx, execution.RunID, "system", level, "run "+string(status), details); err != nil {
		return err
	}

	if _, err := auditlog.Append(ctx, tx, domain.AuditEvent{
		OccurredAt:   now,
		Actor:        "system",
		Action:       "run." + string(status),
		ResourceType: "run",
		ResourceID:   execution.RunID,
		Payload: map[string]any{
			"service":      "training",
			"workspace_id": workspaceID,
			"executor":     s.executor.Kind(),
			"status":       string(status),
		},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *runSyncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := []any{"component", "run_syncer"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
