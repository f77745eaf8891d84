package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/exec"
)

type ingestMetricsRequest struct {
	Step       int64          `json:"step"`
	RecordedAt *time.Time     `json:"recorded_at,omitempty"`
	Values     map[string]any `json:"values"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (api *trainingAPI) handleIngestRunMetrics(w http.ResponseWriter, r *http.Request) {
	_, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if !api.requireRunActor(w, r, identity, runID) {
		return
	}

	var req ingestMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Step < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_step")
		return
	}
	if len(req.Values) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "values_required")
		return
	}

	values := make(map[string]float64, len(req.Values))
	for name, raw := range req.Values {
		name = strings.TrimSpace(name)
		if name == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_metric_name")
			return
		}
		switch v := raw.(type) {
		case float64:
			values[name] = v
		case int:
			values[name] = float64(v)
		case int64:
			values[name] = float64(v)
		default:
			api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_metric_value", map[string]any{
				"name": name,
			})
			return
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_metadata")
		return
	}
	requestID := r.Header.Get("X-Request-Id")

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(r.Context(), `SELECT 1 FROM runs WHERE run_id = $1`, runID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	inserted := 0
	for _, name := range names {
		sample := domain.MetricSample{
			ID:         newID(),
			RunID:      runID,
			RecordedAt: recordedAt,
			RecordedBy: identity.Subject,
			Step:       req.Step,
			Name:       name,
			Value:      values[name],
		}
		if err := sample.Validate(); err != nil {
			api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_metric", map[string]any{
				"name": name,
			})
			return
		}

		type integrityInput struct {
			SampleID   string          `json:"sample_id"`
			RunID      string          `json:"run_id"`
			RecordedAt time.Time       `json:"recorded_at"`
			RecordedBy string          `json:"recorded_by"`
			Step       int64           `json:"step"`
			Name       string          `json:"name"`
			Value      float64         `json:"value"`
			Metadata   json.RawMessage `json:"metadata"`
			RequestID  string          `json:"request_id,omitempty"`
			UserAgent  string          `json:"user_agent,omitempty"`
			RemoteAddr string          `json:"remote_addr,omitempty"`
		}
		integrity, err := domain.IntegritySHA256(integrityInput{
			SampleID:   sample.ID,
			RunID:      sample.RunID,
			RecordedAt: sample.RecordedAt,
			RecordedBy: sample.RecordedBy,
			Step:       sample.Step,
			Name:       sample.Name,
			Value:      sample.Value,
			Metadata:   metadataJSON,
			RequestID:  requestID,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
		})
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		result, err := tx.ExecContext(
			r.Context(),
			`INSERT INTO run_metric_samples (
				sample_id,
				run_id,
				recorded_at,
				recorded_by,
				step,
				name,
				value,
				metadata,
				integrity_sha256
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (run_id, name, step) DO NOTHING`,
			sample.ID,
			sample.RunID,
			sample.RecordedAt,
			sample.RecordedBy,
			sample.Step,
			sample.Name,
			sample.Value,
			metadataJSON,
			integrity,
		)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		affected, err := result.RowsAffected()
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	status := http.StatusOK
	if inserted > 0 {
		status = http.StatusCreated
	}
	api.writeJSON(w, status, map[string]any{
		"run_id":     runID,
		"step":       req.Step,
		"inserted":   inserted,
		"received":   len(names),
		"request_id": requestID,
	})
}

type metricSample struct {
	SampleID   string          `json:"sample_id"`
	RunID      string          `json:"run_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	RecordedBy string          `json:"recorded_by,omitempty"`
	Step       int64           `json:"step"`
	Name       string          `json:"name"`
	Value      float64         `json:"value"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func (api *trainingAPI) handleListRunMetrics(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if ok := api.runExists(w, r, workspaceID, runID); !ok {
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	limit := clampInt(parseIntQuery(r, "limit", 1000), 1, 5000)

	var (
		rows *sql.Rows
		err  error
	)
	if name == "" {
		// Latest sample per metric name.
		rows, err = api.db.QueryContext(
			r.Context(),
			`SELECT DISTINCT ON (name) sample_id, recorded_at, step, name, value
			 FROM run_metric_samples
			 WHERE run_id = $1
			 ORDER BY name, step DESC`,
			runID,
		)
	} else {
		rows, err = api.db.QueryContext(
			r.Context(),
			`SELECT sample_id, recorded_at, step, name, value
			 FROM run_metric_samples
			 WHERE run_id = $1 AND name = $2
			 ORDER BY step DESC
			 LIMIT $3`,
			runID,
			name,
			limit,
		)
	}
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	out := make([]metricSample, 0, 64)
	for rows.Next() {
		var sample metricSample
		if err := rows.Scan(&sample.SampleID, &sample.RecordedAt, &sample.Step, &sample.Name, &sample.Value); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		sample.RunID = runID
		sample.RecordedAt = sample.RecordedAt.UTC()
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if name != "" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"metrics": out,
	})
}

type createRunEventRequest struct {
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var runEventLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func (api *trainingAPI) handleCreateRunEvent(w http.ResponseWriter, r *http.Request) {
	_, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if !api.requireRunActor(w, r, identity, runID) {
		return
	}

	var req createRunEventRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	level := strings.TrimSpace(strings.ToLower(req.Level))
	if level == "" {
		level = "info"
	}
	if !runEventLevels[level] {
		api.writeError(w, r, http.StatusBadRequest, "invalid_level")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		api.writeError(w, r, http.StatusBadRequest, "message_required")
		return
	}

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	eventID, err := insertRunEvent(r.Context(), tx, runID, identity.Subject, level, message, req.Metadata)
	if err != nil {
		if isForeignKeyViolation(err) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/runs/"+runID+"/events/"+strconv.FormatInt(eventID, 10))
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":   runID,
		"event_id": eventID,
		"level":    level,
	})
}

type runEvent struct {
	EventID    int64           `json:"event_id"`
	RunID      string          `json:"run_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor"`
	Level      string          `json:"level"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (api *trainingAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if ok := api.runExists(w, r, workspaceID, runID); !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 1000)
	args := []any{runID}
	query := `SELECT event_id, occurred_at, actor, level, message, metadata
		FROM run_events
		WHERE run_id = $1`
	if before := strings.TrimSpace(r.URL.Query().Get("before_event_id")); before != "" {
		beforeID, err := strconv.ParseInt(before, 10, 64)
		if err != nil || beforeID <= 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_before_event_id")
			return
		}
		args = append(args, beforeID)
		query += " AND event_id < $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	out := make([]runEvent, 0, limit)
	for rows.Next() {
		var (
			line     domain.RunLogLine
			metadata []byte
		)
		if err := rows.Scan(&line.EventID, &line.OccurredAt, &line.Actor, &line.Level, &line.Message, &metadata); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		line.RunID = runID
		out = append(out, runEvent{
			EventID:    line.EventID,
			RunID:      line.RunID,
			OccurredAt: line.OccurredAt.UTC(),
			Actor:      line.Actor,
			Level:      line.Level,
			Message:    line.Message,
			Metadata:   normalizeJSON(metadata),
		})
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	body := map[string]any{
		"run_id": runID,
		"events": out,
	}
	if len(out) == limit {
		body["next_before_event_id"] = out[len(out)-1].EventID
	}
	api.writeJSON(w, http.StatusOK, body)
}

func (api *trainingAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if !api.requireRunActor(w, r, identity, runID) {
		return
	}

	query := `SELECT workspace_id FROM runs WHERE run_id = $1`
	args := []any{runID}
	if workspaceID != "" {
		query += ` AND workspace_id = $2`
		args = append(args, workspaceID)
	}
	var runWorkspaceID string
	if err := api.db.QueryRowContext(r.Context(), query, args...).Scan(&runWorkspaceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	inserted, err := api.transitionRun(r.Context(), runID, runWorkspaceID, domain.RunStatusCanceled, identity.Subject, map[string]any{
		"requested_by": identity.Subject,
	}, r.Header.Get("X-Request-Id"))
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !inserted {
		api.writeError(w, r, http.StatusConflict, "run_already_terminal")
		return
	}

	// Best effort: the job may already be gone.
	if api.executor != nil {
		execution, err := api.loadExecution(r.Context(), runID)
		if err == nil {
			if err := api.executor.Cancel(r.Context(), execution); err != nil {
				api.logger.Warn("cancel job failed", "run_id", runID, "error", err)
			}
		}
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     runID,
		"status":     string(domain.RunStatusCanceled),
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *trainingAPI) loadExecution(ctx context.Context, runID string) (exec.Execution, error) {
	var (
		execution exec.Execution
		namespace sql.NullString
		jobName   sql.NullString
		container sql.NullString
	)
	err := api.db.QueryRowContext(
		ctx,
		`SELECT run_id, executor, k8s_namespace, k8s_job_name, docker_container_id
		 FROM run_executions
		 WHERE run_id = $1`,
		runID,
	).Scan(&execution.RunID, &execution.Executor, &namespace, &jobName, &container)
	if err != nil {
		return exec.Execution{}, err
	}
	execution.K8sNamespace = namespace.String
	execution.K8sJobName = jobName.String
	execution.DockerContainer = container.String
	return execution, nil
}
