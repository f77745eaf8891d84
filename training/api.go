package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/exec"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/repo"
	"github.com/jackc/pgx/v5/pgconn"
)

type trainingAPI struct {
	logger *slog.Logger
	db     *sql.DB

	experiments  repo.ExperimentRepository
	environments repo.EnvironmentRepository
	computes     repo.ComputeTargetRepository
	datasets     repo.DatasetRepository
	audit        repo.AuditEventAppender

	executor          exec.Executor
	trainingNamespace string

	runTokenSecret string
	runTokenTTL    time.Duration
	trackingURL    string
}

func newTrainingAPI(
	logger *slog.Logger,
	db *sql.DB,
	experiments repo.ExperimentRepository,
	environments repo.EnvironmentRepository,
	computes repo.ComputeTargetRepository,
	datasets repo.DatasetRepository,
	audit repo.AuditEventAppender,
	executor exec.Executor,
	trainingNamespace string,
	runTokenSecret string,
	runTokenTTL time.Duration,
	trackingURL string,
) *trainingAPI {
	return &trainingAPI{
		logger:            logger,
		db:                db,
		experiments:       experiments,
		environments:      environments,
		computes:          computes,
		datasets:          datasets,
		audit:             audit,
		executor:          executor,
		trainingNamespace: strings.TrimSpace(trainingNamespace),
		runTokenSecret:    strings.TrimSpace(runTokenSecret),
		runTokenTTL:       runTokenTTL,
		trackingURL:       strings.TrimSpace(trackingURL),
	}
}

func (api *trainingAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /experiments", api.handleCreateExperiment)
	mux.HandleFunc("GET /experiments", api.handleListExperiments)
	mux.HandleFunc("GET /experiments/{experiment_id}", api.handleGetExperiment)
	mux.HandleFunc("GET /experiments/by-name/{name}", api.handleGetExperimentByName)

	mux.HandleFunc("POST /runs", api.handleSubmitRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/state-events", api.handleListRunStateEvents)

	mux.HandleFunc("POST /runs/{run_id}/metrics", api.handleIngestRunMetrics)
	mux.HandleFunc("GET /runs/{run_id}/metrics", api.handleListRunMetrics)
	mux.HandleFunc("POST /runs/{run_id}/events", api.handleCreateRunEvent)
	mux.HandleFunc("GET /runs/{run_id}/events", api.handleListRunEvents)

	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
}

type experiment struct {
	ExperimentID string          `json:"experiment_id"`
	WorkspaceID  string          `json:"workspace_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by"`
}

type createExperimentRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (api *trainingAPI) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	var req createExperimentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
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

	now := time.Now().UTC()
	experimentID := newID()

	type integrityInput struct {
		ExperimentID string          `json:"experiment_id"`
		WorkspaceID  string          `json:"workspace_id"`
		Name         string          `json:"name"`
		Description  string          `json:"description,omitempty"`
		Metadata     json.RawMessage `json:"metadata"`
		CreatedAt    time.Time       `json:"created_at"`
		CreatedBy    string          `json:"created_by"`
	}
	integrity, err := domain.IntegritySHA256(integrityInput{
		ExperimentID: experimentID,
		WorkspaceID:  workspaceID,
		Name:         name,
		Description:  req.Description,
		Metadata:     metadataJSON,
		CreatedAt:    now,
		CreatedBy:    identity.Subject,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	created := domain.Experiment{
		ID:              experimentID,
		WorkspaceID:     workspaceID,
		Name:            name,
		Description:     strings.TrimSpace(req.Description),
		Metadata:        domain.Metadata(metadata),
		CreatedAt:       now,
		CreatedBy:       identity.Subject,
		IntegritySHA256: integrity,
	}
	if err := api.experiments.Create(r.Context(), created); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_experiment")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.appendAudit(r, identity, now, "experiment.create", "experiment", experimentID, map[string]any{
		"workspace_id": workspaceID,
		"name":         name,
	})

	w.Header().Set("Location", "/experiments/"+experimentID)
	api.writeJSON(w, http.StatusCreated, toExperiment(created))
}

func (api *trainingAPI) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	experimentID := strings.TrimSpace(r.PathValue("experiment_id"))
	if experimentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "experiment_id_required")
		return
	}

	found, err := api.experiments.Get(r.Context(), workspaceID, experimentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toExperiment(found))
}

func (api *trainingAPI) handleGetExperimentByName(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	found, err := api.experiments.GetByName(r.Context(), workspaceID, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toExperiment(found))
}

func (api *trainingAPI) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.experiments.List(r.Context(), repo.ExperimentFilter{
		WorkspaceID: workspaceID,
		Name:        strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:       limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]experiment, 0, len(items))
	for _, item := range items {
		out = append(out, toExperiment(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"experiments": out})
}

type runResponse struct {
	RunID           string            `json:"run_id"`
	WorkspaceID     string            `json:"workspace_id"`
	ExperimentID    string            `json:"experiment_id"`
	EnvironmentID   string            `json:"environment_id"`
	ComputeTargetID string            `json:"compute_target_id"`
	Status          string            `json:"status"`
	Command         []string          `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	DatasetBindings map[string]string `json:"dataset_bindings,omitempty"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	SubmittedBy     string            `json:"submitted_by"`
}

func (api *trainingAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.loadRun(r.Context(), workspaceID, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *trainingAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	experimentID := strings.TrimSpace(r.URL.Query().Get("experiment_id"))

	args := []any{workspaceID}
	query := `SELECT run_id, workspace_id, experiment_id, environment_id, compute_target_id,
			command, args, env, dataset_bindings, submitted_at, submitted_by,
			COALESCE((SELECT s.status FROM run_state_events s
				WHERE s.run_id = runs.run_id
				ORDER BY s.observed_at DESC, s.state_id DESC
				LIMIT 1), 'queued') AS status
		FROM runs
		WHERE workspace_id = $1`
	if experimentID != "" {
		args = append(args, experimentID)
		query += " AND experiment_id = $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY submitted_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	out := make([]runResponse, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *trainingAPI) handleListRunStateEvents(w http.ResponseWriter, r *http.Request) {
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

	rows, err := api.db.QueryContext(
		r.Context(),
		`SELECT state_id, status, observed_at, details
		 FROM run_state_events
		 WHERE run_id = $1
		 ORDER BY observed_at ASC, state_id ASC`,
		runID,
	)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	out := make([]runStateEvent, 0, 8)
	for rows.Next() {
		var (
			ev      domain.RunStateEvent
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Status, &ev.ObservedAt, &details); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		ev.RunID = runID
		out = append(out, runStateEvent{
			StateID:    ev.ID,
			RunID:      ev.RunID,
			Status:     string(ev.Status),
			ObservedAt: ev.ObservedAt.UTC(),
			Details:    normalizeJSON(details),
		})
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"events": out,
	})
}

// loadRun fetches a run row with its derived status.
func (api *trainingAPI) loadRun(ctx context.Context, workspaceID string, runID string) (runResponse, error) {
	row := api.db.QueryRowContext(
		ctx,
		`SELECT run_id, workspace_id, experiment_id, environment_id, compute_target_id,
			command, args, env, dataset_bindings, submitted_at, submitted_by,
			COALESCE((SELECT s.status FROM run_state_events s
				WHERE s.run_id = runs.run_id
				ORDER BY s.observed_at DESC, s.state_id DESC
				LIMIT 1), 'queued') AS status
		 FROM runs
		 WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID,
		runID,
	)
	return scanRun(row)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanRun(row sqlScanner) (runResponse, error) {
	var (
		run          runResponse
		commandJSON  []byte
		argsJSON     []byte
		envJSON      []byte
		bindingsJSON []byte
	)
	if err := row.Scan(
		&run.RunID,
		&run.WorkspaceID,
		&run.ExperimentID,
		&run.EnvironmentID,
		&run.ComputeTargetID,
		&commandJSON,
		&argsJSON,
		&envJSON,
		&bindingsJSON,
		&run.SubmittedAt,
		&run.SubmittedBy,
		&run.Status,
	); err != nil {
		return runResponse{}, err
	}
	run.SubmittedAt = run.SubmittedAt.UTC()
	_ = json.Unmarshal(commandJSON, &run.Command)
	_ = json.Unmarshal(argsJSON, &run.Args)
	_ = json.Unmarshal(envJSON, &run.Env)
	_ = json.Unmarshal(bindingsJSON, &run.DatasetBindings)
	return run, nil
}

// runExists answers 404/500 itself and reports whether to continue.
func (api *trainingAPI) runExists(w http.ResponseWriter, r *http.Request, workspaceID string, runID string) bool {
	var one int
	query := `SELECT 1 FROM runs WHERE run_id = $1`
	args := []any{runID}
	if workspaceID != "" {
		query += ` AND workspace_id = $2`
		args = append(args, workspaceID)
	}
	if err := api.db.QueryRowContext(r.Context(), query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return false
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return false
	}
	return true
}

// requireScope allows run-token identities through without a workspace
// header; their scope comes from the run row itself.
func (api *trainingAPI) requireScope(w http.ResponseWriter, r *http.Request) (string, auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return "", auth.Identity{}, false
	}
	workspaceID, _ := auth.WorkspaceIDFromContext(r.Context())
	if strings.TrimSpace(workspaceID) == "" {
		if _, isRun := auth.ParseRunTokenSubject(identity.Subject); isRun {
			return "", identity, true
		}
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return "", auth.Identity{}, false
	}
	return workspaceID, identity, true
}

// requireRunActor additionally pins run-token identities to their own run.
func (api *trainingAPI) requireRunActor(w http.ResponseWriter, r *http.Request, identity auth.Identity, runID string) bool {
	tokenRunID, isRun := auth.ParseRunTokenSubject(identity.Subject)
	if isRun && tokenRunID != runID {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func toExperiment(e domain.Experiment) experiment {
	metaJSON, _ := json.Marshal(e.Metadata)
	return experiment{
		ExperimentID: e.ID,
		WorkspaceID:  e.WorkspaceID,
		Name:         e.Name,
		Description:  e.Description,
		Metadata:     normalizeJSON(metaJSON),
		CreatedAt:    e.CreatedAt,
		CreatedBy:    e.CreatedBy,
	}
}

func (api *trainingAPI) appendAudit(r *http.Request, identity auth.Identity, occurredAt time.Time, action string, resourceType string, resourceID string, payload map[string]any) {
	if api.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = "training"
	_, _ = api.audit.Append(r.Context(), domain.AuditEvent{
		OccurredAt:   occurredAt,
		Actor:        identity.Subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *trainingAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *trainingAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *trainingAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func normalizeJSON(raw []byte) json.RawMessage {
	raw = bytesTrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}
	return raw
}

func bytesTrimSpace(in []byte) []byte {
	return []byte(strings.TrimSpace(string(in)))
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
