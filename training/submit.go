package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/exec"
	"github.com/foundry-ml/foundry-go/internal/imageref"
	"github.com/foundry-ml/foundry-go/internal/platform/auditlog"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

type submitRunRequest struct {
	ExperimentID      string            `json:"experiment_id,omitempty"`
	ExperimentName    string            `json:"experiment_name,omitempty"`
	EnvironmentID     string            `json:"environment_id,omitempty"`
	EnvironmentName   string            `json:"environment_name,omitempty"`
	EnvironmentVer    int64             `json:"environment_version,omitempty"`
	ComputeTargetID   string            `json:"compute_target_id,omitempty"`
	ComputeTargetName string            `json:"compute_target_name,omitempty"`
	Command           []string          `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	DatasetBindings   map[string]string `json:"dataset_bindings,omitempty"`
	Resources         map[string]any    `json:"resources,omitempty"`
}

func (api *trainingAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	if workspaceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return
	}
	if api.executor == nil {
		api.writeError(w, r, http.StatusNotImplemented, "training_executor_disabled")
		return
	}

	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		api.writeError(w, r, http.StatusBadRequest, "command_required")
		return
	}
	for key := range req.Env {
		if strings.HasPrefix(key, "FOUNDRY_") {
			api.writeErrorWithDetails(w, r, http.StatusBadRequest, "reserved_env_key", map[string]any{"key": key})
			return
		}
	}

	exp, err := api.resolveExperiment(r.Context(), workspaceID, req)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusBadRequest, "experiment_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	environment, err := api.resolveEnvironment(r.Context(), workspaceID, req)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusBadRequest, "environment_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	compute, err := api.resolveCompute(r.Context(), workspaceID, req)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusBadRequest, "compute_target_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if compute.State != domain.ComputeStateReady {
		api.writeErrorWithDetails(w, r, http.StatusConflict, "compute_target_not_ready", map[string]any{
			"state": string(compute.State),
		})
		return
	}
	if !computeKindMatchesExecutor(compute.Kind, api.executor.Kind()) {
		api.writeErrorWithDetails(w, r, http.StatusConflict, "compute_kind_mismatch", map[string]any{
			"compute_kind": string(compute.Kind),
			"executor":     api.executor.Kind(),
		})
		return
	}

	for mount, versionID := range req.DatasetBindings {
		if strings.TrimSpace(mount) == "" || strings.TrimSpace(versionID) == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_dataset_binding")
			return
		}
		if _, err := api.datasets.GetVersion(r.Context(), workspaceID, versionID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeErrorWithDetails(w, r, http.StatusBadRequest, "dataset_version_not_found", map[string]any{
					"dataset_version_id": versionID,
				})
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	executionRef, imageDigest, err := imageref.ResolveForExecutor(r.Context(), api.executor, environment.BaseImage)
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrImageRefDigestRequired):
			api.writeError(w, r, http.StatusBadRequest, "image_ref_digest_required")
		case errors.Is(err, exec.ErrImageRefNotFound):
			api.writeError(w, r, http.StatusBadRequest, "image_ref_not_found")
		default:
			api.writeError(w, r, http.StatusBadGateway, "image_ref_resolution_failed")
		}
		return
	}

	now := time.Now().UTC()
	runID := newID()
	executionID := newID()

	runToken, err := auth.GenerateRunToken(api.runTokenSecret, workspaceID, runID, api.runTokenTTL, now)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	k8sNamespace := strings.TrimSpace(compute.K8sNamespace)
	if k8sNamespace == "" {
		k8sNamespace = api.trainingNamespace
	}
	jobName := "foundry-run-" + runID

	spec := exec.JobSpec{
		RunID:           runID,
		WorkspaceID:     workspaceID,
		ImageRef:        executionRef,
		Command:         req.Command,
		Args:            req.Args,
		Env:             req.Env,
		DatasetBindings: req.DatasetBindings,
		TrackingURL:     api.trackingURL,
		RunToken:        runToken,
		Resources:       req.Resources,
		K8sNamespace:    k8sNamespace,
		K8sJobName:      jobName,
		DockerName:      jobName,
	}
	if api.executor.Kind() == "kubernetes_job" && spec.K8sNamespace == "" {
		api.writeError(w, r, http.StatusBadRequest, "k8s_namespace_required")
		return
	}

	run := domain.Run{
		ID:              runID,
		WorkspaceID:     workspaceID,
		ExperimentID:    exp.ID,
		EnvironmentID:   environment.ID,
		ComputeTargetID: compute.ID,
		Command:         req.Command,
		Args:            req.Args,
		Env:             req.Env,
		DatasetBindings: req.DatasetBindings,
		SubmittedAt:     now,
		SubmittedBy:     identity.Subject,
	}
	if err := run.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_run", map[string]any{"reason": err.Error()})
		return
	}

	if err := api.insertSubmission(r.Context(), run, submission{
		ExecutionID: executionID,
		Executor:    api.executor.Kind(),
		ImageRef:    executionRef,
		ImageDigest: imageDigest,
		Resources:   req.Resources,
		Spec:        spec,
		Identity:    identity,
		RequestID:   r.Header.Get("X-Request-Id"),
		Now:         now,
	}); err != nil {
		api.logger.Error("run submission insert failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// The job launches only after the run row is durable; a submit failure
	// is recorded as a failed state event rather than a lost run.
	if err := api.executor.Submit(r.Context(), spec); err != nil {
		api.logger.Error("run submit failed", "run_id", runID, "executor", api.executor.Kind(), "error", err)
		api.failRunExecution(r.Context(), runID, workspaceID, "submit_failed", map[string]any{
			"error":    err.Error(),
			"executor": api.executor.Kind(),
		}, r.Header.Get("X-Request-Id"))
		api.writeError(w, r, http.StatusBadGateway, "training_submit_failed")
		return
	}

	if _, err := api.transitionRun(r.Context(), runID, workspaceID, domain.RunStatusStarting, "system", map[string]any{
		"executor": api.executor.Kind(),
	}, r.Header.Get("X-Request-Id")); err != nil {
		api.logger.Warn("mark run starting failed", "run_id", runID, "error", err)
	}

	w.Header().Set("Location", "/runs/"+runID)
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":        runID,
		"execution_id":  executionID,
		"status":        string(domain.RunStatusStarting),
		"executor":      api.executor.Kind(),
		"experiment_id": exp.ID,
		"request_id":    r.Header.Get("X-Request-Id"),
	})
}

type submission struct {
	ExecutionID string
	Executor    string
	ImageRef    string
	ImageDigest string
	Resources   map[string]any
	Spec        exec.JobSpec
	Identity    auth.Identity
	RequestID   string
	Now         time.Time
}

// insertSubmission persists the run, its execution row, the initial queued
// state event, and the audit trail in one transaction.
func (api *trainingAPI) insertSubmission(ctx context.Context, run domain.Run, sub submission) error {
	commandJSON, err := json.Marshal(run.Command)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	argsJSON, err := json.Marshal(orEmptySlice(run.Args))
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	envJSON, err := json.Marshal(orEmptyMap(run.Env))
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	bindingsJSON, err := json.Marshal(orEmptyMap(run.DatasetBindings))
	if err != nil {
		return fmt.Errorf("encode dataset bindings: %w", err)
	}
	resourcesJSON, err := json.Marshal(sub.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	if sub.Resources == nil {
		resourcesJSON = []byte("{}")
	}

	type runIntegrityInput struct {
		RunID           string          `json:"run_id"`
		WorkspaceID     string          `json:"workspace_id"`
		ExperimentID    string          `json:"experiment_id"`
		EnvironmentID   string          `json:"environment_id"`
		ComputeTargetID string          `json:"compute_target_id"`
		Command         json.RawMessage `json:"command"`
		Args            json.RawMessage `json:"args"`
		Env             json.RawMessage `json:"env"`
		DatasetBindings json.RawMessage `json:"dataset_bindings"`
		SubmittedAt     time.Time       `json:"submitted_at"`
		SubmittedBy     string          `json:"submitted_by"`
	}
	runIntegrity, err := domain.IntegritySHA256(runIntegrityInput{
		RunID:           run.ID,
		WorkspaceID:     run.WorkspaceID,
		ExperimentID:    run.ExperimentID,
		EnvironmentID:   run.EnvironmentID,
		ComputeTargetID: run.ComputeTargetID,
		Command:         commandJSON,
		Args:            argsJSON,
		Env:             envJSON,
		DatasetBindings: bindingsJSON,
		SubmittedAt:     run.SubmittedAt,
		SubmittedBy:     run.SubmittedBy,
	})
	if err != nil {
		return err
	}

	type executionIntegrityInput struct {
		ExecutionID string    `json:"execution_id"`
		RunID       string    `json:"run_id"`
		Executor    string    `json:"executor"`
		ImageRef    string    `json:"image_ref"`
		ImageDigest string    `json:"image_digest,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
		CreatedBy   string    `json:"created_by"`
	}
	executionIntegrity, err := domain.IntegritySHA256(executionIntegrityInput{
		ExecutionID: sub.ExecutionID,
		RunID:       run.ID,
		Executor:    sub.Executor,
		ImageRef:    sub.ImageRef,
		ImageDigest: sub.ImageDigest,
		CreatedAt:   sub.Now,
		CreatedBy:   sub.Identity.Subject,
	})
	if err != nil {
		return err
	}

	tx, err := api.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			workspace_id,
			experiment_id,
			environment_id,
			compute_target_id,
			command,
			args,
			env,
			dataset_bindings,
			submitted_at,
			submitted_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		run.ID,
		run.WorkspaceID,
		run.ExperimentID,
		run.EnvironmentID,
		run.ComputeTargetID,
		commandJSON,
		argsJSON,
		envJSON,
		bindingsJSON,
		run.SubmittedAt,
		run.SubmittedBy,
		runIntegrity,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO run_executions (
			execution_id,
			run_id,
			executor,
			image_ref,
			image_digest,
			resources,
			k8s_namespace,
			k8s_job_name,
			docker_container_id,
			tracking_url,
			created_at,
			created_by,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (run_id) DO NOTHING`,
		sub.ExecutionID,
		run.ID,
		sub.Executor,
		sub.ImageRef,
		nullString(sub.ImageDigest),
		resourcesJSON,
		nullString(sub.Spec.K8sNamespace),
		nullString(sub.Spec.K8sJobName),
		nullString(dockerContainerName(sub)),
		nullString(sub.Spec.TrackingURL),
		sub.Now,
		sub.Identity.Subject,
		executionIntegrity,
	); err != nil {
		return fmt.Errorf("insert run execution: %w", err)
	}

	inserted, err := insertRunStateEvent(ctx, tx, run.ID, domain.RunStatusQueued, sub.Now, map[string]any{
		"executor": sub.Executor,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return errors.New("initial state event not inserted")
	}

	if _, err := insertRunEvent(ctx, tx, run.ID, sub.Identity.Subject, "info", "run queued", map[string]any{
		"executor":  sub.Executor,
		"image_ref": sub.ImageRef,
	}); err != nil {
		return err
	}

	auditPayload := map[string]any{
		"service":           "training",
		"workspace_id":      run.WorkspaceID,
		"experiment_id":     run.ExperimentID,
		"environment_id":    run.EnvironmentID,
		"compute_target_id": run.ComputeTargetID,
		"executor":          sub.Executor,
		"image_ref":         sub.ImageRef,
	}
	if _, err := auditlog.Append(ctx, tx, domain.AuditEvent{
		OccurredAt:   sub.Now,
		Actor:        sub.Identity.Subject,
		Action:       "run.create",
		ResourceType: "run",
		ResourceID:   run.ID,
		RequestID:    sub.RequestID,
		Payload:      auditPayload,
	}); err != nil {
		return err
	}
	if _, err := auditlog.Append(ctx, tx, domain.AuditEvent{
		OccurredAt:   sub.Now,
		Actor:        sub.Identity.Subject,
		Action:       "run.execute",
		ResourceType: "run_execution",
		ResourceID:   sub.ExecutionID,
		RequestID:    sub.RequestID,
		Payload:      auditPayload,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submission: %w", err)
	}
	return nil
}

// failRunExecution records a failed state in its own transaction so the
// failure survives even when the submit path is already unwinding.
func (api *trainingAPI) failRunExecution(ctx context.Context, runID string, workspaceID string, reason string, details map[string]any, requestID string) {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	if _, err := api.transitionRun(ctx, runID, workspaceID, domain.RunStatusFailed, "system", details, requestID); err != nil {
		api.logger.Error("record run failure failed", "run_id", runID, "error", err)
	}
}

func (api *trainingAPI) resolveExperiment(ctx context.Context, workspaceID string, req submitRunRequest) (domain.Experiment, error) {
	if id := strings.TrimSpace(req.ExperimentID); id != "" {
		return api.experiments.Get(ctx, workspaceID, id)
	}
	if name := strings.TrimSpace(req.ExperimentName); name != "" {
		return api.experiments.GetByName(ctx, workspaceID, name)
	}
	return domain.Experiment{}, repo.ErrNotFound
}

func (api *trainingAPI) resolveEnvironment(ctx context.Context, workspaceID string, req submitRunRequest) (domain.Environment, error) {
	if id := strings.TrimSpace(req.EnvironmentID); id != "" {
		return api.environments.Get(ctx, workspaceID, id)
	}
	if name := strings.TrimSpace(req.EnvironmentName); name != "" {
		return api.environments.GetByNameVersion(ctx, workspaceID, name, req.EnvironmentVer)
	}
	return domain.Environment{}, repo.ErrNotFound
}

func (api *trainingAPI) resolveCompute(ctx context.Context, workspaceID string, req submitRunRequest) (domain.ComputeTarget, error) {
	if id := strings.TrimSpace(req.ComputeTargetID); id != "" {
		return api.computes.Get(ctx, workspaceID, id)
	}
	if name := strings.TrimSpace(req.ComputeTargetName); name != "" {
		return api.computes.GetByName(ctx, workspaceID, name)
	}
	return domain.ComputeTarget{}, repo.ErrNotFound
}

func computeKindMatchesExecutor(kind domain.ComputeKind, executorKind string) bool {
	switch kind {
	case domain.ComputeKindKubernetes:
		return executorKind == "kubernetes_job"
	case domain.ComputeKindDocker:
		return executorKind == "docker"
	default:
		return false
	}
}

func dockerContainerName(sub submission) string {
	if sub.Executor == "docker" {
		return sub.Spec.DockerName
	}
	return ""
}

func orEmptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
