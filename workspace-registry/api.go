package main

import (
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
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/repo"
	"github.com/jackc/pgx/v5/pgconn"
)

type registryAPI struct {
	logger *slog.Logger
	svc    *registryService
}

func newRegistryAPI(logger *slog.Logger, svc *registryService) *registryAPI {
	return &registryAPI{logger: logger, svc: svc}
}

func (api *registryAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workspaces", api.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces", api.handleListWorkspaces)
	mux.HandleFunc("GET /workspaces/{workspace_id}", api.handleGetWorkspace)

	mux.HandleFunc("POST /compute-targets", api.handleCreateComputeTarget)
	mux.HandleFunc("GET /compute-targets", api.handleListComputeTargets)
	mux.HandleFunc("GET /compute-targets/{target_id}", api.handleGetComputeTarget)
	mux.HandleFunc("DELETE /compute-targets/{target_id}", api.handleDeleteComputeTarget)

	mux.HandleFunc("POST /environments", api.handleRegisterEnvironment)
	mux.HandleFunc("GET /environments", api.handleListEnvironments)
	mux.HandleFunc("GET /environments/{environment_id}", api.handleGetEnvironment)
	mux.HandleFunc("GET /environments/by-name/{name}", api.handleGetEnvironmentByName)
}

type workspace struct {
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Region      string          `json:"region,omitempty"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by"`
}

type computeTarget struct {
	TargetID     string          `json:"target_id"`
	WorkspaceID  string          `json:"workspace_id"`
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	State        string          `json:"state"`
	VMSize       string          `json:"vm_size,omitempty"`
	MinNodes     int             `json:"min_nodes"`
	MaxNodes     int             `json:"max_nodes"`
	K8sNamespace string          `json:"k8s_namespace,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type environment struct {
	EnvironmentID string          `json:"environment_id"`
	WorkspaceID   string          `json:"workspace_id"`
	Name          string          `json:"name"`
	Version       int64           `json:"version"`
	BaseImage     string          `json:"base_image"`
	CondaSpec     string          `json:"conda_spec"`
	LockSHA256    string          `json:"lock_sha256"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
}

type createWorkspaceRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Region      string         `json:"region,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type createComputeTargetRequest struct {
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	VMSize       string         `json:"vm_size,omitempty"`
	MinNodes     int            `json:"min_nodes"`
	MaxNodes     int            `json:"max_nodes"`
	K8sNamespace string         `json:"k8s_namespace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type registerEnvironmentRequest struct {
	Name      string         `json:"name"`
	BaseImage string         `json:"base_image"`
	CondaYAML string         `json:"conda_yaml"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (api *registryAPI) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}

	var req createWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	created, err := api.svc.CreateWorkspace(r.Context(), req.Name, req.Description, req.Region, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_workspace")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/workspaces/"+created.ID)
	api.writeJSON(w, http.StatusCreated, toWorkspace(created))
}

func (api *registryAPI) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireIdentity(w, r); !ok {
		return
	}
	workspaceID := strings.TrimSpace(r.PathValue("workspace_id"))
	if workspaceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return
	}

	found, err := api.svc.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toWorkspace(found))
}

func (api *registryAPI) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireIdentity(w, r); !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.svc.ListWorkspaces(r.Context(), repo.WorkspaceFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]workspace, 0, len(items))
	for _, item := range items {
		out = append(out, toWorkspace(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

func (api *registryAPI) handleCreateComputeTarget(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	var req createComputeTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	created, err := api.svc.CreateComputeTarget(r.Context(), workspaceID, req.Name, req.Kind, req.VMSize, req.MinNodes, req.MaxNodes, req.K8sNamespace, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workspace_not_found")
			return
		}
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_compute_target")
			return
		}
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_compute_target", map[string]any{
			"reason": err.Error(),
		})
		return
	}

	w.Header().Set("Location", "/compute-targets/"+created.ID)
	api.writeJSON(w, http.StatusCreated, toComputeTarget(created))
}

func (api *registryAPI) handleGetComputeTarget(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	targetID := strings.TrimSpace(r.PathValue("target_id"))
	if targetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "target_id_required")
		return
	}

	found, err := api.svc.GetComputeTarget(r.Context(), workspaceID, targetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toComputeTarget(found))
}

func (api *registryAPI) handleListComputeTargets(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.svc.ListComputeTargets(r.Context(), repo.ComputeTargetFilter{
		WorkspaceID: workspaceID,
		Kind:        domain.ComputeKind(strings.TrimSpace(r.URL.Query().Get("kind"))),
		State:       domain.ComputeState(strings.TrimSpace(r.URL.Query().Get("state"))),
		Limit:       limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]computeTarget, 0, len(items))
	for _, item := range items {
		out = append(out, toComputeTarget(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"compute_targets": out})
}

func (api *registryAPI) handleDeleteComputeTarget(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	targetID := strings.TrimSpace(r.PathValue("target_id"))
	if targetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "target_id_required")
		return
	}

	target, err := api.svc.DeleteComputeTarget(r.Context(), workspaceID, targetID, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		if errors.Is(err, errComputeStateConflict) {
			api.writeError(w, r, http.StatusConflict, "compute_state_conflict")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, toComputeTarget(target))
}

func (api *registryAPI) handleRegisterEnvironment(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	var req registerEnvironmentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	if strings.TrimSpace(req.CondaYAML) == "" {
		api.writeError(w, r, http.StatusBadRequest, "conda_yaml_required")
		return
	}

	created, err := api.svc.RegisterEnvironment(r.Context(), workspaceID, req.Name, req.BaseImage, []byte(req.CondaYAML), req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workspace_not_found")
			return
		}
		if errors.Is(err, errBaseImageNotPinned) {
			api.writeError(w, r, http.StatusBadRequest, "base_image_not_pinned")
			return
		}
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_environment_version")
			return
		}
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_environment", map[string]any{
			"reason": err.Error(),
		})
		return
	}

	w.Header().Set("Location", "/environments/"+created.ID)
	api.writeJSON(w, http.StatusCreated, toEnvironment(created))
}

func (api *registryAPI) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	environmentID := strings.TrimSpace(r.PathValue("environment_id"))
	if environmentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "environment_id_required")
		return
	}

	found, err := api.svc.GetEnvironment(r.Context(), workspaceID, environmentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toEnvironment(found))
}

func (api *registryAPI) handleGetEnvironmentByName(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	version := int64(parseIntQuery(r, "version", 0))

	found, err := api.svc.GetEnvironmentByNameVersion(r.Context(), workspaceID, name, version)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toEnvironment(found))
}

func (api *registryAPI) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if api.svc == nil {
		api.writeError(w, r, http.StatusInternalServerError, "service_unavailable")
		return auth.Identity{}, false
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return auth.Identity{}, false
	}
	return identity, true
}

func (api *registryAPI) requireScope(w http.ResponseWriter, r *http.Request) (string, auth.Identity, bool) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return "", auth.Identity{}, false
	}
	workspaceID, ok := auth.WorkspaceIDFromContext(r.Context())
	if !ok || strings.TrimSpace(workspaceID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return "", auth.Identity{}, false
	}
	return workspaceID, identity, true
}

func toWorkspace(w domain.Workspace) workspace {
	metaJSON, _ := json.Marshal(w.Metadata)
	return workspace{
		WorkspaceID: w.ID,
		Name:        w.Name,
		Description: w.Description,
		Region:      w.Region,
		Metadata:    normalizeJSON(metaJSON),
		CreatedAt:   w.CreatedAt,
		CreatedBy:   w.CreatedBy,
	}
}

func toComputeTarget(t domain.ComputeTarget) computeTarget {
	metaJSON, _ := json.Marshal(t.Metadata)
	return computeTarget{
		TargetID:     t.ID,
		WorkspaceID:  t.WorkspaceID,
		Name:         t.Name,
		Kind:         string(t.Kind),
		State:        string(t.State),
		VMSize:       t.VMSize,
		MinNodes:     t.MinNodes,
		MaxNodes:     t.MaxNodes,
		K8sNamespace: t.K8sNamespace,
		Metadata:     normalizeJSON(metaJSON),
		CreatedAt:    t.CreatedAt,
		CreatedBy:    t.CreatedBy,
		UpdatedAt:    t.UpdatedAt,
	}
}

func toEnvironment(e domain.Environment) environment {
	metaJSON, _ := json.Marshal(e.Metadata)
	return environment{
		EnvironmentID: e.ID,
		WorkspaceID:   e.WorkspaceID,
		Name:          e.Name,
		Version:       e.Version,
		BaseImage:     e.BaseImage,
		CondaSpec:     e.CondaSpec,
		LockSHA256:    e.LockSHA256,
		Metadata:      normalizeJSON(metaJSON),
		CreatedAt:     e.CreatedAt,
		CreatedBy:     e.CreatedBy,
	}
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

func buildAuditContext(r *http.Request, identity auth.Identity) auditContext {
	return auditContext{
		Actor:     strings.TrimSpace(identity.Subject),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        requestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Service:   "workspace-registry",
	}
}

func (api *registryAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *registryAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *registryAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
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
