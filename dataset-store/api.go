package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/platform/objectstore"
	"github.com/foundry-ml/foundry-go/internal/repo"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/minio/minio-go/v7"
)

type datasetStoreAPI struct {
	logger         *slog.Logger
	db             *sql.DB
	store          *minio.Client
	storeCfg       objectstore.Config
	uploadMaxBytes int64
	uploadTimeout  time.Duration
	svc            *datasetStoreService
}

func newDatasetStoreAPI(logger *slog.Logger, db *sql.DB, store *minio.Client, storeCfg objectstore.Config, uploadMaxBytes int64, uploadTimeout time.Duration, svc *datasetStoreService) *datasetStoreAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = int64(2) << 30 // 2 GiB
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Minute
	}
	return &datasetStoreAPI{
		logger:         logger,
		db:             db,
		store:          store,
		storeCfg:       storeCfg,
		uploadMaxBytes: uploadMaxBytes,
		uploadTimeout:  uploadTimeout,
		svc:            svc,
	}
}

func (api *datasetStoreAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /datastores", api.handleCreateDatastore)
	mux.HandleFunc("GET /datastores", api.handleListDatastores)
	mux.HandleFunc("GET /datastores/default", api.handleGetDefaultDatastore)
	mux.HandleFunc("GET /datastores/{datastore_id}", api.handleGetDatastore)

	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)

	mux.HandleFunc("GET /datasets/{dataset_id}/versions", api.handleListDatasetVersions)
	mux.HandleFunc("POST /datasets/{dataset_id}/versions/upload", api.handleUploadDatasetVersion)

	mux.HandleFunc("GET /dataset-versions/{version_id}", api.handleGetDatasetVersion)
	mux.HandleFunc("GET /dataset-versions/{version_id}/download", api.handleDownloadDatasetVersion)
}

type datastore struct {
	DatastoreID string          `json:"datastore_id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Bucket      string          `json:"bucket"`
	KeyPrefix   string          `json:"key_prefix"`
	IsDefault   bool            `json:"is_default"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by"`
}

type dataset struct {
	DatasetID   string          `json:"dataset_id"`
	WorkspaceID string          `json:"workspace_id"`
	DatastoreID string          `json:"datastore_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by"`
}

type datasetVersion struct {
	VersionID     string          `json:"version_id"`
	WorkspaceID   string          `json:"workspace_id"`
	DatasetID     string          `json:"dataset_id"`
	Ordinal       int64           `json:"ordinal"`
	ContentSHA256 string          `json:"content_sha256"`
	ObjectKey     string          `json:"object_key"`
	SizeBytes     int64           `json:"size_bytes,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
}

type createDatastoreRequest struct {
	Name      string         `json:"name"`
	Bucket    string         `json:"bucket,omitempty"`
	KeyPrefix string         `json:"key_prefix,omitempty"`
	IsDefault bool           `json:"is_default,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type createDatasetRequest struct {
	Name        string         `json:"name"`
	DatastoreID string         `json:"datastore_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (api *datasetStoreAPI) handleCreateDatastore(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	var req createDatastoreRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	created, err := api.svc.CreateDatastore(r.Context(), workspaceID, req.Name, req.Bucket, req.KeyPrefix, req.IsDefault, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workspace_not_found")
			return
		}
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_datastore")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/datastores/"+created.ID)
	api.writeJSON(w, http.StatusCreated, toDatastore(created))
}

func (api *datasetStoreAPI) handleGetDatastore(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	datastoreID := strings.TrimSpace(r.PathValue("datastore_id"))
	if datastoreID == "" {
		api.writeError(w, r, http.StatusBadRequest, "datastore_id_required")
		return
	}

	found, err := api.svc.GetDatastore(r.Context(), workspaceID, datastoreID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toDatastore(found))
}

func (api *datasetStoreAPI) handleGetDefaultDatastore(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	found, err := api.svc.EnsureDefaultDatastore(r.Context(), workspaceID, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workspace_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toDatastore(found))
}

func (api *datasetStoreAPI) handleListDatastores(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.svc.ListDatastores(r.Context(), repo.DatastoreFilter{
		WorkspaceID: workspaceID,
		Limit:       limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]datastore, 0, len(items))
	for _, item := range items {
		out = append(out, toDatastore(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"datastores": out})
}

func (api *datasetStoreAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	created, err := api.svc.CreateDataset(r.Context(), workspaceID, req.DatastoreID, req.Name, req.Description, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_dataset")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/datasets/"+created.ID)
	api.writeJSON(w, http.StatusCreated, toDataset(created))
}

func (api *datasetStoreAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	found, err := api.svc.GetDataset(r.Context(), workspaceID, datasetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toDataset(found))
}

func (api *datasetStoreAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.svc.ListDatasets(r.Context(), repo.DatasetFilter{
		WorkspaceID: workspaceID,
		Name:        strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:       limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]dataset, 0, len(items))
	for _, item := range items {
		out = append(out, toDataset(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

func (api *datasetStoreAPI) handleListDatasetVersions(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	if _, err := api.svc.GetDataset(r.Context(), workspaceID, datasetID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := api.svc.ListDatasetVersions(r.Context(), repo.DatasetVersionFilter{
		WorkspaceID: workspaceID,
		DatasetID:   datasetID,
		Limit:       limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]datasetVersion, 0, len(items))
	for _, item := range items {
		out = append(out, toDatasetVersion(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

func (api *datasetStoreAPI) handleUploadDatasetVersion(w http.ResponseWriter, r *http.Request) {
	workspaceID, identity, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	if r.ContentLength > 0 && r.ContentLength > api.uploadMaxBytes {
		api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
			"max_bytes":      api.uploadMaxBytes,
			"content_length": r.ContentLength,
			"max_mebibytes":  api.uploadMaxBytes >> 20,
			"advice":         "increase DATASET_STORE_UPLOAD_MAX_MIB or upload a smaller archive",
		})
		return
	}

	found, err := api.svc.GetDataset(r.Context(), workspaceID, datasetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	versionID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		if isMaxBytes(err) {
			api.writeUploadTooLarge(w, r)
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return
	}

	metadataMap := map[string]any{}
	var (
		uploadedBucket    string
		uploadedObjectKey string
		contentSHA256     string
		sizeBytes         int64
		filename          string
		contentType       string
	)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isMaxBytes(err) {
				api.writeUploadTooLarge(w, r)
				return
			}
			api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
			return
		}
		switch part.FormName() {
		case "metadata":
			raw, err := io.ReadAll(io.LimitReader(part, 1<<20))
			_ = part.Close()
			if err != nil {
				if isMaxBytes(err) {
					api.writeUploadTooLarge(w, r)
					return
				}
				api.writeError(w, r, http.StatusBadRequest, "invalid_metadata")
				return
			}
			raw = bytesTrimSpace(raw)
			if len(raw) == 0 {
				continue
			}
			if err := json.Unmarshal(raw, &metadataMap); err != nil {
				api.writeError(w, r, http.StatusBadRequest, "invalid_metadata")
				return
			}
		case "file":
			if uploadedObjectKey != "" {
				_ = part.Close()
				api.writeError(w, r, http.StatusBadRequest, "multiple_files_not_supported")
				return
			}

			filename = sanitizeFilename(part.FileName())
			contentType = strings.TrimSpace(part.Header.Get("Content-Type"))
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			bucket, objectKey, err := api.svc.UploadTarget(r.Context(), found, versionID, filename)
			if err != nil {
				_ = part.Close()
				api.writeError(w, r, http.StatusInternalServerError, "internal_error")
				return
			}

			hasher := sha256.New()
			counter := &countingWriter{}
			reader := io.TeeReader(part, io.MultiWriter(hasher, counter))

			uploadCtx, cancel := context.WithTimeout(r.Context(), api.uploadTimeout)
			_, putErr := api.store.PutObject(
				uploadCtx,
				bucket,
				objectKey,
				reader,
				-1,
				minio.PutObjectOptions{ContentType: contentType},
			)
			cancel()
			_ = part.Close()
			if putErr != nil {
				if isMaxBytes(putErr) {
					api.writeUploadTooLarge(w, r)
					return
				}
				api.writeError(w, r, http.StatusBadRequest, "upload_failed")
				return
			}
			uploadedBucket = bucket
			uploadedObjectKey = objectKey
			contentSHA256 = hex.EncodeToString(hasher.Sum(nil))
			sizeBytes = counter.n
		default:
			_ = part.Close()
		}
	}

	if uploadedObjectKey == "" {
		api.writeError(w, r, http.StatusBadRequest, "file_required")
		return
	}

	metadataMap["filename"] = filename
	metadataMap["content_type"] = contentType
	metadataMap["content_sha256"] = contentSHA256

	ordinal, err := api.svc.NextDatasetVersionOrdinal(r.Context(), workspaceID, datasetID)
	if err != nil {
		objectstore.RemoveQuietly(api.store, uploadedBucket, uploadedObjectKey)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	version, err := api.svc.CreateDatasetVersion(r.Context(), domain.DatasetVersion{
		ID:            versionID,
		WorkspaceID:   workspaceID,
		DatasetID:     datasetID,
		Ordinal:       ordinal,
		ContentSHA256: contentSHA256,
		ObjectKey:     uploadedObjectKey,
		SizeBytes:     sizeBytes,
	}, metadataMap, buildAuditContext(r, identity))
	if err != nil {
		objectstore.RemoveQuietly(api.store, uploadedBucket, uploadedObjectKey)
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "duplicate_content")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/dataset-versions/"+version.ID)
	api.writeJSON(w, http.StatusCreated, toDatasetVersion(version))
}

func (api *datasetStoreAPI) handleGetDatasetVersion(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if versionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "version_id_required")
		return
	}

	version, err := api.svc.GetDatasetVersion(r.Context(), workspaceID, versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toDatasetVersion(version))
}

func (api *datasetStoreAPI) handleDownloadDatasetVersion(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := api.requireScope(w, r)
	if !ok {
		return
	}
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if versionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "version_id_required")
		return
	}

	version, err := api.svc.GetDatasetVersion(r.Context(), workspaceID, versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	found, err := api.svc.GetDataset(r.Context(), workspaceID, version.DatasetID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	ds, err := api.svc.GetDatastore(r.Context(), workspaceID, found.DatastoreID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	metaJSON, _ := json.Marshal(version.Metadata)
	meta := normalizeJSON(metaJSON)
	filename := jsonFieldString(meta, "filename")
	if filename == "" {
		filename = "dataset.bin"
	}
	contentType := jsonFieldString(meta, "content_type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := api.store.GetObject(r.Context(), ds.Bucket, version.ObjectKey, minio.GetObjectOptions{})
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if version.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(version.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj)
}

// requireScope pulls the workspace scope and authenticated identity injected
// by the middleware.
func (api *datasetStoreAPI) requireScope(w http.ResponseWriter, r *http.Request) (string, auth.Identity, bool) {
	if api.svc == nil {
		api.writeError(w, r, http.StatusInternalServerError, "service_unavailable")
		return "", auth.Identity{}, false
	}
	workspaceID, ok := auth.WorkspaceIDFromContext(r.Context())
	if !ok || strings.TrimSpace(workspaceID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return "", auth.Identity{}, false
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return "", auth.Identity{}, false
	}
	return workspaceID, identity, true
}

func toDatastore(d domain.Datastore) datastore {
	metaJSON, _ := json.Marshal(d.Metadata)
	return datastore{
		DatastoreID: d.ID,
		WorkspaceID: d.WorkspaceID,
		Name:        d.Name,
		Bucket:      d.Bucket,
		KeyPrefix:   d.KeyPrefix,
		IsDefault:   d.IsDefault,
		Metadata:    normalizeJSON(metaJSON),
		CreatedAt:   d.CreatedAt,
		CreatedBy:   d.CreatedBy,
	}
}

func toDataset(d domain.Dataset) dataset {
	metaJSON, _ := json.Marshal(d.Metadata)
	return dataset{
		DatasetID:   d.ID,
		WorkspaceID: d.WorkspaceID,
		DatastoreID: d.DatastoreID,
		Name:        d.Name,
		Description: d.Description,
		Metadata:    normalizeJSON(metaJSON),
		CreatedAt:   d.CreatedAt,
		CreatedBy:   d.CreatedBy,
	}
}

func toDatasetVersion(v domain.DatasetVersion) datasetVersion {
	metaJSON, _ := json.Marshal(v.Metadata)
	return datasetVersion{
		VersionID:     v.ID,
		WorkspaceID:   v.WorkspaceID,
		DatasetID:     v.DatasetID,
		Ordinal:       v.Ordinal,
		ContentSHA256: v.ContentSHA256,
		ObjectKey:     v.ObjectKey,
		SizeBytes:     v.SizeBytes,
		Metadata:      normalizeJSON(metaJSON),
		CreatedAt:     v.CreatedAt,
		CreatedBy:     v.CreatedBy,
	}
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
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
		Service:   "dataset-store",
	}
}

func (api *datasetStoreAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *datasetStoreAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *datasetStoreAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func (api *datasetStoreAPI) writeUploadTooLarge(w http.ResponseWriter, r *http.Request) {
	api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
		"max_bytes":     api.uploadMaxBytes,
		"max_mebibytes": api.uploadMaxBytes >> 20,
	})
}

func isMaxBytes(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func jsonFieldString(raw json.RawMessage, key string) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	v, ok := obj[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
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

func sanitizeFilename(name string) string {
	base := path.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == "/" {
		return "dataset.bin"
	}
	return base
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
