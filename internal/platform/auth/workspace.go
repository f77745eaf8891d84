package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type ctxKeyWorkspaceID struct{}

// ErrWorkspaceRequired indicates a missing workspace scope for a request.
var ErrWorkspaceRequired = errors.New("workspace_id_required")

// WorkspaceResolver extracts a workspace identifier for the request.
type WorkspaceResolver func(r *http.Request, identity Identity) (string, error)

func ContextWithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkspaceID{}, strings.TrimSpace(workspaceID))
}

func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(ctxKeyWorkspaceID{}).(string)
	return strings.TrimSpace(value), ok
}

// WorkspaceIDFromRequest checks path parameters, headers, and the query
// string for a workspace id.
func WorkspaceIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if v := strings.TrimSpace(r.PathValue("workspace_id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Workspace-Id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Workspace-ID")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("workspace_id")); v != "" {
		return v
	}
	return ""
}

// RequireWorkspaceIDResolver enforces workspace scoping for requests except
// listed prefixes.
func RequireWorkspaceIDResolver(skipPrefixes []string) WorkspaceResolver {
	return func(r *http.Request, identity Identity) (string, error) {
		for _, prefix := range skipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				return "", nil
			}
		}
		workspaceID := WorkspaceIDFromRequest(r)
		if workspaceID == "" {
			return "", ErrWorkspaceRequired
		}
		return workspaceID, nil
	}
}
