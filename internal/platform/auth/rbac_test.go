package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required string
		want     bool
	}{
		{"viewer satisfies viewer", []string{"viewer"}, RoleViewer, true},
		{"viewer does not satisfy editor", []string{"viewer"}, RoleEditor, false},
		{"editor satisfies viewer", []string{"editor"}, RoleViewer, true},
		{"admin satisfies editor", []string{"admin"}, RoleEditor, true},
		{"admin satisfies admin", []string{"admin"}, RoleAdmin, true},
		{"editor does not satisfy admin", []string{"editor"}, RoleAdmin, false},
		{"case insensitive", []string{"Admin"}, RoleEditor, true},
		{"unknown role satisfies nothing", []string{"owner"}, RoleViewer, false},
		{"empty roles", nil, RoleViewer, false},
		{"unknown requirement", []string{"admin"}, "owner", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasAtLeast(tt.roles, tt.required); got != tt.want {
				t.Fatalf("HasAtLeast(%v, %q)=%v, want %v", tt.roles, tt.required, got, tt.want)
			}
		})
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/workspaces", RoleViewer},
		{http.MethodHead, "/datasets/abc", RoleViewer},
		{http.MethodOptions, "/runs", RoleViewer},
		{http.MethodPost, "/runs", RoleEditor},
		{http.MethodPut, "/datasets/abc", RoleEditor},
		{http.MethodDelete, "/compute-targets/abc", RoleEditor},
		{http.MethodDelete, "/workspaces/ws-1", RoleAdmin},
		{http.MethodDelete, "/workspaces/ws-1/members", RoleEditor},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "http://example.test"+tt.path, nil)
		if got := RequiredRoleForRequest(req); got != tt.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}
