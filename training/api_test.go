package main

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/exec"
)

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest("POST", "/experiments", strings.NewReader(`{"name":"exp"}`))
	if err := decodeJSON(req, &dst); err != nil {
		t.Fatalf("decodeJSON() err=%v", err)
	}
	if dst.Name != "exp" {
		t.Fatalf("Name=%q, want exp", dst.Name)
	}

	req = httptest.NewRequest("POST", "/experiments", strings.NewReader(`{"name":"exp","bogus":1}`))
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("unknown fields should be rejected")
	}

	req = httptest.NewRequest("POST", "/experiments", strings.NewReader(`{"name":"exp"}{"name":"again"}`))
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("trailing JSON values should be rejected")
	}
}

func TestNormalizeJSON(t *testing.T) {
	if got := normalizeJSON(nil); string(got) != "{}" {
		t.Fatalf("normalizeJSON(nil)=%s", got)
	}
	if got := normalizeJSON([]byte("  null  ")); string(got) != "{}" {
		t.Fatalf("normalizeJSON(null)=%s", got)
	}
	if got := normalizeJSON([]byte(` {"a":1} `)); string(got) != `{"a":1}` {
		t.Fatalf("normalizeJSON(object)=%s", got)
	}
}

func TestComputeKindMatchesExecutor(t *testing.T) {
	tests := []struct {
		kind         domain.ComputeKind
		executorKind string
		want         bool
	}{
		{domain.ComputeKindKubernetes, "kubernetes_job", true},
		{domain.ComputeKindKubernetes, "docker", false},
		{domain.ComputeKindDocker, "docker", true},
		{domain.ComputeKindDocker, "kubernetes_job", false},
		{domain.ComputeKind("slurm"), "kubernetes_job", false},
	}
	for _, tt := range tests {
		if got := computeKindMatchesExecutor(tt.kind, tt.executorKind); got != tt.want {
			t.Fatalf("computeKindMatchesExecutor(%s, %s)=%v, want %v", tt.kind, tt.executorKind, got, tt.want)
		}
	}
}

func TestDockerContainerName(t *testing.T) {
	sub := submission{Executor: "docker", Spec: exec.JobSpec{DockerName: "foundry-run-abc"}}
	if got := dockerContainerName(sub); got != "foundry-run-abc" {
		t.Fatalf("dockerContainerName()=%q", got)
	}
	sub.Executor = "kubernetes_job"
	if got := dockerContainerName(sub); got != "" {
		t.Fatalf("kubernetes submissions should not carry a container name, got %q", got)
	}
}

func TestClampInt(t *testing.T) {
	if got := clampInt(0, 1, 10); got != 1 {
		t.Fatalf("clampInt(0)=%d, want 1", got)
	}
	if got := clampInt(99, 1, 10); got != 10 {
		t.Fatalf("clampInt(99)=%d, want 10", got)
	}
	if got := clampInt(5, 1, 10); got != 5 {
		t.Fatalf("clampInt(5)=%d, want 5", got)
	}
}

func TestParseIntQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/runs?limit=25", nil)
	if got := parseIntQuery(req, "limit", 50); got != 25 {
		t.Fatalf("parseIntQuery(limit)=%d, want 25", got)
	}
	if got := parseIntQuery(req, "missing", 50); got != 50 {
		t.Fatalf("parseIntQuery(missing)=%d, want 50", got)
	}
	req = httptest.NewRequest("GET", "/runs?limit=abc", nil)
	if got := parseIntQuery(req, "limit", 50); got != 50 {
		t.Fatalf("parseIntQuery(invalid)=%d, want default", got)
	}
}

func TestNullString(t *testing.T) {
	if ns := nullString("  "); ns.Valid {
		t.Fatalf("blank value should be NULL")
	}
	ns := nullString(" foundry-jobs ")
	if !ns.Valid || ns.String != "foundry-jobs" {
		t.Fatalf("nullString()=%+v", ns)
	}
}
