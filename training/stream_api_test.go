package main

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	err := writeSSE(rec, "status", "42", map[string]any{"run_id": "run-1", "status": "running"})
	if err != nil {
		t.Fatalf("writeSSE() err=%v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: status\nid: 42\ndata: ") {
		t.Fatalf("unexpected framing: %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("event must end with a blank line: %q", body)
	}
	if !strings.Contains(body, `"status":"running"`) {
		t.Fatalf("payload missing: %q", body)
	}
}

func TestWriteSSE_OmitsEmptyFields(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeSSE(rec, "", "", map[string]any{"ok": true}); err != nil {
		t.Fatalf("writeSSE() err=%v", err)
	}
	body := rec.Body.String()
	if strings.Contains(body, "event:") || strings.Contains(body, "id:") {
		t.Fatalf("empty event and id must be omitted: %q", body)
	}
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("unexpected framing: %q", body)
	}
}
