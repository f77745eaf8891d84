package main

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"train.csv", "train.csv"},
		{"  data/splits/train.csv  ", "train.csv"},
		{"../../etc/passwd", "passwd"},
		{"/", "dataset.bin"},
		{".", "dataset.bin"},
		{"", "dataset.bin"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Fatalf("sanitizeFilename(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCountingWriter(t *testing.T) {
	var cw countingWriter
	if _, err := io.Copy(&cw, strings.NewReader("0123456789")); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if cw.n != 10 {
		t.Fatalf("n=%d, want 10", cw.n)
	}
}

func TestJSONFieldString(t *testing.T) {
	raw := json.RawMessage(`{"source":"  cli  ","rows":12}`)
	if got := jsonFieldString(raw, "source"); got != "cli" {
		t.Fatalf("jsonFieldString(source)=%q, want cli", got)
	}
	if got := jsonFieldString(raw, "rows"); got != "" {
		t.Fatalf("non-string field should yield empty, got %q", got)
	}
	if got := jsonFieldString(raw, "missing"); got != "" {
		t.Fatalf("missing field should yield empty, got %q", got)
	}
	if got := jsonFieldString(json.RawMessage("not-json"), "source"); got != "" {
		t.Fatalf("invalid JSON should yield empty, got %q", got)
	}
}

func TestNormalizeJSON(t *testing.T) {
	if got := normalizeJSON(nil); string(got) != "{}" {
		t.Fatalf("normalizeJSON(nil)=%s", got)
	}
	if got := normalizeJSON([]byte(" null ")); string(got) != "{}" {
		t.Fatalf("normalizeJSON(null)=%s", got)
	}
	if got := normalizeJSON([]byte(`{"k":"v"}`)); string(got) != `{"k":"v"}` {
		t.Fatalf("normalizeJSON(object)=%s", got)
	}
}
