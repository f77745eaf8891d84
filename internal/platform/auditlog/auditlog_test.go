package auditlog

import (
	"net"
	"testing"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
)

func TestIntegritySHA256_Deterministic(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := domain.AuditEvent{
		OccurredAt:   occurredAt,
		Actor:        "alice",
		Action:       "run.create",
		ResourceType: "run",
		ResourceID:   "run-1",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "test-agent",
	}
	payloadJSON := []byte(`{"a":1,"b":"x"}`)

	a, err := IntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	b, err := IntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestIntegritySHA256_ChangesOnPayload(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := domain.AuditEvent{
		OccurredAt:   occurredAt,
		Actor:        "alice",
		Action:       "run.create",
		ResourceType: "run",
		ResourceID:   "run-1",
	}

	a, err := IntegritySHA256(event, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	b, err := IntegritySHA256(event, []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}
