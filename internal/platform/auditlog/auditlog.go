package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
)

// QueryRower is satisfied by *sql.DB and *sql.Tx so audit rows can join
// the transaction that produced the mutation they record.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append writes one audit event row and returns its assigned event id.
// Rows are append-only; there is no update or delete path.
func Append(ctx context.Context, q QueryRower, event domain.AuditEvent) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	integrity, err := IntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}
	var ip sql.NullString
	if ipStr := ipString(event); ipStr != "" {
		ip = sql.NullString{String: ipStr, Valid: true}
	}
	var userAgent sql.NullString
	if strings.TrimSpace(event.UserAgent) != "" {
		userAgent = sql.NullString{String: strings.TrimSpace(event.UserAgent), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at,
			actor,
			action,
			resource_type,
			resource_id,
			request_id,
			ip,
			user_agent,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		requestID,
		ip,
		userAgent,
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// IntegritySHA256 hashes the canonical JSON form of the event so tampering
// with a stored row is detectable.
func IntegritySHA256(event domain.AuditEvent, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ipString(event),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Store adapts Append to the repository appender interface.
type Store struct {
	q QueryRower
}

func NewStore(q QueryRower) *Store {
	if q == nil {
		return nil
	}
	return &Store{q: q}
}

func (s *Store) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if s == nil || s.q == nil {
		return 0, errors.New("audit store not initialized")
	}
	return Append(ctx, s.q, event)
}

func ipString(event domain.AuditEvent) string {
	if event.IP == nil {
		return ""
	}
	ipStr := strings.TrimSpace(event.IP.String())
	if ipStr == "<nil>" {
		return ""
	}
	return ipStr
}
