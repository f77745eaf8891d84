package domain

import (
	"errors"
	"net"
	"strings"
	"time"
)

// AuditEvent is an append-only record of a mutation or denial.
type AuditEvent struct {
	EventID      int64
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      Metadata
}

func (e AuditEvent) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred at is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("resource type is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("resource id is required")
	}
	return nil
}
