package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
)

// AppendAuthDeny records a rejected request so denials share the same
// tamper-evident trail as successful mutations.
func AppendAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip net.IP
	host, _, err := net.SplitHostPort(event.RemoteAddr)
	if err == nil {
		ip = net.ParseIP(host)
	}

	_, err = Append(ctx, db, domain.AuditEvent{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: domain.Metadata{
			"service":      service,
			"status":       event.Status,
			"reason":       event.Reason,
			"error":        event.Error,
			"subject":      event.Subject,
			"email":        event.Email,
			"roles":        event.Roles,
			"workspace_id": event.WorkspaceID,
		},
	})
	return err
}
