package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foundry-ml/foundry-go/internal/domain"
	"github.com/foundry-ml/foundry-go/internal/repo"
)

// computeProvisioner advances compute target lifecycle state in the
// background: creating targets become ready, deleting targets become
// deleted. Placement itself belongs to the executor, so there is no remote
// pool to wait on.
type computeProvisioner struct {
	logger   *slog.Logger
	computes repo.ComputeTargetRepository
	audit    repo.AuditEventAppender
	interval time.Duration
	batch    int
}

func startComputeProvisioner(ctx context.Context, logger *slog.Logger, computes repo.ComputeTargetRepository, audit repo.AuditEventAppender, interval time.Duration) {
	if computes == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &computeProvisioner{
		logger:   logger,
		computes: computes,
		audit:    audit,
		interval: interval,
		batch:    50,
	}

	go p.run(ctx)
}

func (p *computeProvisioner) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncOnce(ctx)
		}
	}
}

func (p *computeProvisioner) syncOnce(ctx context.Context) {
	p.advance(ctx, domain.ComputeStateCreating, domain.ComputeStateReady, "compute_target.ready")
	p.advance(ctx, domain.ComputeStateDeleting, domain.ComputeStateDeleted, "compute_target.deleted")
}

func (p *computeProvisioner) advance(ctx context.Context, from domain.ComputeState, to domain.ComputeState, action string) {
	targets, err := p.computes.ListByState(ctx, from, p.batch)
	if err != nil {
		p.log("list targets failed", "state", string(from), "error", err)
		return
	}

	for _, target := range targets {
		now := time.Now().UTC()
		if err := p.computes.UpdateState(ctx, target.WorkspaceID, target.ID, from, to, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Lost the transition race; the next tick re-lists.
				continue
			}
			p.log("update state failed", "target_id", target.ID, "from", string(from), "to", string(to), "error", err)
			continue
		}

		if p.audit != nil {
			_, _ = p.audit.Append(ctx, domain.AuditEvent{
				OccurredAt:   now,
				Actor:        "system",
				Action:       action,
				ResourceType: "compute_target",
				ResourceID:   target.ID,
				Payload: map[string]any{
					"service":      "workspace-registry",
					"workspace_id": target.WorkspaceID,
					"name":         target.Name,
					"from_state":   string(from),
					"to_state":     string(to),
				},
			})
		}
	}
}

func (p *computeProvisioner) log(msg string, attrs ...any) {
	if p.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := []any{"component", "compute_provisioner"}
	fields = append(fields, attrs...)
	p.logger.Warn(msg, fields...)
}
