package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ComputeKind string

const (
	ComputeKindKubernetes ComputeKind = "kubernetes"
	ComputeKindDocker     ComputeKind = "docker"
)

type ComputeState string

const (
	ComputeStateCreating ComputeState = "creating"
	ComputeStateReady    ComputeState = "ready"
	ComputeStateDeleting ComputeState = "deleting"
	ComputeStateDeleted  ComputeState = "deleted"
	ComputeStateFailed   ComputeState = "failed"
)

// ComputeTarget is a named execution destination inside a workspace. The
// control plane tracks its lifecycle; placement belongs to the executor.
type ComputeTarget struct {
	ID              string
	WorkspaceID     string
	Name            string
	Kind            ComputeKind
	State           ComputeState
	VMSize          string
	MinNodes        int
	MaxNodes        int
	K8sNamespace    string
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	UpdatedAt       time.Time
	IntegritySHA256 string
}

func ParseComputeKind(raw string) (ComputeKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ComputeKindKubernetes):
		return ComputeKindKubernetes, nil
	case string(ComputeKindDocker):
		return ComputeKindDocker, nil
	default:
		return "", fmt.Errorf("unsupported compute kind: %q", raw)
	}
}

func (c ComputeTarget) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("compute target id is required")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("compute target name is required")
	}
	if _, err := ParseComputeKind(string(c.Kind)); err != nil {
		return err
	}
	if c.MinNodes < 0 {
		return errors.New("min nodes must be >= 0")
	}
	if c.MaxNodes < 1 {
		return errors.New("max nodes must be >= 1")
	}
	if c.MinNodes > c.MaxNodes {
		return errors.New("min nodes must be <= max nodes")
	}
	if c.Kind == ComputeKindKubernetes && strings.TrimSpace(c.K8sNamespace) == "" {
		return errors.New("k8s namespace is required for kubernetes compute")
	}
	return nil
}

// ComputeStateTransitionAllowed reports whether a compute target may move
// from one lifecycle state to another. Deleted and failed are absorbing
// except that failed targets may be deleted.
func ComputeStateTransitionAllowed(from, to ComputeState) bool {
	switch from {
	case ComputeStateCreating:
		return to == ComputeStateReady || to == ComputeStateFailed || to == ComputeStateDeleting
	case ComputeStateReady:
		return to == ComputeStateDeleting || to == ComputeStateFailed
	case ComputeStateDeleting:
		return to == ComputeStateDeleted || to == ComputeStateFailed
	case ComputeStateFailed:
		return to == ComputeStateDeleting
	default:
		return false
	}
}
