package domain

import (
	"errors"
	"strings"
	"time"
)

// Workspace is the top-level container. Every other resource is scoped to
// exactly one workspace.
type Workspace struct {
	ID              string
	Name            string
	Description     string
	Region          string
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (w Workspace) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("workspace name is required")
	}
	return nil
}
