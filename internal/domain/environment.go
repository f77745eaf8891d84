package domain

import (
	"errors"
	"strings"
	"time"
)

// Environment is one immutable version of a named execution environment:
// a Docker base image plus a conda specification. Registering the same name
// again produces the next version ordinal.
type Environment struct {
	ID              string
	WorkspaceID     string
	Name            string
	Version         int64
	BaseImage       string
	CondaSpec       string
	LockSHA256      string
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (e Environment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(e.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("environment name is required")
	}
	if e.Version < 1 {
		return errors.New("environment version must be >= 1")
	}
	if strings.TrimSpace(e.BaseImage) == "" {
		return errors.New("base image is required")
	}
	if strings.TrimSpace(e.CondaSpec) == "" {
		return errors.New("conda spec is required")
	}
	if strings.TrimSpace(e.LockSHA256) == "" {
		return errors.New("lock sha256 is required")
	}
	return nil
}
