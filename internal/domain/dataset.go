package domain

import (
	"errors"
	"strings"
	"time"
)

// Datastore is a named pointer into the object store: bucket plus key prefix.
type Datastore struct {
	ID              string
	WorkspaceID     string
	Name            string
	Bucket          string
	KeyPrefix       string
	IsDefault       bool
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (d Datastore) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("datastore id is required")
	}
	if strings.TrimSpace(d.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("datastore name is required")
	}
	if strings.TrimSpace(d.Bucket) == "" {
		return errors.New("datastore bucket is required")
	}
	return nil
}

// Dataset is a named, versioned collection of uploaded content.
type Dataset struct {
	ID              string
	WorkspaceID     string
	DatastoreID     string
	Name            string
	Description     string
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(d.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("dataset name is required")
	}
	return nil
}

// DatasetVersion is one immutable upload. Ordinals are monotonically
// increasing per dataset; content is addressed by SHA-256.
type DatasetVersion struct {
	ID              string
	WorkspaceID     string
	DatasetID       string
	Ordinal         int64
	ContentSHA256   string
	ObjectKey       string
	SizeBytes       int64
	Metadata        Metadata
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (v DatasetVersion) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("dataset version id is required")
	}
	if strings.TrimSpace(v.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(v.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if v.Ordinal < 1 {
		return errors.New("ordinal must be >= 1")
	}
	if strings.TrimSpace(v.ContentSHA256) == "" {
		return errors.New("content sha256 is required")
	}
	if strings.TrimSpace(v.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if v.SizeBytes < 0 {
		return errors.New("size bytes must be >= 0")
	}
	return nil
}
