package exec

import (
	"context"
	"errors"
)

// Executor is the runtime surface the training service drives jobs through.
type Executor interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) error
	Inspect(ctx context.Context, execution Execution) (Observation, error)
	Cancel(ctx context.Context, execution Execution) error
}

// DockerImageIDResolver exposes local image id resolution for
// Docker-backed executors.
type DockerImageIDResolver interface {
	ResolveImageID(ctx context.Context, imageRef string) (string, error)
}

// JobSpec carries everything a run needs at launch. Dataset bindings and
// the run token reach the container as environment variables.
type JobSpec struct {
	RunID           string
	WorkspaceID     string
	ImageRef        string
	Command         []string
	Args            []string
	Env             map[string]string
	DatasetBindings map[string]string
	TrackingURL     string
	RunToken        string
	Resources       map[string]any
	K8sNamespace    string
	K8sJobName      string
	DockerName      string
}

// Execution identifies a submitted job for later inspection.
type Execution struct {
	RunID           string
	Executor        string
	K8sNamespace    string
	K8sJobName      string
	DockerContainer string
}

// Observation is one point-in-time view of a running job. Status is one of
// pending, running, succeeded, failed.
type Observation struct {
	Status  string
	Message string
	Details map[string]any
}

var ErrImageRefNotFound = errors.New("image_ref_not_found")
var ErrImageRefDigestRequired = errors.New("image_ref_digest_required")
