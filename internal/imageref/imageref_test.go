package imageref

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foundry-ml/foundry-go/internal/exec"
)

const digest = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestDigestFromRef(t *testing.T) {
	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{digest, digest, true},
		{"registry.example.test/train@" + digest, digest, true},
		{"train:v1", "", false},
		{"train@sha256:short", "", false},
		{"@" + digest, "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := DigestFromRef(tt.ref)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("DigestFromRef(%q)=(%q, %v), want (%q, %v)", tt.ref, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsSHA256Digest(t *testing.T) {
	if !IsSHA256Digest(strings.ToUpper(digest)) {
		t.Fatalf("digest check should be case insensitive")
	}
	if IsSHA256Digest("sha256:zz") {
		t.Fatalf("short digest should be rejected")
	}
	if IsSHA256Digest("md5:" + strings.Repeat("a", 64)) {
		t.Fatalf("non-sha256 prefix should be rejected")
	}
}

type fakeExecutor struct {
	kind    string
	imageID string
	err     error
}

func (f fakeExecutor) Kind() string                                               { return f.kind }
func (f fakeExecutor) Submit(ctx context.Context, spec exec.JobSpec) error        { return nil }
func (f fakeExecutor) Cancel(ctx context.Context, execution exec.Execution) error { return nil }
func (f fakeExecutor) Inspect(ctx context.Context, execution exec.Execution) (exec.Observation, error) {
	return exec.Observation{}, nil
}

func (f fakeExecutor) ResolveImageID(ctx context.Context, imageRef string) (string, error) {
	return f.imageID, f.err
}

func TestResolveForExecutor_Kubernetes(t *testing.T) {
	ref := "registry.example.test/train@" + digest
	executionRef, imageDigest, err := ResolveForExecutor(context.Background(), fakeExecutor{kind: "kubernetes_job"}, ref)
	if err != nil {
		t.Fatalf("ResolveForExecutor() err=%v", err)
	}
	if executionRef != ref || imageDigest != digest {
		t.Fatalf("got (%q, %q)", executionRef, imageDigest)
	}

	_, _, err = ResolveForExecutor(context.Background(), fakeExecutor{kind: "kubernetes_job"}, "train:v1")
	if !errors.Is(err, exec.ErrImageRefDigestRequired) {
		t.Fatalf("err=%v, want %v", err, exec.ErrImageRefDigestRequired)
	}
}

func TestResolveForExecutor_Docker(t *testing.T) {
	executionRef, imageDigest, err := ResolveForExecutor(context.Background(), fakeExecutor{kind: "docker", imageID: digest}, "train:v1")
	if err != nil {
		t.Fatalf("ResolveForExecutor() err=%v", err)
	}
	if executionRef != "train:v1" || imageDigest != digest {
		t.Fatalf("got (%q, %q)", executionRef, imageDigest)
	}

	_, _, err = ResolveForExecutor(context.Background(), fakeExecutor{kind: "docker", err: exec.ErrImageRefNotFound}, "missing:v1")
	if !errors.Is(err, exec.ErrImageRefNotFound) {
		t.Fatalf("err=%v, want %v", err, exec.ErrImageRefNotFound)
	}
}
