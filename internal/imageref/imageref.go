package imageref

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/foundry-ml/foundry-go/internal/exec"
)

// DigestFromRef extracts the sha256 digest when the reference pins one,
// either as a bare digest or as name@sha256:....
func DigestFromRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if IsSHA256Digest(ref) {
		return strings.ToLower(ref), true
	}
	at := strings.LastIndex(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		return "", false
	}
	if strings.TrimSpace(ref[:at]) == "" {
		return "", false
	}
	digest := strings.ToLower(strings.TrimSpace(ref[at+1:]))
	if !IsSHA256Digest(digest) {
		return "", false
	}
	return digest, true
}

func IsSHA256Digest(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if !strings.HasPrefix(value, "sha256:") {
		return false
	}
	hexPart := strings.TrimPrefix(value, "sha256:")
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// ResolveForExecutor pins the image reference that actually executes.
// Kubernetes requires a digest-pinned reference up front; Docker may
// resolve a local tag to its image id.
func ResolveForExecutor(ctx context.Context, executor exec.Executor, imageRef string) (executionRef string, imageDigest string, err error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return "", "", errors.New("image ref is required")
	}
	if executor == nil {
		return "", "", errors.New("executor is required")
	}

	switch executor.Kind() {
	case "docker":
		if digest, ok := DigestFromRef(imageRef); ok {
			return imageRef, digest, nil
		}
		resolver, ok := executor.(exec.DockerImageIDResolver)
		if !ok {
			return "", "", errors.New("docker executor does not support image resolution")
		}
		id, err := resolver.ResolveImageID(ctx, imageRef)
		if err != nil {
			if errors.Is(err, exec.ErrImageRefNotFound) {
				return "", "", err
			}
			return "", "", fmt.Errorf("resolve docker image id: %w", err)
		}
		if !IsSHA256Digest(id) {
			return "", "", fmt.Errorf("unexpected docker image id: %q", id)
		}
		return imageRef, strings.ToLower(strings.TrimSpace(id)), nil
	case "kubernetes_job":
		digest, ok := DigestFromRef(imageRef)
		if !ok || !strings.Contains(imageRef, "@") {
			return "", "", exec.ErrImageRefDigestRequired
		}
		return imageRef, digest, nil
	default:
		return "", "", fmt.Errorf("unsupported executor kind: %q", executor.Kind())
	}
}
