package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const runTokenIssuer = "foundry-training"

var (
	ErrRunTokenInvalid = errors.New("run token is invalid")
	ErrRunTokenExpired = errors.New("run token is expired")
)

// RunTokenClaims scope a token to a single run so a training container can
// report logs and metrics without carrying a user credential.
type RunTokenClaims struct {
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id"`
	jwt.RegisteredClaims
}

func RunTokenSubject(claims RunTokenClaims) string {
	return "run:" + strings.TrimSpace(claims.RunID)
}

func ParseRunTokenSubject(subject string) (runID string, ok bool) {
	subject = strings.TrimSpace(subject)
	if !strings.HasPrefix(subject, "run:") {
		return "", false
	}
	runID = strings.TrimSpace(strings.TrimPrefix(subject, "run:"))
	if runID == "" {
		return "", false
	}
	return runID, true
}

func GenerateRunToken(secret string, workspaceID string, runID string, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	runID = strings.TrimSpace(runID)
	if workspaceID == "" || runID == "" {
		return "", errors.New("workspace_id and run_id are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := RunTokenClaims{
		RunID:       runID,
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    runTokenIssuer,
			Subject:   "run:" + runID,
			IssuedAt:  jwt.NewNumericDate(now.UTC()),
			ExpiresAt: jwt.NewNumericDate(now.UTC().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	return signed, nil
}

func VerifyRunToken(secret string, token string, now time.Time) (RunTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return RunTokenClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claims RunTokenClaims
	parsed, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(runTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now.UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return RunTokenClaims{}, ErrRunTokenExpired
		}
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	if !parsed.Valid {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	claims.RunID = strings.TrimSpace(claims.RunID)
	claims.WorkspaceID = strings.TrimSpace(claims.WorkspaceID)
	if claims.RunID == "" || claims.WorkspaceID == "" {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	return claims, nil
}

// RunTokenAuthenticator accepts run-scoped bearer tokens and falls through
// to the next authenticator for everything else.
type RunTokenAuthenticator struct {
	Secret string
	Next   Authenticator
	Now    func() time.Time
}

func (a RunTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if token := tokenFromHeader(r); token != "" {
		now := time.Now().UTC()
		if a.Now != nil {
			now = a.Now().UTC()
		}
		claims, err := VerifyRunToken(a.Secret, token, now)
		if err == nil {
			return Identity{
				Subject: RunTokenSubject(claims),
				Roles:   []string{RoleEditor},
			}, nil
		}
		if errors.Is(err, ErrRunTokenExpired) {
			return Identity{}, ErrUnauthenticated
		}
	}

	if a.Next == nil {
		return Identity{}, ErrUnauthenticated
	}
	return a.Next.Authenticate(ctx, r)
}
