package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/foundry-ml/foundry-go/internal/platform/auditlog"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/platform/env"
	"github.com/foundry-ml/foundry-go/internal/platform/httpserver"
	"github.com/foundry-ml/foundry-go/internal/platform/postgres"
	repopg "github.com/foundry-ml/foundry-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("WORKSPACE_REGISTRY_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("WORKSPACE_REGISTRY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	provisionInterval, err := env.Duration("WORKSPACE_REGISTRY_PROVISION_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	requirePinning, err := env.Bool("WORKSPACE_REGISTRY_REQUIRE_PINNED_BASE_IMAGE", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	internalAuthSecret := env.String("FOUNDRY_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("workspace-registry"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"workspace-registry",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	workspaceStore := repopg.NewWorkspaceStore(db)
	computeStore := repopg.NewComputeTargetStore(db)
	environmentStore := repopg.NewEnvironmentStore(db)
	auditAppender := auditlog.NewStore(db)

	service := newRegistryService(workspaceStore, computeStore, environmentStore, auditAppender, requirePinning)

	api := newRegistryAPI(logger, service)
	api.register(mux)

	startComputeProvisioner(ctx, logger, computeStore, auditAppender, provisionInterval)

	// Workspace routes carry the id in the path; the scope header only
	// applies to workspace-scoped resources.
	workspaceResolver := func(r *http.Request, identity auth.Identity) (string, error) {
		if r.URL.Path == "/workspaces" || strings.HasPrefix(r.URL.Path, "/workspaces/") {
			return "", nil
		}
		return auth.RequireWorkspaceIDResolver([]string{"/healthz", "/readyz"})(r, identity)
	}

	handler := auth.Middleware{
		Logger:           logger,
		Authenticator:    headersAuth,
		Authorize:        auth.MethodRoleAuthorizer(),
		WorkspaceResolve: workspaceResolver,
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.AppendAuthDeny(auditCtx, db, "workspace-registry", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "workspace-registry",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "workspace-registry", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
