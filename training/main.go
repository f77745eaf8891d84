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

	"github.com/foundry-ml/foundry-go/internal/exec"
	"github.com/foundry-ml/foundry-go/internal/platform/auditlog"
	"github.com/foundry-ml/foundry-go/internal/platform/auth"
	"github.com/foundry-ml/foundry-go/internal/platform/env"
	"github.com/foundry-ml/foundry-go/internal/platform/httpserver"
	"github.com/foundry-ml/foundry-go/internal/platform/k8s"
	"github.com/foundry-ml/foundry-go/internal/platform/postgres"
	repopg "github.com/foundry-ml/foundry-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TRAINING_HTTP_ADDR", ":8083")
	shutdownTimeout, err := env.Duration("TRAINING_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	syncInterval, err := env.Duration("FOUNDRY_TRAINING_SYNC_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	runTokenTTL, err := env.Duration("FOUNDRY_RUN_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	trackingURL := env.String("FOUNDRY_TRACKING_URL", "http://localhost:8080")

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

	runTokenSecret := env.String("FOUNDRY_RUN_TOKEN_SECRET", internalAuthSecret)
	if strings.TrimSpace(runTokenSecret) == "" {
		logger.Error("run token secret is required")
		os.Exit(2)
	}

	var executor exec.Executor
	trainingNamespace := env.String("FOUNDRY_TRAINING_K8S_NAMESPACE", "")
	executorKind := strings.TrimSpace(strings.ToLower(env.String("FOUNDRY_TRAINING_EXECUTOR", "")))
	switch executorKind {
	case "", "disabled":
		logger.Info("training executor disabled")
	case "kubernetes", "k8s":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			logger.Error("kubernetes client unavailable", "error", err)
			os.Exit(1)
		}
		if trainingNamespace == "" {
			trainingNamespace = client.Namespace()
		}
		jobTTL, err := env.Int("FOUNDRY_TRAINING_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			logger.Error("invalid env", "error", err)
			os.Exit(2)
		}
		serviceAccount := env.String("FOUNDRY_TRAINING_K8S_JOB_SERVICE_ACCOUNT", "")
		executor, err = exec.NewKubernetesJobExecutor(client, trainingNamespace, int32(jobTTL), serviceAccount)
		if err != nil {
			logger.Error("kubernetes executor init failed", "error", err)
			os.Exit(2)
		}
	case "docker":
		dockerBin := env.String("FOUNDRY_DOCKER_BIN", "docker")
		executor, err = exec.NewDockerExecutor(dockerBin)
		if err != nil {
			logger.Error("docker executor init failed", "error", err)
			os.Exit(2)
		}
	default:
		logger.Error("unknown training executor", "executor", executorKind)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("training"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"training",
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

	experimentStore := repopg.NewExperimentStore(db)
	environmentStore := repopg.NewEnvironmentStore(db)
	computeStore := repopg.NewComputeTargetStore(db)
	datasetStore := repopg.NewDatasetStore(db)
	auditAppender := auditlog.NewStore(db)

	api := newTrainingAPI(
		logger,
		db,
		experimentStore,
		environmentStore,
		computeStore,
		datasetStore,
		auditAppender,
		executor,
		trainingNamespace,
		runTokenSecret,
		runTokenTTL,
		trackingURL,
	)
	api.register(mux)

	startRunSyncer(ctx, logger, db, executor, syncInterval)

	// Run containers authenticate with run tokens; everything else arrives
	// through the gateway with signed identity headers.
	authenticator := auth.RunTokenAuthenticator{
		Secret: runTokenSecret,
		Next:   headersAuth,
	}

	// Run-token requests carry no workspace header; the run row scopes them.
	workspaceResolver := func(r *http.Request, identity auth.Identity) (string, error) {
		if _, ok := auth.ParseRunTokenSubject(identity.Subject); ok {
			return "", nil
		}
		return auth.RequireWorkspaceIDResolver([]string{"/healthz", "/readyz"})(r, identity)
	}

	handler := auth.Middleware{
		Logger:           logger,
		Authenticator:    authenticator,
		Authorize:        auth.MethodRoleAuthorizer(),
		WorkspaceResolve: workspaceResolver,
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.AppendAuthDeny(auditCtx, db, "training", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "training",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "training", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
