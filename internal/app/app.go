// Package app wires the control plane's services together and runs one of
// the two process modes: "api" (gateway, session hub, CRDT engine) or
// "worker" (job runner, resource ledger, cluster sampler). Both modes share
// the same durable store and KV cache; the durable Jobs table plus the KV
// cache's pub/sub channels are the only coupling between them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/omniscope/controlplane/internal/config"
	"github.com/omniscope/controlplane/internal/gateway"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/internal/platform"
	"github.com/omniscope/controlplane/internal/telemetry"
	"github.com/omniscope/controlplane/internal/version"
	"github.com/omniscope/controlplane/pkg/audit"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/crdt"
	"github.com/omniscope/controlplane/pkg/hub"
	"github.com/omniscope/controlplane/pkg/job"
	"github.com/omniscope/controlplane/pkg/jobrunner"
	"github.com/omniscope/controlplane/pkg/presence"
	"github.com/omniscope/controlplane/pkg/rbac"
	"github.com/omniscope/controlplane/pkg/resourceledger"
	"github.com/omniscope/controlplane/pkg/workspace"
)

// DriverRegistrar lets an embedding deployment contribute job drivers
// — ML training, statistical analysis, rendering — while the core only
// knows the start/poll/cancel contract. The plain binary registers none;
// jobs of an unregistered
// type fail permanently at dispatch.
type DriverRegistrar func(*jobrunner.Registry)

// durations holds every config interval pre-parsed, so a malformed value
// fails the boot instead of a background loop.
type durations struct {
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	mfaCodeStep     time.Duration
	loginWindow     time.Duration
	apiRateWindow   time.Duration
	rbacCacheTTL    time.Duration
	hubAuthTimeout  time.Duration
	crdtPersist     time.Duration
	presenceTick    time.Duration
	presenceIdle    time.Duration
	presenceAway    time.Duration
	presenceEvict   time.Duration
	backoffBase     time.Duration
	backoffCap      time.Duration
	cancelGrace     time.Duration
	starvation      time.Duration
	progressPersist time.Duration
	workerHeartbeat time.Duration
	jobReconcile    time.Duration
	clusterSample   time.Duration
}

func parseDurations(cfg *config.Config) (*durations, error) {
	d := &durations{}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ACCESS_TOKEN_TTL", cfg.AccessTokenTTL, &d.accessTokenTTL},
		{"REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL, &d.refreshTokenTTL},
		{"MFA_CODE_STEP", cfg.MFACodeStep, &d.mfaCodeStep},
		{"LOGIN_WINDOW", cfg.LoginWindow, &d.loginWindow},
		{"API_RATE_LIMIT_WINDOW", cfg.APIRateLimitWindow, &d.apiRateWindow},
		{"RBAC_CACHE_TTL", cfg.RBACCacheTTL, &d.rbacCacheTTL},
		{"HUB_AUTH_TIMEOUT", cfg.HubAuthTimeout, &d.hubAuthTimeout},
		{"CRDT_PERSIST_INTERVAL", cfg.CRDTPersistInterval, &d.crdtPersist},
		{"PRESENCE_TICK_INTERVAL", cfg.PresenceTickInterval, &d.presenceTick},
		{"PRESENCE_IDLE_THRESHOLD", cfg.PresenceIdleThreshold, &d.presenceIdle},
		{"PRESENCE_AWAY_THRESHOLD", cfg.PresenceAwayThreshold, &d.presenceAway},
		{"PRESENCE_EVICT_THRESHOLD", cfg.PresenceEvictThreshold, &d.presenceEvict},
		{"JOB_BACKOFF_BASE", cfg.JobBackoffBase, &d.backoffBase},
		{"JOB_BACKOFF_CAP", cfg.JobBackoffCap, &d.backoffCap},
		{"CANCEL_GRACE_PERIOD", cfg.CancelGracePeriod, &d.cancelGrace},
		{"STARVATION_THRESHOLD", cfg.StarvationThreshold, &d.starvation},
		{"PROGRESS_PERSIST_INTERVAL", cfg.ProgressPersistInterval, &d.progressPersist},
		{"WORKER_HEARTBEAT_INTERVAL", cfg.WorkerHeartbeatInterval, &d.workerHeartbeat},
		{"JOB_RECONCILE_INTERVAL", cfg.JobReconcileInterval, &d.jobReconcile},
		{"CLUSTER_SAMPLE_INTERVAL", cfg.ClusterSampleInterval, &d.clusterSample},
	} {
		parsed, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = parsed
	}
	return d, nil
}

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
// registerDrivers may be nil.
func Run(ctx context.Context, cfg *config.Config, registerDrivers DriverRegistrar) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting controlplane",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	d, err := parseDurations(cfg)
	if err != nil {
		return err
	}

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "controlplane", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Audit writer: sync path for security-relevant actions, buffered
	// async path for everything else.
	auditSvc := audit.NewService(db, logger)
	auditSvc.Start(ctx)
	defer auditSvc.Close()

	// RBAC catalog + decision cache.
	rbacSvc := rbac.NewService(db, rdb, auditSvc, d.rbacCacheTTL, logger)
	if err := rbacSvc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("seeding role catalog: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, d, logger, db, rdb, metricsReg, auditSvc, rbacSvc)
	case "worker":
		return runWorker(ctx, cfg, d, logger, db, rdb, registerDrivers)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, d *durations, logger *slog.Logger,
	db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry,
	auditSvc *audit.Service, rbacSvc *rbac.Service) error {

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("using auto-generated dev token secret (set CONTROLPLANE_SESSION_SECRET in production)")
	}
	signer, err := auth.NewTokenSigner(sessionSecret)
	if err != nil {
		return fmt.Errorf("creating token signer: %w", err)
	}

	limiter := auth.NewRateLimiter(rdb, cfg.LoginMaxAttempts, d.loginWindow)
	authSvc := auth.NewService(db, signer, auditSvc, rbacSvc, limiter, auth.Config{
		AccessTokenTTL:  d.accessTokenTTL,
		RefreshTokenTTL: d.refreshTokenTTL,
		MFACodeStep:     d.mfaCodeStep,
		MFACodeSkew:     cfg.MFACodeSkew,
	}, logger)

	workspaceSvc := workspace.NewService(db, auditSvc, logger)

	engine := crdt.NewEngine(db, rdb, logger)
	engine.Configure(d.crdtPersist, cfg.CRDTHistoryCapacity)

	hubSvc := hub.New(signer, workspaceSvc, engine, hub.Config{
		OutboundBuffer: cfg.RoomOutboundBuffer,
		AuthTimeout:    d.hubAuthTimeout,
		Presence: presence.Config{
			TickInterval:   d.presenceTick,
			IdleThreshold:  d.presenceIdle,
			AwayThreshold:  d.presenceAway,
			EvictThreshold: d.presenceEvict,
			EventRateLimit: cfg.PresenceEventRateLimit,
		},
	}, logger)
	engine.SetBroadcaster(hubSvc)

	// The api node runs no scheduler: submissions hand off through the
	// durable Queued row, cancels relay over the KV cache's pub/sub.
	dispatcher := jobrunner.NewRemoteDispatcher(rdb, logger)
	jobSvc := job.NewService(db, dispatcher, auditSvc, job.Config{
		MaxCoresPerJob:  int32(cfg.MaxCoresPerJob),
		MaxMemoryPerJob: cfg.MaxMemoryPerJobBytes,
		DefaultRetries:  cfg.JobMaxRetries,
	}, logger)

	ledger := resourceledger.NewLedger(int32(cfg.WorkerCoresTotal), cfg.WorkerMemoryTotalBytes)
	ledgerStore := resourceledger.NewStore(db)

	// OIDC is optional; an unset issuer means local email/password only.
	var oidcFlow *auth.OIDCFlowHandler
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing oidc authenticator: %w", err)
		}
		oauth2Cfg := &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OIDCIssuerURL + "/authorize",
				TokenURL: cfg.OIDCIssuerURL + "/oauth/token",
			},
			Scopes: []string{"openid", "profile", "email"},
		}
		oidcFlow = auth.NewOIDCFlowHandler(oauth2Cfg, oidcAuth, authSvc, rdb, logger)
		logger.Info("oidc login enabled", "issuer", cfg.OIDCIssuerURL)
	}

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, auth.Middleware(signer))

	gateway.Mount(srv, gateway.Deps{
		Logger:      logger,
		Redis:       rdb,
		Auth:        auth.NewHandler(logger, authSvc),
		OIDC:        oidcFlow,
		RBAC:        rbac.NewHandler(logger, rbacSvc),
		Audit:       audit.NewHandler(logger, auditSvc, rbacSvc),
		Workspaces:  workspace.NewHandler(logger, workspaceSvc, hubSvc, rbacSvc),
		State:       crdt.NewHandler(logger, engine, workspaceSvc),
		Jobs:        job.NewHandler(logger, jobSvc, rbacSvc),
		Cluster:     resourceledger.NewHandler(logger, ledger, ledgerStore, rbacSvc),
		Hub:         hubSvc,
		AuthService: authSvc,
		RBACService: rbacSvc,
		RateLimit: gateway.RateLimitConfig{
			Burst:  cfg.APIRateLimitBurst,
			Window: d.apiRateWindow,
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hubSvc.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return hubSvc.RunRelay(gctx, rdb) })
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Flush anything the persist ticker hasn't written yet.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	engine.PersistTick(flushCtx)
	return err
}

func runWorker(ctx context.Context, cfg *config.Config, d *durations, logger *slog.Logger,
	db *pgxpool.Pool, rdb *redis.Client, registerDrivers DriverRegistrar) error {

	ledger := resourceledger.NewLedger(int32(cfg.WorkerCoresTotal), cfg.WorkerMemoryTotalBytes)
	queue := job.NewQueue(d.starvation)
	store := job.NewStore(db)

	drivers := jobrunner.NewRegistry()
	if registerDrivers != nil {
		registerDrivers(drivers)
	}

	runner := jobrunner.New(store, queue, ledger, drivers, hub.NewRedisNotifier(rdb, logger), jobrunner.Config{
		PoolSize:                cfg.JobDispatchPoolSize,
		ProgressPersistInterval: d.progressPersist,
		CancelGracePeriod:       d.cancelGrace,
		BackoffBase:             d.backoffBase,
		BackoffCap:              d.backoffCap,
		HeartbeatInterval:       d.workerHeartbeat,
		MissedBeatsAllowed:      cfg.WorkerMissedBeatsAllowed,
		ReconcileInterval:       d.jobReconcile,
	}, logger)

	if err := runner.LoadPending(ctx); err != nil {
		return fmt.Errorf("replaying pending jobs: %w", err)
	}

	sampler := resourceledger.NewSampler(ledger, resourceledger.NewStore(db), queue, d.clusterSample, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return runner.RunCancelRelay(gctx, rdb) })
	g.Go(func() error { return sampler.Run(gctx) })
	return g.Wait()
}
