package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/casenote/internal/config"
	"github.com/ehr/casenote/internal/domain/casenote"
	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/auth"
	"github.com/ehr/casenote/internal/platform/db"
	"github.com/ehr/casenote/internal/platform/metrics"
	"github.com/ehr/casenote/internal/platform/middleware"
	"github.com/ehr/casenote/internal/platform/refdata"
	"github.com/ehr/casenote/internal/platform/webhook"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "casenote-server",
		Short: "Case-note custody workflow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(handoversCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the case-note API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(os.Stdout, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func handoversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handovers",
		Short: "Handover maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue and escalated handovers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(cfg, pool, logger, nil)
			if err != nil {
				return err
			}
			res, err := a.caseNotes.SweepHandovers(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Marked %d overdue and %d escalated handover(s).\n", res.Overdue, res.Escalated)
			return nil
		},
	})

	return cmd
}

// loadConfig loads and validates the configuration for commands that run
// the workflow.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	caseNotes   *casenote.Service
	timeline    *timeline.Service
	authz       *auth.RoleAuthorizer
	revocations *auth.TokenRevocationStore
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, wm *metrics.WorkflowMetrics) (*app, error) {
	authz := auth.NewRoleAuthorizer(auth.NewRoleStorePG(pool), cfg.RoleCacheTTL)
	refs := refdata.NewCachedResolver(refdata.NewResolverPG(pool), cfg.RefdataCacheTTL)

	tlSvc := timeline.NewService(timeline.NewRepo(pool))
	tlSvc.SetAuthorizer(authz)

	svc := casenote.NewService(
		casenote.NewCaseNoteRepo(pool),
		casenote.NewHandoverRepo(pool),
		casenote.NewBatchRepo(pool),
		tlSvc,
		db.NewTransactor(pool),
		authz,
		refs,
	)
	svc.SetLogger(logger.With().Str("component", "casenote").Logger())
	svc.SetHandoverWindows(cfg.HandoverOverdueAfter, cfg.HandoverEscalateAfter)
	svc.SetMetrics(wm)

	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret})
		}
		n, err := webhook.NewNotifier(endpoints, logger.With().Str("component", "webhook").Logger())
		if err != nil {
			return nil, err
		}
		svc.SetNotifier(n)
	}

	return &app{
		caseNotes:   svc,
		timeline:    tlSvc,
		authz:       authz,
		revocations: auth.NewTokenRevocationStore(cfg.AuthTokenTTL),
	}, nil
}

// authMiddleware picks the actor source for the resolved auth mode.
// Revocations only apply to bearer tokens.
func authMiddleware(cfg *config.Config, revocations *auth.TokenRevocationStore) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:      cfg.AuthIssuer,
		Audience:    cfg.AuthAudience,
		JWKSURL:     cfg.AuthJWKSURL,
		Revocations: revocations,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

// routeRegistrar is satisfied by every domain handler.
type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

// revocationRoutes mounts the admin token revocation endpoints. Revoking an
// actor also drops their cached roles.
type revocationRoutes struct {
	store *auth.TokenRevocationStore
	authz *auth.RoleAuthorizer
}

func (r revocationRoutes) RegisterRoutes(api *echo.Group) {
	auth.RegisterRevocationRoutes(api, r.store, r.authz.Invalidate)
}

// newEcho builds the HTTP surface. Health and metrics stay outside the
// authenticated /api/v1 group.
func newEcho(cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry, health echo.HandlerFunc, revocations *auth.TokenRevocationStore, handlers ...routeRegistrar) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Actor-ID", "X-Actor-Roles"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if health != nil {
		e.GET("/health/db", health)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMiddleware(cfg, revocations))
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(middleware.Audit(logger))

	for _, h := range handlers {
		h.RegisterRoutes(apiV1)
	}
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	wm, err := metrics.NewWorkflowMetrics(reg)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, pool, logger, wm)
	if err != nil {
		return err
	}
	health := db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) })
	e := newEcho(cfg, logger, reg, health, a.revocations,
		casenote.NewHandler(a.caseNotes),
		timeline.NewHandler(a.timeline),
		revocationRoutes{store: a.revocations, authz: a.authz},
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		casenote.NewSweeper(a.caseNotes, cfg.HandoverSweepInterval, logger).Run(sweepCtx)
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
