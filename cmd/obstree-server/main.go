package main

import (
	"context"
	"encoding/json"
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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/obstree/internal/config"
	"github.com/ehr/obstree/internal/domain/obstree"
	"github.com/ehr/obstree/internal/platform/auth"
	"github.com/ehr/obstree/internal/platform/db"
	"github.com/ehr/obstree/internal/platform/middleware"
	"github.com/ehr/obstree/internal/platform/telemetry"
	"github.com/ehr/obstree/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "obstree-server",
		Short:        "Lab result obstree API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the obstree API server",
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

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		schema, _ := cmd.Flags().GetString("schema")
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, db.Migrations()), schema)
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load obstree documents from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := obstree.LoadSeedFile(f)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.NeedsDatabase() {
				return fmt.Errorf("seeding requires OBSTREE_SOURCE=%s", config.SourcePostgres)
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := obstree.NewDocumentRepoPG(pool)
			svc := obstree.NewService(repo, repo, newLogger(cfg))
			for _, t := range seed.Trees {
				if err := svc.SaveTree(ctx, seed.Patient, t.Concept, t.Tree); err != nil {
					return fmt.Errorf("seed concept %s: %w", t.Concept, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d tree(s) for patient %s.\n", len(seed.Trees), seed.Patient)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the seed file")
	return cmd
}

// annotateCmd works offline: it needs no configuration or database.
func annotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Annotate a raw obstree document and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			outline, _ := cmd.Flags().GetBool("outline")
			selected, _ := cmd.Flags().GetStringSlice("select")

			var r io.Reader = cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			raw, err := obstree.DecodeTree(data)
			if err != nil {
				return err
			}

			roots := []*obstree.Node{obstree.Annotate(raw, "", nil)}
			idx := obstree.BuildIndex(roots)
			engine := obstree.NewEngine(idx)
			for _, name := range selected {
				if !idx.Selectable(name) {
					return fmt.Errorf("unknown flat name %q", name)
				}
				engine.Toggle(name)
			}

			var result interface{} = roots
			switch {
			case outline:
				result = obstree.Outline(roots, engine)
			case len(selected) > 0:
				result = obstree.Filter(roots, engine)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().String("file", "-", "Raw tree as JSON or YAML (- for stdin)")
	cmd.Flags().Bool("outline", false, "Print the checkbox outline instead of the tree")
	cmd.Flags().StringSlice("select", nil, "Flat names to toggle before printing")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a local client",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user id)")
	cmd.Flags().StringSlice("roles", []string{auth.RolePhysician}, "Granted roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

// newServer assembles the HTTP surface. pinger is nil when no database is
// configured.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *obstree.Service, hub *websocket.Hub, tp *telemetry.Provider, pinger db.Pinger) (*echo.Echo, error) {
	bodyLimit, err := middleware.ParseSize(cfg.MaxDocSize)
	if err != nil {
		return nil, fmt.Errorf("MAX_DOCUMENT_SIZE: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))

	// Health and metrics stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"source":  cfg.Source,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.PrometheusHandler())
	}

	apiV1 := e.Group("/api/v1")
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		logger.Warn().Msg("development auth enabled, every request acts as admin")
		apiV1.Use(auth.DevAuthMiddleware())
	default:
		apiV1.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	handler := obstree.NewHandler(svc)
	if hub != nil {
		handler.SetEvents(hub)
	}
	handler.RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		source obstree.TreeSource
		docs   obstree.DocumentRepository
		pool   *pgxpool.Pool
		pinger db.Pinger
	)
	switch cfg.Source {
	case config.SourceOpenMRS:
		source = obstree.NewOpenMRSClient(cfg.OpenMRSBaseURL, cfg.OpenMRSUser, cfg.OpenMRSPass, cfg.OpenMRSTimeout)
		logger.Info().Str("base_url", cfg.OpenMRSBaseURL).Msg("reading obstrees from OpenMRS")
	default:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		repo := obstree.NewDocumentRepoPG(pool)
		source, docs, pinger = repo, repo, pool
	}

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "obstree-server",
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	hub := websocket.NewHub(logger)

	svc := obstree.NewService(source, docs, logger)
	svc.SetDefaultConcepts(cfg.Concepts)
	svc.SetFeed(hub)
	svc.SetRecorder(tp)

	e, err := newServer(cfg, logger, svc, hub, tp, pinger)
	if err != nil {
		return err
	}

	go svc.RunPruner(ctx, cfg.SessionTTL, pruneInterval(cfg.SessionTTL))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Strs("concepts", cfg.Concepts).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// pruneInterval checks for idle sessions a few times per TTL, at most once
// a minute.
func pruneInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
