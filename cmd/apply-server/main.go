package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cpgkit/apply/internal/config"
	"github.com/cpgkit/apply/internal/domain/definitions"
	"github.com/cpgkit/apply/internal/platform/apply"
	"github.com/cpgkit/apply/internal/platform/auth"
	"github.com/cpgkit/apply/internal/platform/cache"
	"github.com/cpgkit/apply/internal/platform/db"
	"github.com/cpgkit/apply/internal/platform/fhir"
	"github.com/cpgkit/apply/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apply-server",
		Short: "FHIR clinical-reasoning $apply server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(applyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the definition store and $apply API server",
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// applyCmd runs a single $apply against a corpus file, without a server or a
// database. Useful for authoring definitions and for CI checks.
func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a definition from a corpus file and print the result bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			corpusPath, _ := cmd.Flags().GetString("corpus")
			reference, _ := cmd.Flags().GetString("definition")
			subject, _ := cmd.Flags().GetString("subject")
			merge, _ := cmd.Flags().GetBool("merge")
			if corpusPath == "" || reference == "" || subject == "" {
				return fmt.Errorf("--corpus, --definition and --subject are required")
			}

			resolver, err := fhir.NewResolver(corpusPath)
			if err != nil {
				return err
			}

			ctx := context.Background()
			matches, err := resolver(ctx, reference)
			if err != nil {
				return err
			}
			if len(matches) == 0 || matches[0] == nil {
				return fmt.Errorf("definition not found in corpus: %s", reference)
			}
			definition := matches[0]

			applier := apply.New(resolver, apply.Options{})
			var out []fhir.Resource
			switch definition.ResourceType() {
			case "PlanDefinition":
				out, err = applier.ApplyPlan(ctx, definition, subject)
				if err == nil && merge && len(out) >= 2 {
					merged := apply.Merge(out[1], out[2:])
					out = append([]fhir.Resource{out[0], merged}, apply.Retained(out[2:])...)
				}
			case "ActivityDefinition":
				var target fhir.Resource
				target, err = applier.ApplyActivity(ctx, definition, subject)
				out = []fhir.Resource{target}
			default:
				return fmt.Errorf("%s does not support $apply", definition.ResourceType())
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fhir.NewCollectionBundle(out))
		},
	}
	cmd.Flags().String("corpus", "", "Path to a JSON corpus (Bundle or resource array)")
	cmd.Flags().String("definition", "", "Canonical URL or Type/id reference of the definition")
	cmd.Flags().String("subject", "", "Patient reference, e.g. Patient/1")
	cmd.Flags().Bool("merge", false, "Collapse nested CarePlans into one RequestGroup")
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Shared execution cache: Redis when configured, otherwise each $apply
	// call falls back to its own in-memory cache.
	var executionCache cache.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		executionCache = cache.NewRedis(client, time.Hour)
		logger.Info().Msg("redis execution cache enabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	// $apply payloads carry data bundles, so those routes get the larger cap.
	e.Use(middleware.BodyLimit("2M", "10M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSecret == "" {
		logger.Warn().Msg("AUTH_SECRET not set; development auth grants admin to every request")
		e.Use(auth.DevAuth())
	} else {
		e.Use(auth.JWT([]byte(cfg.AuthSecret)))
	}

	// FHIR group. The rate limiter runs after auth so it can key buckets by
	// the authenticated subject.
	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Definition store and $apply operation
	repo := definitions.NewRepoPG(pool)
	svc := definitions.NewService(repo, definitions.Options{
		ExecutionCache:   executionCache,
		ValidateIncoming: cfg.ValidateIncoming,
		Validator:        fhir.NewValidator(),
		MaxDepth:         cfg.MaxApplyDepth,
		Logger:           logger,
	})
	definitions.NewHandler(svc).RegisterRoutes(fhirGroup)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
