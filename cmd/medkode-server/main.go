package main

import (
	"context"
	"fmt"
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

	"github.com/medkode/medkode/internal/config"
	"github.com/medkode/medkode/internal/domain/billing"
	"github.com/medkode/medkode/internal/domain/coding"
	"github.com/medkode/medkode/internal/platform/auth"
	"github.com/medkode/medkode/internal/platform/db"
	"github.com/medkode/medkode/internal/platform/middleware"
)

const version = "0.1.0"

// requestTimeout bounds a single API request end to end. Store-level
// timeouts are configured separately on the services.
const requestTimeout = 30 * time.Second

// sweepActor is the identity recorded on audit entries written by the
// billing reconciliation sweep, both the background loop and the CLI
// command.
var sweepActor = coding.Actor{ID: "system", Name: "Bill Sync Sweep", Role: "billing"}

func main() {
	rootCmd := &cobra.Command{
		Use:   "medkode-server",
		Short: "Clinical coding and claims lifecycle server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coding API server",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Applying migrations from: %s\n", dir)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
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
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Migrations are forward-only; write a new migration to undo a change.")
			return nil
		},
	})

	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry billing handoff for records stuck in submitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = cfg.BillSyncBatch
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			codingSvc, _ := wireServices(pool, cfg)
			synced, failed, err := codingSvc.RetryPendingBillSyncs(ctx, batch, sweepActor)
			fmt.Printf("Bill sync sweep: %d synced, %d failed.\n", synced, failed)
			if err != nil {
				return fmt.Errorf("sweep aborted: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("batch", 0, "Records per page while sweeping (defaults to BILL_SYNC_BATCH)")
	return cmd
}

func runServer() error {
	// Logger; JSON until the config says we are in dev, then console.
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg.LogLevel != "" {
		if lvl, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
			logger = logger.Level(lvl)
		}
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.JWTSecret != "" {
			jwtCfg.SigningKey = []byte(cfg.JWTSecret)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// API group
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(resolveRateLimit(cfg)))
	apiV1.Use(middleware.BodyLimit("1M"))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))

	// Workflow services
	codingSvc, billSvc := wireServices(pool, cfg)

	coding.NewHandler(codingSvc).RegisterRoutes(apiV1)
	billing.NewHandler(billSvc).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Billing reconciliation sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.BillSyncInterval > 0 {
		go runBillSyncSweeper(sweepCtx, logger, codingSvc, cfg.BillSyncInterval, cfg.BillSyncBatch)
		logger.Info().
			Dur("interval", cfg.BillSyncInterval).
			Int("batch", cfg.BillSyncBatch).
			Msg("bill sync sweep scheduled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var srvErr error
		if cfg.TLSEnabled {
			srvErr = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			srvErr = e.Start(addr)
		}
		if srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal().Err(srvErr).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// wireServices builds the billing and coding services on their postgres
// repositories. The billing service doubles as the coding service's sync
// collaborator.
func wireServices(pool *pgxpool.Pool, cfg *config.Config) (*coding.Service, *billing.Service) {
	billSvc := billing.NewService(billing.NewBillRepoPG(pool), billing.NewAllocatorPG(pool))
	billSvc.SetStoreTimeout(cfg.StoreTimeout())

	codingSvc := coding.NewService(coding.NewRecordRepoPG(pool), coding.NewAllocatorPG(pool), billSvc)
	codingSvc.SetStoreTimeout(cfg.StoreTimeout())

	return codingSvc, billSvc
}

// resolveRateLimit builds the API rate limit settings, falling back to the
// defaults when the configured rate is unset.
func resolveRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	if rl.BurstSize <= 0 {
		rl.BurstSize = int(rl.RequestsPerSecond)
	}
	return rl
}

// billSweeper is the slice of the coding service the background sweep needs.
type billSweeper interface {
	RetryPendingBillSyncs(ctx context.Context, batchSize int, actor coding.Actor) (synced, failed int, err error)
}

// runBillSyncSweeper periodically retries the billing handoff for records
// stuck in submitted. A failing pass is logged and retried on the next
// tick; the loop exits only when ctx is cancelled.
func runBillSyncSweeper(ctx context.Context, logger zerolog.Logger, svc billSweeper, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		synced, failed, err := svc.RetryPendingBillSyncs(ctx, batch, sweepActor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("bill sync sweep failed")
			continue
		}
		if synced > 0 || failed > 0 {
			logger.Info().Int("synced", synced).Int("failed", failed).Msg("bill sync sweep completed")
		}
	}
}
