package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirbundle/internal/config"
	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/auth"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/hipaa"
	"github.com/ehr/fhirbundle/internal/platform/telemetry"
	"github.com/ehr/fhirbundle/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-bundle-server",
		Short: "FHIR batch and transaction Bundle server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
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
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to run migrations")
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationsFS(dir)))
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return db.EmbeddedMigrations()
	}
	return os.DirFS(dir)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the audit entries recorded for one request",
		RunE: func(cmd *cobra.Command, args []string) error {
			corrID, _ := cmd.Flags().GetString("correlation-id")
			if corrID == "" {
				return fmt.Errorf("--correlation-id is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			querier, closeFn, err := openAuditQuerier(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := querier.ListByCorrelation(ctx, corrID)
			if err != nil {
				return fmt.Errorf("failed to read audit entries: %w", err)
			}
			printAuditEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	showCmd.Flags().String("correlation-id", "", "X-Request-ID of the request to show")
	cmd.AddCommand(showCmd)

	return cmd
}

// openAuditQuerier opens the persistent audit sink selected by cfg. The
// memory sink does not outlive the server and cannot be inspected.
func openAuditQuerier(ctx context.Context, cfg *config.Config) (audit.Querier, func(), error) {
	switch sink := cfg.ResolvedAuditSink(); sink {
	case config.SinkSQLite:
		s, err := audit.OpenSQLite(cfg.AuditSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
		if err != nil {
			return nil, nil, err
		}
		return hipaa.NewAuditLogger(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("audit sink %q keeps no persistent trail; set AUDIT_SINK to sqlite or postgres", sink)
	}
}

func printAuditEntries(w io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries found.")
		return
	}
	fmt.Fprintf(w, "%-24s %-10s %-20s %-6s %s\n", "RECORDED", "PHASE", "ACTION", "STATUS", "URI")
	for _, e := range entries {
		status := "-"
		if e.StatusCode != nil {
			status = fmt.Sprintf("%d", *e.StatusCode)
		}
		uri := e.URI
		if uri == "" {
			uri = "-"
		}
		fmt.Fprintf(w, "%-24s %-10s %-20s %-6s %s\n",
			e.Recorded.UTC().Format(time.RFC3339), e.Phase, e.Action, status, uri)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed test token using AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is required to issue tokens")
			}

			token, err := issueToken(cfg, sub, scopes, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "cli-user", "Token subject")
	cmd.Flags().StringSlice("scope", []string{"user/*.read"}, "SMART scopes to grant")
	cmd.Flags().StringSlice("role", nil, "Roles to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func issueToken(cfg *config.Config, sub string, scopes, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    cfg.AuthIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
		Scope: strings.Join(scopes, " "),
	}
	if cfg.AuthAudience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.AuthAudience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	stores, err := server.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close stores")
		}
	}()

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "fhir-bundle-server",
		ServiceVersion: server.Version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.TracingEnabled,
	}, logger)

	srv, err := server.New(cfg, logger, stores, tp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
