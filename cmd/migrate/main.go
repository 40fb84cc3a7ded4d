package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/config"
	"learnhub.org/internal/migrate"
	"learnhub.org/internal/obs"
)

const usage = "usage: migrate [flags] up|down|status|bootstrap-admin"

func main() {
	cfg, args, err := config.Parse("learnhub-migrate", os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if cfg.PGDSN == "" {
		fmt.Fprintln(os.Stderr, "missing DSN: provide via --pg-dsn or LEARNHUB_PG_DSN")
		os.Exit(2)
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	obs.SetLogger(logger)

	if err := run(cfg, args[0], logger); err != nil {
		logger.Error("migrate failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, command string, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if command == "bootstrap-admin" {
		return bootstrapAdmin(ctx, cfg, db, logger)
	}

	mgr, err := migrate.NewManager(db, migrate.WithVerbose(cfg.LogLevel == "debug"))
	if err != nil {
		return err
	}
	switch command {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Strings("sources", applied))
	case "down":
		source, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		logger.Info("migration rolled back", zap.String("source", source))
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		return fmt.Errorf("unknown command %q (%s)", command, usage)
	}
	return nil
}

// bootstrapAdmin needs the API's full configuration because it builds the
// same auth service.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.BootstrapEmail == "" {
		return fmt.Errorf("bootstrap-admin needs --bootstrap-email and --bootstrap-password")
	}
	svc, err := auth.NewService(auth.NewPGStore(db), cfg.Secret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRenewalTTL(cfg.RenewalTTL),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	user, created, err := svc.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword, cfg.BootstrapName)
	if err != nil {
		return err
	}
	logger.Info("bootstrap admin", zap.String("user_id", user.ID), zap.Bool("created", created))
	return nil
}
