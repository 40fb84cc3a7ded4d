package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"learnhub.org/internal/audit"
	"learnhub.org/internal/auth"
	"learnhub.org/internal/config"
	"learnhub.org/internal/gate"
	"learnhub.org/internal/grpcauth"
	"learnhub.org/internal/httpapi"
	"learnhub.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, _, err := config.Load("learnhub-api", os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("learnhub-api stopped", zap.Error(err))
		os.Exit(1)
	}
}

type backends struct {
	store auth.Store
	db    *sql.DB
	redis *redis.Client
}

func (b backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

func openBackends(cfg *config.Config, logger *zap.Logger) (backends, error) {
	var b backends
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory credential store; sessions are lost on restart")
		b.store = auth.NewMemoryStore()
		return b, nil
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		return b, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	b.db = db
	pg := auth.NewPGStore(db)
	b.store = pg

	if cfg.Store == config.StoreRedis {
		b.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.store = auth.CombineStores(pg.Users(context.Background()), auth.NewRedisRenewalStore(b.redis, logger))
	}
	return b, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	policy, err := gate.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	b, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := auth.NewService(b.store, cfg.Secret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRenewalTTL(cfg.RenewalTTL),
		auth.WithReplayGrace(cfg.ReplayGrace),
		auth.WithLogger(logger),
		auth.WithAuditor(audit.LogEvent),
	)
	if err != nil {
		return err
	}

	if cfg.BootstrapEmail != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, created, err := svc.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword, cfg.BootstrapName)
		cancel()
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("bootstrap admin", zap.String("email", cfg.BootstrapEmail), zap.Bool("created", created))
	}

	cookies := gate.CookieConfig{
		Secure:     cfg.CookieSecure,
		Domain:     cfg.CookieDomain,
		AccessTTL:  cfg.AccessTTL,
		RenewalTTL: cfg.RenewalTTL,
	}
	g, err := gate.New(policy, svc.Verifier(), gate.WithCookies(cookies), gate.WithLogger(logger))
	if err != nil {
		return err
	}

	api, err := httpapi.New(svc, g, httpapi.Options{
		Version:       version,
		Ready:         httpapi.ReadyProbe{DB: b.db, Redis: b.redis},
		Cookies:       cookies,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting learnhub-api", zap.String("version", version), zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcServer = newGRPCServer(svc)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("starting grpc", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	if cfg.PurgeInterval > 0 {
		go purgeLoop(ctx, svc, cfg.PurgeInterval, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// newGRPCServer exposes the health service without credentials. The session
// service needs a valid access credential.
func newGRPCServer(svc *auth.Service) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(grpcauth.UnaryServerInterceptor(svc.Verifier(), grpcauth.MethodPolicy{
		Public: []string{"/grpc.health.v1.Health/"},
	})))
	healthpb.RegisterHealthServer(s, health.NewServer())
	grpcauth.RegisterSessionServer(s, svc)
	return s
}

func purgeLoop(ctx context.Context, svc *auth.Service, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := svc.PurgeExpired(pctx)
			cancel()
			if err != nil {
				logger.Warn("purge expired renewals failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired renewals", zap.Int("count", n))
			}
		}
	}
}
