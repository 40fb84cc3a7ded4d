package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"learnhub.org/internal/grpcauth"
	"learnhub.org/internal/obs"
	"learnhub.org/internal/session"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := obs.Logger()
	if err := run(logger); err != nil {
		logger.Error("smoke test failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println("✅ auth smoke test passed")
}

func run(logger *zap.Logger) error {
	baseURL := getenv("LEARNHUB_SMOKE_URL", "http://localhost:8080")
	email := os.Getenv("LEARNHUB_SMOKE_EMAIL")
	password := os.Getenv("LEARNHUB_SMOKE_PASSWORD")
	if email == "" || password == "" {
		return errors.New("LEARNHUB_SMOKE_EMAIL and LEARNHUB_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := session.NewClient(baseURL, &http.Client{Timeout: 5 * time.Second},
		session.WithLogger(logger),
		session.WithOnLogout(func() { logger.Info("session cleared") }))

	if _, err := client.Login(ctx, email, "definitely-not-the-password"); !errors.Is(err, session.ErrLoginFailed) {
		return fmt.Errorf("bad password: expected login failure, got %v", err)
	}

	profile, err := client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("me: %w", err)
	}
	if me.ID != profile.ID {
		return fmt.Errorf("me returned %s, login returned %s", me.ID, profile.ID)
	}

	// force a renewal by presenting a stale access credential
	creds := client.Credentials()
	creds.AccessToken = "stale"
	client.Agent().SetCredentials(creds)
	if _, err := client.Me(ctx); err != nil {
		return fmt.Errorf("me after renewal: %w", err)
	}
	if client.Agent().Renewals() != 1 {
		return fmt.Errorf("expected one renewal, got %d", client.Agent().Renewals())
	}

	if addr := os.Getenv("LEARNHUB_SMOKE_GRPC_ADDR"); addr != "" {
		if err := checkGRPC(ctx, addr, client.Agent(), profile.ID); err != nil {
			return err
		}
	}

	consumed := creds.RefreshToken
	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	renewer := &session.HTTPRenewer{BaseURL: baseURL}
	if _, err := renewer.Renew(ctx, consumed); !errors.Is(err, session.ErrRenewalDenied) {
		return fmt.Errorf("replayed refresh token: expected denial, got %v", err)
	}

	logger.Info("smoke checks done", zap.String("user_id", profile.ID), zap.String("role", profile.Role))
	return nil
}

func checkGRPC(ctx context.Context, addr string, agent *session.Agent, userID string) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpcauth.UnaryClientInterceptor(agent)))
	if err != nil {
		return fmt.Errorf("dial grpc %s: %w", addr, err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health: %s", resp.GetStatus())
	}
	me, err := grpcauth.WhoAmI(ctx, conn)
	if err != nil {
		return fmt.Errorf("grpc whoami: %w", err)
	}
	if got := me.GetFields()["id"].GetStringValue(); got != userID {
		return fmt.Errorf("grpc whoami returned %s, login returned %s", got, userID)
	}
	return nil
}
