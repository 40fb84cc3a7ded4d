package httpapi_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/gate"
	"learnhub.org/internal/httpapi"
	"learnhub.org/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startServer(t *testing.T) (*httptest.Server, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	svc, err := auth.NewService(auth.NewMemoryStore(), "e2e-secret",
		auth.WithClock(clk.Now),
		auth.WithAccessTTL(time.Minute),
		auth.WithRenewalTTL(time.Hour))
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), "learner@learnhub.test", "correct-horse-battery", "Learner")
	require.NoError(t, err)

	cookies := gate.CookieConfig{AccessTTL: time.Minute, RenewalTTL: time.Hour}
	g, err := gate.New(gate.DefaultPolicy(), svc.Verifier(), gate.WithCookies(cookies))
	require.NoError(t, err)
	api, err := httpapi.New(svc, g, httpapi.Options{Version: "e2e", Cookies: cookies, RateBurst: 1000, RatePerSecond: 1000})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, clk
}

func TestSessionLifecycle(t *testing.T) {
	srv, clk := startServer(t)
	ctx := context.Background()

	loggedOut := 0
	client := session.NewClient(srv.URL, srv.Client(), session.WithOnLogout(func() { loggedOut++ }))

	_, err := client.Login(ctx, "learner@learnhub.test", "wrong")
	require.ErrorIs(t, err, session.ErrLoginFailed)

	profile, err := client.Login(ctx, "learner@learnhub.test", "correct-horse-battery")
	require.NoError(t, err)
	require.Equal(t, "student", profile.Role)

	me, err := client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, profile.ID, me.ID)
	require.EqualValues(t, 0, client.Agent().Renewals())

	// access credential expires; the agent renews transparently
	firstRefresh := client.Credentials().RefreshToken
	clk.Advance(2 * time.Minute)
	me, err = client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, profile.ID, me.ID)
	require.EqualValues(t, 1, client.Agent().Renewals())
	require.NotEqual(t, firstRefresh, client.Credentials().RefreshToken)

	lastRefresh := client.Credentials().RefreshToken
	require.NoError(t, client.Logout(ctx))
	require.Empty(t, client.Credentials().AccessToken)
	require.Equal(t, 1, loggedOut)

	renewer := &session.HTTPRenewer{BaseURL: srv.URL, Client: srv.Client()}
	_, err = renewer.Renew(ctx, lastRefresh)
	require.ErrorIs(t, err, session.ErrRenewalDenied)
}

func TestConcurrentCallersShareOneRenewal(t *testing.T) {
	srv, clk := startServer(t)
	ctx := context.Background()

	client := session.NewClient(srv.URL, srv.Client())
	_, err := client.Login(ctx, "learner@learnhub.test", "correct-horse-battery")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Me(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, client.Agent().Renewals())
}

func TestRenewalExpiryLogsOut(t *testing.T) {
	srv, clk := startServer(t)
	ctx := context.Background()

	client := session.NewClient(srv.URL, srv.Client())
	_, err := client.Login(ctx, "learner@learnhub.test", "correct-horse-battery")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = client.Me(ctx)
	require.True(t, errors.Is(err, session.ErrUnauthenticated), "err=%v", err)
	require.Empty(t, client.Credentials().RefreshToken)
}
