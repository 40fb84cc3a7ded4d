// Package httpapi exposes the learnhub HTTP surface: session endpoints,
// the gated page and API trees, and operational endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-redis/redis/v8"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/gate"
	"learnhub.org/internal/obs"
)

const serviceName = "learnhub-api"

// ReadyProbe pings the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options configures New. Zero rate settings fall back to 10 burst, 5/s.
type Options struct {
	Version       string
	Ready         ReadyProbe
	Cookies       gate.CookieConfig
	RateBurst     int
	RatePerSecond float64
	// Resources serves course, category, lesson and quiz content behind the
	// gate. Nil uses a placeholder that echoes the caller.
	Resources http.Handler
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	gate    *gate.Gate
	cookies gate.CookieConfig
	ready   ReadyProbe
	version string
	limiter *rateLimiter
}

func New(svc *auth.Service, g *gate.Gate, opts Options) (*API, error) {
	if svc == nil || g == nil {
		return nil, errors.New("httpapi: auth service and gate are required")
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Resources == nil {
		opts.Resources = Resources()
	}

	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		gate:    g,
		cookies: opts.Cookies,
		ready:   opts.Ready,
		version: opts.Version,
		limiter: newRateLimiter(opts.RateBurst, opts.RatePerSecond),
	}

	// health/ready/metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// session endpoints; login, refresh, logout and register carry no access
	// credential and are rate limited instead
	a.mux.Handle("/api/auth/login", a.limiter.wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/api/auth/refresh", a.limiter.wrap(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("/api/auth/logout", a.limiter.wrap(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/api/auth/register", a.limiter.wrap(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("/api/auth/me", g.API(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/api/admin/users/{id}/role", g.API(http.HandlerFunc(a.handleChangeRole)))

	// everything else is content
	a.mux.Handle("/api/", g.API(opts.Resources))
	a.mux.Handle("/", g.Pages(opts.Resources))

	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
