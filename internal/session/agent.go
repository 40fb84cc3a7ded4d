// Package session is the caller side of the session contract: it attaches the
// access credential to outgoing calls, renews it once per expiry no matter how
// many calls fail concurrently, and retries each failed call at most once.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"learnhub.org/internal/obs"
)

const (
	defaultRenewTimeout = 10 * time.Second
	renewFlightKey      = "renew"
)

// ErrUnauthenticated means the session is gone and the caller must log in again.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// Credentials is the client-held pair.
type Credentials struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Renewer exchanges a refresh token for a new pair.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Credentials, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, refreshToken string) (Credentials, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (Credentials, error) {
	return f(ctx, refreshToken)
}

// Agent is an http.RoundTripper that manages one session's credentials.
type Agent struct {
	base         http.RoundTripper
	renewer      Renewer
	renewTimeout time.Duration
	onLogout     func()
	logger       *zap.Logger

	mu    sync.RWMutex
	creds Credentials

	flight   singleflight.Group
	renewals atomic.Int64
}

var _ http.RoundTripper = (*Agent)(nil)

// Option configures an Agent.
type Option func(*Agent)

// WithBase sets the transport requests are sent through.
func WithBase(rt http.RoundTripper) Option {
	return func(a *Agent) {
		if rt != nil {
			a.base = rt
		}
	}
}

// WithRenewTimeout bounds a single renewal exchange.
func WithRenewTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.renewTimeout = d
		}
	}
}

// WithOnLogout registers a hook run after the agent drops its credentials.
func WithOnLogout(fn func()) Option {
	return func(a *Agent) { a.onLogout = fn }
}

// WithLogger overrides the agent logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAgent builds an Agent that renews through renewer.
func NewAgent(renewer Renewer, opts ...Option) *Agent {
	a := &Agent{
		base:         http.DefaultTransport,
		renewer:      renewer,
		renewTimeout: defaultRenewTimeout,
		logger:       obs.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("session")
	return a
}

// SetCredentials installs a pair, typically right after login.
func (a *Agent) SetCredentials(c Credentials) {
	a.mu.Lock()
	a.creds = c
	a.mu.Unlock()
}

// Credentials returns a copy of the current pair.
func (a *Agent) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// AccessToken returns the current access credential, possibly empty.
func (a *Agent) AccessToken() string {
	return a.Credentials().AccessToken
}

// Renewals reports how many renewal exchanges the agent has started.
func (a *Agent) Renewals() int64 { return a.renewals.Load() }

// Clear drops the credentials and runs the logout hook.
func (a *Agent) Clear() {
	a.mu.Lock()
	had := a.creds.AccessToken != "" || a.creds.RefreshToken != ""
	a.creds = Credentials{}
	a.mu.Unlock()
	if had && a.onLogout != nil {
		a.onLogout()
	}
}

// Renew replaces the access credential that failed with a fresh one.
// Concurrent callers share one exchange. A caller whose failed credential has
// already been replaced gets the replacement without a new exchange. The
// exchange runs detached from ctx so one impatient caller cannot fail it for
// the others; ctx only bounds how long this caller waits.
func (a *Agent) Renew(ctx context.Context, failedAccess string) (string, error) {
	ch := a.flight.DoChan(renewFlightKey, func() (any, error) {
		cur := a.Credentials()
		if cur.AccessToken != "" && cur.AccessToken != failedAccess {
			return cur.AccessToken, nil
		}
		if cur.RefreshToken == "" {
			return "", ErrUnauthenticated
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.renewTimeout)
		defer cancel()

		a.renewals.Add(1)
		next, err := a.renewer.Renew(rctx, cur.RefreshToken)
		if err != nil {
			a.logger.Info("renewal failed; dropping session", zap.Error(err))
			a.dropIfCurrent(cur.RefreshToken)
			return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		if next.AccessToken == "" {
			a.dropIfCurrent(cur.RefreshToken)
			return "", fmt.Errorf("%w: renewal returned no access token", ErrUnauthenticated)
		}
		if next.RefreshToken == "" {
			next.RefreshToken = cur.RefreshToken
		}
		a.SetCredentials(next)
		return next.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// dropIfCurrent clears credentials unless a new login replaced them meanwhile.
func (a *Agent) dropIfCurrent(refreshToken string) {
	a.mu.Lock()
	if a.creds.RefreshToken != refreshToken {
		a.mu.Unlock()
		return
	}
	a.creds = Credentials{}
	a.mu.Unlock()
	if a.onLogout != nil {
		a.onLogout()
	}
}

// RoundTrip sends req with the current access credential. On 401 it renews
// and retries once. When renewal fails the original 401 is returned and the
// agent holds no credentials afterwards.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	token := a.AccessToken()
	resp, err := a.base.RoundTrip(withBearer(req, token, getBody))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if a.Credentials().RefreshToken == "" && token == a.AccessToken() {
		return resp, nil
	}

	fresh, rerr := a.Renew(req.Context(), token)
	if rerr != nil {
		return resp, nil
	}
	drain(resp)
	return a.base.RoundTrip(withBearer(req, fresh, getBody))
}

// replayableBody returns a body factory usable for both attempts, buffering
// the body when the request has no GetBody.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("session: buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}

func withBearer(req *http.Request, token string, getBody func() (io.ReadCloser, error)) *http.Request {
	out := req.Clone(req.Context())
	if getBody != nil {
		if body, err := getBody(); err == nil {
			out.Body = body
			out.GetBody = getBody
		}
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return out
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
