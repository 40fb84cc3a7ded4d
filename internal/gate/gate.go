package gate

import (
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/obs"
)

// Action is what the gate does with a request.
type Action int

const (
	Allow Action = iota
	RedirectLogin
	RedirectLanding
)

func (a Action) String() string {
	switch a {
	case RedirectLogin:
		return "redirect_login"
	case RedirectLanding:
		return "redirect_landing"
	default:
		return "allow"
	}
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Action   Action
	Class    Class
	Clear    bool
	Identity *auth.Identity
	Err      error
}

// Gate evaluates the policy for each request. It holds no per-request state.
type Gate struct {
	policy   Policy
	verifier auth.Verifier
	cookies  CookieConfig
	logger   *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithCookies sets the cookie attributes used when clearing credentials.
func WithCookies(cfg CookieConfig) Option {
	return func(g *Gate) { g.cookies = cfg }
}

// WithLogger overrides the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New validates policy and builds a Gate.
func New(policy Policy, verifier auth.Verifier, opts ...Option) (*Gate, error) {
	if verifier == nil {
		return nil, errors.New("gate: verifier is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{policy: policy, verifier: verifier, logger: obs.Logger()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gate")
	return g, nil
}

// Policy returns the table the gate enforces.
func (g *Gate) Policy() Policy { return g.policy }

// Decide evaluates the policy for path given the presented credential,
// which may be empty. An invalid credential is always cleared but only bounces
// the caller to login on restricted paths; elsewhere the request continues
// without an identity.
func (g *Gate) Decide(path, credential string) Decision {
	cls := g.policy.Classify(path)
	d := Decision{Action: Allow, Class: cls.Class}

	if credential == "" {
		if cls.Class == Protected || cls.Class == Restricted {
			d.Action = RedirectLogin
			d.Err = auth.ErrInvalidOrExpiredAccess
		}
		return d
	}

	id, err := g.verifier.Verify(credential)
	if err != nil {
		d.Clear = true
		d.Err = auth.ErrInvalidOrExpiredAccess
		if cls.Class == Restricted {
			d.Action = RedirectLogin
		}
		return d
	}
	d.Identity = &id

	switch cls.Class {
	case PublicOnly:
		d.Action = RedirectLanding
	case Restricted:
		if !auth.RoleIn(id.Role, cls.Roles) {
			d.Action = RedirectLanding
			d.Err = auth.ErrRoleMismatch
		}
	}
	return d
}

// LoginLocation builds the login redirect carrying the original request URI.
func (g *Gate) LoginLocation(requestURI string) string {
	if requestURI == "" {
		return g.policy.LoginPath
	}
	return g.policy.LoginPath + "?next=" + url.QueryEscape(requestURI)
}

// SafeNext returns next when it is a local absolute path, otherwise the landing page.
func (g *Gate) SafeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return g.policy.LandingPath
	}
	if u, err := url.Parse(next); err != nil || u.Host != "" {
		return g.policy.LandingPath
	}
	return next
}
