package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/obs"
)

const bearerPrefix = "bearer "

// Pages gates browser navigation. Credentials come from the access cookie
// (or a bearer header); denials become redirects.
func (g *Gate) Pages(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := credentialFromRequest(r)
		d := g.Decide(r.URL.Path, token)
		obs.ObserveGateDecision(d.Class.String(), d.Action.String())

		if d.Clear {
			ClearAccessCookie(w, g.cookies)
		}
		switch d.Action {
		case RedirectLogin:
			http.Redirect(w, r, g.LoginLocation(r.URL.RequestURI()), http.StatusSeeOther)
			return
		case RedirectLanding:
			if d.Err != nil {
				g.logger.Info("role mismatch",
					zap.String("path", r.URL.Path),
					zap.String("subject_id", d.Identity.SubjectID),
					zap.String("role", string(d.Identity.Role)))
			}
			http.Redirect(w, r, g.policy.LandingPath, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r, d, token)))
	})
}

// API gates machine calls. Missing or invalid credentials get 401 with a
// bearer challenge, role mismatches get 403. Public-only paths are not
// redirected for API callers.
func (g *Gate) API(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := credentialFromRequest(r)
		d := g.Decide(r.URL.Path, token)

		switch {
		case d.Identity == nil && (d.Class == Protected || d.Class == Restricted):
			obs.ObserveGateDecision(d.Class.String(), "unauthorized")
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		case d.Action == RedirectLanding && d.Class == Restricted:
			obs.ObserveGateDecision(d.Class.String(), "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		obs.ObserveGateDecision(d.Class.String(), Allow.String())
		next.ServeHTTP(w, r.WithContext(withIdentity(r, d, token)))
	})
}

func withIdentity(r *http.Request, d Decision, token string) context.Context {
	ctx := r.Context()
	if d.Identity != nil {
		ctx = auth.ContextWithIdentity(ctx, *d.Identity)
		ctx = auth.ContextWithToken(ctx, token)
	}
	return ctx
}

// credentialFromRequest prefers the Authorization header over the cookie.
func credentialFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(h[len(bearerPrefix):])
		}
		return ""
	}
	if c, err := r.Cookie(AccessCookie); err == nil {
		return c.Value
	}
	return ""
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
