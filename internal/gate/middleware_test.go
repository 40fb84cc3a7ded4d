package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnhub.org/internal/auth"
)

func okHandler(t *testing.T, wantRole auth.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantRole != "" {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok || id.Role != wantRole {
				t.Errorf("expected identity with role %s in context, got %+v", wantRole, id)
			}
			if _, ok := auth.TokenFromContext(r.Context()); !ok {
				t.Errorf("expected token in context")
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestPagesRedirectsAnonymousToLoginWithNext(t *testing.T) {
	g, _ := newTestGate(t)
	h := g.Pages(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/dashboard/lessons?course=9", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "/dashboard/lessons?course=9", loc.Query().Get("next"))
}

func TestPagesClearsInvalidCookie(t *testing.T) {
	g, _ := newTestGate(t)
	h := g.Pages(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/dashboard/categories", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: "tampered"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == AccessCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "expected access cookie to be expired")
}

func TestPagesLetsInvalidCookieThroughOnProtectedPath(t *testing.T) {
	g, _ := newTestGate(t)
	h := g.Pages(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := auth.IdentityFromContext(r.Context())
		assert.False(t, ok, "no identity expected for an invalid credential")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: "tampered"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == AccessCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "expected access cookie to be expired")
}

func TestPagesAllowsMatchingRoleFromCookie(t *testing.T) {
	g, signer := newTestGate(t)
	h := g.Pages(okHandler(t, auth.RoleInstructor))

	req := httptest.NewRequest(http.MethodGet, "/dashboard/courses/create", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: tokenFor(t, signer, auth.RoleInstructor)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPagesRedirectsSignedInAwayFromLogin(t *testing.T) {
	g, signer := newTestGate(t)
	h := g.Pages(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, signer, auth.RoleStudent))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))
}

func TestAPIResponses(t *testing.T) {
	g, signer := newTestGate(t)
	h := g.API(okHandler(t, ""))

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"anonymous protected", "/api/auth/me", "", http.StatusUnauthorized},
		{"invalid token", "/api/courses", "nope", http.StatusUnauthorized},
		{"role mismatch", "/api/categories", tokenFor(t, signer, auth.RoleInstructor), http.StatusForbidden},
		{"role match", "/api/categories", tokenFor(t, signer, auth.RoleAdmin), http.StatusOK},
		{"open path", "/api/auth/login", "", http.StatusOK},
		{"public-only not redirected", "/login", tokenFor(t, signer, auth.RoleAdmin), http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, tc.status, rr.Code, tc.name)

		if tc.status == http.StatusUnauthorized {
			assert.Equal(t, `Bearer error="invalid_token"`, rr.Header().Get("WWW-Authenticate"), tc.name)
		}
		if tc.status >= 400 {
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), tc.name)
			assert.NotEmpty(t, body["error"], tc.name)
		}
	}
}

func TestSetAndClearSessionCookies(t *testing.T) {
	cfg := CookieConfig{Secure: true, AccessTTL: 15 * time.Minute, RenewalTTL: 24 * time.Hour}
	rr := httptest.NewRecorder()
	SetSessionCookies(rr, cfg, auth.TokenPair{AccessToken: "a", RefreshToken: "r"})

	cookies := map[string]*http.Cookie{}
	for _, c := range rr.Result().Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, AccessCookie)
	require.Contains(t, cookies, RefreshCookie)
	assert.Equal(t, 900, cookies[AccessCookie].MaxAge)
	assert.Equal(t, 86400, cookies[RefreshCookie].MaxAge)
	assert.Equal(t, "/api/auth", cookies[RefreshCookie].Path)
	assert.True(t, cookies[AccessCookie].HttpOnly)
	assert.True(t, cookies[AccessCookie].Secure)

	rr = httptest.NewRecorder()
	ClearSessionCookies(rr, cfg)
	for _, c := range rr.Result().Cookies() {
		assert.Less(t, c.MaxAge, 0, c.Name)
	}
}
