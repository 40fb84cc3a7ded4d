package gate

import (
	"net/http"
	"time"

	"learnhub.org/internal/auth"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"

	refreshCookiePath = "/api/auth"
)

// CookieConfig controls how credentials are mirrored into cookies.
type CookieConfig struct {
	Secure     bool
	Domain     string
	AccessTTL  time.Duration
	RenewalTTL time.Duration
}

// SetSessionCookies mirrors both credentials into HttpOnly cookies whose
// lifetimes match the credentials.
func SetSessionCookies(w http.ResponseWriter, cfg CookieConfig, pair auth.TokenPair) {
	http.SetCookie(w, cfg.cookie(AccessCookie, "/", pair.AccessToken, cfg.AccessTTL))
	http.SetCookie(w, cfg.cookie(RefreshCookie, refreshCookiePath, pair.RefreshToken, cfg.RenewalTTL))
}

// ClearAccessCookie expires the access credential cookie.
func ClearAccessCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, cfg.expired(AccessCookie, "/"))
}

// ClearSessionCookies expires both credential cookies.
func ClearSessionCookies(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, cfg.expired(AccessCookie, "/"))
	http.SetCookie(w, cfg.expired(RefreshCookie, refreshCookiePath))
}

func (cfg CookieConfig) cookie(name, path, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   cfg.Domain,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (cfg CookieConfig) expired(name, path string) *http.Cookie {
	c := cfg.cookie(name, path, "", 0)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}
