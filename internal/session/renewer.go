package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	loginPath   = "/api/auth/login"
	refreshPath = "/api/auth/refresh"
	logoutPath  = "/api/auth/logout"
	mePath      = "/api/auth/me"
)

// ErrRenewalDenied means the server refused the refresh token.
var ErrRenewalDenied = errors.New("session: renewal denied")

// Profile is the authenticated user as reported by the server.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             Profile   `json:"user"`
}

func (t tokenResponse) credentials() Credentials {
	return Credentials{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
	}
}

// HTTPRenewer posts refresh tokens to the server's renewal endpoint. Its
// client must not route through an Agent.
type HTTPRenewer struct {
	BaseURL string
	Client  *http.Client
}

func (r *HTTPRenewer) Renew(ctx context.Context, refreshToken string) (Credentials, error) {
	var out tokenResponse
	status, err := postJSON(ctx, r.client(), strings.TrimRight(r.BaseURL, "/")+refreshPath,
		map[string]string{"refresh_token": refreshToken}, &out)
	if err != nil {
		return Credentials{}, err
	}
	if status != http.StatusOK {
		return Credentials{}, fmt.Errorf("%w: status %d", ErrRenewalDenied, status)
	}
	return out.credentials(), nil
}

func (r *HTTPRenewer) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// postJSON sends body and decodes a 2xx reply into out. Non-2xx statuses are
// returned without an error so callers can map them.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 || out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("session: decode response: %w", err)
	}
	return resp.StatusCode, nil
}
