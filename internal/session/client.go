package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrLoginFailed is returned for rejected email and password pairs.
var ErrLoginFailed = errors.New("session: invalid email or password")

// Client talks to the learnhub API on behalf of one user session.
type Client struct {
	baseURL string
	plain   *http.Client
	authed  *http.Client
	agent   *Agent
}

// NewClient builds a Client. base carries timeouts and the underlying
// transport; nil means http.DefaultClient settings.
func NewClient(baseURL string, base *http.Client, opts ...Option) *Client {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	plain := &http.Client{Transport: transport, Timeout: base.Timeout}

	renewer := &HTTPRenewer{BaseURL: baseURL, Client: plain}
	agent := NewAgent(renewer, append([]Option{WithBase(transport)}, opts...)...)
	return &Client{
		baseURL: baseURL,
		plain:   plain,
		authed:  &http.Client{Transport: agent, Timeout: base.Timeout, CheckRedirect: base.CheckRedirect},
		agent:   agent,
	}
}

// Agent exposes the session agent, e.g. for gRPC interceptors.
func (c *Client) Agent() *Agent { return c.agent }

// Credentials returns the current pair.
func (c *Client) Credentials() Credentials { return c.agent.Credentials() }

// Login authenticates and installs the returned pair.
func (c *Client) Login(ctx context.Context, email, password string) (Profile, error) {
	var out tokenResponse
	status, err := postJSON(ctx, c.plain, c.baseURL+loginPath,
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return Profile{}, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return Profile{}, ErrLoginFailed
	case status != http.StatusOK:
		return Profile{}, fmt.Errorf("session: login: unexpected status %d", status)
	}
	c.agent.SetCredentials(out.credentials())
	return out.User, nil
}

// Logout revokes the refresh token on the server when possible and always
// drops local credentials.
func (c *Client) Logout(ctx context.Context) error {
	refresh := c.agent.Credentials().RefreshToken
	defer c.agent.Clear()
	if refresh == "" {
		return nil
	}
	status, err := postJSON(ctx, c.plain, c.baseURL+logoutPath, map[string]string{"refresh_token": refresh}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("session: logout: unexpected status %d", status)
	}
	return nil
}

// Me returns the profile of the current session.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mePath, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("session: me: unexpected status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("session: decode profile: %w", err)
	}
	return p, nil
}

// Do sends req through the agent. A 401 that survives renewal becomes
// ErrUnauthenticated.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.authed.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.agent.Clear()
		return nil, ErrUnauthenticated
	}
	return resp, nil
}
