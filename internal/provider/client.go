// Package provider implements the workspace provider's HTTP contract
// (§6, consumed only): listing and selecting workspaces, and the
// management-API port list Port Discovery's strategy 2 consumes. The
// header decoration (`Authorization: token <token>`) reuses the
// standard oauth2.Transport pattern instead of hand-rolling header
// injection, generalized from the teacher's net/http-based
// fleetRegistrar.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/tunnelbroker/broker/internal/core"
)

// staticTokenSource always returns the same bearer token, decorated
// with the provider's non-standard "token" auth scheme via TokenType.
type staticTokenSource struct{ token string }

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token, TokenType: "token"}, nil
}

// Codespace is the subset of the provider's codespace object this
// module consumes.
type Codespace struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	StartURL  string `json:"start_url"`
	StopURL   string `json:"stop_url"`
	Connection struct {
		TunnelProperties *core.TunnelProperties `json:"tunnelProperties"`
	} `json:"connection"`
}

// Client is a plain net/http-based client for the provider's REST
// surface, decorated with the bearer token via an oauth2.Transport.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// New returns a Client authenticated as token against baseURL (e.g.
// "https://api.provider.example").
func New(baseURL, token, userAgent string) *Client {
	transport := &oauth2.Transport{
		Source: staticTokenSource{token: token},
		Base:   http.DefaultTransport,
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		http:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// ListCodespaces calls GET /user/codespaces.
func (c *Client) ListCodespaces(ctx context.Context) ([]Codespace, error) {
	var out struct {
		Codespaces []Codespace `json:"codespaces"`
	}
	if err := c.getJSON(ctx, "/user/codespaces", &out); err != nil {
		return nil, err
	}
	return out.Codespaces, nil
}

// GetCodespace calls GET /user/codespaces/{name}?internal=true&refresh=true.
func (c *Client) GetCodespace(ctx context.Context, name string) (*Codespace, error) {
	path := fmt.Sprintf("/user/codespaces/%s?internal=true&refresh=true", url.PathEscape(name))
	var cs Codespace
	if err := c.getJSON(ctx, path, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Start POSTs to the codespace's start_url.
func (c *Client) Start(ctx context.Context, startURL string) error {
	return c.postAbsolute(ctx, startURL)
}

// Stop POSTs to the codespace's stop_url.
func (c *Client) Stop(ctx context.Context, stopURL string) error {
	return c.postAbsolute(ctx, stopURL)
}

// ListPorts implements discovery.ManagementAPI: the provider's
// list-ports endpoint, scoped by the manage token rather than the
// session's own bearer token.
func (c *Client) ListPorts(ctx context.Context, manageToken string) ([]core.ProviderPort, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/codespaces/ports", nil)
	if err != nil {
		return nil, core.Wrap(core.ErrorCodeInternal, "build list-ports request", err)
	}
	req.Header.Set("Authorization", "token "+manageToken)
	req.Header.Set("User-Agent", c.userAgent)

	var out struct {
		Ports []core.ProviderPort `json:"ports"`
	}
	// c.http's oauth2.Transport would replace the Authorization header
	// with the session token, so this request goes out without it.
	plain := &Client{baseURL: c.baseURL, userAgent: c.userAgent, http: &http.Client{Timeout: c.http.Timeout}}
	if err := plain.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Ports, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return core.Wrap(core.ErrorCodeInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.doJSON(req, out)
}

func (c *Client) postAbsolute(ctx context.Context, absoluteURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, absoluteURL, nil)
	if err != nil {
		return core.Wrap(core.ErrorCodeInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.doJSON(req, nil)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.ErrProviderUnavailable
		}
		return core.Wrap(core.ErrorCodeUnavailable, core.ErrProviderUnavailable.Message, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return core.ErrBadCredentials
	}
	if resp.StatusCode >= 500 {
		return core.ErrProviderUnavailable
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return core.ProviderError(resp.StatusCode, string(body))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Wrap(core.ErrorCodeInternal, "decode response", err)
	}
	return nil
}
