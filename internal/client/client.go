// Package client is the thin HTTP/JSON client the CLI subcommands use to
// talk to a running hub daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"hub/internal/config"
	"hub/internal/daemon"
	"hub/internal/types"
)

type Client struct {
	baseURL   string
	tokenPath string
	token     string
	http      *http.Client
}

func New() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tokenPath, err := config.TokenPath()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   cfg.DaemonBaseURL(),
		tokenPath: tokenPath,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	_ = c.loadToken()
	return c, nil
}

func NewWithBaseURL(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type sessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type workersResponse struct {
	Workers []*types.Worker `json:"workers"`
}

type sessionEnvelope struct {
	Session   *types.Session `json:"session"`
	Continued bool           `json:"continued"`
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListSessions(ctx context.Context, status string) ([]*types.Session, error) {
	path := "/v1/sessions"
	if status != "" {
		path += "?status=" + status
	}
	var resp sessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var resp types.Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+id, nil, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateSession(ctx context.Context, req daemon.CreateSessionRequest) (*types.Session, bool, error) {
	var resp sessionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, true, &resp); err != nil {
		return nil, false, err
	}
	return resp.Session, resp.Continued, nil
}

func (c *Client) ContinueSession(ctx context.Context, id string) (*types.Session, error) {
	var resp sessionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+id+"/continue", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) KillSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+id+"/kill", nil, true, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, true, nil)
}

func (c *Client) SendInput(ctx context.Context, id, text string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+id+"/input",
		daemon.SendInputRequest{Text: text}, true, nil)
}

func (c *Client) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var resp workersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/workers", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

func (c *Client) CreateWorker(ctx context.Context, req daemon.CreateWorkerRequest) (*types.Worker, error) {
	var resp types.Worker
	if err := c.doJSON(ctx, http.MethodPost, "/v1/workers", req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteWorker(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/workers/"+id, nil, true, nil)
}

func (c *Client) ConnectWorker(ctx context.Context, id string) (*types.Worker, error) {
	var resp types.Worker
	if err := c.doJSON(ctx, http.MethodPost, "/v1/workers/"+id+"/connect", nil, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ShutdownDaemon(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/shutdown", nil, true, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, requireAuth bool, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		if c.token == "" {
			if err := c.loadToken(); err != nil {
				return err
			}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

func (c *Client) loadToken() error {
	if c.tokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.token = ""
			return nil
		}
		return err
	}
	c.token = strings.TrimSpace(string(data))
	return nil
}
