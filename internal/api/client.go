// Package api is the HackTheBox labs API gateway used to submit flags and
// spawn machines.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/errors"
)

// Result is the remote verdict for a submit or spawn call.
type Result struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// ActiveMachine is the account's running machine. IP stays empty while the
// instance is still being assigned an address.
type ActiveMachine struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	IP         string `json:"ip,omitempty"`
	IsSpawning bool   `json:"is_spawning"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

// Gateway performs the outbound calls the core needs. Implementations
// may block; callers run them off the interactive context.
type Gateway interface {
	SubmitFlag(ctx context.Context, machineID, flag string) (Result, error)
	SpawnMachine(ctx context.Context, machineID string) (Result, error)
	// ActiveMachine returns ok=false when nothing is running.
	ActiveMachine(ctx context.Context) (m ActiveMachine, ok bool, err error)
}

const requestTimeout = 30 * time.Second

// Client is the HTTP Gateway.
//
// 5xx, 429 and transport errors are retried with exponential backoff; other
// 4xx responses are returned as a non-accepted Result with a nil error.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	logger     *slog.Logger

	// ids caches machine name -> numeric id lookups.
	idsMu sync.Mutex
	ids   map[string]int
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a Client from configuration.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		token:      cfg.APIToken,
		userAgent:  "htbwatch/dev",
		maxRetries: cfg.Retries(),
		backoff:    cfg.RetryBackoff(),
		http:       &http.Client{Timeout: requestTimeout},
		logger:     slog.Default(),
		ids:        make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitFlag posts a flag for the machine: POST /machine/own {"id": N, "flag": F}.
func (c *Client) SubmitFlag(ctx context.Context, machineID, flag string) (Result, error) {
	id, err := c.ResolveMachineID(ctx, machineID)
	if err != nil {
		return Result{}, err
	}

	status, body, err := c.do(ctx, http.MethodPost, "/machine/own", map[string]any{"id": id, "flag": flag})
	if err != nil {
		return Result{}, err
	}
	if status >= 400 {
		return Result{Accepted: false, Message: errorMessage(status, body)}, nil
	}

	var resp struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &resp)
	// Only an explicit "success": true counts as accepted.
	accepted := resp.Success != nil && *resp.Success
	msg := resp.Message
	if msg == "" {
		if accepted {
			msg = "Flag accepted!"
		} else {
			msg = "Flag rejected"
		}
	}
	return Result{Accepted: accepted, Message: msg}, nil
}

// SpawnMachine requests a machine instance: POST /vm/spawn {"machine_id": N}.
func (c *Client) SpawnMachine(ctx context.Context, machineID string) (Result, error) {
	id, err := c.ResolveMachineID(ctx, machineID)
	if err != nil {
		return Result{}, err
	}

	status, body, err := c.do(ctx, http.MethodPost, "/vm/spawn", map[string]any{"machine_id": id})
	if err != nil {
		return Result{}, err
	}
	if status >= 400 {
		return Result{Accepted: false, Message: errorMessage(status, body)}, nil
	}

	var resp struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &resp)
	if resp.Message == "" {
		resp.Message = "Spawned!"
	}
	return Result{Accepted: true, Message: resp.Message}, nil
}

// ActiveMachine reads GET /machine/active. A null or missing "info" means no
// machine is running.
func (c *Client) ActiveMachine(ctx context.Context) (ActiveMachine, bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/machine/active", nil)
	if err != nil {
		return ActiveMachine{}, false, err
	}
	if status >= 400 {
		return ActiveMachine{}, false, errors.NewAPIRejected(status, errorMessage(status, body))
	}

	var resp struct {
		Info *struct {
			ID         int    `json:"id"`
			Name       string `json:"name"`
			IP         string `json:"ip"`
			IsSpawning bool   `json:"isSpawning"`
			ExpiresAt  string `json:"expires_at"`
		} `json:"info"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ActiveMachine{}, false, errors.NewInternal(fmt.Errorf("decoding active machine: %w", err))
	}
	if resp.Info == nil {
		return ActiveMachine{}, false, nil
	}
	return ActiveMachine{
		ID:         resp.Info.ID,
		Name:       resp.Info.Name,
		IP:         resp.Info.IP,
		IsSpawning: resp.Info.IsSpawning,
		ExpiresAt:  resp.Info.ExpiresAt,
	}, true, nil
}

// ResolveMachineID returns the numeric id for machineID. Numeric strings are
// used as-is; names are looked up via GET /machine/profile/{name} and cached.
func (c *Client) ResolveMachineID(ctx context.Context, machineID string) (int, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return 0, errors.NewInvalidRequest("machine_id is required")
	}
	if n, err := strconv.Atoi(machineID); err == nil && n > 0 {
		return n, nil
	}

	c.idsMu.Lock()
	if id, ok := c.ids[machineID]; ok {
		c.idsMu.Unlock()
		return id, nil
	}
	c.idsMu.Unlock()

	status, body, err := c.do(ctx, http.MethodGet, "/machine/profile/"+url.PathEscape(machineID), nil)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, errors.NewNotFound(machineID)
	}
	if status >= 400 {
		return 0, errors.NewAPIRejected(status, errorMessage(status, body))
	}

	var resp struct {
		Info struct {
			ID int `json:"id"`
		} `json:"info"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Info.ID == 0 {
		return 0, errors.NewInternal(fmt.Errorf("machine profile for %q has no id", machineID))
	}

	c.idsMu.Lock()
	c.ids[machineID] = resp.Info.ID
	c.idsMu.Unlock()
	return resp.Info.ID, nil
}

// do sends one logical request, retrying transient failures. It returns the
// final status and body for any non-retryable response.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if c.token == "" {
		return 0, nil, errors.NewUnauthorized("api token not configured (set HTB_API_TOKEN)")
	}

	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.NewInternal(err)
		}
		reqBody = b
	}

	u := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * (1 << uint(attempt-1))
			c.logger.WarnContext(ctx, "api: retrying call",
				"method", method, "path", path,
				"attempt", attempt, "max_retries", c.maxRetries,
				"backoff_ms", wait.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return 0, nil, errors.NewUnavailable(ctx.Err())
			case <-time.After(wait):
			}
		}

		status, body, err := c.send(ctx, method, u, reqBody)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, errors.NewUnavailable(ctx.Err())
			}
			lastErr = err
			continue
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("HTTP %d", status)
			continue
		}
		if status == http.StatusUnauthorized {
			return 0, nil, errors.NewUnauthorized(errorMessage(status, body))
		}
		return status, body, nil
	}
	return 0, nil, errors.NewUnavailable(lastErr)
}

func (c *Client) send(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.DebugContext(ctx, "api: request", "method", method, "url", u)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "api: transport error", "url", u, "error", err)
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	c.logger.DebugContext(ctx, "api: response", "status", resp.StatusCode, "url", u, "bytes", len(data))
	return resp.StatusCode, data, nil
}

// errorMessage extracts "message" or "error" from a JSON error body.
func errorMessage(status int, body []byte) string {
	var resp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &resp) == nil {
		if resp.Message != "" {
			return resp.Message
		}
		if resp.Error != "" {
			return resp.Error
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}
