package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// RejectionError is a non-2xx reply from the backend.
type RejectionError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s rejected (%d): %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s rejected (%d)", e.Op, e.StatusCode)
}

// IsRejection reports whether err is a backend rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// IsUnauthorized reports whether err is a 401 or 403 rejection.
func IsUnauthorized(err error) bool {
	var rej *RejectionError
	if !errors.As(err, &rej) {
		return false
	}
	return rej.StatusCode == http.StatusUnauthorized || rej.StatusCode == http.StatusForbidden
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero leaves requests unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

// Client calls the console's REST backend.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewClient creates a client rooted at baseURL (for example
// http://localhost:8000/api/v1).
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q (expected http or https)", u.Scheme)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the REST root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ConnectInstance asks the backend to start pairing an instance.
func (c *Client) ConnectInstance(ctx context.Context, instanceID int64) (*ConnectResult, error) {
	var out ConnectResult
	path := fmt.Sprintf("/evolution/%d/connect", instanceID)
	if err := c.do(ctx, "connect instance", http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCard moves a card to a column and position.
func (c *Client) UpdateCard(ctx context.Context, cardID int64, update CardUpdate) (*CardRecord, error) {
	var out CardRecord
	path := fmt.Sprintf("/crm/cards/%d", cardID)
	if err := c.do(ctx, "update card", http.MethodPut, path, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBoards returns the boards visible to the session.
func (c *Client) ListBoards(ctx context.Context) ([]BoardRecord, error) {
	var out []BoardRecord
	if err := c.do(ctx, "list boards", http.MethodGet, "/crm/boards/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListColumns returns the columns of a board.
func (c *Client) ListColumns(ctx context.Context, boardID int64) ([]ColumnRecord, error) {
	var out []ColumnRecord
	path := fmt.Sprintf("/crm/colunas/by_board/%d", boardID)
	if err := c.do(ctx, "list columns", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCards returns the cards of a column.
func (c *Client) ListCards(ctx context.Context, columnID int64) ([]CardRecord, error) {
	var out []CardRecord
	path := fmt.Sprintf("/crm/cards/by_coluna/%d", columnID)
	if err := c.do(ctx, "list cards", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInstances returns the gateway instances visible to the session.
func (c *Client) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	var out []InstanceRecord
	if err := c.do(ctx, "list instances", http.MethodGet, "/evolution/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstance registers a new gateway instance.
func (c *Client) CreateInstance(ctx context.Context, in InstanceCreate) (*InstanceRecord, error) {
	var out InstanceRecord
	if err := c.do(ctx, "create instance", http.MethodPost, "/evolution/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges credentials for an access token. The form encoding
// matches the backend's OAuth2 password flow.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out TokenResponse
	if err := c.exec("login", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, "fetch current user", http.MethodGet, "/usuarios/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return c.exec(op, req, out)
}

func (c *Client) exec(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RejectionError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// errorDetail extracts the "detail" field of an error body. Validation
// errors carry a list there; those are returned as raw JSON.
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}
