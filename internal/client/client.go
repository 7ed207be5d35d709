// Package client is the participant SDK: a REST client for session writes, a
// websocket for push delivery and presence, and followers that fold pushed and
// pulled snapshots through the same merge.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxConns     = 16
	maxErrorBodyPreview = 512
)

var errMissingBaseURL = errors.New("client: base url is required")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int    `json:"-"`
	Label  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("datenight api: status=%d error=%s code=%s", e.Status, e.Label, e.Code)
	}
	return fmt.Sprintf("datenight api: status=%d error=%s", e.Status, e.Label)
}

// IsLabel reports whether err is an APIError carrying the given label, such as "room_full".
func IsLabel(err error, label string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Label == label
}

// HeaderProvider supplies extra request headers.
type HeaderProvider func() map[string]string

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to one backend. It holds no participant state; Seat-scoped
// calls go through a Participant.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
	headers HeaderProvider
	logger  *zap.Logger
}

func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	c := &Client{
		baseURL: trimmed,
		http: &fasthttp.Client{
			MaxConnsPerHost: defaultMaxConns,
			ReadTimeout:     defaultTimeout,
			WriteTimeout:    defaultTimeout,
		},
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Seat is what a participant receives on create or join.
type Seat struct {
	Session     sessions.Session `json:"session"`
	Role        sessions.Role    `json:"role"`
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
}

// CreateSession opens a new session and takes the first seat.
func (c *Client) CreateSession(ctx context.Context, name string) (Seat, error) {
	var seat Seat
	err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions", "", map[string]string{"name": name}, &seat)
	return seat, err
}

// JoinSession takes the second seat of the session with the given room code.
func (c *Client) JoinSession(ctx context.Context, code, name string) (Seat, error) {
	var seat Seat
	err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions/join", "", map[string]string{
		"code": strings.ToUpper(strings.TrimSpace(code)),
		"name": name,
	}, &seat)
	return seat, err
}

// Settings are the convergence timings the backend asks participants to use.
type Settings struct {
	PollInterval      time.Duration
	BroadcastInterval time.Duration
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var raw struct {
		PollIntervalMillis      int64 `json:"poll_interval_ms"`
		BroadcastIntervalMillis int64 `json:"broadcast_interval_ms"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/settings", "", nil, &raw); err != nil {
		return Settings{}, err
	}
	return Settings{
		PollInterval:      time.Duration(raw.PollIntervalMillis) * time.Millisecond,
		BroadcastInterval: time.Duration(raw.BroadcastIntervalMillis) * time.Millisecond,
	}, nil
}

// ShareImage fetches the QR code PNG that links to the join page for code.
func (c *Client) ShareImage(ctx context.Context, code string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + "/share/" + code + "/qr.png")
	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return nil, decodeAPIError(status, resp.Body())
	}
	return append([]byte(nil), resp.Body()...), nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	}

	if in != nil {
		payload, err := encodeBody(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := decodeAPIError(status, resp.Body())
		c.logger.Debug("datenight api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.String("error", apiErr.Label))
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// encodeBody passes pre-encoded documents through untouched.
func encodeBody(in any) ([]byte, error) {
	switch value := in.(type) {
	case json.RawMessage:
		return value, nil
	case []byte:
		return value, nil
	default:
		return json.Marshal(in)
	}
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Label == "" {
		apiErr.Label = truncate(strings.TrimSpace(string(body)), maxErrorBodyPreview)
	}
	return apiErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
