// Package api is the HTTP client for the Clipper REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// APIPrefix is the path prefix of the versioned REST endpoints.
const APIPrefix = "/api/v1"

// IdempotencyHeader carries the queue id so a retried write is applied once.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 64 << 10

// Config holds client settings.
type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	RatePerSecond  float64 // 0 disables client-side rate limiting
	Burst          int
	UserAgent      string
}

// Client talks to the Clipper API.
type Client struct {
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	now       func() time.Time

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New(errors.ErrValidation, "api base url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid api base url", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	base.Fragment = ""

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "clipsync"
	}

	c := &Client{
		base:      base,
		http:      &http.Client{Timeout: timeout},
		userAgent: ua,
		now:       time.Now,
		token:     cfg.Token,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// checkToken fails fast when the bearer token is a JWT that has already
// expired. Opaque tokens are passed through for the server to judge.
func (c *Client) checkToken(token string) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !c.now().Before(exp.Time) {
		return errors.New(errors.ErrAuthExpired, "api token expired at "+exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// envelope is the Clipper StandardResponse. Some handlers reply with a
// bare body or a plain {"error": "..."} object instead.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type request struct {
	method   string
	path     string
	query    url.Values
	body     interface{}
	idemKey  string
	rootPath bool // path is not under APIPrefix
}

type response struct {
	data json.RawMessage
	meta json.RawMessage
}

func (c *Client) do(ctx context.Context, r request) (*response, error) {
	op := r.method + " " + r.path

	token := c.currentToken()
	if err := c.checkToken(token); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(op, err)
		}
	}

	path := r.path
	if !r.rootPath {
		path = APIPrefix + path
	}
	endpoint := *c.base
	endpoint.Path = c.base.Path + path
	if len(r.query) > 0 {
		endpoint.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "encode request body", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint.String(), body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.idemKey != "" {
		req.Header.Set(IdempotencyHeader, r.idemKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.Debug("API request failed", map[string]interface{}{"request": op, "error": err.Error()})
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, transportError(op, err)
	}

	logging.Debug("API request", map[string]interface{}{
		"request":     op,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(decodeError(resp.StatusCode, raw))
	}
	return decodeSuccess(raw)
}

func decodeSuccess(raw []byte) (*response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &response{}, nil
	}
	if raw[0] == '{' {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Success != nil {
			return &response{data: env.Data, meta: env.Meta}, nil
		}
	}
	if !json.Valid(raw) {
		return nil, errors.New(errors.ErrServer, "api returned invalid JSON")
	}
	return &response{data: raw}, nil
}

func decodeError(status int, raw []byte) *StatusError {
	se := &StatusError{Status: status, Message: http.StatusText(status)}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			se.Message = s
		}
		return se
	}

	if len(env.Error) > 0 {
		var info errorInfo
		var text string
		switch {
		case json.Unmarshal(env.Error, &info) == nil && (info.Code != "" || info.Message != ""):
			se.Code = info.Code
			if info.Message != "" {
				se.Message = info.Message
			}
		case json.Unmarshal(env.Error, &text) == nil && text != "":
			se.Message = text
		}
	} else if env.Message != "" {
		se.Message = env.Message
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		se.Data = env.Data
	} else if env.Success == nil {
		if current, ok := currentVersion(raw); ok {
			se.Data = current
		}
	}
	return se
}

// currentVersion extracts the "current" field that bare 409 bodies use for
// the server's version.
func currentVersion(raw []byte) (json.RawMessage, bool) {
	var body struct {
		Current json.RawMessage `json:"current"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Current) == 0 || string(body.Current) == "null" {
		return nil, false
	}
	return body.Current, true
}

// =====================================================
// Reads
// =====================================================

// FeedQuery selects a page of the clip feed.
type FeedQuery struct {
	Sort  string
	Limit int
	Page  int
}

// ClipPage is one page of the clip feed.
type ClipPage struct {
	Clips   []json.RawMessage
	Page    int
	HasMore bool
}

type paginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, request{method: http.MethodGet, path: "/health", rootPath: true})
	return err
}

// GetClip fetches one clip.
func (c *Client) GetClip(ctx context.Context, id string) (json.RawMessage, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/clips/" + url.PathEscape(id)})
	if err != nil {
		return nil, err
	}
	return resp.data, nil
}

// ListClips fetches a page of the clip feed.
func (c *Client) ListClips(ctx context.Context, q FeedQuery) (*ClipPage, error) {
	values := url.Values{}
	if q.Sort != "" {
		values.Set("sort", q.Sort)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/clips", query: values})
	if err != nil {
		return nil, err
	}

	page := &ClipPage{Page: q.Page}
	if err := json.Unmarshal(resp.data, &page.Clips); err != nil {
		return nil, errors.Wrap(errors.ErrServer, "decode clip list", err)
	}
	if len(resp.meta) > 0 {
		var meta paginationMeta
		if err := json.Unmarshal(resp.meta, &meta); err == nil {
			page.Page = meta.Page
			page.HasMore = meta.HasNext
		}
	}
	return page, nil
}

// CommentQuery selects a page of comments.
type CommentQuery struct {
	Sort   string
	Limit  int
	Cursor string
}

// CommentPage is one page of a clip's comments.
type CommentPage struct {
	Comments   []json.RawMessage
	NextCursor string
	HasMore    bool
}

// ListComments fetches comments of a clip.
func (c *Client) ListComments(ctx context.Context, clipID string, q CommentQuery) (*CommentPage, error) {
	values := url.Values{}
	if q.Sort != "" {
		values.Set("sort", q.Sort)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		values.Set("cursor", q.Cursor)
	}

	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/clips/" + url.PathEscape(clipID) + "/comments",
		query:  values,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Comments   []json.RawMessage `json:"comments"`
		NextCursor json.RawMessage   `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if err := json.Unmarshal(resp.data, &body); err != nil {
		return nil, errors.Wrap(errors.ErrServer, "decode comment list", err)
	}
	page := &CommentPage{Comments: body.Comments, HasMore: body.HasMore}
	if page.Comments == nil {
		page.Comments = []json.RawMessage{}
	}
	page.NextCursor = cursorString(body.NextCursor)
	return page, nil
}

// cursorString accepts numeric and string cursors.
func cursorString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// =====================================================
// Writes
// =====================================================

// Send performs the remote effect of a queued operation and returns the
// server's response body, which may be empty. The queue id is sent as the
// idempotency key.
func (c *Client) Send(ctx context.Context, op *models.QueuedOperation) (json.RawMessage, error) {
	r, err := route(op)
	if err != nil {
		return nil, err
	}
	r.idemKey = op.QueueID

	resp, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.data, nil
}

func route(op *models.QueuedOperation) (request, error) {
	id := url.PathEscape(op.EntityID)
	switch {
	case op.EntityType == models.TargetClipVote && op.Kind == models.OperationCreate:
		return request{method: http.MethodPost, path: "/clips/" + id + "/vote", body: op.Payload}, nil

	case op.EntityType == models.TargetCommentVote && op.Kind == models.OperationCreate:
		return request{method: http.MethodPost, path: "/comments/" + id + "/vote", body: op.Payload}, nil

	case op.EntityType == models.TargetFavorite && op.Kind == models.OperationCreate:
		return request{method: http.MethodPost, path: "/clips/" + id + "/favorite"}, nil

	case op.EntityType == models.TargetFavorite && op.Kind == models.OperationDelete:
		return request{method: http.MethodDelete, path: "/clips/" + id + "/favorite"}, nil

	case op.EntityType == models.TargetComment && op.Kind == models.OperationCreate:
		var p models.CommentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return request{}, errors.Wrap(errors.ErrValidation, "decode comment payload", err)
		}
		if p.ClipID == "" {
			return request{}, errors.New(errors.ErrValidation, "comment create requires clip_id")
		}
		body := struct {
			Content         string  `json:"content"`
			ParentCommentID *string `json:"parent_comment_id,omitempty"`
		}{Content: p.Content, ParentCommentID: p.ParentCommentID}
		return request{method: http.MethodPost, path: "/clips/" + url.PathEscape(p.ClipID) + "/comments", body: body}, nil

	case op.EntityType == models.TargetComment && op.Kind == models.OperationUpdate:
		return request{method: http.MethodPut, path: "/comments/" + id, body: op.Payload}, nil

	case op.EntityType == models.TargetComment && op.Kind == models.OperationDelete:
		return request{method: http.MethodDelete, path: "/comments/" + id}, nil

	case op.EntityType == models.TargetSubmission && op.Kind == models.OperationCreate:
		return request{method: http.MethodPost, path: "/submissions", body: op.Payload}, nil
	}
	return request{}, errors.New(errors.ErrValidation,
		fmt.Sprintf("no endpoint for %s %s", op.Kind, op.EntityType))
}
