// Package backend is the HTTP client for the chat backend's collaborator
// contracts: the sync, stream and async message endpoints, job status, and
// paginated history and session listings.
//
// Every JSON response is wrapped in the backend envelope {code, message,
// data}. A non-2xx status or a non-zero code is reported as a
// domain.KindServer error carrying the envelope message; connection-level
// failures become domain.KindNetwork. Callers never see raw net/http errors.
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
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// HeaderIdempotencyKey carries the submission key on every send.
const HeaderIdempotencyKey = "Idempotency-Key"

// maxErrorBody caps how much of a failed response body is read for the
// error message.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	BaseURL string        // e.g. "http://localhost:8080/api/v1"
	Prefix  string        // route prefix, default "/chat"
	Token   string        // optional bearer token
	Timeout time.Duration // per-request timeout for non-streaming calls
	RPS     float64       // outbound pacing; <= 0 disables
	Burst   int
	Logger  *zerolog.Logger
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	prefix  string
	token   string
	timeout time.Duration
	hc      *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New constructs a Client. Streaming requests never use a client-level
// timeout, so the default HTTP client carries none; per-call deadlines are
// applied from Options.Timeout instead.
func New(opts Options) *Client {
	prefix := strings.TrimRight(opts.Prefix, "/")
	if prefix == "" {
		prefix = "/chat"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		prefix:  prefix,
		token:   opts.Token,
		timeout: opts.Timeout,
		hc:      hc,
		log:     lg.With().Str("component", "backend").Logger(),
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

//
// Wire types
//

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SyncReply is the result of the synchronous endpoint.
type SyncReply struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	MessageID int64  `json:"message_id"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	Job struct {
		Status domain.JobStatus `json:"status"`
		Error  *string          `json:"error"`
	} `json:"job"`
}

// Page is one history page. NextCursor is nil when history is exhausted.
type Page struct {
	Messages   []domain.Message
	NextCursor *int64
}

type pageResponse struct {
	Messages     []domain.Message `json:"messages"`
	NextBeforeID *int64           `json:"next_before_id"`
}

// SessionInfo is the backend's session metadata.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

//
// Endpoints
//

// Send performs the synchronous round trip: POST {prefix}/messages.
func (c *Client) Send(ctx context.Context, sub domain.Submission) (SyncReply, error) {
	ctx, span := c.start(ctx, "Send", sub)
	defer span.End()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out SyncReply
	err := c.doJSON(ctx, http.MethodPost, c.path("/messages"), sub.Key, sendRequest{SessionID: sub.SessionID, Message: sub.Content}, &out)
	return out, c.endSpan(span, domain.ModeSync, err)
}

// OpenStream issues POST {prefix}/messages/stream and returns the response
// body once headers arrive. The body stays open until the caller closes it or
// ctx is canceled.
func (c *Client) OpenStream(ctx context.Context, sub domain.Submission) (io.ReadCloser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, domain.AsError(err, domain.ModeStream)
	}
	body, err := json.Marshal(sendRequest{SessionID: sub.SessionID, Message: sub.Content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path("/messages/stream"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.decorate(req, sub.Key)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, domain.AsError(err, domain.ModeStream)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, serverError(resp.StatusCode, raw, domain.ModeStream)
	}
	c.log.Debug().Str("session_id", sub.SessionID).Str("key", sub.Key).Msg("stream opened")
	return resp.Body, nil
}

// EnqueueJob issues POST {prefix}/messages/async and returns the job id.
func (c *Client) EnqueueJob(ctx context.Context, sub domain.Submission) (string, error) {
	ctx, span := c.start(ctx, "EnqueueJob", sub)
	defer span.End()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out enqueueResponse
	err := c.doJSON(ctx, http.MethodPost, c.path("/messages/async"), sub.Key, sendRequest{SessionID: sub.SessionID, Message: sub.Content}, &out)
	if err == nil && strings.TrimSpace(out.JobID) == "" {
		err = &domain.Error{Kind: domain.KindServer, Message: "empty job id"}
	}
	return out.JobID, c.endSpan(span, domain.ModeAsync, err)
}

// GetJob fetches GET {prefix}/jobs/{id}.
func (c *Client) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out jobResponse
	if err := c.doJSON(ctx, http.MethodGet, c.path("/jobs/"+url.PathEscape(jobID)), "", nil, &out); err != nil {
		return domain.Job{}, domain.AsError(err, domain.ModeAsync)
	}
	job := domain.Job{ID: jobID, Status: out.Job.Status}
	if out.Job.Error != nil {
		job.Error = *out.Job.Error
	}
	return job, nil
}

// ListMessages fetches one reverse-chronological history page:
// GET {prefix}/sessions/{id}/messages?limit=N&before_id=C. A beforeID of 0
// requests the newest page. A next_before_id of 0 or null ends history.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int, beforeID int64) (Page, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	p := c.path("/sessions/" + url.PathEscape(sessionID) + "/messages")
	if enc := q.Encode(); enc != "" {
		p += "?" + enc
	}

	var out pageResponse
	if err := c.doJSON(ctx, http.MethodGet, p, "", nil, &out); err != nil {
		return Page{}, domain.AsError(err, "")
	}
	page := Page{Messages: out.Messages}
	if out.NextBeforeID != nil && *out.NextBeforeID > 0 {
		n := *out.NextBeforeID
		page.NextCursor = &n
	}
	return page, nil
}

// ListSessions fetches GET {prefix}/sessions?limit=N (newest first).
func (c *Client) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	p := c.path("/sessions")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out sessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, p, "", nil, &out); err != nil {
		return nil, domain.AsError(err, "")
	}
	return out.Sessions, nil
}

//
// Plumbing
//

func (c *Client) path(p string) string { return c.prefix + p }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) decorate(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path, key string, in, out any) error {
	if err := c.wait(ctx); err != nil {
		return domain.AsError(err, "")
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.decorate(req, key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.AsError(err, "")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AsError(err, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(resp.StatusCode, raw, "")
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &env) != nil {
		return &domain.Error{Kind: domain.KindServer, Status: resp.StatusCode, Message: "empty response from API"}
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = "API error"
		}
		return &domain.Error{Kind: domain.KindServer, Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &domain.Error{Kind: domain.KindServer, Status: resp.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

// serverError builds a KindServer error from a non-2xx response, preferring
// the envelope message, then the raw body, then "HTTP <status>".
func serverError(status int, raw []byte, mode domain.Mode) *domain.Error {
	msg := ""
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		msg = env.Message
	} else if s := strings.TrimSpace(string(raw)); s != "" {
		msg = s
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &domain.Error{Kind: domain.KindServer, Mode: mode, Status: status, Message: msg}
}

func (c *Client) start(ctx context.Context, name string, sub domain.Submission) (context.Context, trace.Span) {
	tr := otel.Tracer("backend/Client")
	return tr.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", sub.SessionID),
			attribute.String("idempotency.key", sub.Key),
		),
	)
}

func (c *Client) endSpan(span trace.Span, mode domain.Mode, err error) error {
	if err == nil {
		return nil
	}
	de := domain.AsError(err, mode)
	span.RecordError(de)
	span.SetStatus(codes.Error, de.Reason())
	if !errors.Is(de, domain.ErrCanceled) {
		c.log.Debug().Err(de).Str("mode", string(mode)).Msg("backend call failed")
	}
	return de
}
