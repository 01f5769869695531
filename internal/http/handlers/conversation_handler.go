// Conversation HTTP handlers.
//
// This file exposes the relay's gateway endpoints:
//   - POST   /sessions/{id}/messages         (submit; JSON or server-sent events)
//   - GET    /sessions/{id}/messages         (current log, ?refresh=true reloads)
//   - POST   /sessions/{id}/messages/older   (merge one older page)
//   - DELETE /sessions/{id}/attempt          (cancel the in-flight submission)
//   - POST   /sessions/{id}/switch           (make current; cancels other sessions)
//   - GET    /sessions/{id}/attempts         (newest ledger rows, ?limit=)
//   - GET    /sessions                       (session directory)
//   - GET    /attempts?key=                  (ledger rows, weak ETag)
//
// Handlers are transport-thin: they normalize input, delegate to the
// ConversationService and translate outcomes into HTTP responses.
//
// Idempotency:
// A request whose Idempotency-Key was already delivered in the session is
// answered from the attempt ledger with `Idempotency-Replayed: true`; no new
// submission reaches the backend.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/http/middleware"
	"github.com/tbourn/go-chat-relay/internal/services"
	"github.com/tbourn/go-chat-relay/internal/sessions"
	"github.com/tbourn/go-chat-relay/internal/utils"
)

//
// Service contract
//

// ConversationService is what the gateway needs from the application layer.
// Implementations must be safe for concurrent use and honor ctx.
type ConversationService interface {
	// Start begins delivering a submission and returns its handle.
	Start(ctx context.Context, req services.SendRequest) (*delivery.AttemptHandle, error)
	// Replay rebuilds the outcome of an already delivered key.
	Replay(ctx context.Context, sessionID, key string) (delivery.Outcome, error)
	// Messages returns the session's log, reloading it when refresh is set.
	Messages(ctx context.Context, sessionID string, refresh bool) (services.HistoryView, error)
	// LoadOlder merges one older page and reports how many messages it added.
	LoadOlder(ctx context.Context, sessionID string) (services.HistoryView, int, error)
	// Cancel aborts the session's in-flight submission.
	Cancel(sessionID string) (bool, error)
	// Switch makes the session current, canceling submissions elsewhere.
	Switch(ctx context.Context, sessionID string) (services.HistoryView, error)
	// SessionAttempts returns the newest ledger rows of a session.
	SessionAttempts(ctx context.Context, sessionID string, limit int) ([]domain.Attempt, error)
	// SessionList returns the session directory.
	SessionList(ctx context.Context, refresh bool) ([]sessions.Session, error)
	// Attempts returns the ledger rows recorded under key.
	Attempts(ctx context.Context, key string) ([]domain.Attempt, error)
	// AttemptsStats returns the row count and newest update for key.
	AttemptsStats(ctx context.Context, key string) (int64, *time.Time, error)
}

// Handlers groups the gateway endpoints.
type Handlers struct {
	svc ConversationService
}

// New constructs Handlers bound to svc.
func New(svc ConversationService) *Handlers {
	return &Handlers{svc: svc}
}

//
// DTOs
//

// PostMessageRequest is the JSON payload for a submission.
type PostMessageRequest struct {
	// Content is the user message. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"How do I rotate my API key?"`
	// Mode selects the primary transport: sync or stream. "full" is accepted
	// as another name for sync. Empty selects the relay default.
	Mode string `json:"mode" example:"stream" enums:"sync,stream,full"`
}

// ErrorDetail describes why a delivery failed.
type ErrorDetail struct {
	Kind    string `json:"kind" example:"timeout"`
	Mode    string `json:"mode,omitempty" example:"async"`
	Status  int    `json:"status,omitempty" example:"503"`
	Message string `json:"message" example:"async job failed"`
}

// OutcomeResponse is the terminal result of a submission.
type OutcomeResponse struct {
	Status    string          `json:"status" example:"succeeded"`
	Key       string          `json:"key" example:"7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab"`
	SessionID string          `json:"session_id" example:"s-42"`
	Mode      string          `json:"mode" example:"stream"`
	Attempts  int             `json:"attempts" example:"1"`
	Reply     string          `json:"reply,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Replayed  bool            `json:"replayed,omitempty"`
}

// DeltaEvent is the payload of a `delta` server-sent event.
type DeltaEvent struct {
	Delta string `json:"delta"`
}

// HistoryResponse is a snapshot of a session's log.
type HistoryResponse struct {
	SessionID  string           `json:"session_id"`
	Messages   []domain.Message `json:"messages"`
	NextCursor *int64           `json:"next_before_id"`
	HasMore    bool             `json:"has_more"`
	// Added is set by the load-older endpoint.
	Added *int `json:"added,omitempty"`
	// Session is set by the switch endpoint when the directory knows it.
	Session *sessions.Session `json:"session,omitempty"`
}

// SessionsResponse wraps the session directory.
type SessionsResponse struct {
	Sessions []sessions.Session `json:"sessions"`
}

// AttemptsResponse lists the ledger rows of one key.
type AttemptsResponse struct {
	Key      string           `json:"key"`
	Attempts []domain.Attempt `json:"attempts"`
}

// SessionAttemptsResponse lists the newest ledger rows of one session.
type SessionAttemptsResponse struct {
	SessionID string           `json:"session_id"`
	Attempts  []domain.Attempt `json:"attempts"`
}

// CancelResponse reports whether a submission was canceled.
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text: CRLF/CR become LF, runs of 3+ LFs
// collapse to two, surrounding whitespace is trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxContentRunes inspects the concrete service for its configured
// content limit, falling back to a conservative default.
func discoverMaxContentRunes(svc ConversationService) int {
	const fallback = 4000
	if cs, ok := svc.(*services.ConversationService); ok && cs.MaxContentRunes > 0 {
		return cs.MaxContentRunes
	}
	return fallback
}

func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func toResponse(out delivery.Outcome) OutcomeResponse {
	r := OutcomeResponse{
		Status:    string(out.Status),
		Key:       out.Key,
		SessionID: out.SessionID,
		Mode:      string(out.Mode),
		Attempts:  out.Attempts,
		Reply:     out.Reply,
		Message:   out.Message,
	}
	if out.Err != nil {
		r.Error = &ErrorDetail{
			Kind:    string(out.Err.Kind),
			Mode:    string(out.Err.Mode),
			Status:  out.Err.Status,
			Message: out.Err.Reason(),
		}
	}
	return r
}

// outcomeStatus maps a terminal outcome to the HTTP status of a JSON reply.
func outcomeStatus(out delivery.Outcome) int {
	if out.Succeeded() || out.Err == nil {
		return http.StatusOK
	}
	switch out.Err.Kind {
	case domain.KindCanceled:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func historyResponse(v services.HistoryView) HistoryResponse {
	msgs := v.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return HistoryResponse{SessionID: v.SessionID, Messages: msgs, NextCursor: v.NextCursor, HasMore: v.HasMore, Session: v.Session}
}

// Page bounds for GET /sessions/{id}/attempts.
const (
	defaultAttemptsLimit = 50
	maxAttemptsLimit     = 200
)

// liftWriteDeadline clears the server's WRITE_TIMEOUT for this response. A
// submission may outlast it (first-chunk timeout, then a queued job); writers
// that cannot lift the deadline keep it.
func liftWriteDeadline(c *gin.Context) {
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Deliver a message to the chat backend
// @Description Submits the message through the primary transport and falls back to the async job
// @Description transport when the stream times out before its first chunk (or fails before any chunk)
// @Description or the sync call fails. With `Accept: text/event-stream` deltas are relayed as `delta`
// @Description events and the terminal result as one `outcome` event.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
//
// @Param       Idempotency-Key  header  string  false "Idempotency key reused by every transport attempt"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Session ID"  example(s-42)
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
//
// @Success     200  {object}  handlers.OutcomeResponse  "Delivered"
// @Header      200  {string}  Idempotency-Replayed      "true when served from the ledger"
// @Failure     400  {object}  handlers.ErrorResponse    "Bad request"
// @Failure     409  {object}  handlers.OutcomeResponse  "Canceled or superseded"
// @Failure     502  {object}  handlers.OutcomeResponse  "Delivery failed"
// @Failure     504  {object}  handlers.OutcomeResponse  "Delivery timed out"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	maxRunes := discoverMaxContentRunes(h.svc)

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	if key != "" && middleware.IsReplay(c) {
		out, err := h.svc.Replay(ctx, sessionID, key)
		if err == nil {
			c.Header(middleware.HeaderIdempotencyReplayed, "true")
			resp := toResponse(out)
			resp.Replayed = true
			if wantsEventStream(c) {
				openStream(c)
				c.SSEvent("outcome", resp)
				c.Writer.Flush()
				return
			}
			ok(c, http.StatusOK, resp)
			return
		}
		middleware.LoggerFrom(c).Warn().Err(err).Msg("replay lookup failed; submitting again")
	}

	sreq := services.SendRequest{SessionID: sessionID, Content: content, Mode: req.Mode, Key: key}
	if wantsEventStream(c) {
		h.streamOutcome(c, sreq)
		return
	}

	handle, err := h.svc.Start(ctx, sreq)
	if err != nil {
		failFor(c, err, maxRunes)
		return
	}
	liftWriteDeadline(c)
	out, err := handle.Wait(ctx)
	if err != nil {
		// Client went away; the request context already canceled the
		// submission.
		c.Status(499)
		return
	}
	ok(c, outcomeStatus(out), toResponse(out))
}

func openStream(c *gin.Context) {
	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	liftWriteDeadline(c)
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

// streamOutcome relays deltas as they arrive and ends the stream with the
// outcome. Deltas are handed over through a channel so only this goroutine
// writes to the response.
func (h *Handlers) streamOutcome(c *gin.Context, sreq services.SendRequest) {
	ctx := c.Request.Context()
	deltas := make(chan string, 64)
	sreq.OnDelta = func(d string) {
		select {
		case deltas <- d:
		case <-ctx.Done():
		}
	}

	handle, err := h.svc.Start(ctx, sreq)
	if err != nil {
		failFor(c, err, discoverMaxContentRunes(h.svc))
		return
	}
	openStream(c)

	for {
		select {
		case d := <-deltas:
			c.SSEvent("delta", DeltaEvent{Delta: d})
			c.Writer.Flush()
		case <-handle.Done():
		drain:
			for {
				select {
				case d := <-deltas:
					c.SSEvent("delta", DeltaEvent{Delta: d})
				default:
					break drain
				}
			}
			out, _ := handle.Outcome()
			c.SSEvent("outcome", toResponse(out))
			c.Writer.Flush()
			return
		case <-ctx.Done():
			<-handle.Done()
			return
		}
	}
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Current conversation log
// @Description Returns the session's log in ascending id order. The log is loaded from the backend on
// @Description first use; `refresh=true` replaces it with the newest page of authoritative history.
// @Tags        Messages
// @Produce     json
//
// @Param       id       path   string  true  "Session ID"
// @Param       refresh  query  bool    false "Reload from the backend"  default(false)
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     404  {object} handlers.ErrorResponse "Invalid session"
// @Failure     502  {object} handlers.ErrorResponse "Backend unavailable"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	refresh := utils.ParseBoolDefault(c.Query("refresh"), false)
	v, err := h.svc.Messages(c.Request.Context(), c.Param("id"), refresh)
	if err != nil {
		failFor(c, err, 0)
		return
	}
	ok(c, http.StatusOK, historyResponse(v))
}

// LoadOlder godoc
// @ID          loadOlderMessages
// @Summary     Load one older page
// @Description Fetches the page preceding the oldest loaded message and merges it into the log.
// @Description `added` is 0 at the end of history.
// @Tags        Messages
// @Produce     json
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     404  {object} handlers.ErrorResponse "Invalid session"
// @Failure     502  {object} handlers.ErrorResponse "Backend unavailable"
// @Router      /sessions/{id}/messages/older [post]
func (h *Handlers) LoadOlder(c *gin.Context) {
	v, added, err := h.svc.LoadOlder(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err, 0)
		return
	}
	resp := historyResponse(v)
	resp.Added = &added
	ok(c, http.StatusOK, resp)
}

// CancelAttempt godoc
// @ID          cancelAttempt
// @Summary     Cancel the in-flight submission
// @Description Cancels the session's active submission, closing its stream or stopping its poll loop.
// @Tags        Messages
// @Produce     json
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object} handlers.CancelResponse
// @Success     204  {string} string "Nothing in flight"
// @Failure     404  {object} handlers.ErrorResponse "Unknown session"
// @Router      /sessions/{id}/attempt [delete]
func (h *Handlers) CancelAttempt(c *gin.Context) {
	canceled, err := h.svc.Cancel(c.Param("id"))
	if err != nil {
		failFor(c, err, 0)
		return
	}
	if !canceled {
		noContent(c)
		return
	}
	ok(c, http.StatusOK, CancelResponse{Canceled: true})
}

// SwitchSession godoc
// @ID          switchSession
// @Summary     Make a session current
// @Description Cancels every submission still in flight in other sessions, then returns this
// @Description session's log (loaded on first use) and its directory entry when known.
// @Tags        Sessions
// @Produce     json
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     404  {object} handlers.ErrorResponse "Invalid session"
// @Failure     502  {object} handlers.ErrorResponse "Backend unavailable"
// @Router      /sessions/{id}/switch [post]
func (h *Handlers) SwitchSession(c *gin.Context) {
	v, err := h.svc.Switch(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err, 0)
		return
	}
	ok(c, http.StatusOK, historyResponse(v))
}

// ListSessionAttempts godoc
// @ID          listSessionAttempts
// @Summary     Recent transport attempts of a session
// @Description Returns the session's newest ledger rows, newest first.
// @Tags        Attempts
// @Produce     json
//
// @Param       id     path   string  true  "Session ID"
// @Param       limit  query  int     false "Maximum rows (1..200)"  default(50)
//
// @Success     200  {object} handlers.SessionAttemptsResponse
// @Failure     404  {object} handlers.ErrorResponse "Invalid session"
// @Failure     501  {object} handlers.ErrorResponse "Ledger disabled"
// @Router      /sessions/{id}/attempts [get]
func (h *Handlers) ListSessionAttempts(c *gin.Context) {
	limit := utils.ClampInt(utils.AtoiDefault(c.Query("limit"), defaultAttemptsLimit), 1, maxAttemptsLimit)
	sessionID := c.Param("id")
	rows, err := h.svc.SessionAttempts(c.Request.Context(), sessionID, limit)
	if err != nil {
		failFor(c, err, 0)
		return
	}
	if rows == nil {
		rows = []domain.Attempt{}
	}
	ok(c, http.StatusOK, SessionAttemptsResponse{SessionID: sessionID, Attempts: rows})
}

// ListSessions godoc
// @ID          listSessions
// @Summary     Session directory
// @Description Returns session metadata, most recently updated first. `refresh=true` reloads it from the backend.
// @Tags        Sessions
// @Produce     json
//
// @Param       refresh  query  bool  false "Reload from the backend"  default(false)
//
// @Success     200  {object} handlers.SessionsResponse
// @Failure     502  {object} handlers.ErrorResponse "Backend unavailable"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	list, err := h.svc.SessionList(c.Request.Context(), utils.ParseBoolDefault(c.Query("refresh"), false))
	if err != nil {
		failFor(c, err, 0)
		return
	}
	if list == nil {
		list = []sessions.Session{}
	}
	ok(c, http.StatusOK, SessionsResponse{Sessions: list})
}

// ListAttempts godoc
// @ID          listAttempts
// @Summary     Transport attempts recorded for an idempotency key
// @Description Returns every attempt (primary and fallback) recorded under the key, oldest first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Attempts
// @Produce     json
//
// @Param       key            query   string  true  "Idempotency key"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"attempts:k:2:1700000000\")
//
// @Success     200  {object} handlers.AttemptsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     501  {object} handlers.ErrorResponse "Ledger disabled"
// @Router      /attempts [get]
func (h *Handlers) ListAttempts(c *gin.Context) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.Query("key"))
	if !delivery.ValidKey(key) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "key query parameter required")
		return
	}

	count, maxTS, err := h.svc.AttemptsStats(ctx, key)
	if errors.Is(err, services.ErrNoLedger) {
		failFor(c, err, 0)
		return
	}
	if err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"attempts:%s:%d:%d"`, key, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	rows, err := h.svc.Attempts(ctx, key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if rows == nil {
		rows = []domain.Attempt{}
	}
	ok(c, http.StatusOK, AttemptsResponse{Key: key, Attempts: rows})
}
