// Package services – ConversationService
//
// This file implements ConversationService, the application-level component
// that owns one conversation per session: a delivery orchestrator and a
// history log. It validates submissions, routes them through the session's
// orchestrator, answers replays of already delivered idempotency keys from
// the attempt ledger, and cancels outstanding work when the caller switches
// to another session.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the session id and, where relevant, the idempotency key.
package services

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/history"
	"github.com/tbourn/go-chat-relay/internal/repo"
	"github.com/tbourn/go-chat-relay/internal/sessions"
	"github.com/tbourn/go-chat-relay/internal/transport"
)

// Backend is every backend contract a conversation needs.
type Backend interface {
	transport.Sender
	transport.StreamOpener
	transport.JobQueue
	history.Pager
}

var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9._~\-:]{1,64}$`)

// SendRequest is one send action as received from a caller.
type SendRequest struct {
	SessionID string
	Content   string
	// Mode is a mode name ("sync", "stream", "full"); empty selects the
	// service default.
	Mode string
	// Key is an optional caller-supplied idempotency key.
	Key string
	// OnDelta receives streamed deltas. May be nil.
	OnDelta func(string)
}

// HistoryView is a snapshot of a session's log.
type HistoryView struct {
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
	// NextCursor is nil at the end of history.
	NextCursor *int64 `json:"next_before_id"`
	HasMore    bool   `json:"has_more"`
	// Session is the directory entry; only Switch fills it.
	Session *sessions.Session `json:"session,omitempty"`
}

type conversation struct {
	orch *delivery.Orchestrator
	log  *history.Log
}

// ConversationService coordinates conversations across sessions.
type ConversationService struct {
	Backend  Backend
	Sessions *sessions.Directory
	// DB backs the attempt ledger; nil disables recording and replays.
	DB *gorm.DB

	DefaultMode       domain.Mode
	FirstChunkTimeout time.Duration
	PollInterval      time.Duration
	PageSize          int
	Policy            delivery.FallbackPolicy
	// Optional guard
	MaxContentRunes int
	// ReplayTTL bounds how long a delivered key is answered from the ledger.
	ReplayTTL time.Duration

	Logger *zerolog.Logger

	keys    delivery.KeyManager
	mu      sync.Mutex
	convs   map[string]*conversation
	current string
}

// NewConversationService constructs a ConversationService with the
// production defaults: stream as the primary mode, 8s first-chunk timeout,
// 1s poll interval, 20 messages per page and 24h replay window.
func NewConversationService(b Backend, dir *sessions.Directory, db *gorm.DB) *ConversationService {
	return &ConversationService{
		Backend:           b,
		Sessions:          dir,
		DB:                db,
		DefaultMode:       domain.ModeStream,
		FirstChunkTimeout: transport.DefaultFirstChunkTimeout,
		PollInterval:      transport.DefaultPollInterval,
		PageSize:          history.DefaultPageSize,
		MaxContentRunes:   4000,
		ReplayTTL:         24 * time.Hour,
	}
}

func (s *ConversationService) logger() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return &log.Logger
}

func validSession(id string) bool { return sessionIDRE.MatchString(id) }

// conversation returns the session's conversation, creating it when create
// is set.
func (s *ConversationService) conversation(sessionID string, create bool) (*conversation, error) {
	if !validSession(sessionID) {
		return nil, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[sessionID]; ok {
		return c, nil
	}
	if !create {
		return nil, ErrUnknownSession
	}
	if s.convs == nil {
		s.convs = map[string]*conversation{}
	}

	// Components key their own records by session_id.
	lg := s.logger()
	hl := &history.Log{SessionID: sessionID, Source: s.Backend, PageSize: s.PageSize, Logger: lg}
	o := &delivery.Orchestrator{
		Sync:       &transport.Sync{Sender: s.Backend, Logger: lg},
		Stream:     &transport.Stream{Opener: s.Backend, FirstChunkTimeout: s.FirstChunkTimeout, Logger: lg},
		Async:      &transport.Async{Queue: s.Backend, PollInterval: s.PollInterval, Logger: lg, OnPoll: delivery.ObservePoll},
		Reconciler: hl,
		Keys:       &s.keys,
		Policy:     s.Policy,
		Logger:     lg,
	}
	if s.Sessions != nil {
		o.Observer = s.Sessions
	}
	if s.DB != nil {
		o.Recorder = &repo.AttemptLedger{DB: s.DB}
	}
	c := &conversation{orch: o, log: hl}
	s.convs[sessionID] = c
	return c, nil
}

func (s *ConversationService) validate(req SendRequest) (SendRequest, domain.Mode, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if !validSession(req.SessionID) {
		return req, "", ErrUnknownSession
	}
	if strings.TrimSpace(req.Content) == "" {
		return req, "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(req.Content) > s.MaxContentRunes {
		return req, "", ErrTooLong
	}
	mode := s.DefaultMode
	if mode == "" {
		mode = domain.ModeStream
	}
	if strings.TrimSpace(req.Mode) != "" {
		m, ok := domain.ParseMode(req.Mode)
		if !ok || !m.Primary() {
			return req, "", ErrInvalidMode
		}
		mode = m
	}
	return req, mode, nil
}

// Start validates req and begins delivery on the session's orchestrator,
// superseding any submission still active there. The session becomes the
// current one.
func (s *ConversationService) Start(ctx context.Context, req SendRequest) (*delivery.AttemptHandle, error) {
	req, mode, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	c, err := s.conversation(req.SessionID, true)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = req.SessionID
	s.mu.Unlock()
	if s.Sessions != nil {
		s.Sessions.NotePrompt(req.SessionID, req.Content)
	}

	h, err := c.orch.Start(ctx, delivery.Request{
		SessionID: req.SessionID,
		Content:   req.Content,
		Mode:      mode,
		Key:       req.Key,
		OnDelta:   req.OnDelta,
	})
	if errors.Is(err, delivery.ErrPrimaryMode) {
		return nil, ErrInvalidMode
	}
	return h, err
}

// Send delivers req and blocks until its terminal outcome.
func (s *ConversationService) Send(ctx context.Context, req SendRequest) (delivery.Outcome, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("delivery.mode", req.Mode),
		),
	)
	defer span.End()

	h, err := s.Start(ctx, req)
	if err != nil {
		return delivery.Outcome{}, err
	}
	span.SetAttributes(attribute.String("idempotency.key", h.Key()))
	<-h.Done()
	out, _ := h.Outcome()
	return out, nil
}

// Delivered reports whether key already produced a delivered reply in
// sessionID within the replay window.
func (s *ConversationService) Delivered(ctx context.Context, sessionID, key string, now time.Time) (bool, error) {
	if s.DB == nil {
		return false, nil
	}
	_, err := repo.FindSucceeded(ctx, s.DB, sessionID, key, now.Add(-s.replayTTL()))
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Replay rebuilds the outcome recorded for a delivered key without issuing a
// new submission. The reply message is looked up in the session's history.
func (s *ConversationService) Replay(ctx context.Context, sessionID, key string) (delivery.Outcome, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Replay",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("idempotency.key", key),
		),
	)
	defer span.End()

	if s.DB == nil {
		return delivery.Outcome{}, ErrNoLedger
	}
	a, err := repo.FindSucceeded(ctx, s.DB, sessionID, key, time.Now().Add(-s.replayTTL()))
	if err != nil {
		return delivery.Outcome{}, err
	}
	out := delivery.Outcome{
		Status:    delivery.StatusSucceeded,
		Key:       key,
		SessionID: sessionID,
		Mode:      a.Mode,
		Attempts:  a.Seq,
	}
	view, err := s.Messages(ctx, sessionID, false)
	if err != nil {
		return out, nil
	}
	for i := len(view.Messages) - 1; i >= 0; i-- {
		m := view.Messages[i]
		if (a.MessageID > 0 && m.ID == a.MessageID) || (a.MessageID == 0 && m.Role == domain.RoleAssistant) {
			out.Message = &m
			out.Reply = m.Content
			break
		}
	}
	return out, nil
}

func (s *ConversationService) replayTTL() time.Duration {
	if s.ReplayTTL > 0 {
		return s.ReplayTTL
	}
	return 24 * time.Hour
}

// Messages returns the session's log, loading it on first use or when
// refresh is set.
func (s *ConversationService) Messages(ctx context.Context, sessionID string, refresh bool) (HistoryView, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Messages",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Bool("refresh", refresh),
		),
	)
	defer span.End()

	c, err := s.conversation(sessionID, true)
	if err != nil {
		return HistoryView{}, err
	}
	if refresh || !c.log.Loaded() {
		if _, err := c.log.Reload(ctx); err != nil {
			return HistoryView{}, err
		}
	}
	return view(sessionID, c.log), nil
}

// LoadOlder merges one older page into the session's log.
func (s *ConversationService) LoadOlder(ctx context.Context, sessionID string) (HistoryView, int, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "LoadOlder",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	c, err := s.conversation(sessionID, true)
	if err != nil {
		return HistoryView{}, 0, err
	}
	added, err := c.log.LoadOlder(ctx)
	if err != nil {
		return HistoryView{}, 0, err
	}
	span.SetAttributes(attribute.Int("added", added))
	return view(sessionID, c.log), added, nil
}

func view(sessionID string, l *history.Log) HistoryView {
	v := HistoryView{SessionID: sessionID, Messages: l.Messages(), HasMore: l.HasMore()}
	if c, ok := l.Cursor(); ok {
		v.NextCursor = &c
	}
	return v
}

// Active returns the session's in-flight submission, or nil.
func (s *ConversationService) Active(sessionID string) *delivery.AttemptHandle {
	c, err := s.conversation(sessionID, false)
	if err != nil {
		return nil
	}
	return c.orch.Active()
}

// Cancel aborts the session's in-flight submission and reports whether
// there was one.
func (s *ConversationService) Cancel(sessionID string) (bool, error) {
	c, err := s.conversation(sessionID, false)
	if err != nil {
		return false, err
	}
	h := c.orch.Active()
	if h == nil {
		return false, nil
	}
	h.Cancel()
	return true, nil
}

// Switch makes sessionID the current session. Every submission still in
// flight in another session is canceled first, so no stream or poll loop
// outlives the conversation it belonged to. The new session's log is
// returned, loaded if needed.
func (s *ConversationService) Switch(ctx context.Context, sessionID string) (HistoryView, error) {
	if !validSession(sessionID) {
		return HistoryView{}, ErrUnknownSession
	}
	s.mu.Lock()
	s.current = sessionID
	others := make([]*conversation, 0, len(s.convs))
	for id, c := range s.convs {
		if id != sessionID {
			others = append(others, c)
		}
	}
	s.mu.Unlock()

	for _, c := range others {
		c.orch.Cancel()
	}
	v, err := s.Messages(ctx, sessionID, false)
	if err != nil {
		return v, err
	}
	if s.Sessions != nil {
		if s.Sessions.RefreshedAt().IsZero() {
			if _, err := s.Sessions.Refresh(ctx); err != nil {
				s.logger().Debug().Err(err).Str("session_id", sessionID).Msg("session directory unavailable")
			}
		}
		if meta, ok := s.Sessions.Get(sessionID); ok {
			v.Session = &meta
		}
	}
	return v, nil
}

// Current returns the session selected last by Start or Switch.
func (s *ConversationService) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SessionList returns the session directory, refreshing it from the backend
// when refresh is set or the directory was never loaded.
func (s *ConversationService) SessionList(ctx context.Context, refresh bool) ([]sessions.Session, error) {
	if s.Sessions == nil {
		return []sessions.Session{}, nil
	}
	if refresh || s.Sessions.RefreshedAt().IsZero() {
		if _, err := s.Sessions.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return s.Sessions.List(), nil
}

// Attempts returns the ledger rows recorded under key.
func (s *ConversationService) Attempts(ctx context.Context, key string) ([]domain.Attempt, error) {
	if s.DB == nil {
		return nil, ErrNoLedger
	}
	return repo.ListAttemptsByKey(ctx, s.DB, key)
}

// SessionAttempts returns the newest ledger rows of a session, newest first.
func (s *ConversationService) SessionAttempts(ctx context.Context, sessionID string, limit int) ([]domain.Attempt, error) {
	if !validSession(sessionID) {
		return nil, ErrUnknownSession
	}
	if s.DB == nil {
		return nil, ErrNoLedger
	}
	return repo.ListAttemptsBySession(ctx, s.DB, sessionID, limit)
}

// AttemptsStats returns the row count and newest update time for key; the
// HTTP layer derives ETags from them.
func (s *ConversationService) AttemptsStats(ctx context.Context, key string) (int64, *time.Time, error) {
	if s.DB == nil {
		return 0, nil, ErrNoLedger
	}
	return repo.AttemptsStats(ctx, s.DB, key)
}

// PruneLedger removes ledger rows older than the replay window.
func (s *ConversationService) PruneLedger(ctx context.Context) (int64, error) {
	if s.DB == nil {
		return 0, nil
	}
	return repo.PruneAttempts(ctx, s.DB, time.Now().Add(-s.replayTTL()))
}

// OpenSessions returns the ids of every open conversation, sorted.
func (s *ConversationService) OpenSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every in-flight submission and rejects new ones on the
// existing conversations.
func (s *ConversationService) Close() {
	s.mu.Lock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.Unlock()
	for _, c := range convs {
		c.orch.Close()
	}
}
