// Package backendtest provides an in-process fake of the chat backend for
// tests. It speaks the same envelope and routes as the real service and lets
// a test script each transport: sync failures, stream frame timelines, and
// job status progressions.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// Prefix is the route prefix served by the fake.
const Prefix = "/chat"

// StreamStep is one scripted write on the streaming endpoint. Raw, when set,
// is written verbatim; otherwise a record is built from Event and Data.
type StreamStep struct {
	Delay time.Duration
	Event string
	Data  string
	Raw   string
}

// Chunk, Done and Fail build common stream steps.
func Chunk(delay time.Duration, delta string) StreamStep {
	b, _ := json.Marshal(map[string]string{"delta": delta})
	return StreamStep{Delay: delay, Event: domain.EventChunk, Data: string(b)}
}

func Done(delay time.Duration) StreamStep {
	return StreamStep{Delay: delay, Event: domain.EventDone, Data: "{}"}
}

func Fail(delay time.Duration, msg string) StreamStep {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return StreamStep{Delay: delay, Event: domain.EventError, Data: string(b)}
}

// Call records one request received by the fake.
type Call struct {
	Method    string
	Path      string
	Key       string
	SessionID string
	Content   string
	At        time.Time
}

// Server is the fake backend. Script fields may be set before the first
// request; Calls and messages are guarded internally.
type Server struct {
	*httptest.Server

	// Sync
	SyncStatus int // non-zero forces a failure with that HTTP status
	SyncReply  string

	// Stream
	StreamStatus int // non-zero rejects the stream with that HTTP status
	StreamSteps  []StreamStep
	StreamHang   bool // keep the connection open after the last step

	// Async
	JobStatuses  []domain.JobStatus // status returned by successive polls
	JobError     string
	JobReply     string
	EnqueueFails int // first N enqueue requests fail with 503
	PollFailures int // first N polls fail with 500
	JobDelay     time.Duration

	mu        sync.Mutex
	calls     []Call
	nextID    int64
	messages  map[string][]domain.Message
	jobs      map[string]*job
	jobSeq    int
	enqueueN  int
	pollN     int
	openConns int
}

type job struct {
	sub   domain.Submission
	polls int
	final bool
}

// New starts a fake backend. The caller must Close it.
func New() *Server {
	s := &Server{
		SyncReply: "sync reply",
		JobReply:  "async reply",
		messages:  map[string][]domain.Message{},
		jobs:      map[string]*job{},
	}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group(Prefix)
	g.POST("/messages", s.handleSync)
	g.POST("/messages/stream", s.handleStream)
	g.POST("/messages/async", s.handleAsync)
	g.GET("/jobs/:id", s.handleJob)
	g.GET("/sessions/:id/messages", s.handleHistory)
	g.GET("/sessions", s.handleSessions)
	s.Server = httptest.NewServer(r)
	return s
}

// Seed appends messages with consecutive ids to a session.
func (s *Server) Seed(sessionID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		s.appendLocked(sessionID, role, fmt.Sprintf("seed %d", i+1))
	}
}

// Calls returns a copy of the recorded requests, optionally filtered by path
// suffix (e.g. "/messages/async").
func (s *Server) Calls(suffix string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if suffix == "" || strings.HasSuffix(c.Path, suffix) {
			out = append(out, c)
		}
	}
	return out
}

// PollCalls counts job status requests.
func (s *Server) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c.Path, "/jobs/") {
			n++
		}
	}
	return n
}

// OpenStreams reports streaming responses still being written.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openConns
}

// Messages returns a copy of a session's stored history, ascending by id.
func (s *Server) Messages(sessionID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[sessionID]...)
}

func (s *Server) appendLocked(sessionID string, role domain.Role, content string) domain.Message {
	s.nextID++
	m := domain.Message{
		ID:        s.nextID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	return m
}

type sendReq struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) record(c *gin.Context, req sendReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Key:       c.GetHeader("Idempotency-Key"),
		SessionID: req.SessionID,
		Content:   req.Message,
		At:        time.Now(),
	})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok", "data": data})
}

func fail(c *gin.Context, status, code int, msg string) {
	c.JSON(status, gin.H{"code": code, "message": msg, "data": nil})
}

func (s *Server) bind(c *gin.Context) (sendReq, bool) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.Message == "" {
		s.record(c, req)
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	s.record(c, req)
	return req, true
}

func (s *Server) handleSync(c *gin.Context) {
	req, good := s.bind(c)
	if !good {
		return
	}
	if s.SyncStatus != 0 {
		fail(c, s.SyncStatus, 50001, "failed to send message")
		return
	}
	s.mu.Lock()
	s.appendLocked(req.SessionID, domain.RoleUser, req.Message)
	m := s.appendLocked(req.SessionID, domain.RoleAssistant, s.SyncReply)
	s.mu.Unlock()
	ok(c, gin.H{"session_id": req.SessionID, "reply": m.Content, "message_id": m.ID})
}

func (s *Server) handleStream(c *gin.Context) {
	req, good := s.bind(c)
	if !good {
		return
	}
	if s.StreamStatus != 0 {
		c.String(s.StreamStatus, "stream rejected")
		return
	}

	s.mu.Lock()
	s.openConns++
	s.appendLocked(req.SessionID, domain.RoleUser, req.Message)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.openConns--
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	var text strings.Builder
	for _, st := range s.StreamSteps {
		if st.Delay > 0 {
			select {
			case <-time.After(st.Delay):
			case <-ctx.Done():
				return
			}
		}
		if st.Raw != "" {
			_, _ = c.Writer.WriteString(st.Raw)
		} else {
			_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", st.Event, st.Data)
		}
		c.Writer.Flush()

		switch st.Event {
		case domain.EventChunk:
			var p struct {
				Delta string `json:"delta"`
			}
			if json.Unmarshal([]byte(st.Data), &p) == nil {
				text.WriteString(p.Delta)
			}
		case domain.EventDone:
			s.mu.Lock()
			s.appendLocked(req.SessionID, domain.RoleAssistant, text.String())
			s.mu.Unlock()
		}
	}
	if s.StreamHang {
		<-ctx.Done()
	}
}

func (s *Server) handleAsync(c *gin.Context) {
	req, good := s.bind(c)
	if !good {
		return
	}
	s.mu.Lock()
	s.enqueueN++
	if s.enqueueN <= s.EnqueueFails {
		s.mu.Unlock()
		fail(c, http.StatusServiceUnavailable, 50003, "queue unavailable")
		return
	}
	s.jobSeq++
	id := "job-" + strconv.Itoa(s.jobSeq)
	s.jobs[id] = &job{sub: domain.Submission{SessionID: req.SessionID, Content: req.Message, Key: c.GetHeader("Idempotency-Key")}}
	s.appendLocked(req.SessionID, domain.RoleUser, req.Message)
	s.mu.Unlock()
	ok(c, gin.H{"job_id": id})
}

func (s *Server) handleJob(c *gin.Context) {
	s.record(c, sendReq{})
	if s.JobDelay > 0 {
		time.Sleep(s.JobDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollN++
	if s.pollN <= s.PollFailures {
		fail(c, http.StatusInternalServerError, 50004, "transient")
		return
	}
	j, found := s.jobs[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, 40004, "job not found")
		return
	}
	status := domain.JobSucceeded
	if len(s.JobStatuses) > 0 {
		idx := j.polls
		if idx >= len(s.JobStatuses) {
			idx = len(s.JobStatuses) - 1
		}
		status = s.JobStatuses[idx]
	}
	j.polls++
	if status == domain.JobSucceeded && !j.final {
		j.final = true
		s.appendLocked(j.sub.SessionID, domain.RoleAssistant, s.JobReply)
	}
	body := gin.H{"status": status, "error": nil}
	if status == domain.JobFailed {
		body["error"] = s.JobError
	}
	ok(c, gin.H{"job": body})
}

func (s *Server) handleHistory(c *gin.Context) {
	s.record(c, sendReq{SessionID: c.Param("id")})
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	before, _ := strconv.ParseInt(c.Query("before_id"), 10, 64)

	s.mu.Lock()
	all := append([]domain.Message(nil), s.messages[c.Param("id")]...)
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	page := make([]domain.Message, 0, limit)
	for _, m := range all {
		if before > 0 && m.ID >= before {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	var next int64
	if len(page) > 0 {
		next = page[len(page)-1].ID
	}
	ok(c, gin.H{"messages": page, "next_before_id": next})
}

func (s *Server) handleSessions(c *gin.Context) {
	s.record(c, sendReq{})
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gin.H, 0, len(s.messages))
	for id, msgs := range s.messages {
		h := gin.H{"session_id": id, "provider": "fake", "model": "default"}
		if len(msgs) > 0 {
			h["created_at"] = msgs[0].CreatedAt
			h["updated_at"] = msgs[len(msgs)-1].CreatedAt
		}
		out = append(out, h)
	}
	ok(c, gin.H{"sessions": out, "next_before_id": nil})
}
