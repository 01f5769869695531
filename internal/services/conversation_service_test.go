package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/backend/backendtest"
	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/repo"
	"github.com/tbourn/go-chat-relay/internal/sessions"
)

func newLedger(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repo.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newService(t *testing.T, withDB bool) (*ConversationService, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	c := backend.New(backend.Options{BaseURL: srv.URL, Prefix: backendtest.Prefix, Timeout: 2 * time.Second})
	var db *gorm.DB
	if withDB {
		db = newLedger(t)
	}
	s := NewConversationService(c, &sessions.Directory{Source: c}, db)
	s.FirstChunkTimeout = 50 * time.Millisecond
	s.PollInterval = 5 * time.Millisecond
	s.MaxContentRunes = 10
	t.Cleanup(s.Close)
	return s, srv
}

func TestStart_Validation(t *testing.T) {
	s, _ := newService(t, false)
	ctx := context.Background()
	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty", SendRequest{SessionID: "s1", Content: "   "}, ErrEmptyContent},
		{"too long", SendRequest{SessionID: "s1", Content: "ééééééééééé"}, ErrTooLong},
		{"async primary", SendRequest{SessionID: "s1", Content: "hi", Mode: "async"}, ErrInvalidMode},
		{"bogus mode", SendRequest{SessionID: "s1", Content: "hi", Mode: "carrier-pigeon"}, ErrInvalidMode},
		{"bad session", SendRequest{SessionID: "a b", Content: "hi"}, ErrUnknownSession},
		{"no session", SendRequest{Content: "hi"}, ErrUnknownSession},
		{"bad key", SendRequest{SessionID: "s1", Content: "hi", Mode: "sync", Key: "no spaces"}, delivery.ErrInvalidKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Start(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Start error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSend_Sync_RecordsAndRefreshes(t *testing.T) {
	s, srv := newService(t, true)
	srv.SyncReply = "pong"
	ctx := context.Background()

	out, err := s.Send(ctx, SendRequest{SessionID: "s1", Content: "ping now", Mode: "full", Key: "k-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !out.Succeeded() || out.Mode != domain.ModeSync || out.Reply != "pong" || out.Message == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Key != "k-1" || s.Current() != "s1" {
		t.Fatalf("key or current session not kept: %+v %q", out, s.Current())
	}

	rows, err := s.Attempts(ctx, "k-1")
	if err != nil || len(rows) != 1 || rows[0].Outcome != domain.OutcomeSucceeded || rows[0].MessageID != out.Message.ID {
		t.Fatalf("ledger rows: %v %+v", err, rows)
	}
	if n, maxAt, err := s.AttemptsStats(ctx, "k-1"); err != nil || n != 1 || maxAt == nil {
		t.Fatalf("AttemptsStats: %d %v %v", n, maxAt, err)
	}

	list, err := s.SessionList(ctx, false)
	if err != nil || len(list) != 1 || list[0].Title != "Ping Now" {
		t.Fatalf("session list: %v %+v", err, list)
	}

	view, err := s.Messages(ctx, "s1", false)
	if err != nil || len(view.Messages) != 2 || view.HasMore != true {
		t.Fatalf("messages: %v %+v", err, view)
	}
}

func TestDeliveredAndReplay(t *testing.T) {
	s, srv := newService(t, true)
	srv.SyncReply = "first"
	ctx := context.Background()

	if ok, err := s.Delivered(ctx, "s1", "k-1", time.Now()); ok || err != nil {
		t.Fatalf("Delivered before send: %v %v", ok, err)
	}
	if _, err := s.Send(ctx, SendRequest{SessionID: "s1", Content: "hi", Mode: "sync", Key: "k-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ok, err := s.Delivered(ctx, "s1", "k-1", time.Now()); !ok || err != nil {
		t.Fatalf("Delivered after send: %v %v", ok, err)
	}
	if ok, _ := s.Delivered(ctx, "s2", "k-1", time.Now()); ok {
		t.Fatal("keys must be scoped to their session")
	}

	srv.SyncReply = "second"
	out, err := s.Replay(ctx, "s1", "k-1")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Succeeded() || out.Reply != "first" {
		t.Fatalf("replay outcome: %+v", out)
	}
	if n := len(srv.Calls("/chat/messages")); n != 1 {
		t.Fatalf("replay must not resubmit, got %d sync calls", n)
	}
}

func TestReplay_WithoutLedger(t *testing.T) {
	s, _ := newService(t, false)
	if _, err := s.Replay(context.Background(), "s1", "k"); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("want ErrNoLedger, got %v", err)
	}
	if _, err := s.Attempts(context.Background(), "k"); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("want ErrNoLedger, got %v", err)
	}
	if ok, err := s.Delivered(context.Background(), "s1", "k", time.Now()); ok || err != nil {
		t.Fatalf("Delivered without ledger: %v %v", ok, err)
	}
}

func TestSwitch_CancelsOtherSessions(t *testing.T) {
	s, srv := newService(t, true)
	srv.StreamHang = true
	srv.JobStatuses = []domain.JobStatus{domain.JobRunning}
	ctx := context.Background()

	h, err := s.Start(ctx, SendRequest{SessionID: "s1", Content: "hello", Mode: "stream"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for srv.PollCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("async fallback never started polling")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.Switch(ctx, "s2"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("s1 submission still running after switch")
	}
	out, _ := h.Outcome()
	if !out.Canceled() {
		t.Fatalf("expected canceled outcome, got %+v", out)
	}
	if s.Current() != "s2" || s.Active("s1") != nil {
		t.Fatal("switch did not take effect")
	}

	polls := srv.PollCalls()
	time.Sleep(30 * time.Millisecond)
	if srv.PollCalls() != polls {
		t.Fatal("polling continued after switch")
	}

	rows, _ := s.Attempts(ctx, h.Key())
	if len(rows) != 2 || rows[0].Outcome != domain.OutcomeFellBack || rows[1].Outcome != domain.OutcomeCanceled {
		t.Fatalf("ledger rows: %+v", rows)
	}
}

func TestCancel(t *testing.T) {
	s, srv := newService(t, false)
	if _, err := s.Cancel("never-opened"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("want ErrUnknownSession, got %v", err)
	}
	if _, err := s.Messages(context.Background(), "s1", false); err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if ok, err := s.Cancel("s1"); ok || err != nil {
		t.Fatalf("Cancel idle: %v %v", ok, err)
	}

	srv.StreamHang = true
	srv.JobStatuses = []domain.JobStatus{domain.JobRunning}
	h, err := s.Start(context.Background(), SendRequest{SessionID: "s1", Content: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok, err := s.Cancel("s1"); !ok || err != nil {
		t.Fatalf("Cancel active: %v %v", ok, err)
	}
	if out, done := h.Outcome(); !done || !out.Canceled() {
		t.Fatalf("handle not canceled: %+v %v", out, done)
	}
	if got := s.OpenSessions(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("OpenSessions = %v", got)
	}
}

func TestMessagesAndLoadOlder(t *testing.T) {
	s, srv := newService(t, false)
	s.PageSize = 4
	srv.Seed("s1", 10)
	ctx := context.Background()

	v, err := s.Messages(ctx, "s1", false)
	if err != nil || len(v.Messages) != 4 || v.NextCursor == nil || *v.NextCursor != 7 {
		t.Fatalf("first page: %v %+v", err, v)
	}
	v, added, err := s.LoadOlder(ctx, "s1")
	if err != nil || added != 4 || len(v.Messages) != 8 {
		t.Fatalf("LoadOlder: %v %d %+v", err, added, v)
	}
	v, added, _ = s.LoadOlder(ctx, "s1")
	if added != 2 || v.Messages[0].ID != 1 {
		t.Fatalf("last page: %d %+v", added, v)
	}
	v, added, _ = s.LoadOlder(ctx, "s1")
	if added != 0 || v.HasMore || v.NextCursor != nil {
		t.Fatalf("end of history: %d %+v", added, v)
	}

	srv.Seed("s1", 1)
	v, err = s.Messages(ctx, "s1", true)
	if err != nil || len(v.Messages) != 4 || v.Messages[3].ID != 11 {
		t.Fatalf("refresh: %v %+v", err, v)
	}
}

// lockedBuffer lets transport goroutines and the test share one log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSend_LogRecordsKeySessionOnce(t *testing.T) {
	s, srv := newService(t, true)
	srv.StreamHang = true
	srv.JobStatuses = []domain.JobStatus{domain.JobRunning, domain.JobSucceeded}

	var sink lockedBuffer
	lg := zerolog.New(&sink).Level(zerolog.DebugLevel)
	s.Logger = &lg

	out, err := s.Send(context.Background(), SendRequest{SessionID: "s1", Content: "hello", Mode: "stream"})
	if err != nil || !out.Succeeded() {
		t.Fatalf("Send: %+v %v", out, err)
	}

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	tagged := 0
	for _, line := range lines {
		switch n := strings.Count(line, `"session_id":`); {
		case n > 1:
			t.Fatalf("duplicate session_id in %s", line)
		case n == 1:
			tagged++
		}
	}
	if tagged == 0 {
		t.Fatalf("no record carried session_id:\n%s", sink.String())
	}
}
