package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// --- fakes ---

type fakeStream struct {
	mu     sync.Mutex
	subs   []domain.Submission
	deltas []string
	result transport.StreamResult
	block  bool
}

func (f *fakeStream) Run(ctx context.Context, sub domain.Submission, onDelta func(string)) transport.StreamResult {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	block, result := f.block, f.result
	f.mu.Unlock()
	for _, d := range f.deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	if block {
		<-ctx.Done()
		return transport.StreamResult{Outcome: transport.StreamCanceled, Err: domain.NewError(domain.KindCanceled, domain.ModeStream, "", ctx.Err())}
	}
	return result
}

func (f *fakeStream) calls() []domain.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Submission(nil), f.subs...)
}

type fakeAsync struct {
	mu     sync.Mutex
	subs   []domain.Submission
	result transport.AsyncResult
}

func (f *fakeAsync) Run(_ context.Context, sub domain.Submission) transport.AsyncResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return f.result
}

func (f *fakeAsync) calls() []domain.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Submission(nil), f.subs...)
}

type fakeSync struct {
	subs  []domain.Submission
	reply backend.SyncReply
	err   error
}

func (f *fakeSync) Send(_ context.Context, sub domain.Submission) (backend.SyncReply, error) {
	f.subs = append(f.subs, sub)
	return f.reply, f.err
}

type fakeReconciler struct {
	mu    sync.Mutex
	msgs  []domain.Message
	err   error
	calls int
}

func (f *fakeReconciler) Reload(context.Context) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.msgs, f.err
}

type fakeObserver struct {
	mu       sync.Mutex
	sessions []string
	// entered, when set, is closed on the first call, which then blocks
	// until ctx is done.
	entered chan struct{}
}

func (f *fakeObserver) SessionUpdated(ctx context.Context, id string) {
	f.mu.Lock()
	f.sessions = append(f.sessions, id)
	entered := f.entered
	f.entered = nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
		<-ctx.Done()
	}
}

type memRecorder struct {
	mu   sync.Mutex
	rows []domain.Attempt
}

func (r *memRecorder) Begin(_ context.Context, a *domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *a)
	return nil
}

func (r *memRecorder) Finish(_ context.Context, a *domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == a.ID {
			r.rows[i] = *a
			return nil
		}
	}
	return errors.New("unknown attempt")
}

type rig struct {
	o      *Orchestrator
	stream *fakeStream
	async  *fakeAsync
	sync   *fakeSync
	recon  *fakeReconciler
	obs    *fakeObserver
	ledger *memRecorder
}

func newRig() *rig {
	r := &rig{
		stream: &fakeStream{result: transport.StreamResult{Outcome: transport.StreamDone, Chunks: 1, Text: "Hi"}},
		async:  &fakeAsync{result: transport.AsyncResult{JobID: "job-1", Job: domain.Job{ID: "job-1", Status: domain.JobSucceeded}}},
		sync:   &fakeSync{reply: backend.SyncReply{Reply: "pong", MessageID: 2}},
		recon: &fakeReconciler{msgs: []domain.Message{
			{ID: 1, Role: domain.RoleUser, Content: "Hello"},
			{ID: 2, Role: domain.RoleAssistant, Content: "Hi"},
		}},
		obs:    &fakeObserver{},
		ledger: &memRecorder{},
	}
	r.o = &Orchestrator{
		Sync: r.sync, Stream: r.stream, Async: r.async,
		Reconciler: r.recon, Observer: r.obs, Recorder: r.ledger,
	}
	return r
}

func streamReq() Request {
	return Request{SessionID: "s1", Content: "Hello", Mode: domain.ModeStream}
}

// --- tests ---

func TestSubmit_StreamDone_NoAsync(t *testing.T) {
	r := newRig()
	var deltas []string
	r.stream.deltas = []string{"Hi"}
	req := streamReq()
	req.OnDelta = func(d string) { deltas = append(deltas, d) }

	out, err := r.o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	require.Equal(t, domain.ModeStream, out.Mode)
	require.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Message)
	require.Equal(t, int64(2), out.Message.ID)
	require.Equal(t, "Hi", out.Reply)
	require.Equal(t, []string{"Hi"}, deltas)

	require.Empty(t, r.async.calls())
	require.Equal(t, 1, r.recon.calls)
	require.Equal(t, []string{"s1"}, r.obs.sessions)
	require.Len(t, r.ledger.rows, 1)
	require.Equal(t, domain.OutcomeSucceeded, r.ledger.rows[0].Outcome)
	require.NotNil(t, r.ledger.rows[0].FinishedAt)
	require.Nil(t, r.o.Active())
}

func TestSubmit_StreamTimeout_FallsBackWithSameKey(t *testing.T) {
	r := newRig()
	r.stream.result = transport.StreamResult{Outcome: transport.StreamTimedOut, Err: domain.NewError(domain.KindTimeout, domain.ModeStream, "", nil)}
	before := testutil.ToFloat64(fallbacksTotal.WithLabelValues("stream"))

	out, err := r.o.Submit(context.Background(), streamReq())
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	require.Equal(t, domain.ModeAsync, out.Mode)
	require.Equal(t, 2, out.Attempts)

	s, a := r.stream.calls(), r.async.calls()
	require.Len(t, s, 1)
	require.Len(t, a, 1)
	require.Equal(t, s[0], a[0], "async must re-issue the identical submission")
	require.NotEmpty(t, a[0].Key)
	require.Equal(t, out.Key, a[0].Key)

	require.Len(t, r.ledger.rows, 2)
	require.Equal(t, domain.OutcomeFellBack, r.ledger.rows[0].Outcome)
	require.Equal(t, domain.OutcomeSucceeded, r.ledger.rows[1].Outcome)
	require.Equal(t, r.ledger.rows[0].Key, r.ledger.rows[1].Key)
	require.Equal(t, 2, r.ledger.rows[1].Seq)
	require.Equal(t, before+1, testutil.ToFloat64(fallbacksTotal.WithLabelValues("stream")))
}

func TestSubmit_StreamFailedAfterChunks_NoDuplication(t *testing.T) {
	r := newRig()
	r.stream.result = transport.StreamResult{
		Outcome: transport.StreamFailedAfterChunks, Chunks: 1, Text: "Hi th",
		Err: domain.NewError(domain.KindNetwork, domain.ModeStream, "connection reset", nil),
	}

	out, err := r.o.Submit(context.Background(), streamReq())
	require.NoError(t, err)
	require.False(t, out.Succeeded())
	require.ErrorIs(t, out.Err, domain.ErrNetwork)
	require.Equal(t, "Hi th", out.Reply)
	require.Empty(t, r.async.calls())
	require.Zero(t, r.recon.calls)
	require.Empty(t, r.obs.sessions)
	require.Equal(t, domain.OutcomeFailed, r.ledger.rows[0].Outcome)
}

func TestSubmit_StreamFailedBeforeChunks_Policy(t *testing.T) {
	early := transport.StreamResult{Outcome: transport.StreamFailedBeforeChunks, Err: domain.NewError(domain.KindServer, domain.ModeStream, "bad request", nil)}

	r := newRig()
	r.stream.result = early
	out, _ := r.o.Submit(context.Background(), streamReq())
	require.True(t, out.Succeeded())
	require.Len(t, r.async.calls(), 1)

	r = newRig()
	r.stream.result = early
	r.o.Policy = FallbackTimeoutOnly
	out, _ = r.o.Submit(context.Background(), streamReq())
	require.False(t, out.Succeeded())
	require.ErrorIs(t, out.Err, domain.ErrServer)
	require.Empty(t, r.async.calls())
}

func TestSubmit_Sync(t *testing.T) {
	r := newRig()
	out, err := r.o.Submit(context.Background(), Request{SessionID: "s1", Content: "ping", Mode: domain.ModeSync})
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	require.Equal(t, domain.ModeSync, out.Mode)
	require.Equal(t, int64(2), out.Message.ID)
	require.Empty(t, r.async.calls())

	r = newRig()
	r.sync.err = domain.NewError(domain.KindServer, domain.ModeSync, "boom", nil)
	out, _ = r.o.Submit(context.Background(), Request{SessionID: "s1", Content: "ping", Mode: domain.ModeSync, Key: "client-key"})
	require.True(t, out.Succeeded())
	require.Equal(t, domain.ModeAsync, out.Mode)
	require.Equal(t, "client-key", r.sync.subs[0].Key)
	require.Equal(t, "client-key", r.async.calls()[0].Key)
}

func TestSubmit_AsyncJobFailed_Terminal(t *testing.T) {
	r := newRig()
	r.stream.result = transport.StreamResult{Outcome: transport.StreamTimedOut, Err: domain.NewError(domain.KindTimeout, domain.ModeStream, "", nil)}
	r.async.result = transport.AsyncResult{JobID: "job-1", Err: domain.NewError(domain.KindJobFailed, domain.ModeAsync, "model timeout", nil)}

	h, err := r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, out.Succeeded())
	require.ErrorIs(t, out.Err, domain.ErrJobFailed)
	require.Equal(t, "model timeout", out.Err.Reason())
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, StateFailed, h.State())
	require.Equal(t, domain.ModeAsync, h.Mode())
	require.Len(t, r.async.calls(), 1)
	require.Zero(t, r.recon.calls)
}

func TestSubmit_ReloadFailure_StillSucceeds(t *testing.T) {
	r := newRig()
	r.recon.err = errors.New("history down")

	out, err := r.o.Submit(context.Background(), streamReq())
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	require.Nil(t, out.Message)
	require.Equal(t, "Hi", out.Reply)
	require.Equal(t, []string{"s1"}, r.obs.sessions)
}

func TestStart_Supersedes(t *testing.T) {
	r := newRig()
	r.stream.block = true

	first, err := r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)
	require.Equal(t, first, r.o.Active())
	require.Eventually(t, func() bool { return len(r.stream.calls()) == 1 }, time.Second, time.Millisecond)

	r.stream.mu.Lock()
	r.stream.block = false
	r.stream.mu.Unlock()

	second, err := r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first submission still running after supersede")
	}
	out1, ok := first.Outcome()
	require.True(t, ok)
	require.True(t, out1.Canceled())
	require.NotEqual(t, first.Key(), second.Key())

	out2, err := second.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, out2.Succeeded())
	require.Empty(t, r.async.calls())
	require.Equal(t, domain.OutcomeCanceled, r.ledger.rows[0].Outcome)
}

func TestCloseAndCancel(t *testing.T) {
	r := newRig()
	r.stream.block = true

	h, err := r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(r.stream.calls()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateAttempting, h.State())
	_, done := h.Outcome()
	require.False(t, done)

	r.o.Cancel()
	out, ok := h.Outcome()
	require.True(t, ok)
	require.True(t, out.Canceled())
	require.Equal(t, StateFailed, h.State())
	require.Nil(t, r.o.Active())
	require.Empty(t, r.async.calls())

	h, err = r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)
	r.o.Close()
	<-h.Done()
	_, err = r.o.Start(context.Background(), streamReq())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancel_DuringObserverReturnsPromptly(t *testing.T) {
	r := newRig()
	entered := make(chan struct{})
	r.obs.entered = entered

	h, err := r.o.Start(context.Background(), streamReq())
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("observer was not notified")
	}

	start := time.Now()
	h.Cancel()
	require.Less(t, time.Since(start), time.Second)

	out, ok := h.Outcome()
	require.True(t, ok)
	require.True(t, out.Succeeded(), "a delivered submission stays succeeded")
	require.Nil(t, r.o.Active())
}

func TestStart_RejectsBadRequests(t *testing.T) {
	r := newRig()
	_, err := r.o.Start(context.Background(), Request{SessionID: "s1", Content: "x", Mode: domain.ModeAsync})
	require.ErrorIs(t, err, ErrPrimaryMode)
	_, err = r.o.Start(context.Background(), Request{SessionID: "s1", Content: "x", Mode: domain.ModeStream, Key: "bad key"})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSubmit_ParentContextCanceled(t *testing.T) {
	r := newRig()
	r.stream.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := r.o.Submit(ctx, streamReq())
	require.NoError(t, err)
	require.True(t, out.Canceled())
	require.Empty(t, r.async.calls())
}

func TestMetrics_AttemptsCounted(t *testing.T) {
	r := newRig()
	r.sync.err = domain.NewError(domain.KindNetwork, domain.ModeSync, "", nil)
	fb := testutil.ToFloat64(attemptsTotal.WithLabelValues("sync", domain.OutcomeFellBack))
	ok := testutil.ToFloat64(attemptsTotal.WithLabelValues("async", domain.OutcomeSucceeded))

	_, err := r.o.Submit(context.Background(), Request{SessionID: "s1", Content: "x", Mode: domain.ModeSync})
	require.NoError(t, err)
	require.Equal(t, fb+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("sync", domain.OutcomeFellBack)))
	require.Equal(t, ok+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("async", domain.OutcomeSucceeded)))

	before := testutil.ToFloat64(jobPollsTotal.WithLabelValues("error"))
	ObservePoll("error")
	require.Equal(t, before+1, testutil.ToFloat64(jobPollsTotal.WithLabelValues("error")))
}
