package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/backend/backendtest"
	"github.com/tbourn/go-chat-relay/internal/domain"
)

type step struct {
	delay time.Duration
	raw   string
}

func chunk(d time.Duration, delta string) step {
	return step{d, "event: chunk\ndata: {\"delta\":\"" + delta + "\"}\n\n"}
}

func done(d time.Duration) step { return step{d, "event: done\ndata: {}\n\n"} }

func errFrame(d time.Duration, msg string) step {
	return step{d, "event: error\ndata: {\"message\":\"" + msg + "\"}\n\n"}
}

// scriptOpener serves a scripted stream over an io.Pipe.
type scriptOpener struct {
	steps   []step
	hang    bool
	openErr error

	opened atomic.Int32
	closed atomic.Int32
	wg     sync.WaitGroup
}

type trackedBody struct {
	io.ReadCloser
	once   sync.Once
	closed *atomic.Int32
}

func (b *trackedBody) Close() error {
	b.once.Do(func() { b.closed.Add(1) })
	return b.ReadCloser.Close()
}

func (o *scriptOpener) OpenStream(ctx context.Context, _ domain.Submission) (io.ReadCloser, error) {
	o.opened.Add(1)
	if o.openErr != nil {
		return nil, o.openErr
	}
	pr, pw := io.Pipe()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for _, s := range o.steps {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				_ = pw.CloseWithError(ctx.Err())
				return
			}
			if _, err := pw.Write([]byte(s.raw)); err != nil {
				return
			}
		}
		if o.hang {
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
			return
		}
		_ = pw.Close()
	}()
	return &trackedBody{ReadCloser: pr, closed: &o.closed}, nil
}

var sub = domain.Submission{SessionID: "s1", Content: "hi", Key: "k-1"}

func TestStream_Done_DeliversDeltasInOrder(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(0, "Hel"), chunk(time.Millisecond, "lo"), done(time.Millisecond)}}
	tr := &Stream{Opener: o, FirstChunkTimeout: time.Second}

	var got []string
	res := tr.Run(context.Background(), sub, func(d string) { got = append(got, d) })
	o.wg.Wait()

	require.Equal(t, StreamDone, res.Outcome)
	require.Nil(t, res.Err)
	require.Equal(t, 2, res.Chunks)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, []string{"Hel", "lo"}, got)
	require.Positive(t, res.FirstChunk)
	require.EqualValues(t, 1, o.closed.Load())
}

func TestStream_FirstChunkTimeout_ClosesConnection(t *testing.T) {
	o := &scriptOpener{hang: true}
	tr := &Stream{Opener: o, FirstChunkTimeout: 40 * time.Millisecond}

	start := time.Now()
	res := tr.Run(context.Background(), sub, nil)
	o.wg.Wait()

	require.Equal(t, StreamTimedOut, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrTimeout)
	require.Equal(t, domain.ModeStream, res.Err.Mode)
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, o.closed.Load())
}

func TestStream_EmptyDeltaDoesNotSatisfyTimeout(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(0, ""), chunk(time.Millisecond, "")}, hang: true}
	tr := &Stream{Opener: o, FirstChunkTimeout: 40 * time.Millisecond}

	res := tr.Run(context.Background(), sub, func(string) { t.Fatal("empty delta surfaced") })
	o.wg.Wait()

	require.Equal(t, StreamTimedOut, res.Outcome)
	require.Zero(t, res.Chunks)
}

func TestStream_ChunkBeforeTimeout_SlowTailStillSucceeds(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(5*time.Millisecond, "a"), chunk(60*time.Millisecond, "b"), done(30 * time.Millisecond)}}
	tr := &Stream{Opener: o, FirstChunkTimeout: 40 * time.Millisecond}

	res := tr.Run(context.Background(), sub, nil)
	o.wg.Wait()

	require.Equal(t, StreamDone, res.Outcome)
	require.Equal(t, "ab", res.Text)
}

func TestStream_ErrorFrame(t *testing.T) {
	cases := []struct {
		name    string
		steps   []step
		outcome StreamOutcome
		chunks  int
		msg     string
	}{
		{"before chunks", []step{errFrame(0, "model down")}, StreamFailedBeforeChunks, 0, "model down"},
		{"after chunks", []step{chunk(0, "par"), errFrame(time.Millisecond, "")}, StreamFailedAfterChunks, 1, "stream error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := &scriptOpener{steps: tc.steps, hang: true}
			res := (&Stream{Opener: o, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)
			o.wg.Wait()

			require.Equal(t, tc.outcome, res.Outcome)
			require.Equal(t, tc.chunks, res.Chunks)
			require.ErrorIs(t, res.Err, domain.ErrStreamProtocol)
			require.Equal(t, tc.msg, res.Err.Reason())
		})
	}
}

func TestStream_EOFWithoutDone_IsProtocolError(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(0, "x")}}
	res := (&Stream{Opener: o, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)
	o.wg.Wait()

	require.Equal(t, StreamFailedAfterChunks, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrStreamProtocol)
	require.Equal(t, "stream ended without done", res.Err.Reason())
	require.Equal(t, "x", res.Text)
}

func TestStream_TrailingDoneWithoutBlankLine(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(0, "x"), {0, "event: done\ndata: {}"}}}
	res := (&Stream{Opener: o, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)
	o.wg.Wait()

	require.Equal(t, StreamDone, res.Outcome)
}

func TestStream_OpenFailure_BeforeChunks(t *testing.T) {
	o := &scriptOpener{openErr: &domain.Error{Kind: domain.KindServer, Status: 429, Message: "busy"}}
	res := (&Stream{Opener: o, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)

	require.Equal(t, StreamFailedBeforeChunks, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrServer)
	require.Equal(t, domain.ModeStream, res.Err.Mode)
	require.Equal(t, 429, res.Err.Status)
}

func TestStream_Cancel_ReleasesConnection(t *testing.T) {
	o := &scriptOpener{steps: []step{chunk(0, "a")}, hang: true}
	ctx, cancel := context.WithCancel(context.Background())

	first := make(chan struct{})
	var once sync.Once
	go func() {
		<-first
		cancel()
	}()
	res := (&Stream{Opener: o, FirstChunkTimeout: time.Second}).Run(ctx, sub, func(string) { once.Do(func() { close(first) }) })
	o.wg.Wait()

	require.Equal(t, StreamCanceled, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrCanceled)
	require.EqualValues(t, 1, o.closed.Load())
}

func TestStream_AgainstBackend(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StreamSteps = []backendtest.StreamStep{
		backendtest.Chunk(0, "He"),
		backendtest.Chunk(time.Millisecond, "y"),
		backendtest.Done(time.Millisecond),
	}
	c := backend.New(backend.Options{BaseURL: srv.URL, Prefix: backendtest.Prefix})

	res := (&Stream{Opener: c, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)
	require.Equal(t, StreamDone, res.Outcome)
	require.Equal(t, "Hey", res.Text)

	calls := srv.Calls("/messages/stream")
	require.Len(t, calls, 1)
	require.Equal(t, "k-1", calls[0].Key)
}

func TestStream_AgainstBackend_Rejected(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StreamStatus = 503
	c := backend.New(backend.Options{BaseURL: srv.URL, Prefix: backendtest.Prefix})

	res := (&Stream{Opener: c, FirstChunkTimeout: time.Second}).Run(context.Background(), sub, nil)
	require.Equal(t, StreamFailedBeforeChunks, res.Outcome)
	require.True(t, errors.Is(res.Err, domain.ErrServer))
	require.True(t, strings.Contains(res.Err.Reason(), "stream rejected"))
}

func TestStreamOutcome_String(t *testing.T) {
	require.Equal(t, "timed_out", StreamTimedOut.String())
	require.Equal(t, "unknown", StreamOutcome(42).String())
}
