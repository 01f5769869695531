package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/sse"
)

// DefaultFirstChunkTimeout is the wait, from attempt start, for the first
// non-empty delta.
const DefaultFirstChunkTimeout = 8 * time.Second

const defaultReadBuffer = 4 << 10

// StreamOutcome classifies how a stream attempt ended.
type StreamOutcome int

const (
	// StreamDone: a done frame arrived.
	StreamDone StreamOutcome = iota
	// StreamTimedOut: no chunk arrived before the first-chunk timeout.
	StreamTimedOut
	// StreamFailedBeforeChunks: the attempt failed before any delta surfaced.
	StreamFailedBeforeChunks
	// StreamFailedAfterChunks: the attempt failed after at least one delta
	// was handed to the caller.
	StreamFailedAfterChunks
	// StreamCanceled: the caller canceled the attempt.
	StreamCanceled
)

func (o StreamOutcome) String() string {
	switch o {
	case StreamDone:
		return "done"
	case StreamTimedOut:
		return "timed_out"
	case StreamFailedBeforeChunks:
		return "failed_before_chunks"
	case StreamFailedAfterChunks:
		return "failed_after_chunks"
	case StreamCanceled:
		return "canceled"
	}
	return "unknown"
}

// StreamResult is the typed report of one stream attempt.
type StreamResult struct {
	Outcome StreamOutcome
	// Chunks counts non-empty deltas delivered to the caller.
	Chunks int
	// Text is the concatenation of the delivered deltas.
	Text string
	// FirstChunk is the latency of the first delta, zero if none arrived.
	FirstChunk time.Duration
	// Err is nil only for StreamDone.
	Err *domain.Error
}

// first-chunk race states
const (
	raceWaiting int32 = iota
	raceStreaming
	raceTimedOut
)

// Stream runs streaming attempts.
type Stream struct {
	Opener            StreamOpener
	FirstChunkTimeout time.Duration
	ReadBufferSize    int
	Logger            *zerolog.Logger
}

// Run opens the stream for sub and consumes it until a terminal frame, a
// failure, the first-chunk timeout, or cancellation of ctx. onDelta (may be
// nil) receives each non-empty delta synchronously, in order.
//
// The first-chunk timer and the first delta race on a single atomic state:
// whichever claims it first disables the other. A timeout closes the
// connection. Run returns only after the body is closed and the timer is
// stopped.
func (t *Stream) Run(ctx context.Context, sub domain.Submission, onDelta func(string)) StreamResult {
	timeout := t.FirstChunkTimeout
	if timeout <= 0 {
		timeout = DefaultFirstChunkTimeout
	}
	lg := loggerOr(t.Logger).With().
		Str("mode", string(domain.ModeStream)).
		Str("session_id", sub.SessionID).
		Str("key", sub.Key).
		Logger()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var state atomic.Int32
	start := time.Now()
	timer := time.AfterFunc(timeout, func() {
		if state.CompareAndSwap(raceWaiting, raceTimedOut) {
			cancel()
		}
	})
	defer timer.Stop()

	var res StreamResult
	var text strings.Builder

	// claim reports whether the attempt may proceed past the race; false
	// means the timer already won.
	claim := func() bool {
		if state.CompareAndSwap(raceWaiting, raceStreaming) {
			timer.Stop()
			return true
		}
		return state.Load() == raceStreaming
	}

	fail := func(kind domain.Kind, msg string, cause error) StreamResult {
		res.Text = text.String()
		switch {
		case state.Load() == raceTimedOut:
			res.Outcome = StreamTimedOut
			res.Err = domain.NewError(domain.KindTimeout, domain.ModeStream, "no chunk within "+timeout.String(), nil)
			lg.Warn().Dur("timeout", timeout).Msg("stream first-chunk timeout")
		case ctx.Err() != nil:
			res.Outcome = StreamCanceled
			res.Err = domain.NewError(domain.KindCanceled, domain.ModeStream, "", ctx.Err())
		default:
			if res.Chunks > 0 {
				res.Outcome = StreamFailedAfterChunks
			} else {
				res.Outcome = StreamFailedBeforeChunks
			}
			if cause != nil {
				res.Err = domain.AsError(cause, domain.ModeStream)
			} else {
				res.Err = domain.NewError(kind, domain.ModeStream, msg, nil)
			}
			lg.Warn().Err(res.Err).Int("chunks", res.Chunks).Str("outcome", res.Outcome.String()).Msg("stream attempt failed")
		}
		return res
	}

	body, err := t.Opener.OpenStream(attemptCtx, sub)
	if err != nil {
		return fail(domain.KindNetwork, "", err)
	}
	stop := context.AfterFunc(attemptCtx, func() { _ = body.Close() })
	defer func() {
		stop()
		_ = body.Close()
	}()

	// apply consumes parsed frames; it reports whether the stream reached
	// a terminal frame and, if so, the failure (nil for done).
	var failure *StreamResult
	apply := func(frames []domain.StreamFrame) bool {
		for _, f := range frames {
			pf := sse.Parse(f)
			switch pf.Kind {
			case domain.FrameChunk:
				if pf.Delta == "" {
					continue
				}
				if res.Chunks == 0 {
					if !claim() {
						r := fail(domain.KindTimeout, "", nil)
						failure = &r
						return true
					}
					res.FirstChunk = time.Since(start)
				}
				res.Chunks++
				text.WriteString(pf.Delta)
				if onDelta != nil {
					onDelta(pf.Delta)
				}
			case domain.FrameError:
				msg := pf.Message
				if msg == "" {
					msg = "stream error"
				}
				r := fail(domain.KindStreamProtocol, msg, nil)
				failure = &r
				return true
			case domain.FrameDone:
				if !claim() {
					r := fail(domain.KindTimeout, "", nil)
					failure = &r
					return true
				}
				return true
			default:
				lg.Debug().Str("event", f.Event).Msg("ignoring unrecognized frame")
			}
		}
		return false
	}

	size := t.ReadBufferSize
	if size <= 0 {
		size = defaultReadBuffer
	}
	buf := make([]byte, size)
	var parser sse.Parser
	for {
		n, rerr := body.Read(buf)
		if n > 0 && apply(parser.Feed(buf[:n])) {
			break
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if apply(parser.Flush()) {
				break
			}
			return fail(domain.KindStreamProtocol, "stream ended without done", nil)
		}
		return fail(domain.KindNetwork, "", rerr)
	}

	if failure != nil {
		return *failure
	}
	res.Outcome = StreamDone
	res.Text = text.String()
	lg.Debug().Int("chunks", res.Chunks).Dur("first_chunk", res.FirstChunk).Msg("stream done")
	return res
}
