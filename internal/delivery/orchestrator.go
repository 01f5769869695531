// Package delivery turns a user send action into exactly one terminal
// outcome. The Orchestrator picks the caller's primary transport (sync or
// stream), applies the fallback rule to async when the primary cannot
// deliver, reconciles history after success, and notifies a session
// observer. Every attempt serving a submission carries the same
// idempotency key.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/transport"
)

const observerTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrPrimaryMode is returned when a caller selects async (or an unknown
	// mode) as the entry transport.
	ErrPrimaryMode = errors.New("primary mode must be sync or stream")
)

// StreamRunner runs one stream attempt.
type StreamRunner interface {
	Run(ctx context.Context, sub domain.Submission, onDelta func(string)) transport.StreamResult
}

// AsyncRunner runs one enqueue-and-poll attempt.
type AsyncRunner interface {
	Run(ctx context.Context, sub domain.Submission) transport.AsyncResult
}

// SyncSender runs one synchronous attempt.
type SyncSender interface {
	Send(ctx context.Context, sub domain.Submission) (backend.SyncReply, error)
}

// Reconciler replaces the conversation log with the backend's authoritative
// history and returns it.
type Reconciler interface {
	Reload(ctx context.Context) ([]domain.Message, error)
}

// Observer is notified after a submission succeeded. Notification is
// best-effort and never affects the outcome.
type Observer interface {
	SessionUpdated(ctx context.Context, sessionID string)
}

// AttemptRecorder persists one ledger row per transport attempt.
type AttemptRecorder interface {
	Begin(ctx context.Context, a *domain.Attempt) error
	Finish(ctx context.Context, a *domain.Attempt) error
}

// Request is one send action.
type Request struct {
	SessionID string
	Content   string
	// Mode is the primary transport: sync or stream.
	Mode domain.Mode
	// Key, when non-empty, is adopted instead of minting a new one.
	Key string
	// OnDelta receives streamed deltas in order. May be nil.
	OnDelta func(string)
}

// Orchestrator drives submissions for one conversation slot. At most one
// submission is active; starting another cancels it first.
//
// Sync, Stream, Async and Reconciler are required. Observer, Recorder and
// Logger are optional.
type Orchestrator struct {
	Sync       SyncSender
	Stream     StreamRunner
	Async      AsyncRunner
	Reconciler Reconciler
	Observer   Observer
	Recorder   AttemptRecorder
	Keys       *KeyManager
	Policy     FallbackPolicy
	Logger     *zerolog.Logger

	mu     sync.Mutex
	active *AttemptHandle
	closed bool
}

func (o *Orchestrator) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.Logger
}

// Start begins delivering req and returns immediately. Any active submission
// is canceled, and its resources released, before the new one starts.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*AttemptHandle, error) {
	if !req.Mode.Primary() {
		return nil, ErrPrimaryMode
	}
	key, err := o.Keys.Adopt(req.Key)
	if err != nil {
		return nil, err
	}
	sub := domain.Submission{SessionID: req.SessionID, Content: req.Content, Key: key}

	o.mu.Lock()
	for {
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		prev := o.active
		if prev == nil {
			break
		}
		o.mu.Unlock()
		o.logger().Info().
			Str("session_id", prev.SessionID()).
			Str("key", prev.Key()).
			Str("superseded_by", key).
			Msg("superseding active submission")
		prev.Cancel()
		o.mu.Lock()
	}
	actx, cancel := context.WithCancel(ctx)
	h := newHandle(sub, req.Mode, cancel)
	o.active = h
	o.mu.Unlock()

	go o.run(actx, h, sub, req.Mode, req.OnDelta)
	return h, nil
}

// Submit delivers req and blocks until its terminal outcome. Canceling ctx
// cancels the submission.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Outcome, error) {
	h, err := o.Start(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	<-h.Done()
	out, _ := h.Outcome()
	return out, nil
}

// Active returns the in-flight submission, or nil when idle.
func (o *Orchestrator) Active() *AttemptHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Cancel aborts the in-flight submission, if any, and waits for it.
func (o *Orchestrator) Cancel() {
	if h := o.Active(); h != nil {
		h.Cancel()
	}
}

// Close cancels the in-flight submission and rejects further ones.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	h := o.active
	o.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (o *Orchestrator) run(ctx context.Context, h *AttemptHandle, sub domain.Submission, mode domain.Mode, onDelta func(string)) {
	lg := o.logger().With().Str("session_id", sub.SessionID).Str("key", sub.Key).Logger()

	tr := otel.Tracer("delivery/Orchestrator")
	ctx, span := tr.Start(ctx, "Deliver",
		trace.WithAttributes(
			attribute.String("session.id", sub.SessionID),
			attribute.String("idempotency.key", sub.Key),
			attribute.String("delivery.primary", string(mode)),
		),
	)

	var out Outcome
	defer func() {
		span.SetAttributes(
			attribute.String("delivery.mode", string(out.Mode)),
			attribute.Int("delivery.attempts", out.Attempts),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Err.Kind))
		}
		span.End()

		h.finish(out)
		o.mu.Lock()
		if o.active == h {
			o.active = nil
		}
		o.mu.Unlock()
		close(h.done)
	}()

	for seq := 1; ; seq++ {
		if seq > 1 {
			h.transition(StateFallingBack, mode)
		}
		row := o.begin(ctx, sub, mode, seq)
		r := o.attempt(ctx, sub, mode, onDelta)
		next, fallback := FallbackFor(o.Policy, r)
		if fallback && ctx.Err() != nil {
			fallback = false
			r.Err = domain.NewError(domain.KindCanceled, mode, "", ctx.Err())
		}
		o.finishRow(ctx, row, r, fallback)

		if r.Err == nil {
			out = o.succeed(ctx, sub, r, seq)
			lg.Info().Str("mode", string(mode)).Int("attempts", seq).Msg("submission delivered")
			return
		}
		if !fallback {
			out = Outcome{
				Status:    StatusFailed,
				Key:       sub.Key,
				SessionID: sub.SessionID,
				Mode:      mode,
				Attempts:  seq,
				Reply:     r.Reply,
				Err:       r.Err,
			}
			if out.Canceled() {
				lg.Debug().Str("mode", string(mode)).Msg("submission canceled")
			} else {
				lg.Warn().Err(r.Err).Str("mode", string(mode)).Int("attempts", seq).Msg("submission failed")
			}
			return
		}

		fallbacksTotal.WithLabelValues(string(mode)).Inc()
		lg.Info().
			Str("from", string(mode)).
			Str("to", string(next)).
			Str("reason", r.Err.Reason()).
			Msg("falling back")
		mode = next
	}
}

func (o *Orchestrator) attempt(ctx context.Context, sub domain.Submission, mode domain.Mode, onDelta func(string)) AttemptResult {
	switch mode {
	case domain.ModeStream:
		res := o.Stream.Run(ctx, sub, onDelta)
		if res.FirstChunk > 0 {
			firstChunkSeconds.Observe(res.FirstChunk.Seconds())
		}
		return AttemptResult{Mode: mode, Stream: res.Outcome, Chunks: res.Chunks, Reply: res.Text, Err: res.Err}
	case domain.ModeSync:
		reply, err := o.Sync.Send(ctx, sub)
		return AttemptResult{Mode: mode, Reply: reply.Reply, MessageID: reply.MessageID, Err: domain.AsError(err, mode)}
	default:
		res := o.Async.Run(ctx, sub)
		return AttemptResult{Mode: domain.ModeAsync, JobID: res.JobID, Err: res.Err}
	}
}

// succeed reconciles history and notifies the observer. A failed reload
// does not demote the outcome: the backend accepted the submission, so the
// transport's reply text is reported instead of the reconciled message.
func (o *Orchestrator) succeed(ctx context.Context, sub domain.Submission, r AttemptResult, seq int) Outcome {
	out := Outcome{
		Status:    StatusSucceeded,
		Key:       sub.Key,
		SessionID: sub.SessionID,
		Mode:      r.Mode,
		Attempts:  seq,
		Reply:     r.Reply,
	}
	if o.Reconciler != nil {
		msgs, err := o.Reconciler.Reload(ctx)
		if err != nil {
			o.logger().Warn().Err(err).Str("session_id", sub.SessionID).Msg("history reload after delivery failed")
		} else if m := replyMessage(msgs, r.MessageID); m != nil {
			out.Message = m
			out.Reply = m.Content
		}
	}
	// The observer shares the handle's context: canceling a submission that
	// already succeeded cuts the notification short instead of waiting out
	// observerTimeout.
	if o.Observer != nil && ctx.Err() == nil {
		octx, cancel := context.WithTimeout(ctx, observerTimeout)
		o.Observer.SessionUpdated(octx, sub.SessionID)
		cancel()
	}
	return out
}

// replyMessage finds the assistant reply in a reconciled log: by id when the
// transport reported one, otherwise the newest assistant message.
func replyMessage(msgs []domain.Message, id int64) *domain.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if id > 0 && m.ID == id {
			return &m
		}
		if id == 0 && m.Role == domain.RoleAssistant {
			return &m
		}
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, sub domain.Submission, mode domain.Mode, seq int) *domain.Attempt {
	if o.Recorder == nil {
		return nil
	}
	row := &domain.Attempt{
		ID:        uuid.NewString(),
		Key:       sub.Key,
		SessionID: sub.SessionID,
		Seq:       seq,
		Mode:      mode,
		Outcome:   domain.OutcomePending,
		StartedAt: time.Now().UTC(),
	}
	if err := o.Recorder.Begin(context.WithoutCancel(ctx), row); err != nil {
		o.logger().Warn().Err(err).Str("session_id", sub.SessionID).Str("key", sub.Key).Msg("ledger begin failed")
		return nil
	}
	return row
}

func (o *Orchestrator) finishRow(ctx context.Context, row *domain.Attempt, r AttemptResult, fellBack bool) {
	outcome := ledgerOutcome(r, fellBack)
	attemptsTotal.WithLabelValues(string(r.Mode), outcome).Inc()
	if row == nil {
		return
	}
	now := time.Now().UTC()
	row.Outcome = outcome
	row.Chunks = r.Chunks
	row.MessageID = r.MessageID
	row.FinishedAt = &now
	if r.Err != nil {
		row.Error = r.Err.Error()
	}
	if err := o.Recorder.Finish(context.WithoutCancel(ctx), row); err != nil {
		o.logger().Warn().Err(err).Str("session_id", row.SessionID).Str("key", row.Key).Msg("ledger finish failed")
	}
}

func ledgerOutcome(r AttemptResult, fellBack bool) string {
	switch {
	case r.Err == nil:
		return domain.OutcomeSucceeded
	case fellBack:
		return domain.OutcomeFellBack
	case r.Err.Kind == domain.KindCanceled:
		return domain.OutcomeCanceled
	}
	return domain.OutcomeFailed
}
