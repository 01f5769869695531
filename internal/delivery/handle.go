package delivery

import (
	"context"
	"sync"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// State is the orchestrator state of one submission.
type State string

const (
	StateAttempting  State = "attempting"
	StateFallingBack State = "falling_back"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Status is the terminal status of a submission.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome is the single terminal result of a submission. Err is set only
// when Status is failed and is always a classified *domain.Error.
type Outcome struct {
	Status    Status
	Key       string
	SessionID string
	// Mode is the transport that produced the terminal result.
	Mode     domain.Mode
	Attempts int
	// Message is the reconciled assistant message, when history reload
	// found it.
	Message *domain.Message
	Reply   string
	Err     *domain.Error
}

// Succeeded reports whether the submission was delivered.
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// Canceled reports whether the submission ended by cancellation.
func (o Outcome) Canceled() bool {
	return o.Err != nil && o.Err.Kind == domain.KindCanceled
}

// AttemptHandle is the orchestrator's handle on one submission in flight.
// It owns the submission's context; Cancel releases every resource the
// active transport holds (connection, first-chunk timer, poll ticker) and
// returns once they are released.
type AttemptHandle struct {
	key       string
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	state   State
	mode    domain.Mode
	outcome Outcome
}

func newHandle(sub domain.Submission, mode domain.Mode, cancel context.CancelFunc) *AttemptHandle {
	return &AttemptHandle{
		key:       sub.Key,
		sessionID: sub.SessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateAttempting,
		mode:      mode,
	}
}

// Key returns the idempotency key shared by every attempt of the submission.
func (h *AttemptHandle) Key() string { return h.key }

// SessionID returns the owning session.
func (h *AttemptHandle) SessionID() string { return h.sessionID }

// Mode returns the transport currently (or finally) serving the submission.
func (h *AttemptHandle) Mode() domain.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// State returns the current state.
func (h *AttemptHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the submission reached its terminal outcome and all of
// its resources were released.
func (h *AttemptHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal outcome; ok is false while the submission is
// still in flight.
func (h *AttemptHandle) Outcome() (out Outcome, ok bool) {
	select {
	case <-h.done:
	default:
		return Outcome{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, true
}

// Wait blocks until the submission ends or ctx is done.
func (h *AttemptHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		out, _ := h.Outcome()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel aborts the submission and waits for its resources to be released.
// It is safe to call more than once and after completion.
func (h *AttemptHandle) Cancel() {
	h.cancel()
	<-h.done
}

func (h *AttemptHandle) transition(state State, mode domain.Mode) {
	h.mu.Lock()
	h.state = state
	h.mode = mode
	h.mu.Unlock()
}

func (h *AttemptHandle) finish(out Outcome) {
	h.mu.Lock()
	h.outcome = out
	h.mode = out.Mode
	if out.Succeeded() {
		h.state = StateSucceeded
	} else {
		h.state = StateFailed
	}
	h.mu.Unlock()
}
