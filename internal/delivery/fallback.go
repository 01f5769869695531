package delivery

import (
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/transport"
)

// FallbackPolicy selects which early stream failures are recovered by the
// async transport. The zero value keeps the historical behavior.
type FallbackPolicy int

const (
	// FallbackEarlyFailure falls back on the first-chunk timeout and on any
	// stream failure that happened before a chunk was delivered, including
	// an immediate rejection of the stream request.
	FallbackEarlyFailure FallbackPolicy = iota
	// FallbackTimeoutOnly falls back on the first-chunk timeout only; other
	// early stream failures end the submission.
	FallbackTimeoutOnly
)

func (p FallbackPolicy) String() string {
	if p == FallbackTimeoutOnly {
		return "timeout_only"
	}
	return "early_failure"
}

// AttemptResult is the typed summary of one finished transport attempt.
type AttemptResult struct {
	Mode domain.Mode
	// Stream is meaningful only when Mode is stream.
	Stream    transport.StreamOutcome
	Chunks    int
	Reply     string
	MessageID int64
	JobID     string
	Err       *domain.Error
}

// FallbackFor decides the next transport for a finished attempt. It returns
// false when the attempt is terminal for its submission: it succeeded, it
// was canceled, it already ran on async, or a stream failed after chunks
// became visible.
func FallbackFor(policy FallbackPolicy, r AttemptResult) (domain.Mode, bool) {
	if r.Err == nil || r.Err.Kind == domain.KindCanceled {
		return "", false
	}
	switch r.Mode {
	case domain.ModeSync:
		return domain.ModeAsync, true
	case domain.ModeStream:
		switch r.Stream {
		case transport.StreamTimedOut:
			return domain.ModeAsync, true
		case transport.StreamFailedBeforeChunks:
			if policy == FallbackEarlyFailure {
				return domain.ModeAsync, true
			}
		}
	}
	return "", false
}
