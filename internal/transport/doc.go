// Package transport implements the three delivery transports the backend
// offers: a one-shot synchronous request, a server-streamed reply with a
// first-chunk timeout, and a fire-and-forget job polled until it reaches a
// terminal status.
//
// Each transport runs one attempt and reports a typed result; none of them
// retries or falls back. That policy belongs to the delivery orchestrator.
// All of them block until the attempt ends and honor context cancellation,
// releasing sockets and timers before they return.
package transport

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/domain"
)

// StreamOpener opens the streaming endpoint for a submission.
type StreamOpener interface {
	OpenStream(ctx context.Context, sub domain.Submission) (io.ReadCloser, error)
}

// JobQueue enqueues submissions as background jobs and reports their status.
type JobQueue interface {
	EnqueueJob(ctx context.Context, sub domain.Submission) (string, error)
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
}

// Sender performs the synchronous round trip.
type Sender interface {
	Send(ctx context.Context, sub domain.Submission) (backend.SyncReply, error)
}

func loggerOr(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	return &log.Logger
}
