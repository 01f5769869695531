package transport

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/domain"
)

// Sync runs one-shot request/response attempts.
type Sync struct {
	Sender Sender
	Logger *zerolog.Logger
}

// Send performs exactly one round trip. The returned error, when non-nil, is
// always a *domain.Error tagged with the sync mode.
func (t *Sync) Send(ctx context.Context, sub domain.Submission) (backend.SyncReply, error) {
	reply, err := t.Sender.Send(ctx, sub)
	if err != nil {
		de := domain.AsError(err, domain.ModeSync)
		if ctx.Err() != nil {
			de = domain.NewError(domain.KindCanceled, domain.ModeSync, "", ctx.Err())
		}
		loggerOr(t.Logger).Warn().Err(de).Str("session_id", sub.SessionID).Str("key", sub.Key).Msg("sync send failed")
		return backend.SyncReply{}, de
	}
	return reply, nil
}
