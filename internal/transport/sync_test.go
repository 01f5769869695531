package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/backend/backendtest"
	"github.com/tbourn/go-chat-relay/internal/domain"
)

type senderFunc func(context.Context, domain.Submission) (backend.SyncReply, error)

func (f senderFunc) Send(ctx context.Context, s domain.Submission) (backend.SyncReply, error) {
	return f(ctx, s)
}

func TestSync_OneRoundTrip(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SyncReply = "pong"
	c := backend.New(backend.Options{BaseURL: srv.URL, Prefix: backendtest.Prefix})

	got, err := (&Sync{Sender: c}).Send(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, "pong", got.Reply)
	require.Len(t, srv.Calls("/messages"), 1)
}

func TestSync_NoRetryOnServerError(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SyncStatus = 500
	c := backend.New(backend.Options{BaseURL: srv.URL, Prefix: backendtest.Prefix})

	_, err := (&Sync{Sender: c}).Send(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrServer)

	var de *domain.Error
	require.True(t, errors.As(err, &de))
	require.Equal(t, domain.ModeSync, de.Mode)
	require.Equal(t, "failed to send message", de.Reason())
	require.Len(t, srv.Calls("/messages"), 1)
}

func TestSync_UnclassifiedErrorIsNetwork(t *testing.T) {
	s := &Sync{Sender: senderFunc(func(context.Context, domain.Submission) (backend.SyncReply, error) {
		return backend.SyncReply{}, errors.New("dial tcp: refused")
	})}
	_, err := s.Send(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestSync_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Sync{Sender: senderFunc(func(ctx context.Context, _ domain.Submission) (backend.SyncReply, error) {
		return backend.SyncReply{}, ctx.Err()
	})}
	_, err := s.Send(ctx, sub)
	require.ErrorIs(t, err, domain.ErrCanceled)
}
