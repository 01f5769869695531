package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/services"
)

// Exit codes.
const (
	exitError    = 1
	exitFailed   = 2 // delivery ended in failure
	exitCanceled = 3
)

// deliveryError reports a submission that ended failed.
type deliveryError struct {
	out delivery.Outcome
}

func (e *deliveryError) Error() string {
	if e.out.Err == nil {
		return "delivery failed"
	}
	return fmt.Sprintf("delivery failed (key %s): %s", e.out.Key, e.out.Err.Error())
}

func exitCode(err error) int {
	var de *deliveryError
	if errors.As(err, &de) {
		if de.out.Canceled() {
			return exitCanceled
		}
		return exitFailed
	}
	return exitError
}

type sendOptions struct {
	session string
	mode    string
	key     string
	timeout time.Duration
	asJSON  bool
}

func newSendCmd() *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Deliver one message and print the reply",
		Long: `send delivers one message to the backend using the primary transport
(--mode, default DEFAULT_MODE) and falls back to the job queue when the
primary fails early. Streamed text is printed as it arrives.

Reusing --key with the same session never creates a second submission
upstream; the backend deduplicates on it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return runSend(cmd.Context(), svc, o, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.session, "session", "s", "", "session id (required)")
	f.StringVarP(&o.mode, "mode", "m", "", "primary transport: stream or sync")
	f.StringVar(&o.key, "key", "", "idempotency key to reuse (default: a new UUID)")
	f.DurationVar(&o.timeout, "timeout", 5*time.Minute, "give up after this long")
	f.BoolVar(&o.asJSON, "json", false, "print the outcome as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// lockedWriter serializes delta writes from the transport goroutine with the
// final outcome write.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func (l *lockedWriter) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := io.WriteString(l.w, s)
	l.n += n
}

func (l *lockedWriter) wrote() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n > 0
}

type outcomeJSON struct {
	Status    delivery.Status `json:"status"`
	Key       string          `json:"key"`
	SessionID string          `json:"session_id"`
	Mode      domain.Mode     `json:"mode"`
	Attempts  int             `json:"attempts"`
	Reply     string          `json:"reply,omitempty"`
	MessageID int64           `json:"message_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind domain.Kind     `json:"error_kind,omitempty"`
}

func runSend(ctx context.Context, svc *services.ConversationService, o sendOptions, text string, out io.Writer) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	lw := &lockedWriter{w: out}
	req := services.SendRequest{SessionID: o.session, Content: text, Mode: o.mode, Key: o.key}
	if !o.asJSON {
		req.OnDelta = lw.write
	}

	res, err := svc.Send(ctx, req)
	if err != nil {
		return err
	}

	if o.asJSON {
		oj := outcomeJSON{
			Status:    res.Status,
			Key:       res.Key,
			SessionID: res.SessionID,
			Mode:      res.Mode,
			Attempts:  res.Attempts,
			Reply:     res.Reply,
		}
		if res.Message != nil {
			oj.MessageID = res.Message.ID
		}
		if res.Err != nil {
			oj.Error = res.Err.Error()
			oj.ErrorKind = res.Err.Kind
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(oj); err != nil {
			return err
		}
	} else if res.Succeeded() {
		// Streamed text is already on screen; a reply from sync or a job
		// fallback is printed whole.
		if !lw.wrote() {
			lw.write(res.Reply)
		}
		lw.write("\n")
	}

	if !res.Succeeded() {
		return &deliveryError{out: res}
	}
	return nil
}
