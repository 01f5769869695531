package history

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/domain"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 20

// Pager fetches one page of a session's history, newest first. beforeID 0
// requests the newest page.
type Pager interface {
	ListMessages(ctx context.Context, sessionID string, limit int, beforeID int64) (backend.Page, error)
}

// Log is the conversation log of one session. It is safe for concurrent
// use. Network calls run outside the lock; a LoadOlder that races with a
// Reload is discarded so a stale cursor never lands on a fresh log.
type Log struct {
	SessionID string
	Source    Pager
	PageSize  int
	Logger    *zerolog.Logger

	mu     sync.Mutex
	msgs   []domain.Message
	cursor *int64
	loaded bool
	gen    uint64
}

func (l *Log) logger() *zerolog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return &log.Logger
}

func (l *Log) limit() int {
	if l.PageSize > 0 {
		return l.PageSize
	}
	return DefaultPageSize
}

// LoadPage fetches the page strictly older than cursor (0 for the newest
// page). The log is not modified. A nil NextCursor means the end of history.
func (l *Log) LoadPage(ctx context.Context, cursor int64) (backend.Page, error) {
	p, err := l.Source.ListMessages(ctx, l.SessionID, l.limit(), cursor)
	if err != nil {
		return backend.Page{}, err
	}
	for i := range p.Messages {
		if p.Messages[i].SessionID == "" {
			p.Messages[i].SessionID = l.SessionID
		}
	}
	return p, nil
}

// Reload replaces the log with the newest page of authoritative history and
// returns a copy of the result.
func (l *Log) Reload(ctx context.Context) ([]domain.Message, error) {
	p, err := l.LoadPage(ctx, 0)
	if err != nil {
		l.logger().Warn().Err(err).Str("session_id", l.SessionID).Msg("history reload failed")
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.msgs = Merge(nil, p.Messages)
	l.cursor = p.NextCursor
	l.loaded = true
	return append([]domain.Message(nil), l.msgs...), nil
}

// LoadOlder merges the page preceding the oldest loaded message and reports
// how many new messages it added. It is a no-op at the end of history. An
// unloaded log is loaded with Reload first.
func (l *Log) LoadOlder(ctx context.Context) (int, error) {
	l.mu.Lock()
	if !l.loaded {
		l.mu.Unlock()
		msgs, err := l.Reload(ctx)
		return len(msgs), err
	}
	if l.cursor == nil {
		l.mu.Unlock()
		return 0, nil
	}
	cursor, gen := *l.cursor, l.gen
	l.mu.Unlock()

	p, err := l.LoadPage(ctx, cursor)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		l.logger().Debug().Str("session_id", l.SessionID).Msg("discarding older page fetched before a reload")
		return 0, nil
	}
	before := len(l.msgs)
	l.msgs = Merge(l.msgs, p.Messages)
	l.cursor = p.NextCursor
	return len(l.msgs) - before, nil
}

// Messages returns a copy of the log in ascending id order.
func (l *Log) Messages() []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Message(nil), l.msgs...)
}

// Cursor returns the exclusive upper bound for the next older page; ok is
// false at the end of history or before the first load.
func (l *Log) Cursor() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor == nil {
		return 0, false
	}
	return *l.cursor, true
}

// HasMore reports whether older history may exist. It is true before the
// first load.
func (l *Log) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.loaded || l.cursor != nil
}

// Loaded reports whether the log has been loaded at least once.
func (l *Log) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}
