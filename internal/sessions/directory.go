// Package sessions keeps the session metadata (title, recency, model) that
// chat UIs list next to a conversation. The Directory is refreshed from the
// backend after every delivered submission; when the backend has no title
// yet, one is derived from the first prompt sent in that session.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"github.com/tbourn/go-chat-relay/internal/backend"
)

// DefaultLimit is the number of sessions requested per refresh.
const DefaultLimit = 30

// Lister fetches session metadata, newest first.
type Lister interface {
	ListSessions(ctx context.Context, limit int) ([]backend.SessionInfo, error)
}

// Session is one directory entry.
type Session struct {
	ID        string    `json:"session_id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Derived is true when Title was built locally from the first prompt.
	Derived bool `json:"title_derived"`
}

// Directory caches session metadata. It implements the delivery observer
// interface through SessionUpdated.
type Directory struct {
	Source      Lister
	Limit       int
	TitleLocale language.Tag
	TitleMaxLen int
	Logger      *zerolog.Logger

	mu        sync.RWMutex
	sessions  []Session
	prompts   map[string]string
	refreshed time.Time
}

func (d *Directory) logger() *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &log.Logger
}

// NotePrompt remembers the first prompt sent in a session so a title can be
// derived for it. Later prompts are ignored.
func (d *Directory) NotePrompt(sessionID, prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prompts == nil {
		d.prompts = map[string]string{}
	}
	if _, seen := d.prompts[sessionID]; !seen {
		d.prompts[sessionID] = prompt
	}
}

// SessionUpdated refreshes the directory after a delivered submission.
// Failures are logged and otherwise ignored.
func (d *Directory) SessionUpdated(ctx context.Context, sessionID string) {
	if _, err := d.Refresh(ctx); err != nil {
		d.logger().Warn().Err(err).Str("session_id", sessionID).Msg("session refresh failed")
		d.touch(sessionID)
	}
}

// Refresh replaces the cached entries with the backend's list and returns a
// copy of it. Sessions known locally but missing from the backend page are
// kept.
func (d *Directory) Refresh(ctx context.Context) ([]Session, error) {
	limit := d.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	infos, err := d.Source.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool, len(infos))
	next := make([]Session, 0, len(infos)+len(d.sessions))
	for _, in := range infos {
		seen[in.SessionID] = true
		next = append(next, d.entryLocked(in))
	}
	for _, s := range d.sessions {
		if !seen[s.ID] {
			next = append(next, s)
		}
	}
	sortByRecency(next)
	d.sessions = next
	d.refreshed = time.Now()
	return append([]Session(nil), next...), nil
}

func (d *Directory) entryLocked(in backend.SessionInfo) Session {
	s := Session{
		ID:        in.SessionID,
		Title:     in.Title,
		Provider:  in.Provider,
		Model:     in.Model,
		CreatedAt: in.CreatedAt,
		UpdatedAt: in.UpdatedAt,
	}
	if IsPlaceholderTitle(s.Title) {
		if t := DeriveTitle(d.prompts[s.ID], d.TitleLocale, d.TitleMaxLen); t != "" {
			s.Title = t
			s.Derived = true
		}
	}
	return s
}

// touch bumps a session's recency locally when the backend is unreachable.
func (d *Directory) touch(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	for i := range d.sessions {
		if d.sessions[i].ID == sessionID {
			d.sessions[i].UpdatedAt = now
			sortByRecency(d.sessions)
			return
		}
	}
	s := d.entryLocked(backend.SessionInfo{SessionID: sessionID, CreatedAt: now, UpdatedAt: now})
	d.sessions = append(d.sessions, s)
	sortByRecency(d.sessions)
}

// List returns the cached entries, most recently updated first.
func (d *Directory) List() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Session(nil), d.sessions...)
}

// Get returns one cached entry.
func (d *Directory) Get(sessionID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.ID == sessionID {
			return s, true
		}
	}
	return Session{}, false
}

// RefreshedAt returns the time of the last successful refresh.
func (d *Directory) RefreshedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refreshed
}

func sortByRecency(s []Session) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].UpdatedAt.After(s[j].UpdatedAt) })
}
