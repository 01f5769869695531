// Package domain defines the core types of the delivery relay: submissions,
// conversation messages, background jobs, stream frames, and the attempt
// ledger row persisted with GORM. They are shared by the transport,
// delivery, history, repository, and HTTP layers.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Mode is the delivery transport serving a submission.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeStream Mode = "stream"
	ModeAsync  Mode = "async"
)

// ParseMode normalizes s into a Mode. The original client called the sync
// transport "full", so that spelling is accepted as well.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "full":
		return ModeSync, true
	case "stream":
		return ModeStream, true
	case "async":
		return ModeAsync, true
	}
	return "", false
}

// Primary reports whether m may be selected by a caller as the entry mode.
// Async only ever serves as a fallback.
func (m Mode) Primary() bool { return m == ModeSync || m == ModeStream }

// Submission is one user send action. It is created once and the same Key is
// carried by every transport attempt made on its behalf.
type Submission struct {
	SessionID string
	Content   string
	Key       string
}

// Message is a single entry of a conversation log. Identity is ID; ordering
// is ascending by ID.
//
// Fields:
//   - ID: monotonic identifier assigned by the backend.
//   - SessionID: owning conversation.
//   - Role: "user", "assistant" or "system".
//   - Content: full text.
//   - CreatedAt: backend timestamp.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobFailed }

func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobRunning:
		return 1
	case JobSucceeded, JobFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a job observed in status from may next be
// observed in status to. Terminal states never change and no state moves
// backwards (e.g. running -> queued).
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return from == to
	}
	if to.rank() < 0 {
		return false
	}
	return to.rank() >= from.rank()
}

// Job is the backend's view of an async delivery.
type Job struct {
	ID     string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Event names carried on the streaming endpoint.
const (
	EventChunk = "chunk"
	EventError = "error"
	EventDone  = "done"
)

// StreamFrame is one blank-line-delimited record decoded from the streaming
// endpoint. It is transient and never stored.
type StreamFrame struct {
	Event   string
	Payload json.RawMessage
}

// FrameKind tags a ParsedFrame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameChunk
	FrameError
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameError:
		return "error"
	case FrameDone:
		return "done"
	}
	return "unknown"
}

// ParsedFrame is the validated form of a StreamFrame. Only the field that
// matches Kind is meaningful: Delta for chunks, Message for errors.
type ParsedFrame struct {
	Kind    FrameKind
	Delta   string
	Message string
}
