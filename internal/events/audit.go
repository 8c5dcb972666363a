package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is a single audit record. Security rejections and terminal user
// events both flow through here so operators see one ordered stream.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Requestor string         `json:"requestor,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserEvent UserEvent      `json:"user_event,omitempty"`
	Security  RequestorEvent `json:"security_event,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Remote    string         `json:"remote,omitempty"`
}

// Auditor records requestor security events and user events, writing them to
// the structured log and re-publishing them to any attached live stream.
type Auditor struct {
	log *zap.Logger

	mu      sync.RWMutex
	history []Entry
	max     int
	sinks   []func(Entry)
}

// NewAuditor creates an auditor keeping at most max entries of history for
// late-joining stream clients.
func NewAuditor(log *zap.Logger, max int) *Auditor {
	if max <= 0 {
		max = 256
	}
	return &Auditor{log: log, max: max}
}

// Subscribe attaches a sink invoked for every recorded entry. Sinks must not
// block; the hub hands entries to buffered channels.
func (a *Auditor) Subscribe(sink func(Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// History returns a copy of the retained entries, oldest first.
func (a *Auditor) History() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, len(a.history))
	copy(out, a.history)
	return out
}

// Security records a requestor security event.
func (a *Auditor) Security(requestor, sessionID, remote string, event RequestorEvent, detail string) {
	a.log.Warn("requestor security event",
		zap.String("requestor", requestor),
		zap.String("session_id", sessionID),
		zap.String("requestor_event", string(event)),
		zap.String("detail", detail),
		zap.String("remote", remote),
	)
	a.record(Entry{
		Requestor: requestor,
		SessionID: sessionID,
		Security:  event,
		Detail:    detail,
		Remote:    remote,
	})
}

// User records a terminal or intermediate user event for a session.
func (a *Auditor) User(requestor, sessionID string, event UserEvent, detail string) {
	a.log.Info("user event",
		zap.String("requestor", requestor),
		zap.String("session_id", sessionID),
		zap.String("user_event", string(event)),
		zap.String("detail", detail),
	)
	a.record(Entry{
		Requestor: requestor,
		SessionID: sessionID,
		UserEvent: event,
		Detail:    detail,
	})
}

func (a *Auditor) record(e Entry) {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()

	a.mu.Lock()
	a.history = append(a.history, e)
	if len(a.history) > a.max {
		a.history = a.history[len(a.history)-a.max:]
	}
	sinks := make([]func(Entry), len(a.sinks))
	copy(sinks, a.sinks)
	a.mu.Unlock()

	for _, sink := range sinks {
		sink(e)
	}
}
