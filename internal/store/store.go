package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the ID.
	ErrNotFound = errors.New("record not found")
	// ErrExpired is returned when the record exists but has expired.
	ErrExpired = errors.New("record expired")
)

// Default lifetimes, overridable per store.
const (
	DefaultSessionTTL = 15 * time.Minute
	DefaultTGTTTL     = 8 * time.Hour
)

// SessionStore creates, retrieves and persists sessions. Persist must be
// atomic: a successful Persist is visible to the next Get for the same ID.
type SessionStore interface {
	Create(requestorID string) (*Session, error)
	Get(id string) (*Session, error)
	Persist(s *Session) error
}

// TGTStore creates, retrieves and persists ticket-granting tickets with the
// same atomicity contract as SessionStore. FindByUser supports inbound
// logout, where the peer identifies the principal rather than the ticket.
type TGTStore interface {
	Create(user User) (*TGT, error)
	Get(id string) (*TGT, error)
	FindByUser(userID string) (*TGT, error)
	Persist(t *TGT) error
}
