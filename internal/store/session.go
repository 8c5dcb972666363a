// Package store defines the session and ticket-granting-ticket model and the
// stores that persist them. The protocol core only depends on the interfaces;
// SQLite and in-memory implementations ship with the gateway.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the session lifecycle state driving profile dispatch.
type State int

const (
	StateCreated State = iota
	StateAuthnOK
	StateAuthnFailed
	StateUserCancelled
	StatePreAuthzFailed
	StatePostAuthzFailed
	StateUserBlocked
	StateUserUnknown
	StateUserLogoutInProgress
	StateUserLogoutSuccess
	StateUserLogoutPartial
	StateUserLogoutFailed
)

var stateNames = map[State]string{
	StateCreated:              "created",
	StateAuthnOK:              "authn_ok",
	StateAuthnFailed:          "authn_failed",
	StateUserCancelled:        "user_cancelled",
	StatePreAuthzFailed:       "pre_authz_failed",
	StatePostAuthzFailed:      "post_authz_failed",
	StateUserBlocked:          "user_blocked",
	StateUserUnknown:          "user_unknown",
	StateUserLogoutInProgress: "user_logout_in_progress",
	StateUserLogoutSuccess:    "user_logout_success",
	StateUserLogoutPartial:    "user_logout_partial",
	StateUserLogoutFailed:     "user_logout_failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// User is the authenticated principal carried by a TGT and reconciled
// against sessions.
type User struct {
	ID           string              `json:"id"`
	Organization string              `json:"organization,omitempty"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
}

// Attrs is the typed attribute bag proxied between profiles. Explicit fields
// replace the legacy owner-class + name string namespace.
type Attrs struct {
	// RequestIDPrefix is the fixed-length prefix prepended to the session ID
	// when building an outbound request ID, checked again on the response.
	RequestIDPrefix string `json:"request_id_prefix,omitempty"`
	// IDPID records the identity provider the outbound request targeted;
	// the answering issuer must be the same provider.
	IDPID string `json:"idp_id,omitempty"`
	// TargetURL is where the browser continues after authentication.
	TargetURL string `json:"target_url,omitempty"`
	// RequestedClassRefs proxies the SP's RequestedAuthnContext class refs.
	RequestedClassRefs []string `json:"requested_class_refs,omitempty"`
	// RequestedComparison proxies the RequestedAuthnContext comparison.
	RequestedComparison string `json:"requested_comparison,omitempty"`
	// SessionIndices accumulates assertion session indexes for logout.
	SessionIndices []string `json:"session_indices,omitempty"`
	// AuthnAuthorities accumulates AuthenticatingAuthority values.
	AuthnAuthorities []string `json:"authn_authorities,omitempty"`
	// RelayState echoes the peer's relay state on the return leg.
	RelayState string `json:"relay_state,omitempty"`
}

// Session is an authentication attempt in progress. It is never reused
// across authentications.
type Session struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	RequestorID string    `json:"requestor_id"`
	ForcedUID   string    `json:"forced_uid,omitempty"`
	ForcedAuthn bool      `json:"forced_authn,omitempty"`
	Passive     bool      `json:"passive,omitempty"`
	User        *User     `json:"user,omitempty"`
	TGTID       string    `json:"tgt_id,omitempty"`
	Attrs       Attrs     `json:"attrs"`
	Expiry      time.Time `json:"expiry"`

	expired bool
}

// NewID generates a session or TGT identifier.
func NewID() string { return uuid.NewString() }

// ValidateID enforces the strict opaque-ID format before any store lookup.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("malformed id %q: %w", id, err)
	}
	return nil
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired() bool {
	return s.expired || !s.Expiry.After(time.Now())
}

// Expire marks the session expired. Calling it on an already-expired session
// changes nothing, so expire+persist at every terminal outcome stays
// idempotent.
func (s *Session) Expire() bool {
	if s.Expired() {
		return false
	}
	s.expired = true
	s.Expiry = time.Now().Add(-time.Second)
	return true
}

// SetUser reconciles an asserted identity with the session. A different
// identity than the one already bound is an error.
func (s *Session) SetUser(u User) error {
	if s.User != nil && (s.User.ID != u.ID || s.User.Organization != u.Organization) {
		return fmt.Errorf("asserted user %s@%s does not match session user %s@%s",
			u.ID, u.Organization, s.User.ID, s.User.Organization)
	}
	s.User = &u
	return nil
}
