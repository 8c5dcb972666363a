package store

import "time"

// TGT is the long-lived proof of authentication. It is created on the first
// successful authentication and updated as further requestors reuse it.
type TGT struct {
	ID   string `json:"id"`
	User User   `json:"user"`

	// AuthnProfileIDs lists the authentication profiles used, in order.
	AuthnProfileIDs []string `json:"authn_profiles,omitempty"`
	// RequestorIDs lists the requestors that used this TGT, most recent
	// last.
	RequestorIDs []string `json:"requestors,omitempty"`
	// SessionIndexAliases maps requestor ID to the session index issued to
	// it, for SAML logout correlation.
	SessionIndexAliases map[string]string `json:"session_index_aliases,omitempty"`

	Expiry time.Time `json:"expiry"`

	expired bool
}

// Expired reports whether the ticket has passed its expiry.
func (t *TGT) Expired() bool {
	return t.expired || !t.Expiry.After(time.Now())
}

// Expire marks the ticket destroyed; idempotent like session expiry.
func (t *TGT) Expire() bool {
	if t.Expired() {
		return false
	}
	t.expired = true
	t.Expiry = time.Now().Add(-time.Second)
	return true
}

// AttachRequestor appends a requestor to the usage history, moving it to the
// most-recent position when already present.
func (t *TGT) AttachRequestor(requestorID string) {
	for i, id := range t.RequestorIDs {
		if id == requestorID {
			t.RequestorIDs = append(t.RequestorIDs[:i], t.RequestorIDs[i+1:]...)
			break
		}
	}
	t.RequestorIDs = append(t.RequestorIDs, requestorID)
}

// AttachProfile appends an authentication profile if not already recorded.
func (t *TGT) AttachProfile(profileID string) {
	for _, id := range t.AuthnProfileIDs {
		if id == profileID {
			return
		}
	}
	t.AuthnProfileIDs = append(t.AuthnProfileIDs, profileID)
}

// SetAlias records the session index issued to a requestor.
func (t *TGT) SetAlias(requestorID, sessionIndex string) {
	if t.SessionIndexAliases == nil {
		t.SessionIndexAliases = make(map[string]string)
	}
	t.SessionIndexAliases[requestorID] = sessionIndex
}

// Alias returns the session index recorded for a requestor.
func (t *TGT) Alias(requestorID string) (string, bool) {
	v, ok := t.SessionIndexAliases[requestorID]
	return v, ok
}
