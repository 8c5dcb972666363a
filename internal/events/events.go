package events

import (
	"fmt"
	"net/http"
)

// UserEvent is a terminal or intermediate outcome of a protocol step, fed
// back into the session state machine and ultimately rendered by the caller.
type UserEvent string

const (
	UserEventAuthnMethodSuccessful UserEvent = "authn.method.successful"
	UserEventAuthnMethodFailed     UserEvent = "authn.method.failed"
	UserEventAuthnMethodInProgress UserEvent = "authn.method.in_progress"
	UserEventUserLoggedOut         UserEvent = "user.logged_out"
	UserEventUserLogoutPartially   UserEvent = "user.logout.partial"
	UserEventUserLogoutFailed      UserEvent = "user.logout.failed"
	UserEventUserCancelled         UserEvent = "user.cancelled"
	UserEventUserUnknown           UserEvent = "user.unknown"
	UserEventInternalError         UserEvent = "internal.error"
)

// RequestorEvent classifies a security rejection for the audit trail. These
// are distinct from internal errors: they describe peer behaviour, not bugs.
type RequestorEvent string

const (
	RequestorEventRequestInvalid    RequestorEvent = "request.invalid"
	RequestorEventSignatureInvalid  RequestorEvent = "signature.invalid"
	RequestorEventIssuerUnknown     RequestorEvent = "issuer.unknown"
	RequestorEventIssuerDisabled    RequestorEvent = "issuer.disabled"
	RequestorEventMessageStale      RequestorEvent = "message.stale"
	RequestorEventConditionsFailed  RequestorEvent = "conditions.failed"
	RequestorEventSessionMismatch   RequestorEvent = "session.mismatch"
	RequestorEventArtifactUnknown   RequestorEvent = "artifact.unknown"
	RequestorEventBindingUnknown    RequestorEvent = "binding.unknown"
	RequestorEventAuthzFailed       RequestorEvent = "authorization.failed"
)

// Kind partitions rejections by how they surface to the transport layer.
type Kind int

const (
	// KindDecode covers malformed or unrecognized inbound traffic. Expected
	// from adversarial clients; surfaced as 400 and logged at debug.
	KindDecode Kind = iota
	// KindSecurity covers signature, issuer, freshness and correlation
	// failures. Surfaced as 400/403 and recorded as a requestor event.
	KindSecurity
	// KindForbidden is a security failure that maps to 403 rather than 400.
	KindForbidden
	// KindInternal covers unexpected faults and misconfiguration.
	KindInternal
)

// Reject is the typed rejection returned by the validation pipeline. It
// carries the transport classification and the audit event together so
// callers never have to re-derive either.
type Reject struct {
	Kind  Kind
	Event RequestorEvent
	Msg   string
	Cause error
}

func (r *Reject) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Event, r.Msg, r.Cause)
	}
	return fmt.Sprintf("%s: %s", r.Event, r.Msg)
}

func (r *Reject) Unwrap() error { return r.Cause }

// HTTPStatus maps the rejection kind onto the wire status.
func (r *Reject) HTTPStatus() int {
	switch r.Kind {
	case KindDecode, KindSecurity:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Decodef builds a decode-class rejection.
func Decodef(event RequestorEvent, format string, args ...interface{}) *Reject {
	return &Reject{Kind: KindDecode, Event: event, Msg: fmt.Sprintf(format, args...)}
}

// Securityf builds a security-class rejection.
func Securityf(event RequestorEvent, format string, args ...interface{}) *Reject {
	return &Reject{Kind: KindSecurity, Event: event, Msg: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a security-class rejection surfaced as 403.
func Forbiddenf(event RequestorEvent, format string, args ...interface{}) *Reject {
	return &Reject{Kind: KindForbidden, Event: event, Msg: fmt.Sprintf(format, args...)}
}

// Internalf builds an internal-error rejection. These indicate bugs or
// misconfiguration, not peer behaviour.
func Internalf(format string, args ...interface{}) *Reject {
	return &Reject{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause.
func (r *Reject) Wrap(err error) *Reject {
	r.Cause = err
	return r
}
