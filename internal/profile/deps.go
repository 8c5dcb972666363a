// Package profile implements the SAML protocol profiles: web-browser SSO,
// the fixed response endpoint, single logout and artifact resolution. Each
// profile is an independent handler type; shared validation and signing
// logic is injected, not inherited.
package profile

import (
	"crypto/rand"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/saml/trust"
	"github.com/openfed/samlgate/internal/saml/validate"
	"github.com/openfed/samlgate/internal/store"
)

// RequestIDPrefixLength is the fixed length of the request-ID prefix shared
// between request issuance and response parsing. InResponseTo is always
// prefix + session ID.
const RequestIDPrefixLength = 8

const prefixAlphabet = "abcdefghijklmnop"

// NewRequestIDPrefix generates a fresh fixed-length prefix. The alphabet is
// all letters so a request ID is always a valid NCName.
func NewRequestIDPrefix() string {
	b := make([]byte, RequestIDPrefixLength)
	rand.Read(b)
	for i := range b {
		b[i] = prefixAlphabet[int(b[i])%len(prefixAlphabet)]
	}
	return string(b)
}

// BuildInResponseTo joins prefix and session ID into a request ID.
func BuildInResponseTo(prefix, sessionID string) string {
	return prefix + sessionID
}

// ParseInResponseTo splits an InResponseTo into prefix and session ID. A
// value no longer than the prefix cannot embed a session ID and is invalid.
func ParseInResponseTo(inResponseTo string) (prefix, sessionID string, err error) {
	if len(inResponseTo) <= RequestIDPrefixLength {
		return "", "", events.Securityf(events.RequestorEventRequestInvalid,
			"InResponseTo %q too short to carry a session id", inResponseTo)
	}
	return inResponseTo[:RequestIDPrefixLength], inResponseTo[RequestIDPrefixLength:], nil
}

// Config is the profile-level configuration shared by all handlers.
type Config struct {
	// EntityID is the gateway's SAML entity ID.
	EntityID string
	// BaseURL is the externally visible base URL.
	BaseURL string

	// ResponsePath is the fixed response endpoint path.
	ResponsePath string
	// SSOPath is the web-SSO entry point control forwards to.
	SSOPath string
	// ArtifactPath is the SOAP artifact-resolution endpoint path.
	ArtifactPath string
	// LogoutPath is the single-logout endpoint path.
	LogoutPath string

	// SignRequests signs outbound AuthnRequests and LogoutRequests.
	SignRequests bool
	// WantAssertionsSigned requires inbound assertions to be signed.
	WantAssertionsSigned bool
	// UseACSIndex advertises the ACS by index instead of explicit URL when
	// the IdP supports index reuse.
	UseACSIndex bool
	// ACSIndex is the index advertised when UseACSIndex is set.
	ACSIndex int

	// DefaultClassRefs and DefaultComparison seed RequestedAuthnContext
	// when the session proxies nothing.
	DefaultClassRefs  []string
	DefaultComparison string

	// AttributeMap renames remote attribute names to local ones. Unmapped
	// attributes keep their names.
	AttributeMap map[string]string

	// TGT cookie settings.
	CookieName   string
	CookieDomain string
	CookiePath   string
	CookieSecure bool
}

// ResponseURL is the absolute response-endpoint URL.
func (c Config) ResponseURL() string { return c.BaseURL + c.ResponsePath }

// SSOURL is the absolute web-SSO entry URL.
func (c Config) SSOURL() string { return c.BaseURL + c.SSOPath }

// Deps bundles the collaborators every profile needs. It is constructed
// once at startup and passed into each handler constructor, keeping the
// profiles unit-testable with fakes.
type Deps struct {
	Log       *zap.Logger
	Registry  *registry.Registry
	Sessions  store.SessionStore
	TGTs      store.TGTStore
	Crypto    *crypto.Provider
	Signer    *trust.Signer
	Verifier  *trust.Verifier
	Validator *validate.Validator
	Auditor   *events.Auditor
	SOAP      *binding.SOAPClient
	Artifacts *binding.ArtifactStore
	Config    Config

	// Finish renders the browser continuation after a terminal session
	// outcome. The legacy adapter installs one that appends credentials;
	// when nil the response endpoint falls back to a plain redirect.
	Finish func(w http.ResponseWriter, r *http.Request, s *store.Session, tgtID string)
}

// SetTGTCookie attaches the TGT reference cookie to the response.
func (d *Deps) SetTGTCookie(w http.ResponseWriter, tgtID string) {
	path := d.Config.CookiePath
	if path == "" {
		path = "/"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     d.Config.CookieName,
		Value:    tgtID,
		Domain:   d.Config.CookieDomain,
		Path:     path,
		Secure:   d.Config.CookieSecure,
		HttpOnly: true,
	})
}

// TGTFromCookie reads the TGT reference cookie.
func (d *Deps) TGTFromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(d.Config.CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// Fail writes a rejection to the transport and records the audit event.
// Decode failures log at debug only; security failures become requestor
// events; anything else is an internal error.
func (d *Deps) Fail(w http.ResponseWriter, r *http.Request, requestor, sessionID string, err error) {
	rej, ok := err.(*events.Reject)
	if !ok {
		d.Log.Error("internal error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	switch rej.Kind {
	case events.KindDecode:
		d.Log.Debug("decode failure", zap.Error(rej), zap.String("path", r.URL.Path))
	case events.KindSecurity, events.KindForbidden:
		d.Auditor.Security(requestor, sessionID, remoteAddr(r), rej.Event, rej.Msg)
	default:
		d.Log.Error("internal error", zap.Error(rej), zap.String("path", r.URL.Path))
	}
	http.Error(w, http.StatusText(rej.HTTPStatus()), rej.HTTPStatus())
}

// Terminate drives a session into a terminal state and persists it expired,
// so a terminal session can never be replayed.
func (d *Deps) Terminate(s *store.Session, state store.State, event events.UserEvent, detail string) {
	s.State = state
	s.Expire()
	if err := d.Sessions.Persist(s); err != nil {
		d.Log.Error("persist terminal session", zap.Error(err), zap.String("session_id", s.ID))
	}
	d.Auditor.User(s.RequestorID, s.ID, event, detail)
}

func remoteAddr(r *http.Request) string {
	if i := strings.LastIndex(r.RemoteAddr, ":"); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
