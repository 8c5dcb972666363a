// Package saml holds the SAML 2.0 message model used by the gateway. Each
// protocol element is a typed struct serialized with encoding/xml; there is
// no runtime builder registry.
package saml

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// SAML 2.0 XML namespaces.
const (
	NamespaceSAML     = "urn:oasis:names:tc:SAML:2.0:assertion"
	NamespaceSAMLp    = "urn:oasis:names:tc:SAML:2.0:protocol"
	NamespaceDS       = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceMetadata = "urn:oasis:names:tc:SAML:2.0:metadata"
	NamespaceSOAP     = "http://schemas.xmlsoap.org/soap/envelope/"
)

// SAML 2.0 protocol bindings.
const (
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	BindingHTTPArtifact = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Artifact"
	BindingSOAP         = "urn:oasis:names:tc:SAML:2.0:bindings:SOAP"
)

// SAML 2.0 status codes, top and second level.
const (
	StatusSuccess             = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester           = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder           = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusVersionMismatch     = "urn:oasis:names:tc:SAML:2.0:status:VersionMismatch"
	StatusAuthnFailed         = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	StatusInvalidNameIDPolicy = "urn:oasis:names:tc:SAML:2.0:status:InvalidNameIDPolicy"
	StatusNoAuthnContext      = "urn:oasis:names:tc:SAML:2.0:status:NoAuthnContext"
	StatusNoPassive           = "urn:oasis:names:tc:SAML:2.0:status:NoPassive"
	StatusPartialLogout       = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"
	StatusRequestDenied       = "urn:oasis:names:tc:SAML:2.0:status:RequestDenied"
	StatusRequestUnsupported  = "urn:oasis:names:tc:SAML:2.0:status:RequestUnsupported"
)

// SAML NameID formats.
const (
	NameIDFormatUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	NameIDFormatEntity      = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
)

// AuthnContext class references.
const (
	AuthnContextPasswordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	AuthnContextUnspecified                = "urn:oasis:names:tc:SAML:2.0:ac:classes:unspecified"
)

// SubjectConfirmationBearer is the bearer confirmation method.
const SubjectConfirmationBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

// LogoutReasonUser is the user-initiated logout reason URI.
const LogoutReasonUser = "urn:oasis:names:tc:SAML:2.0:logout:user"

// Version is the only protocol version this gateway speaks.
const Version = "2.0"

// GenerateID returns a fresh SAML message ID. IDs are NCNames so the random
// part is prefixed with an underscore.
func GenerateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "_" + hex.EncodeToString(b)
}

// TimeFormat is xs:dateTime restricted to UTC with a Z designator, as
// required by SAML 2.0 Core 1.3.3.
const TimeFormat = "2006-01-02T15:04:05Z"

// timeFormatFrac accepts fractional seconds, which several IdP stacks emit.
const timeFormatFrac = "2006-01-02T15:04:05.999999999Z"

// FormatTime renders t in SAML wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// TimeNow returns the current instant in SAML wire form.
func TimeNow() string {
	return FormatTime(time.Now())
}

// ParseTime parses a SAML timestamp, tolerating fractional seconds and
// explicit offsets.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{TimeFormat, timeFormatFrac, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable SAML timestamp %q", s)
}
