// Package binding encodes and decodes SAML protocol messages across the
// HTTP-Redirect, HTTP-POST, HTTP-Artifact and SOAP bindings. It is agnostic
// to message semantics; profiles interpret the decoded XML.
package binding

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/saml"
)

// Envelope is the in-flight decoded message. It lives only on the request
// call stack; correlation data is copied into the session before discard.
type Envelope struct {
	// Binding is the SAML binding URI the message arrived on.
	Binding string
	// Raw is the decoded XML document. Empty for artifact envelopes until
	// the artifact has been resolved.
	Raw []byte
	// RelayState echoes the peer's relay state.
	RelayState string
	// Artifact is set for the HTTP-Artifact binding.
	Artifact *Artifact

	// Detached simple-signature material (Redirect and POST bindings).
	SigAlg      string
	Signature   string
	SignedQuery string
}

// HasSignatureMaterial reports whether any signature accompanied the
// message, embedded or detached.
func (e *Envelope) HasSignatureMaterial() bool {
	if e.Signature != "" {
		return true
	}
	return bytes.Contains(e.Raw, []byte("SignedInfo"))
}

// RootName returns the local name of the document element, letting profiles
// dispatch without a full unmarshal.
func (e *Envelope) RootName() string {
	dec := xml.NewDecoder(bytes.NewReader(e.Raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}

// Decode selects the binding from the request shape and decodes the message:
// an artifact parameter means Artifact; a GET with SAMLRequest/SAMLResponse
// means Redirect; a POST form field means POST; a text/xml POST without a
// form field means SOAP. Anything else is an unrecognized binding.
func Decode(r *http.Request) (*Envelope, error) {
	if art := artifactParam(r); art != "" {
		artifact, err := ParseArtifact(art)
		if err != nil {
			return nil, events.Decodef(events.RequestorEventRequestInvalid, "malformed artifact").Wrap(err)
		}
		return &Envelope{
			Binding:    saml.BindingHTTPArtifact,
			Artifact:   artifact,
			RelayState: relayStateParam(r),
		}, nil
	}

	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("SAMLRequest") != "" || r.URL.Query().Get("SAMLResponse") != "" {
			return decodeRedirect(r)
		}
	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
			if err := r.ParseForm(); err != nil {
				return nil, events.Decodef(events.RequestorEventRequestInvalid, "unparseable form").Wrap(err)
			}
			if r.PostFormValue("SAMLRequest") != "" || r.PostFormValue("SAMLResponse") != "" {
				return decodePost(r)
			}
		}
		if strings.HasPrefix(ct, "text/xml") || strings.HasPrefix(ct, "application/soap+xml") {
			return decodeSOAP(r)
		}
	}

	return nil, events.Decodef(events.RequestorEventBindingUnknown, "no SAML binding recognized for %s %s", r.Method, r.URL.Path)
}

func artifactParam(r *http.Request) string {
	if v := r.URL.Query().Get("SAMLart"); v != "" {
		return v
	}
	if r.Method == http.MethodPost {
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			r.ParseForm()
			return r.PostFormValue("SAMLart")
		}
	}
	return ""
}

func relayStateParam(r *http.Request) string {
	if v := r.URL.Query().Get("RelayState"); v != "" {
		return v
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("RelayState")
	}
	return ""
}

// Unmarshal parses the envelope body into the given message type.
func Unmarshal(e *Envelope, v interface{}) error {
	if len(e.Raw) == 0 {
		return fmt.Errorf("envelope carries no decoded message")
	}
	if err := xml.Unmarshal(e.Raw, v); err != nil {
		return events.Decodef(events.RequestorEventRequestInvalid, "unparseable SAML message").Wrap(err)
	}
	return nil
}
