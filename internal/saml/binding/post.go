package binding

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/saml"
)

// PostEncode serializes a message for the POST binding: base64, no
// compression.
func PostEncode(xmlData []byte) string {
	return base64.StdEncoding.EncodeToString(append([]byte(xml.Header), xmlData...))
}

// PostDecode reverses PostEncode, tolerating '+' mangled to spaces by
// intermediate form handling.
func PostDecode(encoded string) ([]byte, error) {
	encoded = strings.ReplaceAll(encoded, " ", "+")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return data, nil
}

// WritePostForm writes the auto-submitting HTML form carrying the message to
// the response. Destination and relay state are escaped before embedding.
func WritePostForm(w http.ResponseWriter, destination string, xmlData []byte, relayState string, isRequest bool) error {
	if err := validateDestination(destination); err != nil {
		return fmt.Errorf("invalid destination URL: %w", err)
	}

	param := "SAMLResponse"
	if isRequest {
		param = "SAMLRequest"
	}

	relayInput := ""
	if relayState != "" {
		if len(relayState) > 1024 {
			relayState = relayState[:1024]
		}
		relayInput = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s"/>`, html.EscapeString(relayState))
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Continue</title></head>
<body onload="document.forms[0].submit()">
    <noscript><p>JavaScript is disabled. Click Continue to proceed.</p></noscript>
    <form method="POST" action="%s">
        <input type="hidden" name="%s" value="%s"/>
        %s
        <noscript><input type="submit" value="Continue"/></noscript>
    </form>
</body>
</html>`, html.EscapeString(destination), param, PostEncode(xmlData), relayInput)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write([]byte(page))
	return err
}

func decodePost(r *http.Request) (*Envelope, error) {
	encoded := r.PostFormValue("SAMLRequest")
	if encoded == "" {
		encoded = r.PostFormValue("SAMLResponse")
	}

	raw, err := PostDecode(encoded)
	if err != nil {
		return nil, events.Decodef(events.RequestorEventRequestInvalid, "undecodable POST payload").Wrap(err)
	}

	env := &Envelope{
		Binding:    saml.BindingHTTPPost,
		Raw:        raw,
		RelayState: r.PostFormValue("RelayState"),
		SigAlg:     r.PostFormValue("SigAlg"),
		Signature:  r.PostFormValue("Signature"),
	}
	if env.Signature != "" {
		env.SignedQuery = signedQueryFromForm(r)
	}
	return env, nil
}

// signedQueryFromForm reconstructs the POST-SimpleSign input from form
// values. Unlike the redirect binding, SimpleSign signs the raw field
// values, never a URL-encoded form of them.
func signedQueryFromForm(r *http.Request) string {
	var parts []string
	for _, name := range []string{"SAMLRequest", "SAMLResponse", "RelayState", "SigAlg"} {
		if v := r.PostFormValue(name); v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func validateDestination(dest string) error {
	if dest == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(dest)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", scheme)
	}
	return nil
}
