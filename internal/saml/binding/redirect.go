package binding

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/saml"
)

// maxInflatedSize bounds decompression to keep crafted payloads from
// exhausting memory.
const maxInflatedSize = 1 << 20

// DeflateEncode serializes a message for the Redirect binding: raw DEFLATE,
// then base64. URL encoding happens when the query is assembled.
func DeflateEncode(xmlData []byte) (string, error) {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(xmlData); err != nil {
		w.Close()
		return "", fmt.Errorf("compress message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush deflate: %w", err)
	}
	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// DeflateDecode reverses DeflateEncode.
func DeflateDecode(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	data, err := io.ReadAll(io.LimitReader(fr, maxInflatedSize))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return data, nil
}

// RedirectSigner produces the detached simple signature for Redirect URLs.
// Implemented by the trust engine; nil means send unsigned.
type RedirectSigner interface {
	SignRedirect(signedQuery string) (sigAlg, signature string, err error)
}

// BuildRedirectURL assembles the full redirect URL for the message. The
// signature, when requested, covers the ordered concatenation of the
// URL-encoded SAMLRequest/SAMLResponse, RelayState and SigAlg parameters per
// SAML 2.0 Bindings 3.4.4.1.
func BuildRedirectURL(destination string, xmlData []byte, relayState string, isRequest bool, signer RedirectSigner) (string, error) {
	encoded, err := DeflateEncode(xmlData)
	if err != nil {
		return "", err
	}

	param := "SAMLResponse"
	if isRequest {
		param = "SAMLRequest"
	}

	var query strings.Builder
	query.WriteString(param)
	query.WriteByte('=')
	query.WriteString(url.QueryEscape(encoded))
	if relayState != "" {
		query.WriteString("&RelayState=")
		query.WriteString(url.QueryEscape(relayState))
	}

	if signer != nil {
		sigAlg, signature, err := signer.SignRedirect(query.String())
		if err != nil {
			return "", fmt.Errorf("sign redirect query: %w", err)
		}
		query.WriteString("&SigAlg=")
		query.WriteString(url.QueryEscape(sigAlg))
		query.WriteString("&Signature=")
		query.WriteString(url.QueryEscape(signature))
	}

	dest, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	dest.RawQuery = query.String()
	return dest.String(), nil
}

func decodeRedirect(r *http.Request) (*Envelope, error) {
	q := r.URL.Query()
	encoded := q.Get("SAMLRequest")
	if encoded == "" {
		encoded = q.Get("SAMLResponse")
	}

	raw, err := DeflateDecode(encoded)
	if err != nil {
		return nil, events.Decodef(events.RequestorEventRequestInvalid, "undecodable redirect payload").Wrap(err)
	}

	env := &Envelope{
		Binding:    saml.BindingHTTPRedirect,
		Raw:        raw,
		RelayState: q.Get("RelayState"),
		SigAlg:     q.Get("SigAlg"),
		Signature:  q.Get("Signature"),
	}
	if env.Signature != "" {
		env.SignedQuery = signedQueryFromRaw(r.URL.RawQuery)
	}
	return env, nil
}

// signedQueryFromRaw rebuilds the signed portion of the query string from
// the received encoding, preserving the peer's own URL escaping. The
// signature is computed over the exact octets the peer sent, so re-encoding
// through url.Values would corrupt it.
func signedQueryFromRaw(rawQuery string) string {
	received := map[string]string{}
	for _, part := range strings.Split(rawQuery, "&") {
		name, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if _, dup := received[name]; !dup {
			received[name] = part
		}
	}

	var parts []string
	for _, name := range []string{"SAMLRequest", "SAMLResponse", "RelayState", "SigAlg"} {
		if p, ok := received[name]; ok {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "&")
}
