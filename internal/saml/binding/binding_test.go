package binding

import (
	"crypto/sha256"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfed/samlgate/internal/saml"
)

const sampleRequest = `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_abc" Version="2.0"/>`

func TestDeflateRoundTrip(t *testing.T) {
	encoded, err := DeflateEncode([]byte(sampleRequest))
	require.NoError(t, err)
	require.NotContains(t, encoded, "<", "payload must be base64")

	decoded, err := DeflateDecode(encoded)
	require.NoError(t, err)
	require.Equal(t, sampleRequest, string(decoded))
}

func TestDeflateDecodeRejectsGarbage(t *testing.T) {
	_, err := DeflateDecode("not base64 at all!!")
	require.Error(t, err)
}

func TestPostRoundTrip(t *testing.T) {
	encoded := PostEncode([]byte(sampleRequest))
	decoded, err := PostDecode(encoded)
	require.NoError(t, err)
	require.Contains(t, string(decoded), "AuthnRequest")
}

type staticSigner struct{}

func (staticSigner) SignRedirect(signedQuery string) (string, string, error) {
	sum := sha256.Sum256([]byte(signedQuery))
	return "urn:test:alg", string(sum[:4]), nil
}

func TestBuildRedirectURLParameterOrder(t *testing.T) {
	u, err := BuildRedirectURL("https://idp.example.org/sso", []byte(sampleRequest), "state-1", true, staticSigner{})
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)

	// Signed queries keep the mandated parameter order.
	order := []string{"SAMLRequest=", "RelayState=", "SigAlg=", "Signature="}
	last := -1
	for _, param := range order {
		idx := strings.Index(parsed.RawQuery, param)
		require.Greater(t, idx, last, "parameter %s out of order", param)
		last = idx
	}
}

func TestDecodeSelectsRedirectBinding(t *testing.T) {
	u, err := BuildRedirectURL("https://gw.example.org/resp", []byte(sampleRequest), "rs", false, nil)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", u, nil)
	env, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, saml.BindingHTTPRedirect, env.Binding)
	require.Equal(t, "rs", env.RelayState)
	require.Equal(t, "AuthnRequest", env.RootName())
	require.False(t, env.HasSignatureMaterial())
}

func TestDecodeSelectsPostBinding(t *testing.T) {
	form := url.Values{
		"SAMLResponse": {PostEncode([]byte(sampleRequest))},
		"RelayState":   {"rs"},
	}
	r := httptest.NewRequest("POST", "https://gw.example.org/resp", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, saml.BindingHTTPPost, env.Binding)
	require.Equal(t, "rs", env.RelayState)
}

func TestDecodeSelectsSOAPBinding(t *testing.T) {
	r := httptest.NewRequest("POST", "https://gw.example.org/slo", strings.NewReader(string(WrapSOAP([]byte(sampleRequest)))))
	r.Header.Set("Content-Type", "text/xml; charset=utf-8")

	env, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, saml.BindingSOAP, env.Binding)
	require.Equal(t, "AuthnRequest", env.RootName())
}

func TestDecodeSelectsArtifactBinding(t *testing.T) {
	var src [20]byte
	copy(src[:], "example-source-id-xx")
	artifact, err := NewArtifact(src)
	require.NoError(t, err)

	u, err := BuildArtifactURL("https://gw.example.org/resp", artifact, "rs")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", u, nil)
	env, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, saml.BindingHTTPArtifact, env.Binding)
	require.NotNil(t, env.Artifact)
	require.Equal(t, src, env.Artifact.SourceID)
	require.Empty(t, env.Raw, "artifact envelope has no payload before resolution")
}

func TestDecodeRejectsUnknownShape(t *testing.T) {
	r := httptest.NewRequest("GET", "https://gw.example.org/resp?foo=bar", nil)
	_, err := Decode(r)
	require.Error(t, err)
}

func TestArtifactRoundTrip(t *testing.T) {
	var src [20]byte
	copy(src[:], "aaaaaaaaaaaaaaaaaaaa")

	a, err := NewArtifact(src)
	require.NoError(t, err)
	require.Equal(t, uint16(artifactTypeCode), a.TypeCode)

	parsed, err := ParseArtifact(a.Encode())
	require.NoError(t, err)
	require.Equal(t, a.SourceID, parsed.SourceID)
	require.Equal(t, a.Handle, parsed.Handle)
}

func TestParseArtifactRejectsBadInput(t *testing.T) {
	_, err := ParseArtifact("@@@@")
	require.Error(t, err, "invalid base64")

	_, err = ParseArtifact("c2hvcnQ=")
	require.Error(t, err, "wrong length")

	// Correct length, wrong type code.
	bad := (&Artifact{TypeCode: 0x0003}).Encode()
	_, err = ParseArtifact(bad)
	require.Error(t, err)
}

func TestArtifactStoreResolvesOnce(t *testing.T) {
	s := NewArtifactStore(time.Minute)

	var src [20]byte
	a, err := NewArtifact(src)
	require.NoError(t, err)

	s.Put(a, []byte("<samlp:Response/>"))

	msg, ok := s.Resolve(a.Handle)
	require.True(t, ok)
	require.Equal(t, "<samlp:Response/>", string(msg))

	_, ok = s.Resolve(a.Handle)
	require.False(t, ok, "second resolve must fail")
}

func TestArtifactStoreExpiry(t *testing.T) {
	s := NewArtifactStore(time.Nanosecond)

	var src [20]byte
	a, err := NewArtifact(src)
	require.NoError(t, err)

	s.Put(a, []byte("m"))
	time.Sleep(time.Millisecond)

	_, ok := s.Resolve(a.Handle)
	require.False(t, ok)
}

func TestSignedQueryPreservesReceivedOctets(t *testing.T) {
	// The peer percent-encodes '+' as %2B; re-encoding would change it.
	raw := "SAMLRequest=abc%2Bdef&RelayState=x%20y&SigAlg=urn%3Aalg&Signature=sig"
	got := signedQueryFromRaw(raw)
	require.Equal(t, "SAMLRequest=abc%2Bdef&RelayState=x%20y&SigAlg=urn%3Aalg", got)
}

func TestSignedQueryOrdersParameters(t *testing.T) {
	raw := "SigAlg=a&RelayState=b&SAMLResponse=c"
	require.Equal(t, "SAMLResponse=c&RelayState=b&SigAlg=a", signedQueryFromRaw(raw))
}

func TestPostSimpleSignSignsRawValues(t *testing.T) {
	// SimpleSign covers the raw field values; reserved characters in the
	// base64 payload or relay state stay unescaped in the signed content.
	form := url.Values{
		"SAMLResponse": {"ab+/cd=="},
		"RelayState":   {"https://sp.example.org/return?x=1&y=2"},
		"SigAlg":       {"urn:test:alg"},
		"Signature":    {"c2lnbmF0dXJl"},
	}
	r := httptest.NewRequest("POST", "https://gw.example.org/saml2/resp", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t,
		"SAMLResponse=ab+/cd==&RelayState=https://sp.example.org/return?x=1&y=2&SigAlg=urn:test:alg",
		env.SignedQuery)
}

func TestSOAPRoundTrip(t *testing.T) {
	wrapped := WrapSOAP([]byte(sampleRequest))
	require.Contains(t, string(wrapped), "Envelope")

	inner, err := UnwrapSOAP(wrapped)
	require.NoError(t, err)
	require.Contains(t, string(inner), "AuthnRequest")
}
