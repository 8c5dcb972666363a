package trust

import (
	"fmt"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/saml/binding"
)

const testIssuer = "https://idp.example.org"

const unsignedRequest = `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_req1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z"><saml:Issuer>` + testIssuer + `</saml:Issuer></samlp:AuthnRequest>`

// peerPair returns a signer for the peer and a verifier that trusts the
// peer's certificate for testIssuer.
func peerPair(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	peer, err := crypto.NewProvider("", "")
	require.NoError(t, err)
	local, err := crypto.NewProvider("", "")
	require.NoError(t, err)
	local.AddTrusted(testIssuer, peer.Certificate())
	return NewSigner(peer), NewVerifier(local)
}

func TestEnvelopedSignRoundTrip(t *testing.T) {
	signer, verifier := peerPair(t)

	signed, err := signer.SignEnveloped([]byte(unsignedRequest))
	require.NoError(t, err)

	outcome, err := verifier.Verify(&binding.Envelope{Raw: signed}, testIssuer, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeValid, outcome)
}

func TestSignEnvelopedPlacesSignatureAfterIssuer(t *testing.T) {
	signer, _ := peerPair(t)

	signed, err := signer.SignEnveloped([]byte(unsignedRequest))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	children := doc.Root().ChildElements()
	require.GreaterOrEqual(t, len(children), 2)
	require.Equal(t, "Issuer", children[0].Tag)
	require.Equal(t, "Signature", children[1].Tag)
}

func TestVerifyRejectsTamperedDocument(t *testing.T) {
	signer, verifier := peerPair(t)

	signed, err := signer.SignEnveloped([]byte(unsignedRequest))
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(signed), `ID="_req1"`, `ID="_req2"`, 1))

	_, err = verifier.Verify(&binding.Envelope{Raw: tampered}, testIssuer, nil)
	require.Error(t, err)
}

func TestVerifyUnsignedMessage(t *testing.T) {
	_, verifier := peerPair(t)

	outcome, err := verifier.Verify(&binding.Envelope{Raw: []byte(unsignedRequest)}, testIssuer, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnsigned, outcome)
}

func TestVerifyUnknownIssuerHasNoCredential(t *testing.T) {
	signer, _ := peerPair(t)
	verifier := NewVerifier(mustProvider(t))

	signed, err := signer.SignEnveloped([]byte(unsignedRequest))
	require.NoError(t, err)

	_, err = verifier.Verify(&binding.Envelope{Raw: signed}, testIssuer, nil)
	require.ErrorContains(t, err, "no credential")
}

func mustProvider(t *testing.T) *crypto.Provider {
	t.Helper()
	p, err := crypto.NewProvider("", "")
	require.NoError(t, err)
	return p
}

func TestRedirectSimpleSignatureRoundTrip(t *testing.T) {
	signer, verifier := peerPair(t)

	signedQuery := "SAMLRequest=abc&RelayState=rs&SigAlg=" + RedirectSigAlgRSASHA256
	sigAlg, signature, err := signer.SignRedirect(signedQuery)
	require.NoError(t, err)
	require.Equal(t, RedirectSigAlgRSASHA256, sigAlg)

	env := &binding.Envelope{
		Raw:         []byte(unsignedRequest),
		SigAlg:      sigAlg,
		Signature:   signature,
		SignedQuery: signedQuery,
	}
	outcome, err := verifier.Verify(env, testIssuer, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeValid, outcome)

	// A signature over different octets must not verify.
	env.SignedQuery = "SAMLRequest=other"
	_, err = verifier.Verify(env, testIssuer, nil)
	require.Error(t, err)
}

func TestVerifyRejectsUnsupportedSimpleSigAlg(t *testing.T) {
	signer, verifier := peerPair(t)

	_, signature, err := signer.SignRedirect("q")
	require.NoError(t, err)

	env := &binding.Envelope{
		Raw:         []byte(unsignedRequest),
		SigAlg:      "urn:nonsense",
		Signature:   signature,
		SignedQuery: "q",
	}
	_, err = verifier.Verify(env, testIssuer, nil)
	require.ErrorContains(t, err, "unsupported")
}

func TestVerifyAssertion(t *testing.T) {
	signer, verifier := peerPair(t)

	assertion := `<saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_a1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z"><saml:Issuer>` + testIssuer + `</saml:Issuer><saml:Subject><saml:NameID>alice</saml:NameID></saml:Subject></saml:Assertion>`
	signedAssertion, err := signer.SignEnveloped([]byte(assertion))
	require.NoError(t, err)

	response := fmt.Sprintf(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_r1" Version="2.0">%s</samlp:Response>`, signedAssertion)

	outcome, err := verifier.VerifyAssertion([]byte(response), "_a1", testIssuer, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeValid, outcome)

	// Unsigned assertion reports unsigned without error.
	plain := fmt.Sprintf(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_r1" Version="2.0">%s</samlp:Response>`, assertion)
	outcome, err = verifier.VerifyAssertion([]byte(plain), "_a1", testIssuer, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnsigned, outcome)

	// Naming an absent assertion is a hard failure.
	_, err = verifier.VerifyAssertion([]byte(plain), "_missing", testIssuer, nil)
	require.Error(t, err)
}

func signatureFromDoc(t *testing.T, raw []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	sig := doc.Root().FindElement("./Signature")
	require.NotNil(t, sig)
	return sig
}

func TestCheckSignatureProfile(t *testing.T) {
	signer, _ := peerPair(t)
	signed, err := signer.SignEnveloped([]byte(unsignedRequest))
	require.NoError(t, err)

	sig := signatureFromDoc(t, signed)
	require.NoError(t, CheckSignatureProfile(sig))

	// A second reference turns the signature ambiguous.
	extra := signatureFromDoc(t, signed)
	si := extra.FindElement("./SignedInfo")
	ref := si.FindElement("./Reference")
	si.AddChild(ref.Copy())
	require.Error(t, CheckSignatureProfile(extra))

	// External reference URIs are remote-fetch vectors.
	external := signatureFromDoc(t, signed)
	external.FindElement("./SignedInfo/Reference").
		CreateAttr("URI", "https://evil.example.org/doc")
	require.Error(t, CheckSignatureProfile(external))

	// Dropping the enveloped transform breaks the expected profile.
	bare := signatureFromDoc(t, signed)
	refEl := bare.FindElement("./SignedInfo/Reference")
	if tr := refEl.FindElement("./Transforms"); tr != nil {
		refEl.RemoveChild(tr)
	}
	require.Error(t, CheckSignatureProfile(bare))
}
