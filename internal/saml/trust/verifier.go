package trust

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml/binding"
)

// Outcome reports what the verifier established about a message.
type Outcome int

const (
	// OutcomeUnsigned means no signature material was present at all.
	// Whether that is acceptable is a policy decision made elsewhere.
	OutcomeUnsigned Outcome = iota
	// OutcomeValid means signature material was present and verified.
	OutcomeValid
)

const (
	envelopedTransform = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	sigAlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	sigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	sigAlgRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
)

// Verifier validates inbound message signatures.
type Verifier struct {
	provider *crypto.Provider
}

// NewVerifier creates a verifier using the locally configured trust anchors
// as the tail of every credential chain.
func NewVerifier(provider *crypto.Provider) *Verifier {
	return &Verifier{provider: provider}
}

// resolveChain builds the ordered credential chain for an issuer:
// metadata-derived certificates first, then the locally configured trusted
// certificate. An empty chain fails validation outright.
func (v *Verifier) resolveChain(issuer string, meta *registry.MetadataProvider) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	if meta != nil {
		if certs, err := meta.SigningCertificates(); err == nil {
			chain = append(chain, certs...)
		}
	}
	if cert, ok := v.provider.Trusted(issuer); ok {
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, events.Securityf(events.RequestorEventSignatureInvalid,
			"no credential available for issuer %q", issuer)
	}
	return chain, nil
}

// Verify validates whatever signature material accompanies the envelope.
// Embedded signatures get a structural profile check before any crypto runs;
// detached simple signatures are verified over the received query octets.
func (v *Verifier) Verify(env *binding.Envelope, issuer string, meta *registry.MetadataProvider) (Outcome, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(env.Raw); err != nil {
		return OutcomeUnsigned, events.Decodef(events.RequestorEventRequestInvalid, "unparseable message").Wrap(err)
	}
	root := doc.Root()

	embedded := findSignature(root)
	if embedded == nil && env.Signature == "" {
		return OutcomeUnsigned, nil
	}

	if embedded != nil {
		if err := CheckSignatureProfile(embedded); err != nil {
			return OutcomeUnsigned, err
		}
	}

	chain, err := v.resolveChain(issuer, meta)
	if err != nil {
		return OutcomeUnsigned, err
	}

	if embedded != nil {
		if err := validateElement(root, chain); err != nil {
			return OutcomeUnsigned, err
		}
		return OutcomeValid, nil
	}

	if err := v.verifySimple(env, chain); err != nil {
		return OutcomeUnsigned, err
	}
	return OutcomeValid, nil
}

// VerifyAssertion validates the enveloped signature on one assertion inside
// an already-parsed response document. Unsigned assertions return
// OutcomeUnsigned.
func (v *Verifier) VerifyAssertion(raw []byte, assertionID, issuer string, meta *registry.MetadataProvider) (Outcome, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return OutcomeUnsigned, events.Decodef(events.RequestorEventRequestInvalid, "unparseable response").Wrap(err)
	}

	assertion := findByID(doc.Root(), "Assertion", assertionID)
	if assertion == nil {
		return OutcomeUnsigned, events.Securityf(events.RequestorEventRequestInvalid,
			"assertion %q not found in document", assertionID)
	}

	sig := findSignature(assertion)
	if sig == nil {
		return OutcomeUnsigned, nil
	}
	if err := CheckSignatureProfile(sig); err != nil {
		return OutcomeUnsigned, err
	}

	chain, err := v.resolveChain(issuer, meta)
	if err != nil {
		return OutcomeUnsigned, err
	}
	if err := validateElement(assertion, chain); err != nil {
		return OutcomeUnsigned, err
	}
	return OutcomeValid, nil
}

// CheckSignatureProfile runs the DoS-resistant structural checks on a
// ds:Signature element before any key material is touched: exactly one
// reference, an enveloped transform, and no external reference URIs.
func CheckSignatureProfile(sig *etree.Element) error {
	signedInfo := sig.FindElement("./SignedInfo")
	if signedInfo == nil {
		return events.Securityf(events.RequestorEventSignatureInvalid, "signature without SignedInfo")
	}

	refs := signedInfo.FindElements("./Reference")
	if len(refs) != 1 {
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"signature must carry exactly one reference, found %d", len(refs))
	}
	ref := refs[0]

	uri := ref.SelectAttrValue("URI", "")
	if uri != "" && !strings.HasPrefix(uri, "#") {
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"external signature reference %q not allowed", uri)
	}

	enveloped := false
	for _, tr := range ref.FindElements("./Transforms/Transform") {
		if tr.SelectAttrValue("Algorithm", "") == envelopedTransform {
			enveloped = true
		}
	}
	if !enveloped {
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"signature reference lacks the enveloped transform")
	}
	return nil
}

func validateElement(el *etree.Element, chain []*x509.Certificate) error {
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: chain})
	if _, err := ctx.Validate(el); err != nil {
		return events.Securityf(events.RequestorEventSignatureInvalid, "signature verification failed").Wrap(err)
	}
	return nil
}

// verifySimple checks the detached Redirect/POST simple signature against
// every certificate in the chain, accepting the first that verifies.
func (v *Verifier) verifySimple(env *binding.Envelope, chain []*x509.Certificate) error {
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return events.Securityf(events.RequestorEventSignatureInvalid, "undecodable simple signature").Wrap(err)
	}

	var hashFunc stdcrypto.Hash
	var digest []byte
	switch env.SigAlg {
	case sigAlgRSASHA1:
		hashFunc = stdcrypto.SHA1
		sum := sha1.Sum([]byte(env.SignedQuery))
		digest = sum[:]
	case sigAlgRSASHA256:
		hashFunc = stdcrypto.SHA256
		sum := sha256.Sum256([]byte(env.SignedQuery))
		digest = sum[:]
	case sigAlgRSASHA512:
		hashFunc = stdcrypto.SHA512
		sum := sha512.Sum512([]byte(env.SignedQuery))
		digest = sum[:]
	default:
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"unsupported simple-signature algorithm %q", env.SigAlg)
	}

	for _, cert := range chain {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, hashFunc, digest, sig) == nil {
			return nil
		}
	}
	return events.Securityf(events.RequestorEventSignatureInvalid, "simple signature matches no trusted credential")
}

func findSignature(el *etree.Element) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == "http://www.w3.org/2000/09/xmldsig#" {
			return child
		}
	}
	return nil
}

func findByID(el *etree.Element, tag, id string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == tag && el.SelectAttrValue("ID", "") == id {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByID(child, tag, id); found != nil {
			return found
		}
	}
	return nil
}

var _ fmt.Stringer = Outcome(0)

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	default:
		return "unsigned"
	}
}
