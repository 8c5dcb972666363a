// Package trust signs outbound protocol messages and validates inbound
// signatures against a chained credential resolver: metadata-derived
// certificates for the claimed issuer first, then locally configured trust
// anchors.
package trust

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/openfed/samlgate/internal/crypto"
)

// RedirectSigAlgRSASHA256 is the SigAlg URI used for detached simple
// signatures on the Redirect binding.
const RedirectSigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

// Signer attaches enveloped XML signatures to outbound messages and
// produces detached simple signatures for the Redirect binding.
type Signer struct {
	provider *crypto.Provider
}

// NewSigner creates a signer backed by the gateway credential.
func NewSigner(provider *crypto.Provider) *Signer {
	return &Signer{provider: provider}
}

func (s *Signer) signingContext() (*dsig.SigningContext, error) {
	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(s.provider.TLSCertificate()))
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, err
	}
	ctx.Hash = stdcrypto.SHA256
	return ctx, nil
}

// SignEnveloped parses the message, signs its document element and returns
// the serialized signed document. The message is marshaled to canonical
// order before signing so later inspection sees a consistent tree.
func (s *Signer) SignEnveloped(xmlData []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlData); err != nil {
		return nil, fmt.Errorf("parse message for signing: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("message has no document element")
	}

	ctx, err := s.signingContext()
	if err != nil {
		return nil, err
	}
	signed, err := ctx.SignEnveloped(root)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	// The signature schema places ds:Signature directly after Issuer.
	// SignEnveloped appends it last; move it when an Issuer is present.
	if sig := signed.FindElement("./Signature"); sig != nil {
		if issuer := signed.FindElement("./Issuer"); issuer != nil {
			signed.RemoveChild(sig)
			signed.InsertChildAt(issuerIndex(signed, issuer)+1, sig)
		}
	}

	out := etree.NewDocument()
	out.SetRoot(signed)
	return out.WriteToBytes()
}

func issuerIndex(parent, child *etree.Element) int {
	for i, tok := range parent.Child {
		if el, ok := tok.(*etree.Element); ok && el == child {
			return i
		}
	}
	return 0
}

// SignRedirect signs the ordered redirect query string, implementing the
// binding codec's RedirectSigner.
func (s *Signer) SignRedirect(signedQuery string) (string, string, error) {
	sum := sha256.Sum256([]byte(signedQuery))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.provider.SigningKey(), stdcrypto.SHA256, sum[:])
	if err != nil {
		return "", "", fmt.Errorf("sign redirect query: %w", err)
	}
	return RedirectSigAlgRSASHA256, base64.StdEncoding.EncodeToString(sig), nil
}
