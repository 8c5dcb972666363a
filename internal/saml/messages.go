package saml

import "encoding/xml"

// Signature is the parsed form of an enveloped ds:Signature, retained for
// structural profile checks. Cryptographic verification always runs against
// the raw document, never this parsed copy.
type Signature struct {
	XMLName        xml.Name   `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	SignedInfo     SignedInfo `xml:"SignedInfo"`
	SignatureValue string     `xml:"SignatureValue"`
	KeyInfo        *KeyInfo   `xml:"KeyInfo,omitempty"`
}

// SignedInfo describes what was signed and how.
type SignedInfo struct {
	XMLName                xml.Name        `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	CanonicalizationMethod AlgorithmMethod `xml:"CanonicalizationMethod"`
	SignatureMethod        AlgorithmMethod `xml:"SignatureMethod"`
	References             []SigReference  `xml:"Reference"`
}

// AlgorithmMethod is any ds element whose payload is an Algorithm attribute.
type AlgorithmMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// SigReference is a ds:Reference.
type SigReference struct {
	XMLName      xml.Name        `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
	URI          string          `xml:"URI,attr"`
	Transforms   Transforms      `xml:"Transforms"`
	DigestMethod AlgorithmMethod `xml:"DigestMethod"`
	DigestValue  string          `xml:"DigestValue"`
}

// Transforms wraps the transform list.
type Transforms struct {
	XMLName    xml.Name          `xml:"http://www.w3.org/2000/09/xmldsig# Transforms"`
	Transforms []AlgorithmMethod `xml:"Transform"`
}

// KeyInfo optionally carries the signing certificate.
type KeyInfo struct {
	XMLName  xml.Name  `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	X509Data *X509Data `xml:"X509Data,omitempty"`
}

// X509Data carries base64 DER certificates.
type X509Data struct {
	XMLName          xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
	X509Certificates []string `xml:"X509Certificate"`
}

// NameIDPolicy constrains the NameID the IdP should return.
type NameIDPolicy struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format          string   `xml:"Format,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	AllowCreate     bool     `xml:"AllowCreate,attr,omitempty"`
}

// RequestedAuthnContext asks the IdP for specific authentication strengths.
type RequestedAuthnContext struct {
	XMLName              xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol RequestedAuthnContext"`
	Comparison           string   `xml:"Comparison,attr,omitempty"`
	AuthnContextClassRef []string `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContextClassRef"`
}

// Scoping limits which IdPs may satisfy a proxied request.
type Scoping struct {
	XMLName    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol Scoping"`
	ProxyCount *int     `xml:"ProxyCount,attr,omitempty"`
	IDPList    *IDPList `xml:"IDPList,omitempty"`
}

// IDPList enumerates acceptable IdPs inside a Scoping element.
type IDPList struct {
	XMLName    xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol IDPList"`
	IDPEntries []IDPEntry `xml:"IDPEntry"`
}

// IDPEntry names one IdP in an IDPList.
type IDPEntry struct {
	XMLName    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol IDPEntry"`
	ProviderID string   `xml:"ProviderID,attr"`
	Name       string   `xml:"Name,attr,omitempty"`
	Loc        string   `xml:"Loc,attr,omitempty"`
}

// AuthnRequest is the SP-to-IdP authentication request.
type AuthnRequest struct {
	XMLName                       xml.Name               `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	SAMLP                         string                 `xml:"xmlns:samlp,attr"`
	SAML                          string                 `xml:"xmlns:saml,attr"`
	ID                            string                 `xml:"ID,attr"`
	Version                       string                 `xml:"Version,attr"`
	IssueInstant                  string                 `xml:"IssueInstant,attr"`
	Destination                   string                 `xml:"Destination,attr,omitempty"`
	ProtocolBinding               string                 `xml:"ProtocolBinding,attr,omitempty"`
	AssertionConsumerServiceURL   string                 `xml:"AssertionConsumerServiceURL,attr,omitempty"`
	AssertionConsumerServiceIndex *int                   `xml:"AssertionConsumerServiceIndex,attr,omitempty"`
	ForceAuthn                    bool                   `xml:"ForceAuthn,attr,omitempty"`
	IsPassive                     bool                   `xml:"IsPassive,attr,omitempty"`
	ProviderName                  string                 `xml:"ProviderName,attr,omitempty"`
	Issuer                        *Issuer                `xml:"Issuer,omitempty"`
	Signature                     *Signature             `xml:"Signature,omitempty"`
	Subject                       *Subject               `xml:"Subject,omitempty"`
	NameIDPolicy                  *NameIDPolicy          `xml:"NameIDPolicy,omitempty"`
	RequestedAuthnContext         *RequestedAuthnContext `xml:"RequestedAuthnContext,omitempty"`
	Scoping                       *Scoping               `xml:"Scoping,omitempty"`
}

// Status is the protocol status with optional nested second-level code.
type Status struct {
	XMLName       xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	StatusCode    StatusCode `xml:"StatusCode"`
	StatusMessage string     `xml:"StatusMessage,omitempty"`
}

// StatusCode carries the status URI; a nested code refines it.
type StatusCode struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	Value      string      `xml:"Value,attr"`
	StatusCode *StatusCode `xml:"StatusCode,omitempty"`
}

// IsSuccess reports whether the top-level code is Success.
func (s *Status) IsSuccess() bool {
	return s != nil && s.StatusCode.Value == StatusSuccess
}

// SecondLevel returns the nested status code value, if present.
func (s *Status) SecondLevel() string {
	if s == nil || s.StatusCode.StatusCode == nil {
		return ""
	}
	return s.StatusCode.StatusCode.Value
}

// Response is the IdP-to-SP authentication response.
type Response struct {
	XMLName      xml.Name     `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	SAMLP        string       `xml:"xmlns:samlp,attr"`
	SAML         string       `xml:"xmlns:saml,attr"`
	ID           string       `xml:"ID,attr"`
	Version      string       `xml:"Version,attr"`
	IssueInstant string       `xml:"IssueInstant,attr"`
	Destination  string       `xml:"Destination,attr,omitempty"`
	InResponseTo string       `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer      `xml:"Issuer,omitempty"`
	Signature    *Signature   `xml:"Signature,omitempty"`
	Status       *Status      `xml:"Status"`
	Assertions   []*Assertion `xml:"Assertion,omitempty"`
}

// LogoutRequest initiates single logout for a principal.
type LogoutRequest struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Destination  string     `xml:"Destination,attr,omitempty"`
	NotOnOrAfter string     `xml:"NotOnOrAfter,attr,omitempty"`
	Reason       string     `xml:"Reason,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	NameID       *NameID    `xml:"NameID,omitempty"`
	SessionIndex []string   `xml:"SessionIndex,omitempty"`
}

// LogoutResponse answers a LogoutRequest.
type LogoutResponse struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Destination  string     `xml:"Destination,attr,omitempty"`
	InResponseTo string     `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	Status       *Status    `xml:"Status"`
}

// ArtifactResolve dereferences an artifact over SOAP.
type ArtifactResolve struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol ArtifactResolve"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Destination  string     `xml:"Destination,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	Artifact     string     `xml:"Artifact"`
}

// ArtifactResponse wraps the real protocol message resolved from an artifact.
// The inner message is retained raw so its own signature can be verified
// after unwrapping.
type ArtifactResponse struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol ArtifactResponse"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	InResponseTo string     `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	Status       *Status    `xml:"Status"`
	Message      []byte     `xml:",innerxml"`
}

// NewStatus builds a Status for the given top-level code, optionally refined
// by a second-level code.
func NewStatus(top, second string) *Status {
	st := &Status{StatusCode: StatusCode{Value: top}}
	if second != "" {
		st.StatusCode.StatusCode = &StatusCode{Value: second}
	}
	return st
}

// NewAuthnRequest builds an AuthnRequest with the fixed protocol fields set.
func NewAuthnRequest(id, issuer, destination string) *AuthnRequest {
	return &AuthnRequest{
		SAMLP:        NamespaceSAMLp,
		SAML:         NamespaceSAML,
		ID:           id,
		Version:      Version,
		IssueInstant: TimeNow(),
		Destination:  destination,
		Issuer:       &Issuer{Value: issuer},
	}
}

// NewLogoutRequest builds a LogoutRequest for the given subject.
func NewLogoutRequest(issuer, destination string, nameID *NameID, sessionIndexes []string) *LogoutRequest {
	return &LogoutRequest{
		SAMLP:        NamespaceSAMLp,
		SAML:         NamespaceSAML,
		ID:           GenerateID(),
		Version:      Version,
		IssueInstant: TimeNow(),
		Destination:  destination,
		Issuer:       &Issuer{Value: issuer},
		NameID:       nameID,
		SessionIndex: sessionIndexes,
	}
}

// NewLogoutResponse answers the request with the given status codes.
func NewLogoutResponse(issuer, destination, inResponseTo, top, second string) *LogoutResponse {
	return &LogoutResponse{
		SAMLP:        NamespaceSAMLp,
		SAML:         NamespaceSAML,
		ID:           GenerateID(),
		Version:      Version,
		IssueInstant: TimeNow(),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: issuer},
		Status:       NewStatus(top, second),
	}
}
