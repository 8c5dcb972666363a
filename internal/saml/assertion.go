package saml

import "encoding/xml"

// Issuer identifies the sender of a message or assertion.
type Issuer struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Format  string   `xml:"Format,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// NameID carries the subject identifier.
type NameID struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	Format          string   `xml:"Format,attr,omitempty"`
	SPProvidedID    string   `xml:"SPProvidedID,attr,omitempty"`
	NameQualifier   string   `xml:"NameQualifier,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	Value           string   `xml:",chardata"`
}

// Subject is the asserted principal.
type Subject struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	NameID              *NameID              `xml:"NameID,omitempty"`
	SubjectConfirmation *SubjectConfirmation `xml:"SubjectConfirmation,omitempty"`
}

// SubjectConfirmation states how the subject may be confirmed.
type SubjectConfirmation struct {
	XMLName                 xml.Name                 `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`
	Method                  string                   `xml:"Method,attr"`
	SubjectConfirmationData *SubjectConfirmationData `xml:"SubjectConfirmationData,omitempty"`
}

// SubjectConfirmationData constrains subject confirmation.
type SubjectConfirmationData struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Recipient    string   `xml:"Recipient,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
	Address      string   `xml:"Address,attr,omitempty"`
}

// Conditions bounds assertion validity.
type Conditions struct {
	XMLName              xml.Name              `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`
	NotBefore            string                `xml:"NotBefore,attr,omitempty"`
	NotOnOrAfter         string                `xml:"NotOnOrAfter,attr,omitempty"`
	AudienceRestrictions []AudienceRestriction `xml:"AudienceRestriction,omitempty"`
}

// AudienceRestriction limits the assertion to named relying parties.
type AudienceRestriction struct {
	XMLName   xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`
	Audiences []string `xml:"Audience"`
}

// AuthnStatement records an authentication act.
type AuthnStatement struct {
	XMLName             xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`
	AuthnInstant        string        `xml:"AuthnInstant,attr"`
	SessionIndex        string        `xml:"SessionIndex,attr,omitempty"`
	SessionNotOnOrAfter string        `xml:"SessionNotOnOrAfter,attr,omitempty"`
	AuthnContext        *AuthnContext `xml:"AuthnContext"`
}

// AuthnContext describes the authentication method and, for proxied
// authentications, the chain of authenticating authorities.
type AuthnContext struct {
	XMLName                 xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`
	AuthnContextClassRef    string   `xml:"AuthnContextClassRef,omitempty"`
	AuthenticatingAuthority []string `xml:"AuthenticatingAuthority,omitempty"`
}

// AttributeStatement carries subject attributes.
type AttributeStatement struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`
	Attributes []Attribute `xml:"Attribute"`
}

// Attribute is a single named attribute.
type Attribute struct {
	XMLName      xml.Name         `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
	Name         string           `xml:"Name,attr"`
	NameFormat   string           `xml:"NameFormat,attr,omitempty"`
	FriendlyName string           `xml:"FriendlyName,attr,omitempty"`
	Values       []AttributeValue `xml:"AttributeValue"`
}

// AttributeValue is one value of an attribute.
type AttributeValue struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
	Type    string   `xml:"xsi:type,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Assertion is a SAML 2.0 assertion.
type Assertion struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	SAML                string               `xml:"xmlns:saml,attr,omitempty"`
	ID                  string               `xml:"ID,attr"`
	Version             string               `xml:"Version,attr"`
	IssueInstant        string               `xml:"IssueInstant,attr"`
	Issuer              *Issuer              `xml:"Issuer"`
	Signature           *Signature           `xml:"Signature,omitempty"`
	Subject             *Subject             `xml:"Subject,omitempty"`
	Conditions          *Conditions          `xml:"Conditions,omitempty"`
	AuthnStatements     []AuthnStatement     `xml:"AuthnStatement,omitempty"`
	AttributeStatements []AttributeStatement `xml:"AttributeStatement,omitempty"`
}

// FirstAuthnStatement returns the first authn statement, if any.
func (a *Assertion) FirstAuthnStatement() *AuthnStatement {
	if len(a.AuthnStatements) == 0 {
		return nil
	}
	return &a.AuthnStatements[0]
}

// AttributesByName flattens all attribute statements into a multi-valued map.
func (a *Assertion) AttributesByName() map[string][]string {
	out := make(map[string][]string)
	for _, st := range a.AttributeStatements {
		for _, attr := range st.Attributes {
			for _, v := range attr.Values {
				out[attr.Name] = append(out[attr.Name], v.Value)
			}
		}
	}
	return out
}
