package saml

import "encoding/xml"

// EntitiesDescriptor aggregates the descriptors the gateway republishes.
type EntitiesDescriptor struct {
	XMLName       xml.Name           `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntitiesDescriptor"`
	Name          string             `xml:"Name,attr,omitempty"`
	ValidUntil    string             `xml:"validUntil,attr,omitempty"`
	CacheDuration string             `xml:"cacheDuration,attr,omitempty"`
	Entities      []EntityDescriptor `xml:"EntityDescriptor"`
}

// EntityDescriptor describes one SAML entity.
type EntityDescriptor struct {
	XMLName          xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID         string            `xml:"entityID,attr"`
	ValidUntil       string            `xml:"validUntil,attr,omitempty"`
	CacheDuration    string            `xml:"cacheDuration,attr,omitempty"`
	SPSSODescriptor  *SPSSODescriptor  `xml:"SPSSODescriptor,omitempty"`
	IDPSSODescriptor *IDPSSODescriptor `xml:"IDPSSODescriptor,omitempty"`
	Organization     *Organization     `xml:"Organization,omitempty"`
}

// SPSSODescriptor is the service-provider role.
type SPSSODescriptor struct {
	XMLName                    xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	ProtocolSupportEnumeration string            `xml:"protocolSupportEnumeration,attr"`
	AuthnRequestsSigned        bool              `xml:"AuthnRequestsSigned,attr,omitempty"`
	WantAssertionsSigned       bool              `xml:"WantAssertionsSigned,attr,omitempty"`
	KeyDescriptors             []KeyDescriptor   `xml:"KeyDescriptor,omitempty"`
	SingleLogoutServices       []Endpoint        `xml:"SingleLogoutService,omitempty"`
	ArtifactResolutionServices []IndexedEndpoint `xml:"ArtifactResolutionService,omitempty"`
	NameIDFormats              []string          `xml:"NameIDFormat,omitempty"`
	AssertionConsumerServices  []IndexedEndpoint `xml:"AssertionConsumerService"`
}

// IDPSSODescriptor is the identity-provider role.
type IDPSSODescriptor struct {
	XMLName                    xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	ProtocolSupportEnumeration string            `xml:"protocolSupportEnumeration,attr"`
	WantAuthnRequestsSigned    bool              `xml:"WantAuthnRequestsSigned,attr,omitempty"`
	KeyDescriptors             []KeyDescriptor   `xml:"KeyDescriptor,omitempty"`
	SingleLogoutServices       []Endpoint        `xml:"SingleLogoutService,omitempty"`
	ArtifactResolutionServices []IndexedEndpoint `xml:"ArtifactResolutionService,omitempty"`
	NameIDFormats              []string          `xml:"NameIDFormat,omitempty"`
	SingleSignOnServices       []Endpoint        `xml:"SingleSignOnService"`
}

// KeyDescriptor publishes a role key.
type KeyDescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	Use     string   `xml:"use,attr,omitempty"`
	KeyInfo KeyInfo  `xml:"KeyInfo"`
}

// Endpoint is a plain metadata endpoint.
type Endpoint struct {
	Binding          string `xml:"Binding,attr"`
	Location         string `xml:"Location,attr"`
	ResponseLocation string `xml:"ResponseLocation,attr,omitempty"`
}

// IndexedEndpoint is an endpoint addressable by index.
type IndexedEndpoint struct {
	Binding          string `xml:"Binding,attr"`
	Location         string `xml:"Location,attr"`
	ResponseLocation string `xml:"ResponseLocation,attr,omitempty"`
	Index            int    `xml:"index,attr"`
	IsDefault        bool   `xml:"isDefault,attr,omitempty"`
}

// Organization is the publishing organization.
type Organization struct {
	XMLName      xml.Name        `xml:"urn:oasis:names:tc:SAML:2.0:metadata Organization"`
	Names        []LocalizedName `xml:"OrganizationName"`
	DisplayNames []LocalizedName `xml:"OrganizationDisplayName"`
	URLs         []LocalizedName `xml:"OrganizationURL"`
}

// LocalizedName is a language-tagged string.
type LocalizedName struct {
	Lang  string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Value string `xml:",chardata"`
}

// FirstSSOService returns the first SSO endpoint the IdP advertises, which
// is the one the gateway uses for outbound requests.
func (d *IDPSSODescriptor) FirstSSOService() *Endpoint {
	if d == nil || len(d.SingleSignOnServices) == 0 {
		return nil
	}
	return &d.SingleSignOnServices[0]
}

// SLOServiceByBinding returns the logout endpoint advertised for the binding.
func (d *IDPSSODescriptor) SLOServiceByBinding(binding string) *Endpoint {
	if d == nil {
		return nil
	}
	for i := range d.SingleLogoutServices {
		if d.SingleLogoutServices[i].Binding == binding {
			return &d.SingleLogoutServices[i]
		}
	}
	return nil
}

// ACSByBinding returns the first assertion-consumer endpoint matching the
// binding.
func (d *SPSSODescriptor) ACSByBinding(binding string) *IndexedEndpoint {
	if d == nil {
		return nil
	}
	for i := range d.AssertionConsumerServices {
		if d.AssertionConsumerServices[i].Binding == binding {
			return &d.AssertionConsumerServices[i]
		}
	}
	return nil
}

// SigningCertificates extracts the base64 DER certificates published for
// signing (or for any use when no use attribute is present).
func signingCertificates(kds []KeyDescriptor) []string {
	var out []string
	for _, kd := range kds {
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		if kd.KeyInfo.X509Data != nil {
			out = append(out, kd.KeyInfo.X509Data.X509Certificates...)
		}
	}
	return out
}

// SigningCertificates returns signing certificates for the IdP role.
func (d *IDPSSODescriptor) SigningCertificates() []string {
	if d == nil {
		return nil
	}
	return signingCertificates(d.KeyDescriptors)
}

// SigningCertificates returns signing certificates for the SP role.
func (d *SPSSODescriptor) SigningCertificates() []string {
	if d == nil {
		return nil
	}
	return signingCertificates(d.KeyDescriptors)
}

// RoleSigningCertificates collects signing certificates from whichever roles
// the entity publishes.
func (e *EntityDescriptor) RoleSigningCertificates() []string {
	var out []string
	if e.IDPSSODescriptor != nil {
		out = append(out, e.IDPSSODescriptor.SigningCertificates()...)
	}
	if e.SPSSODescriptor != nil {
		out = append(out, e.SPSSODescriptor.SigningCertificates()...)
	}
	return out
}
