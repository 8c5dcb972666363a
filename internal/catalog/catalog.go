// Package catalog builds and republishes the federation metadata catalog:
// the gateway's own entity descriptor plus the descriptors of every
// registered peer, either echoed verbatim or rewritten to proxy through the
// gateway.
package catalog

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
)

// Mode selects how peer endpoints are published.
type Mode int

const (
	// ModeTransparent echoes each peer's own advertised endpoints.
	ModeTransparent Mode = iota
	// ModeProxy rewrites peer endpoints to this gateway, suffixed with an
	// opaque per-entity reference for demultiplexing.
	ModeProxy
)

// ParseMode maps the configuration string onto a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "transparent":
		return ModeTransparent, nil
	case "proxy":
		return ModeProxy, nil
	default:
		return ModeTransparent, fmt.Errorf("unknown catalog mode %q", s)
	}
}

// Endpoints names the gateway paths peer endpoints are rewritten to in
// proxy mode, and the gateway's own advertised services.
type Endpoints struct {
	BaseURL      string
	SSOPath      string
	ResponsePath string
	LogoutPath   string
	ArtifactPath string
}

// Builder assembles the catalog from registry data.
type Builder struct {
	registry  *registry.Registry
	provider  *crypto.Provider
	entityID  string
	endpoints Endpoints
	mode      Mode
	log       *zap.Logger
}

// NewBuilder creates a catalog builder.
func NewBuilder(reg *registry.Registry, provider *crypto.Provider, entityID string, eps Endpoints, mode Mode, log *zap.Logger) *Builder {
	return &Builder{
		registry:  reg,
		provider:  provider,
		entityID:  entityID,
		endpoints: eps,
		mode:      mode,
		log:       log,
	}
}

// EntityRef is the opaque path suffix under which a proxied entity's
// endpoints are published. It is hex(SHA-1(entityID)) — an identifier, not
// a secret: the real entity ID is guessable from it by dictionary.
func EntityRef(entityID string) string {
	sum := sha1.Sum([]byte(entityID))
	return hex.EncodeToString(sum[:])
}

// Build assembles the catalog. Peers without usable SAML2 metadata are
// skipped, never fabricated.
func (b *Builder) Build() (*saml.EntitiesDescriptor, error) {
	own, err := b.ownDescriptor()
	if err != nil {
		return nil, err
	}
	catalog := &saml.EntitiesDescriptor{
		Name:     b.entityID,
		Entities: []saml.EntityDescriptor{*own},
	}

	for _, sp := range b.registry.Requestors() {
		if sp.Metadata == nil {
			continue
		}
		desc, err := sp.Metadata.Descriptor()
		if err != nil {
			b.log.Warn("skipping requestor with unavailable metadata",
				zap.String("requestor", sp.Requestor.ID), zap.Error(err))
			continue
		}
		entry := cloneEntity(desc)
		if b.mode == ModeProxy {
			b.proxySP(entry)
		}
		catalog.Entities = append(catalog.Entities, *entry)
	}

	for _, idp := range b.registry.IDPs() {
		if idp.Metadata == nil {
			continue
		}
		desc, err := idp.Metadata.Descriptor()
		if err != nil {
			b.log.Warn("skipping identity provider with unavailable metadata",
				zap.String("idp", idp.ID), zap.Error(err))
			continue
		}
		entry := cloneEntity(desc)
		if b.mode == ModeProxy {
			b.proxyIDP(entry)
		}
		catalog.Entities = append(catalog.Entities, *entry)
	}

	return catalog, nil
}

// ServeHTTP publishes the catalog as text/xml.
func (b *Builder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	catalog, err := b.Build()
	if err != nil {
		b.log.Error("build metadata catalog", zap.Error(err))
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	out, err := xml.MarshalIndent(catalog, "", "  ")
	if err != nil {
		b.log.Error("encode metadata catalog", zap.Error(err))
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// ownDescriptor publishes the gateway's SP and IdP roles with the local
// signing certificate.
func (b *Builder) ownDescriptor() (*saml.EntityDescriptor, error) {
	cert := b.provider.Certificate()
	if cert == nil {
		return nil, fmt.Errorf("no local certificate to publish")
	}
	keyDescriptor := saml.KeyDescriptor{
		Use: "signing",
		KeyInfo: saml.KeyInfo{
			X509Data: &saml.X509Data{
				X509Certificates: []string{base64.StdEncoding.EncodeToString(cert.Raw)},
			},
		},
	}

	eps := b.endpoints
	return &saml.EntityDescriptor{
		EntityID: b.entityID,
		SPSSODescriptor: &saml.SPSSODescriptor{
			ProtocolSupportEnumeration: saml.NamespaceSAMLp,
			AuthnRequestsSigned:        true,
			KeyDescriptors:             []saml.KeyDescriptor{keyDescriptor},
			SingleLogoutServices: []saml.Endpoint{
				{Binding: saml.BindingSOAP, Location: eps.BaseURL + eps.LogoutPath},
			},
			ArtifactResolutionServices: []saml.IndexedEndpoint{
				{Binding: saml.BindingSOAP, Location: eps.BaseURL + eps.ArtifactPath, Index: 0, IsDefault: true},
			},
			AssertionConsumerServices: []saml.IndexedEndpoint{
				{Binding: saml.BindingHTTPPost, Location: eps.BaseURL + eps.ResponsePath, Index: 0, IsDefault: true},
				{Binding: saml.BindingHTTPArtifact, Location: eps.BaseURL + eps.ResponsePath, Index: 1},
			},
		},
		IDPSSODescriptor: &saml.IDPSSODescriptor{
			ProtocolSupportEnumeration: saml.NamespaceSAMLp,
			KeyDescriptors:             []saml.KeyDescriptor{keyDescriptor},
			SingleLogoutServices: []saml.Endpoint{
				{Binding: saml.BindingSOAP, Location: eps.BaseURL + eps.LogoutPath},
			},
			ArtifactResolutionServices: []saml.IndexedEndpoint{
				{Binding: saml.BindingSOAP, Location: eps.BaseURL + eps.ArtifactPath, Index: 0, IsDefault: true},
			},
			SingleSignOnServices: []saml.Endpoint{
				{Binding: saml.BindingHTTPRedirect, Location: eps.BaseURL + eps.SSOPath},
				{Binding: saml.BindingHTTPPost, Location: eps.BaseURL + eps.SSOPath},
			},
		},
	}, nil
}

// proxySP rewrites an SP descriptor so its consumer endpoints point at this
// gateway, demultiplexed by the entity reference.
func (b *Builder) proxySP(e *saml.EntityDescriptor) {
	if e.SPSSODescriptor == nil {
		return
	}
	ref := EntityRef(e.EntityID)
	for i := range e.SPSSODescriptor.AssertionConsumerServices {
		e.SPSSODescriptor.AssertionConsumerServices[i].Location = b.proxied(b.endpoints.ResponsePath, ref)
	}
	for i := range e.SPSSODescriptor.SingleLogoutServices {
		e.SPSSODescriptor.SingleLogoutServices[i].Location = b.proxied(b.endpoints.LogoutPath, ref)
	}
	for i := range e.SPSSODescriptor.ArtifactResolutionServices {
		e.SPSSODescriptor.ArtifactResolutionServices[i].Location = b.proxied(b.endpoints.ArtifactPath, ref)
	}
}

// proxyIDP rewrites an IdP descriptor likewise.
func (b *Builder) proxyIDP(e *saml.EntityDescriptor) {
	if e.IDPSSODescriptor == nil {
		return
	}
	ref := EntityRef(e.EntityID)
	for i := range e.IDPSSODescriptor.SingleSignOnServices {
		e.IDPSSODescriptor.SingleSignOnServices[i].Location = b.proxied(b.endpoints.SSOPath, ref)
	}
	for i := range e.IDPSSODescriptor.SingleLogoutServices {
		e.IDPSSODescriptor.SingleLogoutServices[i].Location = b.proxied(b.endpoints.LogoutPath, ref)
	}
	for i := range e.IDPSSODescriptor.ArtifactResolutionServices {
		e.IDPSSODescriptor.ArtifactResolutionServices[i].Location = b.proxied(b.endpoints.ArtifactPath, ref)
	}
}

func (b *Builder) proxied(path, ref string) string {
	return b.endpoints.BaseURL + path + "/" + ref
}

// cloneEntity deep-copies a descriptor so rewrites never mutate the cached
// original.
func cloneEntity(src *saml.EntityDescriptor) *saml.EntityDescriptor {
	dst := *src
	if src.SPSSODescriptor != nil {
		sp := *src.SPSSODescriptor
		sp.KeyDescriptors = append([]saml.KeyDescriptor(nil), src.SPSSODescriptor.KeyDescriptors...)
		sp.SingleLogoutServices = append([]saml.Endpoint(nil), src.SPSSODescriptor.SingleLogoutServices...)
		sp.ArtifactResolutionServices = append([]saml.IndexedEndpoint(nil), src.SPSSODescriptor.ArtifactResolutionServices...)
		sp.NameIDFormats = append([]string(nil), src.SPSSODescriptor.NameIDFormats...)
		sp.AssertionConsumerServices = append([]saml.IndexedEndpoint(nil), src.SPSSODescriptor.AssertionConsumerServices...)
		dst.SPSSODescriptor = &sp
	}
	if src.IDPSSODescriptor != nil {
		idp := *src.IDPSSODescriptor
		idp.KeyDescriptors = append([]saml.KeyDescriptor(nil), src.IDPSSODescriptor.KeyDescriptors...)
		idp.SingleLogoutServices = append([]saml.Endpoint(nil), src.IDPSSODescriptor.SingleLogoutServices...)
		idp.ArtifactResolutionServices = append([]saml.IndexedEndpoint(nil), src.IDPSSODescriptor.ArtifactResolutionServices...)
		idp.NameIDFormats = append([]string(nil), src.IDPSSODescriptor.NameIDFormats...)
		idp.SingleSignOnServices = append([]saml.Endpoint(nil), src.IDPSSODescriptor.SingleSignOnServices...)
		dst.IDPSSODescriptor = &idp
	}
	if src.Organization != nil {
		org := *src.Organization
		org.Names = append([]saml.LocalizedName(nil), src.Organization.Names...)
		org.DisplayNames = append([]saml.LocalizedName(nil), src.Organization.DisplayNames...)
		org.URLs = append([]saml.LocalizedName(nil), src.Organization.URLs...)
		dst.Organization = &org
	}
	return &dst
}
