package catalog

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
)

const (
	testGatewayEntity = "https://gw.example.org/metadata"
	testSPEntity      = "https://sp.example.org/metadata"
	testIDPEntity     = "https://idp.example.org/metadata"
)

var testEndpoints = Endpoints{
	BaseURL:      "https://gw.example.org",
	SSOPath:      "/saml2/sso",
	ResponsePath: "/saml2/resp",
	LogoutPath:   "/saml2/slo",
	ArtifactPath: "/saml2/ars",
}

func testBuilder(t *testing.T, mode Mode) *Builder {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.AddPool(&registry.RequestorPool{ID: "main", Enabled: true}))

	sp := &registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: testSPEntity, Enabled: true, PoolID: "main"},
		Metadata:  registry.NewMetadataProvider(testSPEntity, "", ""),
	}
	sp.Metadata.SetDescriptor(&saml.EntityDescriptor{
		EntityID: testSPEntity,
		SPSSODescriptor: &saml.SPSSODescriptor{
			ProtocolSupportEnumeration: saml.NamespaceSAMLp,
			AssertionConsumerServices: []saml.IndexedEndpoint{
				{Binding: saml.BindingHTTPPost, Location: testSPEntity + "/acs", Index: 0, IsDefault: true},
			},
			SingleLogoutServices: []saml.Endpoint{
				{Binding: saml.BindingHTTPRedirect, Location: testSPEntity + "/slo"},
			},
		},
	})
	require.NoError(t, reg.AddRequestor(sp))

	idp := &registry.IDP{ID: testIDPEntity, Enabled: true, Metadata: registry.NewMetadataProvider(testIDPEntity, "", "")}
	idp.Metadata.SetDescriptor(&saml.EntityDescriptor{
		EntityID: testIDPEntity,
		IDPSSODescriptor: &saml.IDPSSODescriptor{
			ProtocolSupportEnumeration: saml.NamespaceSAMLp,
			SingleSignOnServices: []saml.Endpoint{
				{Binding: saml.BindingHTTPRedirect, Location: testIDPEntity + "/sso"},
			},
			SingleLogoutServices: []saml.Endpoint{
				{Binding: saml.BindingHTTPRedirect, Location: testIDPEntity + "/slo"},
			},
		},
	})
	require.NoError(t, reg.AddIDP(idp))

	provider, err := crypto.NewProvider("", "")
	require.NoError(t, err)

	return NewBuilder(reg, provider, testGatewayEntity, testEndpoints, mode, zap.NewNop())
}

func entityByID(t *testing.T, catalog *saml.EntitiesDescriptor, entityID string) *saml.EntityDescriptor {
	t.Helper()
	for i := range catalog.Entities {
		if catalog.Entities[i].EntityID == entityID {
			return &catalog.Entities[i]
		}
	}
	t.Fatalf("entity %s not in catalog", entityID)
	return nil
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"", "transparent", "Transparent"} {
		mode, err := ParseMode(s)
		require.NoError(t, err)
		require.Equal(t, ModeTransparent, mode)
	}

	mode, err := ParseMode("proxy")
	require.NoError(t, err)
	require.Equal(t, ModeProxy, mode)

	_, err = ParseMode("passthrough")
	require.Error(t, err)
}

func TestEntityRef(t *testing.T) {
	sum := sha1.Sum([]byte(testSPEntity))
	require.Equal(t, hex.EncodeToString(sum[:]), EntityRef(testSPEntity))
	require.Len(t, EntityRef(testSPEntity), 40)
}

func TestBuildPublishesOwnDescriptorFirst(t *testing.T) {
	b := testBuilder(t, ModeTransparent)
	catalog, err := b.Build()
	require.NoError(t, err)

	require.Equal(t, testGatewayEntity, catalog.Name)
	require.Len(t, catalog.Entities, 3)

	own := catalog.Entities[0]
	require.Equal(t, testGatewayEntity, own.EntityID)
	require.NotNil(t, own.SPSSODescriptor)
	require.NotNil(t, own.IDPSSODescriptor)
	require.True(t, own.SPSSODescriptor.AuthnRequestsSigned)

	require.NotEmpty(t, own.SPSSODescriptor.KeyDescriptors)
	require.Equal(t, "signing", own.SPSSODescriptor.KeyDescriptors[0].Use)
	require.NotEmpty(t, own.SPSSODescriptor.KeyDescriptors[0].KeyInfo.X509Data.X509Certificates)

	acs := own.SPSSODescriptor.AssertionConsumerServices
	require.Len(t, acs, 2)
	require.Equal(t, saml.BindingHTTPPost, acs[0].Binding)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.ResponsePath, acs[0].Location)
	require.True(t, acs[0].IsDefault)
	require.Equal(t, saml.BindingHTTPArtifact, acs[1].Binding)

	sso := own.IDPSSODescriptor.SingleSignOnServices
	require.Len(t, sso, 2)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.SSOPath, sso[0].Location)

	ars := own.IDPSSODescriptor.ArtifactResolutionServices
	require.Len(t, ars, 1)
	require.Equal(t, saml.BindingSOAP, ars[0].Binding)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.ArtifactPath, ars[0].Location)
}

func TestBuildTransparentEchoesPeerEndpoints(t *testing.T) {
	b := testBuilder(t, ModeTransparent)
	catalog, err := b.Build()
	require.NoError(t, err)

	sp := entityByID(t, catalog, testSPEntity)
	require.Equal(t, testSPEntity+"/acs", sp.SPSSODescriptor.AssertionConsumerServices[0].Location)

	idp := entityByID(t, catalog, testIDPEntity)
	require.Equal(t, testIDPEntity+"/sso", idp.IDPSSODescriptor.SingleSignOnServices[0].Location)
}

func TestBuildProxyRewritesPeerEndpoints(t *testing.T) {
	b := testBuilder(t, ModeProxy)
	catalog, err := b.Build()
	require.NoError(t, err)

	sp := entityByID(t, catalog, testSPEntity)
	spRef := EntityRef(testSPEntity)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.ResponsePath+"/"+spRef,
		sp.SPSSODescriptor.AssertionConsumerServices[0].Location)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.LogoutPath+"/"+spRef,
		sp.SPSSODescriptor.SingleLogoutServices[0].Location)

	idp := entityByID(t, catalog, testIDPEntity)
	idpRef := EntityRef(testIDPEntity)
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.SSOPath+"/"+idpRef,
		idp.IDPSSODescriptor.SingleSignOnServices[0].Location)

	// The gateway's own endpoints are never suffixed.
	own := catalog.Entities[0]
	require.Equal(t, testEndpoints.BaseURL+testEndpoints.ResponsePath,
		own.SPSSODescriptor.AssertionConsumerServices[0].Location)
}

func TestBuildProxyDoesNotMutateCachedDescriptor(t *testing.T) {
	b := testBuilder(t, ModeProxy)
	_, err := b.Build()
	require.NoError(t, err)

	sp, ok := b.registry.Requestor(testSPEntity)
	require.True(t, ok)
	cached, err := sp.Metadata.Descriptor()
	require.NoError(t, err)
	require.Equal(t, testSPEntity+"/acs", cached.SPSSODescriptor.AssertionConsumerServices[0].Location)

	idp, ok := b.registry.IDP(testIDPEntity)
	require.True(t, ok)
	cached2, err := idp.Metadata.Descriptor()
	require.NoError(t, err)
	require.Equal(t, testIDPEntity+"/sso", cached2.IDPSSODescriptor.SingleSignOnServices[0].Location)
}

func TestBuildSkipsEntitiesWithoutMetadata(t *testing.T) {
	b := testBuilder(t, ModeTransparent)

	// No metadata source at all, and a provider that cannot fetch anything.
	require.NoError(t, b.registry.AddRequestor(&registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: "https://bare.example.org", Enabled: true, PoolID: "main"},
	}))
	require.NoError(t, b.registry.AddRequestor(&registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: "https://broken.example.org", Enabled: true, PoolID: "main"},
		Metadata:  registry.NewMetadataProvider("https://broken.example.org", "", ""),
	}))

	catalog, err := b.Build()
	require.NoError(t, err)
	require.Len(t, catalog.Entities, 3)
	for _, e := range catalog.Entities {
		require.NotContains(t, e.EntityID, "bare.example.org")
		require.NotContains(t, e.EntityID, "broken.example.org")
	}
}

func TestServeHTTP(t *testing.T) {
	b := testBuilder(t, ModeTransparent)

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest("GET", "/metadata", nil))

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, xml.Header))
	require.Contains(t, body, testGatewayEntity)
	require.Contains(t, body, testSPEntity)
	require.Contains(t, body, testIDPEntity)

	var parsed saml.EntitiesDescriptor
	require.NoError(t, xml.Unmarshal([]byte(strings.TrimPrefix(body, xml.Header)), &parsed))
	require.Len(t, parsed.Entities, 3)
}
