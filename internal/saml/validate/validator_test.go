package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
)

func boolPtr(b bool) *bool { return &b }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddPool(&registry.RequestorPool{ID: "main", Enabled: true}))
	require.NoError(t, reg.AddPool(&registry.RequestorPool{ID: "frozen", Enabled: false}))
	require.NoError(t, reg.AddRequestor(&registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: "https://sp.example.org", Enabled: true, PoolID: "main"},
	}))
	require.NoError(t, reg.AddRequestor(&registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: "https://off.example.org", Enabled: false, PoolID: "main"},
	}))
	require.NoError(t, reg.AddRequestor(&registry.SAML2Requestor{
		Requestor: &registry.Requestor{ID: "https://pooled.example.org", Enabled: true, PoolID: "frozen"},
	}))
	require.NoError(t, reg.AddIDP(&registry.IDP{ID: "https://idp.example.org", Enabled: true}))
	require.NoError(t, reg.AddIDP(&registry.IDP{ID: "https://idp-off.example.org", Enabled: false}))
	return reg
}

func rejectEvent(t *testing.T, err error) events.RequestorEvent {
	t.Helper()
	var rej *events.Reject
	require.ErrorAs(t, err, &rej)
	return rej.Event
}

func TestRequestorGating(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", true)

	r, err := v.Requestor("https://sp.example.org")
	require.NoError(t, err)
	require.Equal(t, "https://sp.example.org", r.Requestor.ID)

	_, err = v.Requestor("")
	require.Equal(t, events.RequestorEventRequestInvalid, rejectEvent(t, err))

	_, err = v.Requestor("https://nobody.example.org")
	require.Equal(t, events.RequestorEventIssuerUnknown, rejectEvent(t, err))

	_, err = v.Requestor("https://off.example.org")
	require.Equal(t, events.RequestorEventIssuerDisabled, rejectEvent(t, err))

	// A disabled pool disables every requestor in it.
	_, err = v.Requestor("https://pooled.example.org")
	require.Equal(t, events.RequestorEventIssuerDisabled, rejectEvent(t, err))
}

func TestIDPGating(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", true)

	idp, err := v.IDP("https://idp.example.org")
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.org", idp.ID)

	_, err = v.IDP("https://idp-off.example.org")
	require.Equal(t, events.RequestorEventIssuerDisabled, rejectEvent(t, err))

	_, err = v.IDP("https://idp-none.example.org")
	require.Equal(t, events.RequestorEventIssuerUnknown, rejectEvent(t, err))
}

func TestSigningPolicyOverrides(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", true)

	r := &registry.SAML2Requestor{Requestor: &registry.Requestor{ID: "sp"}}
	require.True(t, v.RequestorSigningRequired(r), "system default applies")

	r.SigningRequired = boolPtr(false)
	require.False(t, v.RequestorSigningRequired(r))

	idp := &registry.IDP{ID: "idp"}
	v.RequireSigning = false
	require.False(t, v.IDPSigningRequired(idp))
	idp.SigningRequired = boolPtr(true)
	require.True(t, v.IDPSigningRequired(idp))
}

func TestSignatureAbsentMaterial(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", false)
	env := &binding.Envelope{Raw: []byte(`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"/>`)}

	require.NoError(t, v.Signature(env, "https://idp.example.org", nil, false))

	err := v.Signature(env, "https://idp.example.org", nil, true)
	require.Equal(t, events.RequestorEventSignatureInvalid, rejectEvent(t, err))
}

func TestIssueInstantWindow(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", true)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.SetNow(func() time.Time { return base })

	require.NoError(t, v.IssueInstant(saml.FormatTime(base)))
	require.NoError(t, v.IssueInstant(saml.FormatTime(base.Add(-4*time.Minute))))
	require.NoError(t, v.IssueInstant(saml.FormatTime(base.Add(4*time.Minute))))

	err := v.IssueInstant(saml.FormatTime(base.Add(-6 * time.Minute)))
	require.Equal(t, events.RequestorEventMessageStale, rejectEvent(t, err))

	err = v.IssueInstant(saml.FormatTime(base.Add(6 * time.Minute)))
	require.Equal(t, events.RequestorEventMessageStale, rejectEvent(t, err))

	err = v.IssueInstant("yesterday")
	require.Equal(t, events.RequestorEventRequestInvalid, rejectEvent(t, err))
}

func TestConditions(t *testing.T) {
	const entityID = "https://gw.example.org/metadata"
	v := New(testRegistry(t), nil, entityID, true)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.SetNow(func() time.Time { return base })

	require.NoError(t, v.Conditions(nil), "absent conditions pass")

	valid := &saml.Conditions{
		NotBefore:    saml.FormatTime(base.Add(-time.Minute)),
		NotOnOrAfter: saml.FormatTime(base.Add(time.Minute)),
		AudienceRestrictions: []saml.AudienceRestriction{
			{Audiences: []string{"https://other.example.org", entityID}},
		},
	}
	require.NoError(t, v.Conditions(valid))

	err := v.Conditions(&saml.Conditions{NotBefore: saml.FormatTime(base.Add(10 * time.Minute))})
	require.Equal(t, events.RequestorEventConditionsFailed, rejectEvent(t, err))

	err = v.Conditions(&saml.Conditions{NotOnOrAfter: saml.FormatTime(base.Add(-10 * time.Minute))})
	require.Equal(t, events.RequestorEventConditionsFailed, rejectEvent(t, err))

	err = v.Conditions(&saml.Conditions{
		AudienceRestrictions: []saml.AudienceRestriction{
			{Audiences: []string{"https://someone-else.example.org"}},
		},
	})
	require.Equal(t, events.RequestorEventConditionsFailed, rejectEvent(t, err))
}

func TestRejectClassification(t *testing.T) {
	v := New(testRegistry(t), nil, "https://gw.example.org/metadata", true)
	_, err := v.Requestor("https://nobody.example.org")

	var rej *events.Reject
	require.True(t, errors.As(err, &rej))
	require.Equal(t, events.KindSecurity, rej.Kind)
	require.Equal(t, 400, rej.HTTPStatus())
}
