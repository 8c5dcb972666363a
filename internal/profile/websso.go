package profile

import (
	"encoding/xml"
	"net/http"

	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/saml/trust"
	"github.com/openfed/samlgate/internal/store"
)

// WebSSO drives the browser SSO profile in the service-provider role:
// it forwards an authentication session upstream as an AuthnRequest and
// turns the returned Response into a session outcome.
type WebSSO struct {
	d *Deps
}

// NewWebSSO creates the profile around shared collaborators.
func NewWebSSO(d *Deps) *WebSSO { return &WebSSO{d: d} }

// SelectIDP picks the upstream IdP for a requestor: the first enabled
// scoped IdP, falling back to the registry default.
func (p *WebSSO) SelectIDP(sp *registry.SAML2Requestor) (*registry.IDP, error) {
	if sp != nil {
		for _, id := range sp.ScopingIDPs {
			if idp, ok := p.d.Registry.IDP(id); ok && idp.Enabled {
				return idp, nil
			}
		}
	}
	if idp := p.d.Registry.DefaultIDP; idp != nil && idp.Enabled {
		return idp, nil
	}
	return nil, events.Internalf("no enabled identity provider configured")
}

// StartAuthn builds the AuthnRequest for the session, persists the
// correlation prefix, and sends the request over the IdP's advertised
// binding. The session must already be persisted as Created.
func (p *WebSSO) StartAuthn(w http.ResponseWriter, r *http.Request, s *store.Session, sp *registry.SAML2Requestor, idp *registry.IDP) error {
	cfg := p.d.Config

	desc, err := idp.Metadata.Descriptor()
	if err != nil {
		return events.Internalf("metadata for %q unavailable", idp.ID).Wrap(err)
	}
	if desc.IDPSSODescriptor == nil {
		return events.Internalf("entity %q publishes no IdP role", idp.ID)
	}
	sso := desc.IDPSSODescriptor.FirstSSOService()
	if sso == nil {
		return events.Internalf("entity %q advertises no SSO service", idp.ID)
	}

	prefix := NewRequestIDPrefix()
	s.Attrs.RequestIDPrefix = prefix
	s.Attrs.IDPID = idp.ID

	req := saml.NewAuthnRequest(BuildInResponseTo(prefix, s.ID), cfg.EntityID, sso.Location)
	req.ProtocolBinding = saml.BindingHTTPPost
	if cfg.UseACSIndex {
		idx := cfg.ACSIndex
		req.AssertionConsumerServiceIndex = &idx
	} else {
		req.AssertionConsumerServiceURL = cfg.ResponseURL()
	}
	req.ForceAuthn = s.ForcedAuthn
	req.IsPassive = s.Passive

	if s.ForcedUID != "" {
		req.Subject = &saml.Subject{
			NameID: &saml.NameID{Format: saml.NameIDFormatUnspecified, Value: s.ForcedUID},
		}
	}

	format := saml.NameIDFormatUnspecified
	allowCreate := true
	if sp != nil {
		if sp.NameIDFormat != "" {
			format = sp.NameIDFormat
		}
		allowCreate = sp.AllowCreate
	}
	req.NameIDPolicy = &saml.NameIDPolicy{Format: format, AllowCreate: allowCreate}

	classRefs := s.Attrs.RequestedClassRefs
	comparison := s.Attrs.RequestedComparison
	if len(classRefs) == 0 {
		classRefs = cfg.DefaultClassRefs
		comparison = cfg.DefaultComparison
	}
	if len(classRefs) > 0 {
		req.RequestedAuthnContext = &saml.RequestedAuthnContext{
			Comparison:           comparison,
			AuthnContextClassRef: classRefs,
		}
	}

	if sp != nil && len(sp.ScopingIDPs) > 0 {
		list := &saml.IDPList{}
		for _, id := range sp.ScopingIDPs {
			list.IDPEntries = append(list.IDPEntries, saml.IDPEntry{ProviderID: id})
		}
		req.Scoping = &saml.Scoping{IDPList: list}
	}

	// The prefix must be durable before the browser leaves, or the
	// response can never be correlated.
	s.State = store.StateCreated
	if err := p.d.Sessions.Persist(s); err != nil {
		return events.Internalf("persist session %s", s.ID).Wrap(err)
	}
	p.d.Auditor.User(s.RequestorID, s.ID, events.UserEventAuthnMethodInProgress,
		"authentication forwarded to "+idp.ID)

	xmlData, err := xml.Marshal(req)
	if err != nil {
		return events.Internalf("encode AuthnRequest").Wrap(err)
	}

	switch sso.Binding {
	case saml.BindingHTTPRedirect:
		var signer binding.RedirectSigner
		if cfg.SignRequests {
			signer = p.d.Signer
		}
		u, err := binding.BuildRedirectURL(sso.Location, xmlData, "", true, signer)
		if err != nil {
			return events.Internalf("build redirect to %q", sso.Location).Wrap(err)
		}
		http.Redirect(w, r, u, http.StatusFound)
		return nil
	case saml.BindingHTTPPost:
		if cfg.SignRequests {
			xmlData, err = p.d.Signer.SignEnveloped(xmlData)
			if err != nil {
				return events.Internalf("sign AuthnRequest").Wrap(err)
			}
		}
		return binding.WritePostForm(w, sso.Location, xmlData, "", true)
	default:
		return events.Internalf("entity %q advertises unsupported SSO binding %q", idp.ID, sso.Binding)
	}
}

// HandleResponse validates an inbound authentication Response against the
// session and the issuing IdP and folds the result into the session. The
// returned user event is terminal; the caller owns TGT issuance and the
// browser leg.
func (p *WebSSO) HandleResponse(s *store.Session, env *binding.Envelope, resp *saml.Response, idp *registry.IDP) (events.UserEvent, error) {
	v := p.d.Validator

	if resp.Version != saml.Version {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"unsupported response version %q", resp.Version)
	}
	if err := v.IssueInstant(resp.IssueInstant); err != nil {
		return "", err
	}
	if resp.Destination != "" && resp.Destination != p.d.Config.ResponseURL() {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"response destined for %q, not this endpoint", resp.Destination)
	}

	required := v.IDPSigningRequired(idp) || p.d.Config.WantAssertionsSigned
	msgOutcome, err := p.d.Verifier.Verify(env, idp.ID, idp.Metadata)
	if err != nil {
		return "", err
	}

	if !resp.Status.IsSuccess() {
		if required && msgOutcome != trust.OutcomeValid {
			return "", events.Securityf(events.RequestorEventSignatureInvalid,
				"unsigned failure response from %q", idp.ID)
		}
		p.d.Log.Info("authentication refused upstream",
			zap.String("idp", idp.ID),
			zap.String("status", resp.Status.StatusCode.Value),
			zap.String("second_level", resp.Status.SecondLevel()))
		s.State = store.StateAuthnFailed
		return events.UserEventAuthnMethodFailed, nil
	}

	assertion := selectAssertion(resp)
	if assertion == nil {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"success response from %q carries no usable assertion", idp.ID)
	}

	assertionOutcome, err := p.d.Verifier.VerifyAssertion(env.Raw, assertion.ID, idp.ID, idp.Metadata)
	if err != nil {
		return "", err
	}
	if required && msgOutcome != trust.OutcomeValid && assertionOutcome != trust.OutcomeValid {
		return "", events.Securityf(events.RequestorEventSignatureInvalid,
			"neither response nor assertion from %q is signed", idp.ID)
	}

	if assertion.Version != saml.Version {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"unsupported assertion version %q", assertion.Version)
	}
	if assertion.Issuer == nil || assertion.Issuer.Value != idp.ID {
		return "", events.Securityf(events.RequestorEventIssuerUnknown,
			"assertion issuer differs from response issuer %q", idp.ID)
	}
	if err := v.IssueInstant(assertion.IssueInstant); err != nil {
		return "", err
	}
	if err := v.Conditions(assertion.Conditions); err != nil {
		return "", err
	}

	sub := assertion.Subject
	if sub == nil || sub.NameID == nil || sub.NameID.Value == "" {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"assertion from %q names no subject", idp.ID)
	}
	if err := p.checkBearerConfirmation(sub, resp.InResponseTo); err != nil {
		return "", err
	}

	st := assertion.FirstAuthnStatement()
	if st == nil {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"assertion from %q carries no authentication statement", idp.ID)
	}

	if s.ForcedUID != "" && sub.NameID.Value != s.ForcedUID {
		return "", events.Securityf(events.RequestorEventSessionMismatch,
			"asserted subject differs from the required user")
	}

	user := store.User{
		ID:           sub.NameID.Value,
		Organization: sub.NameID.NameQualifier,
		Attributes:   p.mapAttributes(assertion.AttributesByName()),
	}
	if err := s.SetUser(user); err != nil {
		return "", events.Securityf(events.RequestorEventSessionMismatch, "%v", err)
	}

	if st.SessionIndex != "" {
		s.Attrs.SessionIndices = appendUnique(s.Attrs.SessionIndices, st.SessionIndex)
	}
	s.Attrs.AuthnAuthorities = appendUnique(s.Attrs.AuthnAuthorities, idp.ID)
	if st.AuthnContext != nil {
		for _, aa := range st.AuthnContext.AuthenticatingAuthority {
			s.Attrs.AuthnAuthorities = appendUnique(s.Attrs.AuthnAuthorities, aa)
		}
	}

	s.State = store.StateAuthnOK
	return events.UserEventAuthnMethodSuccessful, nil
}

// checkBearerConfirmation enforces bearer subject-confirmation data when the
// IdP supplied it: correlation must match the response and the confirmation
// window must be open.
func (p *WebSSO) checkBearerConfirmation(sub *saml.Subject, inResponseTo string) error {
	sc := sub.SubjectConfirmation
	if sc == nil || sc.Method != saml.SubjectConfirmationBearer || sc.SubjectConfirmationData == nil {
		return nil
	}
	data := sc.SubjectConfirmationData
	if data.InResponseTo != "" && data.InResponseTo != inResponseTo {
		return events.Securityf(events.RequestorEventSessionMismatch,
			"bearer confirmation correlates to a different request")
	}
	if data.Recipient != "" && data.Recipient != p.d.Config.ResponseURL() {
		return events.Securityf(events.RequestorEventSessionMismatch,
			"bearer confirmation recipient %q is not this endpoint", data.Recipient)
	}
	if data.NotOnOrAfter != "" {
		noa, err := saml.ParseTime(data.NotOnOrAfter)
		if err != nil {
			return events.Securityf(events.RequestorEventRequestInvalid, "bad confirmation NotOnOrAfter").Wrap(err)
		}
		if !p.d.Validator.Now().Add(-p.d.Validator.Skew).Before(noa) {
			return events.Securityf(events.RequestorEventMessageStale, "bearer confirmation has expired")
		}
	}
	return nil
}

// mapAttributes renames remote attributes through the configured map.
// Unmapped names pass through unchanged.
func (p *WebSSO) mapAttributes(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for name, values := range in {
		if local, ok := p.d.Config.AttributeMap[name]; ok {
			name = local
		}
		out[name] = append(out[name], values...)
	}
	return out
}

// selectAssertion returns the first assertion carrying both a subject and
// an authentication statement.
func selectAssertion(resp *saml.Response) *saml.Assertion {
	for _, a := range resp.Assertions {
		if a.Subject != nil && len(a.AuthnStatements) > 0 {
			return a
		}
	}
	if len(resp.Assertions) > 0 {
		return resp.Assertions[0]
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
