package profile

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/store"
)

// logoutWindow bounds how long an outbound LogoutRequest stays actionable.
const logoutWindow = 5 * time.Minute

// SingleLogout implements the single-logout profile: synchronous SOAP
// logout toward upstream IdPs, the front-channel variant correlated through
// the response endpoint, and the inbound SOAP logout service.
type SingleLogout struct {
	d *Deps
}

// NewSingleLogout creates the profile around shared collaborators.
func NewSingleLogout(d *Deps) *SingleLogout { return &SingleLogout{d: d} }

// Attach mounts the SOAP logout service.
func (p *SingleLogout) Attach(r chi.Router) {
	r.Post(p.d.Config.LogoutPath, p.handleSOAP)
}

// LogoutUser destroys the ticket and propagates logout to every IdP the
// ticket holds a session index for. The ticket is expired regardless of the
// outcome upstream; the event reports how far propagation got.
func (p *SingleLogout) LogoutUser(ctx context.Context, t *store.TGT) events.UserEvent {
	var attempted, succeeded int
	for peer := range t.SessionIndexAliases {
		idp, ok := p.d.Registry.IDP(peer)
		if !ok || !idp.Enabled {
			continue
		}
		attempted++
		if event := p.logoutAt(ctx, t, idp); event == events.UserEventUserLoggedOut {
			succeeded++
		}
	}

	t.Expire()
	if err := p.d.TGTs.Persist(t); err != nil {
		p.d.Log.Error("persist expired ticket", zap.Error(err), zap.String("tgt_id", t.ID))
	}

	switch {
	case attempted == 0 || succeeded == attempted:
		p.d.Auditor.User("", t.ID, events.UserEventUserLoggedOut, "user logged out")
		return events.UserEventUserLoggedOut
	case succeeded > 0:
		p.d.Auditor.User("", t.ID, events.UserEventUserLogoutPartially, "logout partially propagated")
		return events.UserEventUserLogoutPartially
	default:
		p.d.Auditor.User("", t.ID, events.UserEventUserLogoutFailed, "logout propagation failed")
		return events.UserEventUserLogoutFailed
	}
}

// logoutAt sends one synchronous LogoutRequest over SOAP. Transport
// failures and timeouts degrade to a failed event rather than an error;
// logout must never wedge on an unreachable peer.
func (p *SingleLogout) logoutAt(ctx context.Context, t *store.TGT, idp *registry.IDP) events.UserEvent {
	slo, err := p.sloEndpoint(idp, saml.BindingSOAP)
	if err != nil {
		p.d.Log.Warn("no SOAP logout endpoint", zap.String("idp", idp.ID), zap.Error(err))
		return events.UserEventUserLogoutFailed
	}

	xmlData, err := p.buildLogoutRequest(t, idp, slo.Location, saml.GenerateID(), true)
	if err != nil {
		p.d.Log.Error("build logout request", zap.String("idp", idp.ID), zap.Error(err))
		return events.UserEventUserLogoutFailed
	}

	body, err := p.d.SOAP.Call(ctx, slo.Location, xmlData)
	if err != nil {
		p.d.Log.Warn("logout call failed", zap.String("idp", idp.ID), zap.Error(err))
		return events.UserEventUserLogoutFailed
	}

	env := &binding.Envelope{Binding: saml.BindingSOAP, Raw: body}
	var resp saml.LogoutResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		p.d.Log.Warn("unparseable logout response", zap.String("idp", idp.ID), zap.Error(err))
		return events.UserEventUserLogoutFailed
	}
	if err := p.d.Validator.Signature(env, idp.ID, idp.Metadata, p.d.Validator.IDPSigningRequired(idp)); err != nil {
		p.d.Log.Warn("logout response signature rejected", zap.String("idp", idp.ID), zap.Error(err))
		return events.UserEventUserLogoutFailed
	}
	return logoutStatusEvent(resp.Status)
}

// StartFrontChannel drives browser-visible logout: the session enters the
// in-progress state and the browser carries the LogoutRequest to the IdP.
// The LogoutResponse returns through the response endpoint under the same
// prefix correlation as authentication.
func (p *SingleLogout) StartFrontChannel(w http.ResponseWriter, r *http.Request, s *store.Session, t *store.TGT, idp *registry.IDP) error {
	slo, err := p.sloEndpoint(idp, saml.BindingHTTPRedirect)
	if err != nil {
		return err
	}

	prefix := NewRequestIDPrefix()
	s.Attrs.RequestIDPrefix = prefix
	s.Attrs.IDPID = idp.ID
	s.State = store.StateUserLogoutInProgress
	s.TGTID = t.ID
	if err := p.d.Sessions.Persist(s); err != nil {
		return events.Internalf("persist session %s", s.ID).Wrap(err)
	}

	// The redirect binding carries a detached query signature, so the
	// document itself stays unsigned.
	xmlData, err := p.buildLogoutRequest(t, idp, slo.Location, BuildInResponseTo(prefix, s.ID), false)
	if err != nil {
		return err
	}

	var signer binding.RedirectSigner
	if p.d.Config.SignRequests {
		signer = p.d.Signer
	}
	u, err := binding.BuildRedirectURL(slo.Location, xmlData, "", true, signer)
	if err != nil {
		return events.Internalf("build logout redirect").Wrap(err)
	}
	http.Redirect(w, r, u, http.StatusFound)
	return nil
}

// HandleLogoutResponse folds an inbound LogoutResponse into the session.
// Called by the response endpoint once correlation has succeeded.
func (p *SingleLogout) HandleLogoutResponse(s *store.Session, env *binding.Envelope, resp *saml.LogoutResponse, idp *registry.IDP) (events.UserEvent, error) {
	v := p.d.Validator
	if resp.Version != saml.Version {
		return "", events.Securityf(events.RequestorEventRequestInvalid,
			"unsupported logout response version %q", resp.Version)
	}
	if err := v.IssueInstant(resp.IssueInstant); err != nil {
		return "", err
	}
	if err := v.Signature(env, idp.ID, idp.Metadata, v.IDPSigningRequired(idp)); err != nil {
		return "", err
	}

	event := logoutStatusEvent(resp.Status)
	if event == events.UserEventUserLoggedOut || event == events.UserEventUserLogoutPartially {
		if s.TGTID != "" {
			if t, err := p.d.TGTs.Get(s.TGTID); err == nil {
				t.Expire()
				if err := p.d.TGTs.Persist(t); err != nil {
					p.d.Log.Error("persist expired ticket", zap.Error(err), zap.String("tgt_id", t.ID))
				}
			}
		}
	}
	return event, nil
}

// handleSOAP serves inbound synchronous logout: a peer tells the gateway a
// principal's sessions are over. The gateway expires the ticket and answers
// in the same SOAP exchange.
func (p *SingleLogout) handleSOAP(w http.ResponseWriter, r *http.Request) {
	env, err := binding.Decode(r)
	if err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	if env.RootName() != "LogoutRequest" {
		p.d.Fail(w, r, "", "", events.Decodef(events.RequestorEventRequestInvalid,
			"unexpected document %q at logout endpoint", env.RootName()))
		return
	}

	var req saml.LogoutRequest
	if err := binding.Unmarshal(env, &req); err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	issuer := ""
	if req.Issuer != nil {
		issuer = req.Issuer.Value
	}

	idp, err := p.d.Validator.IDP(issuer)
	if err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}
	if err := p.d.Validator.Signature(env, idp.ID, idp.Metadata, p.d.Validator.IDPSigningRequired(idp)); err != nil {
		p.d.Fail(w, r, idp.ID, "", err)
		return
	}
	if err := p.d.Validator.IssueInstant(req.IssueInstant); err != nil {
		p.d.Fail(w, r, idp.ID, "", err)
		return
	}
	if req.NameID == nil || req.NameID.Value == "" {
		p.d.Fail(w, r, idp.ID, "", events.Securityf(events.RequestorEventRequestInvalid,
			"logout request names no subject"))
		return
	}

	// Logout of a principal with no live ticket still succeeds; there is
	// nothing left to terminate.
	top := saml.StatusSuccess
	t, err := p.d.TGTs.FindByUser(req.NameID.Value)
	switch {
	case err == nil:
		t.Expire()
		if err := p.d.TGTs.Persist(t); err != nil {
			p.d.Log.Error("persist expired ticket", zap.Error(err), zap.String("tgt_id", t.ID))
			top = saml.StatusResponder
		} else {
			p.d.Auditor.User("", t.ID, events.UserEventUserLoggedOut, "logout requested by "+idp.ID)
		}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		p.d.Log.Debug("logout for unknown principal", zap.String("idp", idp.ID))
	default:
		p.d.Log.Error("ticket lookup failed", zap.Error(err))
		top = saml.StatusResponder
	}

	resp := saml.NewLogoutResponse(p.d.Config.EntityID, "", req.ID, top, "")
	xmlData, err := xml.Marshal(resp)
	if err != nil {
		p.d.Fail(w, r, idp.ID, "", events.Internalf("encode logout response").Wrap(err))
		return
	}
	if p.d.Config.SignRequests {
		if xmlData, err = p.d.Signer.SignEnveloped(xmlData); err != nil {
			p.d.Fail(w, r, idp.ID, "", events.Internalf("sign logout response").Wrap(err))
			return
		}
	}
	if err := binding.WriteSOAP(w, xmlData); err != nil {
		p.d.Log.Error("write logout response", zap.Error(err))
	}
}

func (p *SingleLogout) sloEndpoint(idp *registry.IDP, bindingURI string) (*saml.Endpoint, error) {
	desc, err := idp.Metadata.Descriptor()
	if err != nil {
		return nil, events.Internalf("metadata for %q unavailable", idp.ID).Wrap(err)
	}
	if desc.IDPSSODescriptor == nil {
		return nil, events.Internalf("entity %q publishes no IdP role", idp.ID)
	}
	slo := desc.IDPSSODescriptor.SLOServiceByBinding(bindingURI)
	if slo == nil {
		return nil, events.Internalf("entity %q advertises no logout service for %s", idp.ID, bindingURI)
	}
	return slo, nil
}

func (p *SingleLogout) buildLogoutRequest(t *store.TGT, idp *registry.IDP, destination, id string, envelopedSig bool) ([]byte, error) {
	nameID := &saml.NameID{
		Format:        saml.NameIDFormatUnspecified,
		NameQualifier: t.User.Organization,
		Value:         t.User.ID,
	}
	var indexes []string
	if idx, ok := t.Alias(idp.ID); ok {
		indexes = append(indexes, idx)
	}

	req := saml.NewLogoutRequest(p.d.Config.EntityID, destination, nameID, indexes)
	req.ID = id
	req.Reason = saml.LogoutReasonUser
	req.NotOnOrAfter = saml.FormatTime(time.Now().Add(logoutWindow))

	xmlData, err := xml.Marshal(req)
	if err != nil {
		return nil, events.Internalf("encode logout request").Wrap(err)
	}
	if envelopedSig && p.d.Config.SignRequests {
		if xmlData, err = p.d.Signer.SignEnveloped(xmlData); err != nil {
			return nil, events.Internalf("sign logout request").Wrap(err)
		}
	}
	return xmlData, nil
}

// logoutStatusEvent maps the SAML status onto the logout outcome: success
// is full logout, a PartialLogout second-level code is partial, anything
// else failed.
func logoutStatusEvent(st *saml.Status) events.UserEvent {
	switch {
	case st == nil:
		return events.UserEventUserLogoutFailed
	case st.IsSuccess() && st.SecondLevel() == "":
		return events.UserEventUserLoggedOut
	case st.SecondLevel() == saml.StatusPartialLogout:
		return events.UserEventUserLogoutPartially
	default:
		return events.UserEventUserLogoutFailed
	}
}
