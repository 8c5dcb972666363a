package profile

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/beevik/etree"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/saml/trust"
	"github.com/openfed/samlgate/internal/store"
)

// ResponseEndpoint is the single fixed URL all inbound responses arrive at,
// whatever the binding. It correlates the message to a session through the
// InResponseTo prefix and dispatches on the session state: a Created session
// gets authentication handling, a session with logout in progress gets
// logout handling.
type ResponseEndpoint struct {
	d   *Deps
	sso *WebSSO
	slo *SingleLogout
}

// NewResponseEndpoint wires the endpoint to its downstream profiles.
func NewResponseEndpoint(d *Deps, sso *WebSSO, slo *SingleLogout) *ResponseEndpoint {
	return &ResponseEndpoint{d: d, sso: sso, slo: slo}
}

// Attach mounts the endpoint on the router for both methods the bindings
// use.
func (p *ResponseEndpoint) Attach(r chi.Router) {
	r.Get(p.d.Config.ResponsePath, p.handle)
	r.Post(p.d.Config.ResponsePath, p.handle)
}

func (p *ResponseEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	env, err := binding.Decode(r)
	if err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}

	// The artifact binding carries no message until it is dereferenced.
	// An unknown source ID is always a rejection, never a passthrough.
	var artifactIDP *registry.IDP
	if env.Artifact != nil {
		idp, ok := p.d.Registry.IDPBySourceID(env.Artifact.SourceID[:])
		if !ok {
			p.d.Fail(w, r, "", "", events.Securityf(events.RequestorEventArtifactUnknown,
				"artifact names an unknown source"))
			return
		}
		if err := p.resolveArtifact(r.Context(), env, idp); err != nil {
			p.d.Fail(w, r, idp.ID, "", err)
			return
		}
		artifactIDP = idp
	}

	switch env.RootName() {
	case "Response":
		p.handleAuthnResponse(w, r, env, artifactIDP)
	case "LogoutResponse":
		p.handleLogoutResponse(w, r, env, artifactIDP)
	default:
		p.d.Fail(w, r, "", "", events.Decodef(events.RequestorEventRequestInvalid,
			"unexpected document %q at response endpoint", env.RootName()))
	}
}

// resolveArtifact dereferences the artifact over SOAP at the issuing IdP and
// replaces the envelope payload with the unwrapped message. The wrapping
// ArtifactResponse gets its own signature check before unwrapping.
func (p *ResponseEndpoint) resolveArtifact(ctx context.Context, env *binding.Envelope, idp *registry.IDP) error {
	desc, err := idp.Metadata.Descriptor()
	if err != nil {
		return events.Internalf("metadata for %q unavailable", idp.ID).Wrap(err)
	}
	if desc.IDPSSODescriptor == nil || len(desc.IDPSSODescriptor.ArtifactResolutionServices) == 0 {
		return events.Securityf(events.RequestorEventArtifactUnknown,
			"entity %q advertises no artifact resolution service", idp.ID)
	}
	ars := desc.IDPSSODescriptor.ArtifactResolutionServices[0]

	resolve := &saml.ArtifactResolve{
		SAMLP:        saml.NamespaceSAMLp,
		SAML:         saml.NamespaceSAML,
		ID:           saml.GenerateID(),
		Version:      saml.Version,
		IssueInstant: saml.TimeNow(),
		Destination:  ars.Location,
		Issuer:       &saml.Issuer{Value: p.d.Config.EntityID},
		Artifact:     env.Artifact.Encode(),
	}
	xmlData, err := xml.Marshal(resolve)
	if err != nil {
		return events.Internalf("encode ArtifactResolve").Wrap(err)
	}
	if p.d.Config.SignRequests {
		if xmlData, err = p.d.Signer.SignEnveloped(xmlData); err != nil {
			return events.Internalf("sign ArtifactResolve").Wrap(err)
		}
	}

	body, err := p.d.SOAP.Call(ctx, ars.Location, xmlData)
	if err != nil {
		return events.Internalf("artifact resolution at %q failed", ars.Location).Wrap(err)
	}

	wrapped := &binding.Envelope{Binding: saml.BindingSOAP, Raw: body}
	outcome, err := p.d.Verifier.Verify(wrapped, idp.ID, idp.Metadata)
	if err != nil {
		return err
	}
	if p.d.Validator.IDPSigningRequired(idp) && outcome != trust.OutcomeValid {
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"unsigned artifact response from %q", idp.ID)
	}

	var ar saml.ArtifactResponse
	if err := xml.Unmarshal(body, &ar); err != nil {
		return events.Decodef(events.RequestorEventRequestInvalid, "unparseable artifact response").Wrap(err)
	}
	if !ar.Status.IsSuccess() {
		return events.Securityf(events.RequestorEventArtifactUnknown,
			"artifact resolution at %q returned %s", idp.ID, ar.Status.StatusCode.Value)
	}
	msg, err := unwrapArtifactMessage(body)
	if err != nil {
		return events.Decodef(events.RequestorEventRequestInvalid, "unparseable artifact response").Wrap(err)
	}
	if len(msg) == 0 {
		return events.Securityf(events.RequestorEventArtifactUnknown,
			"artifact response from %q carries no message", idp.ID)
	}
	env.Raw = msg
	return nil
}

// unwrapArtifactMessage extracts the protocol message wrapped inside an
// ArtifactResponse: the first child element that is not the wrapper's own
// Issuer, Signature or Status. Namespace declarations inherited from the
// wrapper are copied down so the detached message stays self-contained.
func unwrapArtifactMessage(body []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("no document element")
	}
	for _, child := range root.ChildElements() {
		if child.Tag == "Issuer" || child.Tag == "Signature" || child.Tag == "Status" {
			continue
		}
		el := child.Copy()
		for _, a := range root.Attr {
			declared := a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
			if declared && el.SelectAttr(a.FullKey()) == nil {
				el.CreateAttr(a.FullKey(), a.Value)
			}
		}
		out := etree.NewDocument()
		out.SetRoot(el)
		return out.WriteToBytes()
	}
	return nil, nil
}

// correlate resolves the session an InResponseTo refers to and enforces the
// prefix guard. A reused or foreign prefix is a replay, rejected before any
// state transition.
func (p *ResponseEndpoint) correlate(inResponseTo string) (*store.Session, error) {
	prefix, sessionID, err := ParseInResponseTo(inResponseTo)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateID(sessionID); err != nil {
		return nil, events.Securityf(events.RequestorEventRequestInvalid,
			"InResponseTo embeds a malformed session id")
	}
	s, err := p.d.Sessions.Get(sessionID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
		return nil, events.Securityf(events.RequestorEventRequestInvalid,
			"no live session for InResponseTo %q", inResponseTo)
	}
	if err != nil {
		return nil, events.Internalf("load session %s", sessionID).Wrap(err)
	}
	if s.Attrs.RequestIDPrefix == "" || s.Attrs.RequestIDPrefix != prefix {
		return nil, events.Securityf(events.RequestorEventRequestInvalid,
			"InResponseTo prefix does not match the session")
	}
	return s, nil
}

func (p *ResponseEndpoint) handleAuthnResponse(w http.ResponseWriter, r *http.Request, env *binding.Envelope, artifactIDP *registry.IDP) {
	var resp saml.Response
	if err := binding.Unmarshal(env, &resp); err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	issuer := ""
	if resp.Issuer != nil {
		issuer = resp.Issuer.Value
	}

	idp, err := p.resolveIDP(issuer, artifactIDP)
	if err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}

	var s *store.Session
	if resp.InResponseTo == "" {
		// Unsolicited, IdP-initiated. The relay state (or legacy TARGET
		// parameter) must name where the browser continues; without one
		// there is nowhere to send the user.
		target := env.RelayState
		if target == "" {
			target = r.URL.Query().Get("TARGET")
		}
		if target == "" {
			p.d.Fail(w, r, idp.ID, "", events.Decodef(events.RequestorEventRequestInvalid,
				"unsolicited response names no target"))
			return
		}
		s, err = p.d.Sessions.Create("")
		if err != nil {
			p.d.Fail(w, r, idp.ID, "", events.Internalf("create session").Wrap(err))
			return
		}
		s.Attrs.TargetURL = target
	} else {
		s, err = p.correlate(resp.InResponseTo)
		if err != nil {
			p.d.Fail(w, r, idp.ID, "", err)
			return
		}
		if s.State != store.StateCreated {
			p.d.Fail(w, r, idp.ID, s.ID, events.Securityf(events.RequestorEventSessionMismatch,
				"session %s is not awaiting authentication", s.ID))
			return
		}
		if s.Attrs.IDPID != "" && s.Attrs.IDPID != idp.ID {
			p.d.Fail(w, r, idp.ID, s.ID, events.Securityf(events.RequestorEventIssuerUnknown,
				"response from %q answers a request sent to %q", idp.ID, s.Attrs.IDPID))
			return
		}
	}

	event, err := p.sso.HandleResponse(s, env, &resp, idp)
	if err != nil {
		p.d.Terminate(s, store.StateAuthnFailed, events.UserEventInternalError, "response validation failed")
		p.d.Fail(w, r, idp.ID, s.ID, err)
		return
	}
	if event != events.UserEventAuthnMethodSuccessful {
		p.d.Terminate(s, store.StateAuthnFailed, event, "authentication refused by "+idp.ID)
		p.finish(w, r, s, "")
		return
	}

	tgtID, err := p.issueTGT(s, idp)
	if err != nil {
		p.d.Terminate(s, store.StateAuthnFailed, events.UserEventInternalError, "ticket issuance failed")
		p.d.Fail(w, r, idp.ID, s.ID, err)
		return
	}

	s.TGTID = tgtID
	p.d.Terminate(s, store.StateAuthnOK, event, "authenticated via "+idp.ID)
	p.d.SetTGTCookie(w, tgtID)
	p.finish(w, r, s, tgtID)
}

func (p *ResponseEndpoint) handleLogoutResponse(w http.ResponseWriter, r *http.Request, env *binding.Envelope, artifactIDP *registry.IDP) {
	var resp saml.LogoutResponse
	if err := binding.Unmarshal(env, &resp); err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	issuer := ""
	if resp.Issuer != nil {
		issuer = resp.Issuer.Value
	}
	idp, err := p.resolveIDP(issuer, artifactIDP)
	if err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}

	s, err := p.correlate(resp.InResponseTo)
	if err != nil {
		p.d.Fail(w, r, idp.ID, "", err)
		return
	}
	if s.State != store.StateUserLogoutInProgress {
		p.d.Fail(w, r, idp.ID, s.ID, events.Securityf(events.RequestorEventSessionMismatch,
			"session %s is not awaiting logout", s.ID))
		return
	}
	if s.Attrs.IDPID != "" && s.Attrs.IDPID != idp.ID {
		p.d.Fail(w, r, idp.ID, s.ID, events.Securityf(events.RequestorEventIssuerUnknown,
			"logout response from %q answers a request sent to %q", idp.ID, s.Attrs.IDPID))
		return
	}

	event, err := p.slo.HandleLogoutResponse(s, env, &resp, idp)
	if err != nil {
		p.d.Terminate(s, store.StateUserLogoutFailed, events.UserEventUserLogoutFailed, "logout response invalid")
		p.d.Fail(w, r, idp.ID, s.ID, err)
		return
	}
	p.d.Terminate(s, logoutState(event), event, "logout answered by "+idp.ID)
	p.finish(w, r, s, "")
}

// resolveIDP reconciles the message issuer with the IdP an artifact named.
// A mismatch between the two is an impersonation attempt.
func (p *ResponseEndpoint) resolveIDP(issuer string, artifactIDP *registry.IDP) (*registry.IDP, error) {
	if artifactIDP != nil {
		if issuer != "" && issuer != artifactIDP.ID {
			return nil, events.Securityf(events.RequestorEventIssuerUnknown,
				"issuer %q differs from artifact source %q", issuer, artifactIDP.ID)
		}
		return artifactIDP, nil
	}
	return p.d.Validator.IDP(issuer)
}

// issueTGT creates or extends the ticket for the authenticated user. The
// upstream session index is recorded under the IdP's entity ID so logout can
// replay it later.
func (p *ResponseEndpoint) issueTGT(s *store.Session, idp *registry.IDP) (string, error) {
	if s.User == nil {
		return "", events.Internalf("session %s reached issuance without a user", s.ID)
	}

	var t *store.TGT
	if s.TGTID != "" {
		existing, err := p.d.TGTs.Get(s.TGTID)
		if err == nil && existing.User.ID == s.User.ID {
			t = existing
		}
	}
	if t == nil {
		created, err := p.d.TGTs.Create(*s.User)
		if err != nil {
			return "", events.Internalf("create ticket").Wrap(err)
		}
		t = created
	} else {
		t.User = *s.User
	}

	if s.RequestorID != "" {
		t.AttachRequestor(s.RequestorID)
	}
	t.AttachProfile("saml2")
	for _, idx := range s.Attrs.SessionIndices {
		t.SetAlias(idp.ID, idx)
	}
	if err := p.d.TGTs.Persist(t); err != nil {
		return "", events.Internalf("persist ticket %s", t.ID).Wrap(err)
	}
	return t.ID, nil
}

func (p *ResponseEndpoint) finish(w http.ResponseWriter, r *http.Request, s *store.Session, tgtID string) {
	if p.d.Finish != nil {
		p.d.Finish(w, r, s, tgtID)
		return
	}
	target := s.Attrs.TargetURL
	if target == "" {
		target = p.d.Config.SSOURL()
	}
	p.d.Log.Debug("session finished",
		zap.String("session_id", s.ID),
		zap.Stringer("state", s.State),
		zap.String("target", target))
	http.Redirect(w, r, target, http.StatusFound)
}

func logoutState(event events.UserEvent) store.State {
	switch event {
	case events.UserEventUserLoggedOut:
		return store.StateUserLogoutSuccess
	case events.UserEventUserLogoutPartially:
		return store.StateUserLogoutPartial
	default:
		return store.StateUserLogoutFailed
	}
}
