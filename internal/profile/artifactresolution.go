package profile

import (
	"encoding/xml"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
)

// ArtifactResolution serves the SOAP endpoint where peers dereference
// artifacts this gateway issued. Artifacts resolve exactly once; a second
// resolve of the same handle returns an empty response.
type ArtifactResolution struct {
	d *Deps
}

// NewArtifactResolution creates the service around shared collaborators.
func NewArtifactResolution(d *Deps) *ArtifactResolution { return &ArtifactResolution{d: d} }

// Attach mounts the SOAP service.
func (p *ArtifactResolution) Attach(r chi.Router) {
	r.Post(p.d.Config.ArtifactPath, p.handle)
}

// Issue stores a message under a fresh artifact bound to this gateway's
// source ID.
func (p *ArtifactResolution) Issue(message []byte) (*binding.Artifact, error) {
	artifact, err := binding.NewArtifact(registry.SourceID(p.d.Config.EntityID))
	if err != nil {
		return nil, events.Internalf("mint artifact").Wrap(err)
	}
	p.d.Artifacts.Put(artifact, message)
	return artifact, nil
}

func (p *ArtifactResolution) handle(w http.ResponseWriter, r *http.Request) {
	env, err := binding.Decode(r)
	if err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	if env.RootName() != "ArtifactResolve" {
		p.d.Fail(w, r, "", "", events.Decodef(events.RequestorEventRequestInvalid,
			"unexpected document %q at artifact resolution endpoint", env.RootName()))
		return
	}

	var req saml.ArtifactResolve
	if err := binding.Unmarshal(env, &req); err != nil {
		p.d.Fail(w, r, "", "", err)
		return
	}
	issuer := ""
	if req.Issuer != nil {
		issuer = req.Issuer.Value
	}

	sp, err := p.d.Validator.Requestor(issuer)
	if err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}
	if err := p.d.Validator.Signature(env, issuer, sp.Metadata, p.d.Validator.RequestorSigningRequired(sp)); err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}
	if err := p.d.Validator.IssueInstant(req.IssueInstant); err != nil {
		p.d.Fail(w, r, issuer, "", err)
		return
	}

	artifact, err := binding.ParseArtifact(req.Artifact)
	if err != nil {
		p.d.Fail(w, r, issuer, "", events.Securityf(events.RequestorEventArtifactUnknown,
			"malformed artifact").Wrap(err))
		return
	}
	if artifact.SourceID != registry.SourceID(p.d.Config.EntityID) {
		p.d.Fail(w, r, issuer, "", events.Securityf(events.RequestorEventArtifactUnknown,
			"artifact names a foreign source"))
		return
	}

	message, found := p.d.Artifacts.Resolve(artifact.Handle)
	if !found {
		p.d.Log.Debug("artifact already resolved or expired", zap.String("requestor", issuer))
	}

	resp := &saml.ArtifactResponse{
		SAMLP:        saml.NamespaceSAMLp,
		SAML:         saml.NamespaceSAML,
		ID:           saml.GenerateID(),
		Version:      saml.Version,
		IssueInstant: saml.TimeNow(),
		InResponseTo: req.ID,
		Issuer:       &saml.Issuer{Value: p.d.Config.EntityID},
		Status:       saml.NewStatus(saml.StatusSuccess, ""),
		Message:      message,
	}
	xmlData, err := xml.Marshal(resp)
	if err != nil {
		p.d.Fail(w, r, issuer, "", events.Internalf("encode artifact response").Wrap(err))
		return
	}
	if p.d.Config.SignRequests {
		if xmlData, err = p.d.Signer.SignEnveloped(xmlData); err != nil {
			p.d.Fail(w, r, issuer, "", events.Internalf("sign artifact response").Wrap(err))
			return
		}
	}
	if err := binding.WriteSOAP(w, xmlData); err != nil {
		p.d.Log.Error("write artifact response", zap.Error(err))
	}
}
