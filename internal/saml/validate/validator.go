// Package validate enforces the message-level invariants shared by every
// profile: known and enabled issuer, the mandatory-signing policy,
// IssueInstant freshness and assertion Conditions.
package validate

import (
	"time"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/saml/trust"
)

// DefaultSkew is the acceptance window around now for IssueInstant and
// Conditions checks.
const DefaultSkew = 5 * time.Minute

// Validator applies the shared validation rules.
type Validator struct {
	registry *registry.Registry
	verifier *trust.Verifier

	// EntityID is this gateway's entity ID, matched against audience
	// restrictions.
	EntityID string
	// RequireSigning is the system-wide mandatory-signing default,
	// overridable per requestor or IdP.
	RequireSigning bool
	// Skew is the clock-skew tolerance.
	Skew time.Duration

	now func() time.Time
}

// New creates a validator with the default skew.
func New(reg *registry.Registry, verifier *trust.Verifier, entityID string, requireSigning bool) *Validator {
	return &Validator{
		registry:       reg,
		verifier:       verifier,
		EntityID:       entityID,
		RequireSigning: requireSigning,
		Skew:           DefaultSkew,
		now:            time.Now,
	}
}

// Now returns the validator's clock, shared with profile-level freshness
// checks so skew handling stays in one place.
func (v *Validator) Now() time.Time { return v.now() }

// SetNow overrides the clock. Tests only.
func (v *Validator) SetNow(now func() time.Time) { v.now = now }

// Requestor resolves and gates the issuer: it must be known, enabled, and
// belong to an enabled pool.
func (v *Validator) Requestor(issuer string) (*registry.SAML2Requestor, error) {
	if issuer == "" {
		return nil, events.Securityf(events.RequestorEventRequestInvalid, "message carries no issuer")
	}
	r, ok := v.registry.Requestor(issuer)
	if !ok {
		return nil, events.Securityf(events.RequestorEventIssuerUnknown, "unknown requestor %q", issuer)
	}
	if !r.Requestor.Enabled {
		return nil, events.Securityf(events.RequestorEventIssuerDisabled, "requestor %q is disabled", issuer)
	}
	pool, ok := v.registry.PoolFor(r)
	if !ok || !pool.Enabled {
		return nil, events.Securityf(events.RequestorEventIssuerDisabled, "pool for requestor %q is disabled", issuer)
	}
	return r, nil
}

// IDP resolves and gates an identity-provider issuer.
func (v *Validator) IDP(issuer string) (*registry.IDP, error) {
	if issuer == "" {
		return nil, events.Securityf(events.RequestorEventRequestInvalid, "message carries no issuer")
	}
	idp, ok := v.registry.IDP(issuer)
	if !ok {
		return nil, events.Securityf(events.RequestorEventIssuerUnknown, "unknown identity provider %q", issuer)
	}
	if !idp.Enabled {
		return nil, events.Securityf(events.RequestorEventIssuerDisabled, "identity provider %q is disabled", issuer)
	}
	return idp, nil
}

// signingRequired folds the per-entity override into the system default.
func (v *Validator) signingRequired(override *bool) bool {
	if override != nil {
		return *override
	}
	return v.RequireSigning
}

// RequestorSigningRequired reports the effective policy for a requestor.
func (v *Validator) RequestorSigningRequired(r *registry.SAML2Requestor) bool {
	return v.signingRequired(r.SigningRequired)
}

// IDPSigningRequired reports the effective policy for an IdP.
func (v *Validator) IDPSigningRequired(idp *registry.IDP) bool {
	return v.signingRequired(idp.SigningRequired)
}

// Signature enforces the signing policy on an envelope: present signature
// material must verify; absent material is only acceptable when the policy
// does not mandate signing.
func (v *Validator) Signature(env *binding.Envelope, issuer string, meta *registry.MetadataProvider, required bool) error {
	if !env.HasSignatureMaterial() {
		if required {
			return events.Securityf(events.RequestorEventSignatureInvalid,
				"issuer %q must sign but sent no signature", issuer)
		}
		return nil
	}
	outcome, err := v.verifier.Verify(env, issuer, meta)
	if err != nil {
		return err
	}
	if outcome != trust.OutcomeValid {
		return events.Securityf(events.RequestorEventSignatureInvalid,
			"signature material from %q did not verify", issuer)
	}
	return nil
}

// IssueInstant rejects messages issued outside the acceptance window.
func (v *Validator) IssueInstant(instant string) error {
	t, err := saml.ParseTime(instant)
	if err != nil {
		return events.Securityf(events.RequestorEventRequestInvalid, "bad IssueInstant").Wrap(err)
	}
	now := v.now()
	if t.Before(now.Add(-v.Skew)) {
		return events.Securityf(events.RequestorEventMessageStale, "message issued %s is stale", instant)
	}
	if t.After(now.Add(v.Skew)) {
		return events.Securityf(events.RequestorEventMessageStale, "message issued %s is in the future", instant)
	}
	return nil
}

// Conditions evaluates assertion conditions. Absent conditions pass;
// present conditions must all hold.
func (v *Validator) Conditions(cond *saml.Conditions) error {
	if cond == nil {
		return nil
	}
	now := v.now()

	if cond.NotBefore != "" {
		nb, err := saml.ParseTime(cond.NotBefore)
		if err != nil {
			return events.Securityf(events.RequestorEventConditionsFailed, "bad NotBefore").Wrap(err)
		}
		if now.Add(v.Skew).Before(nb) {
			return events.Securityf(events.RequestorEventConditionsFailed, "assertion not yet valid")
		}
	}
	if cond.NotOnOrAfter != "" {
		noa, err := saml.ParseTime(cond.NotOnOrAfter)
		if err != nil {
			return events.Securityf(events.RequestorEventConditionsFailed, "bad NotOnOrAfter").Wrap(err)
		}
		if !now.Add(-v.Skew).Before(noa) {
			return events.Securityf(events.RequestorEventConditionsFailed, "assertion has expired")
		}
	}

	if len(cond.AudienceRestrictions) > 0 {
		matched := false
		for _, ar := range cond.AudienceRestrictions {
			for _, aud := range ar.Audiences {
				if aud == v.EntityID {
					matched = true
				}
			}
		}
		if !matched {
			return events.Securityf(events.RequestorEventConditionsFailed,
				"audience restriction does not include %q", v.EntityID)
		}
	}
	return nil
}
