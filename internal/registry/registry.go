// Package registry holds the static federation configuration: requestors,
// requestor pools, remote identity providers and their SAML-specific facts.
package registry

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Requestor is a configured service provider that may send requests through
// the gateway.
type Requestor struct {
	ID           string            `json:"id"`
	FriendlyName string            `json:"friendly_name"`
	Enabled      bool              `json:"enabled"`
	PoolID       string            `json:"pool"`
	Properties   map[string]string `json:"properties,omitempty"`
	LastModified time.Time         `json:"last_modified,omitempty"`
}

// Property returns a configuration property with a fallback.
func (r *Requestor) Property(name, def string) string {
	if v, ok := r.Properties[name]; ok {
		return v
	}
	return def
}

// RequestorPool groups requestors sharing authentication profiles and
// authorization policies. A requestor belongs to exactly one pool.
type RequestorPool struct {
	ID                string   `json:"id"`
	FriendlyName      string   `json:"friendly_name"`
	Enabled           bool     `json:"enabled"`
	AuthnProfileIDs   []string `json:"authn_profiles"`
	PreAuthzPolicyID  string   `json:"pre_authz_policy,omitempty"`
	PostAuthzPolicyID string   `json:"post_authz_policy,omitempty"`
}

// SAML2Requestor wraps a requestor with its SAML-specific configuration.
type SAML2Requestor struct {
	Requestor *Requestor

	// SigningRequired overrides the system mandatory-signing default when
	// non-nil.
	SigningRequired *bool    `json:"signing_required,omitempty"`
	NameIDFormat    string   `json:"nameid_format,omitempty"`
	AllowCreate     bool     `json:"allow_create,omitempty"`
	UseACSIndex     bool     `json:"use_acs_index,omitempty"`
	ScopingIDPs     []string `json:"scoping_idps,omitempty"`

	Metadata *MetadataProvider `json:"-"`
}

// IDP is a remote identity provider the gateway can delegate to.
type IDP struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	Enabled      bool   `json:"enabled"`

	// SigningRequired mirrors the requestor-side override for inbound
	// messages claiming this issuer.
	SigningRequired *bool `json:"signing_required,omitempty"`

	Metadata *MetadataProvider `json:"-"`
}

// SourceID returns the type-0004 artifact source ID for an entity ID: the
// SHA-1 of the entity ID, as mandated by SAML 2.0 Bindings 3.6.4.1.
func SourceID(entityID string) [20]byte {
	return sha1.Sum([]byte(entityID))
}

// Registry is the loaded federation catalog.
type Registry struct {
	requestors map[string]*SAML2Requestor
	pools      map[string]*RequestorPool
	idps       map[string]*IDP
	sourceIDs  map[string]*IDP // hex SHA-1 of entity ID -> IDP

	// DefaultIDP receives authentication requests when the requestor does
	// not scope a specific provider.
	DefaultIDP *IDP
}

type fileFormat struct {
	Pools      []*RequestorPool `json:"pools"`
	Requestors []struct {
		Requestor
		SAML2Requestor
		MetadataFile string `json:"metadata_file,omitempty"`
		MetadataURL  string `json:"metadata_url,omitempty"`
	} `json:"requestors"`
	IDPs []struct {
		IDP
		MetadataFile string `json:"metadata_file,omitempty"`
		MetadataURL  string `json:"metadata_url,omitempty"`
	} `json:"idps"`
	DefaultIDP string `json:"default_idp,omitempty"`
}

// Load reads the registry from a JSON file and wires metadata providers.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	reg := New()
	for _, p := range ff.Pools {
		if err := reg.AddPool(p); err != nil {
			return nil, err
		}
	}
	for _, r := range ff.Requestors {
		req := r.Requestor
		s2 := r.SAML2Requestor
		s2.Requestor = &req
		if r.MetadataFile != "" || r.MetadataURL != "" {
			s2.Metadata = NewMetadataProvider(req.ID, r.MetadataFile, r.MetadataURL)
		}
		if err := reg.AddRequestor(&s2); err != nil {
			return nil, err
		}
	}
	for _, i := range ff.IDPs {
		idp := i.IDP
		if i.MetadataFile != "" || i.MetadataURL != "" {
			idp.Metadata = NewMetadataProvider(idp.ID, i.MetadataFile, i.MetadataURL)
		}
		if err := reg.AddIDP(&idp); err != nil {
			return nil, err
		}
	}
	if ff.DefaultIDP != "" {
		idp, ok := reg.idps[ff.DefaultIDP]
		if !ok {
			return nil, fmt.Errorf("default idp %q not defined", ff.DefaultIDP)
		}
		reg.DefaultIDP = idp
	}
	return reg, nil
}

// New creates an empty registry, populated via the Add methods.
func New() *Registry {
	return &Registry{
		requestors: make(map[string]*SAML2Requestor),
		pools:      make(map[string]*RequestorPool),
		idps:       make(map[string]*IDP),
		sourceIDs:  make(map[string]*IDP),
	}
}

// AddPool registers a pool.
func (g *Registry) AddPool(p *RequestorPool) error {
	if p.ID == "" {
		return fmt.Errorf("pool without id")
	}
	if _, dup := g.pools[p.ID]; dup {
		return fmt.Errorf("duplicate pool %q", p.ID)
	}
	g.pools[p.ID] = p
	return nil
}

// AddRequestor registers a requestor; its pool must already exist.
func (g *Registry) AddRequestor(r *SAML2Requestor) error {
	if r.Requestor == nil || r.Requestor.ID == "" {
		return fmt.Errorf("requestor without id")
	}
	id := r.Requestor.ID
	if _, dup := g.requestors[id]; dup {
		return fmt.Errorf("duplicate requestor %q", id)
	}
	if _, ok := g.pools[r.Requestor.PoolID]; !ok {
		return fmt.Errorf("requestor %q references unknown pool %q", id, r.Requestor.PoolID)
	}
	g.requestors[id] = r
	return nil
}

// AddIDP registers an identity provider and indexes its artifact source ID.
func (g *Registry) AddIDP(idp *IDP) error {
	if idp.ID == "" {
		return fmt.Errorf("idp without id")
	}
	if _, dup := g.idps[idp.ID]; dup {
		return fmt.Errorf("duplicate idp %q", idp.ID)
	}
	g.idps[idp.ID] = idp
	sid := SourceID(idp.ID)
	g.sourceIDs[hex.EncodeToString(sid[:])] = idp
	if g.DefaultIDP == nil && idp.Enabled {
		g.DefaultIDP = idp
	}
	return nil
}

// Requestor looks up a requestor by entity ID.
func (g *Registry) Requestor(id string) (*SAML2Requestor, bool) {
	r, ok := g.requestors[id]
	return r, ok
}

// Pool looks up a pool by ID.
func (g *Registry) Pool(id string) (*RequestorPool, bool) {
	p, ok := g.pools[id]
	return p, ok
}

// PoolFor returns the pool a requestor belongs to.
func (g *Registry) PoolFor(r *SAML2Requestor) (*RequestorPool, bool) {
	return g.Pool(r.Requestor.PoolID)
}

// IDP looks up an identity provider by entity ID.
func (g *Registry) IDP(id string) (*IDP, bool) {
	i, ok := g.idps[id]
	return i, ok
}

// IDPBySourceID resolves a 20-byte artifact source ID to its IdP.
func (g *Registry) IDPBySourceID(sourceID []byte) (*IDP, bool) {
	i, ok := g.sourceIDs[hex.EncodeToString(sourceID)]
	return i, ok
}

// Requestors returns all requestors in no particular order.
func (g *Registry) Requestors() []*SAML2Requestor {
	out := make([]*SAML2Requestor, 0, len(g.requestors))
	for _, r := range g.requestors {
		out = append(out, r)
	}
	return out
}

// IDPs returns all identity providers in no particular order.
func (g *Registry) IDPs() []*IDP {
	out := make([]*IDP, 0, len(g.idps))
	for _, i := range g.idps {
		out = append(out, i)
	}
	return out
}
