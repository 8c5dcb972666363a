package registry

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const registryJSON = `{
  "pools": [
    {"id": "main", "friendly_name": "Main pool", "enabled": true, "authn_profiles": ["password", "token"]}
  ],
  "requestors": [
    {
      "id": "https://sp.example.org",
      "friendly_name": "Example SP",
      "enabled": true,
      "pool": "main",
      "nameid_format": "urn:oasis:names:tc:SAML:2.0:nameid-format:transient",
      "signing_required": false,
      "properties": {"target_url": "https://sp.example.org/return"}
    }
  ],
  "idps": [
    {"id": "https://idp.example.org", "friendly_name": "Example IdP", "enabled": true},
    {"id": "https://idp2.example.org", "friendly_name": "Second IdP", "enabled": true}
  ],
  "default_idp": "https://idp2.example.org"
}`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(registryJSON), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)

	r, ok := reg.Requestor("https://sp.example.org")
	require.True(t, ok)
	require.Equal(t, "main", r.Requestor.PoolID)
	require.NotNil(t, r.SigningRequired)
	require.False(t, *r.SigningRequired)
	require.Equal(t, "https://sp.example.org/return", r.Requestor.Property("target_url", ""))
	require.Equal(t, "fallback", r.Requestor.Property("missing", "fallback"))

	pool, ok := reg.PoolFor(r)
	require.True(t, ok)
	require.Equal(t, []string{"password", "token"}, pool.AuthnProfileIDs)

	require.NotNil(t, reg.DefaultIDP)
	require.Equal(t, "https://idp2.example.org", reg.DefaultIDP.ID, "explicit default wins over first added")
}

func TestLoadRejectsUnknownPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	content := `{"pools": [], "requestors": [{"id": "sp", "enabled": true, "pool": "ghost"}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown pool")
}

func TestLoadRejectsUnknownDefaultIDP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	content := `{"default_idp": "https://ghost.example.org"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "not defined")
}

func TestAddDuplicates(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddPool(&RequestorPool{ID: "p"}))
	require.Error(t, reg.AddPool(&RequestorPool{ID: "p"}))

	require.NoError(t, reg.AddIDP(&IDP{ID: "idp", Enabled: true}))
	require.Error(t, reg.AddIDP(&IDP{ID: "idp"}))

	require.NoError(t, reg.AddRequestor(&SAML2Requestor{
		Requestor: &Requestor{ID: "sp", PoolID: "p"},
	}))
	require.Error(t, reg.AddRequestor(&SAML2Requestor{
		Requestor: &Requestor{ID: "sp", PoolID: "p"},
	}))
}

func TestSourceIDLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddIDP(&IDP{ID: "https://idp.example.org", Enabled: true}))

	want := sha1.Sum([]byte("https://idp.example.org"))
	require.Equal(t, want, SourceID("https://idp.example.org"))

	idp, ok := reg.IDPBySourceID(want[:])
	require.True(t, ok)
	require.Equal(t, "https://idp.example.org", idp.ID)

	other := sha1.Sum([]byte("https://ghost.example.org"))
	_, ok = reg.IDPBySourceID(other[:])
	require.False(t, ok)
}

func TestFirstEnabledIDPBecomesDefault(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddIDP(&IDP{ID: "off", Enabled: false}))
	require.Nil(t, reg.DefaultIDP)
	require.NoError(t, reg.AddIDP(&IDP{ID: "on", Enabled: true}))
	require.Equal(t, "on", reg.DefaultIDP.ID)
}
