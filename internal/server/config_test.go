package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "http://localhost:8080", cfg.BaseURL)
	require.Equal(t, "http://localhost:8080/metadata", cfg.EntityID)
	require.True(t, cfg.SignRequests)
	require.True(t, cfg.RequireSigning)
	require.False(t, cfg.CookieSecure)
	require.Equal(t, 15*time.Minute, cfg.SessionTTL)
	require.Equal(t, 8*time.Hour, cfg.TGTTTL)
	require.True(t, cfg.IsDevelopment())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SAMLGATE_ENV", "production")
	t.Setenv("SAMLGATE_BASE_URL", "https://gw.example.org")
	t.Setenv("SAMLGATE_ENTITY_ID", "https://gw.example.org/saml")
	t.Setenv("SAMLGATE_REQUIRE_SIGNING", "false")
	t.Setenv("SAMLGATE_SESSION_TTL", "5m")
	t.Setenv("SAMLGATE_TGT_TTL", "3600")
	t.Setenv("SAMLGATE_CORS_ORIGINS", "https://a.example.org,https://b.example.org")
	t.Setenv("SAMLGATE_ATTRIBUTE_MAP", "urn:mace:dir:attribute-def:mail=email, uid=user_id")

	cfg := LoadConfig()

	require.False(t, cfg.IsDevelopment())
	require.Equal(t, "https://gw.example.org/saml", cfg.EntityID)
	require.False(t, cfg.RequireSigning)
	// https base implies secure cookies unless overridden
	require.True(t, cfg.CookieSecure)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
	// bare integers are read as seconds
	require.Equal(t, time.Hour, cfg.TGTTTL)
	require.Equal(t, []string{"https://a.example.org", "https://b.example.org"}, cfg.CORSOrigins)
	require.Equal(t, map[string]string{
		"urn:mace:dir:attribute-def:mail": "email",
		"uid":                             "user_id",
	}, cfg.AttributeMap)
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("SAMLGATE_TEST_FLAG", "TRUE")
	require.True(t, getEnvBool("SAMLGATE_TEST_FLAG", false))
	t.Setenv("SAMLGATE_TEST_FLAG", "1")
	require.True(t, getEnvBool("SAMLGATE_TEST_FLAG", false))
	t.Setenv("SAMLGATE_TEST_FLAG", "no")
	require.False(t, getEnvBool("SAMLGATE_TEST_FLAG", true))
}
