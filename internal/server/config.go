package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway configuration
type Config struct {
	// Environment (development, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs
	BaseURL string

	// SAML entity ID of this gateway
	EntityID string

	// Directory for the SQLite database
	DataDir string

	// Path to the JSON registry of pools, requestors and IdPs
	RegistryFile string

	// Signing key and certificate (PEM); generated when absent
	KeyFile  string
	CertFile string

	// Sign outbound protocol messages
	SignRequests bool

	// Require inbound messages to be signed (per-entity overridable)
	RequireSigning bool

	// Require inbound assertions to be signed
	WantAssertionsSigned bool

	// Advertise the ACS by index instead of explicit URL
	UseACSIndex bool

	// Default RequestedAuthnContext when nothing is proxied
	DefaultClassRefs  []string
	DefaultComparison string

	// Attribute renames, remote=local pairs
	AttributeMap map[string]string

	// Catalog publish mode (transparent or proxy)
	CatalogMode string

	// TGT cookie settings
	CookieName   string
	CookieDomain string
	CookieSecure bool

	// Session and ticket lifetimes
	SessionTTL time.Duration
	TGTTTL     time.Duration

	// Legacy adapter gates and credentials secret (empty: RS256)
	ASelectSPEnabled  bool
	ASelectIDPEnabled bool
	ASelectSecret     string

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() *Config {
	base := getEnv("SAMLGATE_BASE_URL", "http://localhost:8080")
	return &Config{
		Environment:          getEnv("SAMLGATE_ENV", "development"),
		ListenAddr:           getEnv("SAMLGATE_LISTEN_ADDR", ":8080"),
		BaseURL:              base,
		EntityID:             getEnv("SAMLGATE_ENTITY_ID", base+"/metadata"),
		DataDir:              getEnv("SAMLGATE_DATA_DIR", "./data"),
		RegistryFile:         getEnv("SAMLGATE_REGISTRY_FILE", "./registry.json"),
		KeyFile:              getEnv("SAMLGATE_KEY_FILE", ""),
		CertFile:             getEnv("SAMLGATE_CERT_FILE", ""),
		SignRequests:         getEnvBool("SAMLGATE_SIGN_REQUESTS", true),
		RequireSigning:       getEnvBool("SAMLGATE_REQUIRE_SIGNING", true),
		WantAssertionsSigned: getEnvBool("SAMLGATE_WANT_ASSERTIONS_SIGNED", true),
		UseACSIndex:          getEnvBool("SAMLGATE_USE_ACS_INDEX", false),
		DefaultClassRefs:     getEnvList("SAMLGATE_DEFAULT_CLASS_REFS", nil),
		DefaultComparison:    getEnv("SAMLGATE_DEFAULT_COMPARISON", "exact"),
		AttributeMap:         getEnvMap("SAMLGATE_ATTRIBUTE_MAP"),
		CatalogMode:          getEnv("SAMLGATE_CATALOG_MODE", "transparent"),
		CookieName:           getEnv("SAMLGATE_COOKIE_NAME", "samlgate_tgt"),
		CookieDomain:         getEnv("SAMLGATE_COOKIE_DOMAIN", ""),
		CookieSecure:         getEnvBool("SAMLGATE_COOKIE_SECURE", strings.HasPrefix(base, "https://")),
		SessionTTL:           getEnvDuration("SAMLGATE_SESSION_TTL", 15*time.Minute),
		TGTTTL:               getEnvDuration("SAMLGATE_TGT_TTL", 8*time.Hour),
		ASelectSPEnabled:     getEnvBool("SAMLGATE_ASELECT_SP", true),
		ASelectIDPEnabled:    getEnvBool("SAMLGATE_ASELECT_IDP", true),
		ASelectSecret:        getEnv("SAMLGATE_ASELECT_SECRET", ""),
		CORSOrigins:          getEnvList("SAMLGATE_CORS_ORIGINS", []string{"*"}),
		Debug:                getEnvBool("SAMLGATE_DEBUG", false),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvMap parses comma-separated remote=local pairs.
func getEnvMap(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}
