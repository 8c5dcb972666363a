// Package server assembles the gateway: configuration, stores, crypto,
// profiles and the legacy adapter behind one chi router.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/aselect"
	"github.com/openfed/samlgate/internal/catalog"
	"github.com/openfed/samlgate/internal/crypto"
	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/profile"
	"github.com/openfed/samlgate/internal/registry"
	"github.com/openfed/samlgate/internal/saml/binding"
	"github.com/openfed/samlgate/internal/saml/trust"
	"github.com/openfed/samlgate/internal/saml/validate"
	"github.com/openfed/samlgate/internal/store"
)

// Fixed mount points for the SAML services. Peer metadata is built from
// these, so they never vary per deployment.
const (
	pathSSO      = "/saml2/sso"
	pathResponse = "/saml2/resp"
	pathLogout   = "/saml2/slo"
	pathArtifact = "/saml2/ars"
	pathMetadata = "/metadata"
	pathASelect  = "/aselect"
)

// Server is the assembled gateway.
type Server struct {
	config  *Config
	log     *zap.Logger
	router  chi.Router
	storage *store.SQLiteStore

	deps    *profile.Deps
	sso     *profile.WebSSO
	catalog *catalog.Builder
}

// NewServer builds the full dependency graph from configuration.
func NewServer(cfg *Config, log *zap.Logger) (*Server, error) {
	provider, err := crypto.NewProvider(cfg.KeyFile, cfg.CertFile)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}

	storage, err := store.NewSQLiteStore(cfg.DataDir, cfg.SessionTTL, cfg.TGTTTL)
	if err != nil {
		return nil, err
	}

	verifier := trust.NewVerifier(provider)
	signer := trust.NewSigner(provider)
	validator := validate.New(reg, verifier, cfg.EntityID, cfg.RequireSigning)
	auditor := events.NewAuditor(log, 0)

	deps := &profile.Deps{
		Log:       log,
		Registry:  reg,
		Sessions:  storage,
		TGTs:      storage.TGTs(),
		Crypto:    provider,
		Signer:    signer,
		Verifier:  verifier,
		Validator: validator,
		Auditor:   auditor,
		SOAP:      binding.NewSOAPClient(),
		Artifacts: binding.NewArtifactStore(0),
		Config: profile.Config{
			EntityID:             cfg.EntityID,
			BaseURL:              cfg.BaseURL,
			ResponsePath:         pathResponse,
			SSOPath:              pathSSO,
			ArtifactPath:         pathArtifact,
			LogoutPath:           pathLogout,
			SignRequests:         cfg.SignRequests,
			WantAssertionsSigned: cfg.WantAssertionsSigned,
			UseACSIndex:          cfg.UseACSIndex,
			DefaultClassRefs:     cfg.DefaultClassRefs,
			DefaultComparison:    cfg.DefaultComparison,
			AttributeMap:         cfg.AttributeMap,
			CookieName:           cfg.CookieName,
			CookieDomain:         cfg.CookieDomain,
			CookieSecure:         cfg.CookieSecure,
		},
	}

	sso := profile.NewWebSSO(deps)
	slo := profile.NewSingleLogout(deps)
	respEndpoint := profile.NewResponseEndpoint(deps, sso, slo)
	artifactRes := profile.NewArtifactResolution(deps)

	mode, err := catalog.ParseMode(cfg.CatalogMode)
	if err != nil {
		return nil, err
	}
	catalogBuilder := catalog.NewBuilder(reg, provider, cfg.EntityID, catalog.Endpoints{
		BaseURL:      cfg.BaseURL,
		SSOPath:      pathSSO,
		ResponsePath: pathResponse,
		LogoutPath:   pathLogout,
		ArtifactPath: pathArtifact,
	}, mode, log)

	creds := aselect.NewCredentials(cfg.EntityID, []byte(cfg.ASelectSecret), provider, 0)
	legacy := aselect.NewHandler(deps, sso, slo, creds, aselect.Config{
		SPEnabled:  cfg.ASelectSPEnabled,
		IDPEnabled: cfg.ASelectIDPEnabled,
		Path:       pathASelect,
	})
	deps.Finish = legacy.Finisher()

	s := &Server{
		config:  cfg,
		log:     log,
		storage: storage,
		deps:    deps,
		sso:     sso,
		catalog: catalogBuilder,
	}
	s.setupRouter(respEndpoint, slo, artifactRes, legacy, events.NewHub(auditor, log))
	return s, nil
}

// Router returns the configured router.
func (s *Server) Router() chi.Router { return s.router }

// Close releases the underlying store.
func (s *Server) Close() error { return s.storage.Close() }

// Reap drops long-expired records; run it periodically.
func (s *Server) Reap() error { return s.storage.Reap(24 * time.Hour) }

func (s *Server) setupRouter(respEndpoint *profile.ResponseEndpoint, slo *profile.SingleLogout, artifactRes *profile.ArtifactResolution, legacy *aselect.Handler, hub *events.Hub) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.log))
	r.Use(RequestLogger(s.log))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rateLimiter := NewRateLimiter(300, time.Minute)
	r.Use(rateLimiter.Limit)

	r.Get("/health", s.handleHealth)
	r.Get(pathMetadata, s.catalog.ServeHTTP)
	r.Get(pathASelect+"/jwks", s.deps.Crypto.ServeJWKS)
	r.Get(pathSSO, s.handleSSO)

	respEndpoint.Attach(r)
	slo.Attach(r)
	artifactRes.Attach(r)
	legacy.Attach(r)

	// Audit event stream
	r.Get("/ws/audit", hub.ServeHTTP)

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// handleSSO is the web-SSO entry point: a session resumes here and gets
// forwarded upstream. The response endpoint sends unsolicited flows through
// this URL with the session reference attached.
func (s *Server) handleSSO(w http.ResponseWriter, r *http.Request) {
	rid := r.URL.Query().Get("rid")
	if err := store.ValidateID(rid); err != nil {
		s.deps.Fail(w, r, "", "", events.Decodef(events.RequestorEventRequestInvalid, "missing or malformed rid"))
		return
	}
	sess, err := s.deps.Sessions.Get(rid)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
		s.deps.Fail(w, r, "", rid, events.Securityf(events.RequestorEventRequestInvalid, "no live session %q", rid))
		return
	}
	if err != nil {
		s.deps.Fail(w, r, "", rid, err)
		return
	}
	if sess.State != store.StateCreated {
		s.deps.Fail(w, r, sess.RequestorID, sess.ID, events.Securityf(events.RequestorEventSessionMismatch,
			"session %s cannot restart authentication", sess.ID))
		return
	}

	sp, _ := s.deps.Registry.Requestor(sess.RequestorID)
	idp, err := s.sso.SelectIDP(sp)
	if err != nil {
		s.deps.Fail(w, r, sess.RequestorID, sess.ID, err)
		return
	}
	if err := s.sso.StartAuthn(w, r, sess, sp, idp); err != nil {
		s.deps.Fail(w, r, sess.RequestorID, sess.ID, err)
	}
}
