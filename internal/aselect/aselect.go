// Package aselect adapts the legacy A-Select agent protocol onto the SAML
// core. Agents speak URL-encoded key=value pairs with a request verb; the
// adapter shares the session and ticket stores with the SAML profiles but
// keeps its own parameter names and result codes.
package aselect

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/profile"
	"github.com/openfed/samlgate/internal/store"
)

// Legacy result codes, echoed verbatim to agents.
const (
	ResultOK                 = "0000"
	ResultInternalError      = "0001"
	ResultCredentialsInvalid = "0007"
	ResultInvalidRequest     = "0030"
	ResultUnknownRequestor   = "0031"
	ResultAuthFailed         = "0041"
	ResultUserCancelled      = "0040"
	ResultLogoutFailed       = "0050"
	ResultLogoutPartial      = "0051"
)

// Config gates and tunes the adapter.
type Config struct {
	// SPEnabled gates the requestor-facing verbs (authenticate, login1,
	// verify_credentials, logout).
	SPEnabled bool
	// IDPEnabled gates the IdP-facing asynchronous logout verb (slo).
	IDPEnabled bool
	// Path is where the adapter is mounted.
	Path string
	// Levels maps authentication-profile IDs to the authsp_level reported
	// for them; DefaultLevel covers unmapped profiles.
	Levels       map[string]int
	DefaultLevel int
}

// Handler is the legacy endpoint.
type Handler struct {
	d     *profile.Deps
	sso   *profile.WebSSO
	slo   *profile.SingleLogout
	creds *Credentials
	cfg   Config
}

// NewHandler wires the adapter to the SAML core.
func NewHandler(d *profile.Deps, sso *profile.WebSSO, slo *profile.SingleLogout, creds *Credentials, cfg Config) *Handler {
	if cfg.DefaultLevel <= 0 {
		cfg.DefaultLevel = 10
	}
	return &Handler{d: d, sso: sso, slo: slo, creds: creds, cfg: cfg}
}

// Attach mounts the adapter endpoint.
func (h *Handler) Attach(r chi.Router) {
	r.Get(h.cfg.Path, h.handle)
	r.Post(h.cfg.Path, h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return
	}

	switch verb := r.Form.Get("request"); verb {
	case "authenticate":
		h.requireSP(w, h.authenticate)(r)
	case "login1", "":
		// Browser continuation after authenticate; an empty verb with a
		// rid is the legacy redirect form of the same thing.
		if r.Form.Get("rid") == "" {
			h.writeResult(w, kv{"result_code", ResultInvalidRequest})
			return
		}
		h.requireSP(w, h.login1)(r)
	case "verify_credentials":
		h.requireSP(w, h.verifyCredentials)(r)
	case "logout":
		h.requireSP(w, h.logout)(r)
	case "slo":
		if !h.cfg.IDPEnabled {
			h.writeResult(w, kv{"result_code", ResultInvalidRequest})
			return
		}
		h.logoutInit(w, r)
	default:
		h.d.Log.Debug("unknown legacy verb", zap.String("request", verb))
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
	}
}

func (h *Handler) requireSP(w http.ResponseWriter, fn func(http.ResponseWriter, *http.Request)) func(*http.Request) {
	return func(r *http.Request) {
		if !h.cfg.SPEnabled {
			h.writeResult(w, kv{"result_code", ResultInvalidRequest})
			return
		}
		fn(w, r)
	}
}

// authenticate opens an authentication session for an agent. The agent gets
// a rid and the URL the browser must visit to continue.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	appID := r.Form.Get("app_id")
	appURL := r.Form.Get("app_url")
	if appID == "" || appURL == "" {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return
	}
	if _, err := h.d.Validator.Requestor(appID); err != nil {
		h.d.Log.Info("legacy authenticate refused", zap.String("app_id", appID), zap.Error(err))
		h.writeResult(w, kv{"result_code", ResultUnknownRequestor})
		return
	}

	s, err := h.d.Sessions.Create(appID)
	if err != nil {
		h.writeResult(w, kv{"result_code", ResultInternalError})
		return
	}
	s.Attrs.TargetURL = appURL
	s.ForcedUID = r.Form.Get("uid")
	s.ForcedAuthn = r.Form.Get("forced_logon") == "true"
	if err := h.d.Sessions.Persist(s); err != nil {
		h.writeResult(w, kv{"result_code", ResultInternalError})
		return
	}

	asURL := h.d.Config.BaseURL + h.cfg.Path
	h.writeResult(w,
		kv{"result_code", ResultOK},
		kv{"rid", s.ID},
		kv{"as_url", asURL + "?request=login1"},
	)
}

// login1 is the browser leg: the rid resolves back to the session and the
// SAML web-SSO profile takes over.
func (h *Handler) login1(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromRID(w, r)
	if !ok {
		return
	}
	if s.State != store.StateCreated {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return
	}

	sp, _ := h.d.Registry.Requestor(s.RequestorID)
	idp, err := h.sso.SelectIDP(sp)
	if err != nil {
		h.d.Fail(w, r, s.RequestorID, s.ID, err)
		return
	}
	if err := h.sso.StartAuthn(w, r, s, sp, idp); err != nil {
		h.d.Fail(w, r, s.RequestorID, s.ID, err)
	}
}

// verifyCredentials exchanges a credentials token for the user's identity
// and attributes.
func (h *Handler) verifyCredentials(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ticketFromCredentials(w, r)
	if !ok {
		return
	}

	pairs := []kv{
		{"result_code", ResultOK},
		{"uid", t.User.ID},
		{"organization", t.User.Organization},
		{"authsp_level", strconv.Itoa(h.authspLevel(t))},
		{"tgt_exp_time", strconv.FormatInt(t.Expiry.UnixMilli(), 10)},
	}
	if len(t.User.Attributes) > 0 {
		values := url.Values{}
		for name, vs := range t.User.Attributes {
			values[name] = vs
		}
		pairs = append(pairs, kv{"attributes", base64.StdEncoding.EncodeToString([]byte(values.Encode()))})
	}
	h.writeResult(w, pairs...)
}

// logout is synchronous: the ticket dies, logout propagates upstream, and
// the agent gets the aggregate outcome.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ticketFromCredentials(w, r)
	if !ok {
		return
	}
	event := h.slo.LogoutUser(r.Context(), t)
	h.writeResult(w, kv{"result_code", logoutResult(event)})
}

// logoutInit starts asynchronous, browser-visible logout. The logout
// response returns through the SAML response endpoint; the browser ends up
// at app_url.
func (h *Handler) logoutInit(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ticketFromCredentials(w, r)
	if !ok {
		return
	}

	var idpID string
	for peer := range t.SessionIndexAliases {
		if idp, found := h.d.Registry.IDP(peer); found && idp.Enabled {
			idpID = idp.ID
			break
		}
	}
	if idpID == "" {
		// Nothing upstream answers front-channel logout; fall back to the
		// synchronous path.
		event := h.slo.LogoutUser(r.Context(), t)
		h.writeResult(w, kv{"result_code", logoutResult(event)})
		return
	}
	idp, _ := h.d.Registry.IDP(idpID)

	s, err := h.d.Sessions.Create("")
	if err != nil {
		h.writeResult(w, kv{"result_code", ResultInternalError})
		return
	}
	s.Attrs.TargetURL = r.Form.Get("app_url")
	if err := h.slo.StartFrontChannel(w, r, s, t, idp); err != nil {
		h.d.Fail(w, r, "", s.ID, err)
	}
}

// Finisher renders the browser continuation installed into the profile
// deps: the requestor's target URL gets the rid and, on success, a minted
// credentials token.
func (h *Handler) Finisher() func(http.ResponseWriter, *http.Request, *store.Session, string) {
	return func(w http.ResponseWriter, r *http.Request, s *store.Session, tgtID string) {
		target := s.Attrs.TargetURL
		if target == "" {
			h.writeResult(w, kv{"result_code", stateResult(s.State)}, kv{"rid", s.ID})
			return
		}
		u, err := url.Parse(target)
		if err != nil {
			h.writeResult(w, kv{"result_code", ResultInvalidRequest})
			return
		}
		q := u.Query()
		q.Set("rid", s.ID)
		if tgtID != "" {
			cred, err := h.creds.Mint(tgtID)
			if err != nil {
				h.d.Log.Error("mint credentials", zap.Error(err))
				h.writeResult(w, kv{"result_code", ResultInternalError})
				return
			}
			q.Set("aselect_credentials", cred)
		} else {
			q.Set("result_code", stateResult(s.State))
		}
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
	}
}

func (h *Handler) sessionFromRID(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	rid := r.Form.Get("rid")
	if err := store.ValidateID(rid); err != nil {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return nil, false
	}
	s, err := h.d.Sessions.Get(rid)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return nil, false
	}
	if err != nil {
		h.writeResult(w, kv{"result_code", ResultInternalError})
		return nil, false
	}
	return s, true
}

func (h *Handler) ticketFromCredentials(w http.ResponseWriter, r *http.Request) (*store.TGT, bool) {
	cred := r.Form.Get("aselect_credentials")
	if cred == "" {
		h.writeResult(w, kv{"result_code", ResultInvalidRequest})
		return nil, false
	}
	tgtID, err := h.creds.Parse(cred)
	if err != nil {
		h.d.Auditor.Security("", "", r.RemoteAddr, events.RequestorEventRequestInvalid, "bad credentials token")
		h.writeResult(w, kv{"result_code", ResultCredentialsInvalid})
		return nil, false
	}
	t, err := h.d.TGTs.Get(tgtID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
		h.writeResult(w, kv{"result_code", ResultCredentialsInvalid})
		return nil, false
	}
	if err != nil {
		h.writeResult(w, kv{"result_code", ResultInternalError})
		return nil, false
	}
	return t, true
}

func (h *Handler) authspLevel(t *store.TGT) int {
	level := 0
	for _, profileID := range t.AuthnProfileIDs {
		l, ok := h.cfg.Levels[profileID]
		if !ok {
			l = h.cfg.DefaultLevel
		}
		if l > level {
			level = l
		}
	}
	if level == 0 {
		level = h.cfg.DefaultLevel
	}
	return level
}

type kv struct{ key, value string }

// writeResult renders the legacy key=value response. Order matters to some
// agents, so pairs are written as given, result_code first by convention.
func (h *Handler) writeResult(w http.ResponseWriter, pairs ...kv) {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, b.String())
}

func logoutResult(event events.UserEvent) string {
	switch event {
	case events.UserEventUserLoggedOut:
		return ResultOK
	case events.UserEventUserLogoutPartially:
		return ResultLogoutPartial
	default:
		return ResultLogoutFailed
	}
}

func stateResult(state store.State) string {
	switch state {
	case store.StateAuthnOK:
		return ResultOK
	case store.StateUserCancelled:
		return ResultUserCancelled
	case store.StateAuthnFailed:
		return ResultAuthFailed
	case store.StateUserLogoutSuccess:
		return ResultOK
	case store.StateUserLogoutPartial:
		return ResultLogoutPartial
	case store.StateUserLogoutFailed:
		return ResultLogoutFailed
	default:
		return ResultInternalError
	}
}
