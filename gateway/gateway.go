// Package gateway is the HTTP surface of the SSO gateway: the browser-facing
// sign-on endpoints, the token exchange and refresh endpoints, and the
// bearer-gated tool listing and invocation endpoints.
//
// Error responses deliberately leak nothing about stored state: an unknown
// flow state, an expired exchange code, and a forged one all produce the same
// generic 400.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"ssogate/authz"
	"ssogate/credstore"
	"ssogate/flow"
	"ssogate/identity"
	"ssogate/internal/logctx"
	"ssogate/registry"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	htmlMediaType  = contenttype.NewMediaType("text/html")
	callbackOffers = []contenttype.MediaType{jsonMediaType, htmlMediaType}
)

// Handler serves the gateway's HTTP API.
type Handler struct {
	mux      *http.ServeMux
	flows    *flow.Controller
	enforcer *authz.Enforcer
	tools    registry.ToolRegistry
	store    credstore.Store
	log      *slog.Logger
	realm    string
}

// Option configures a Handler.
type Option func(*Handler)

// WithRealm sets the realm advertised in Bearer challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// New wires the HTTP surface. A nil logger discards.
func New(flows *flow.Controller, enforcer *authz.Enforcer, tools registry.ToolRegistry, store credstore.Store, log *slog.Logger, opts ...Option) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		flows:    flows,
		enforcer: enforcer,
		tools:    tools,
		store:    store,
		log:      log,
		realm:    "ssogate",
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/login", h.handleLogin)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.HandleFunc("POST /auth/exchange", h.handleExchange)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/signout", h.handleSignOut)
	mux.HandleFunc("GET /tools", h.handleListTools)
	mux.HandleFunc("POST /tools/call", h.handleCallTool)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// errorBody is the uniform JSON error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// challenge writes a 401 with a Bearer challenge in the standard format.
func (h *Handler) challenge(w http.ResponseWriter, errCode, desc string) {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := []string{fmt.Sprintf(`realm="%s"`, esc(h.realm))}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(desc)))
	}
	w.Header().Set(wwwAuthenticateHeader, "Bearer "+strings.Join(pieces, ", "))
	h.writeError(w, http.StatusUnauthorized, "unauthenticated", "a valid bearer token is required")
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authURI, err := h.flows.Start(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "sign-on start failed", slog.String("err", err.Error()))
		h.writeStoreOrServerError(w, err)
		return
	}
	http.Redirect(w, r, authURI, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if authErr := q.Get("error"); authErr != "" {
		h.log.WarnContext(ctx, "authority returned error", slog.String("err", authErr))
		h.writeError(w, http.StatusBadRequest, "authorization_failed", "the identity authority declined the request")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_callback", "state and code are required")
		return
	}

	res, err := h.flows.Callback(ctx, state, code)
	if err != nil {
		h.log.WarnContext(ctx, "callback failed", slog.String("err", err.Error()))
		h.callbackError(w, err)
		return
	}

	mt, _, negErr := contenttype.GetAcceptableMediaType(r, callbackOffers)
	if negErr == nil && mt.Matches(htmlMediaType) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, callbackPage, html.EscapeString(res.Code), int(res.ExpiresIn.Seconds()))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"exchange_code": res.Code,
		"expires_in":    int(res.ExpiresIn.Seconds()),
	})
}

// callbackPage is the minimal copy-the-code page served to browsers.
const callbackPage = `<!doctype html>
<html>
<head><title>Sign-on complete</title></head>
<body>
<h1>Sign-on complete</h1>
<p>Exchange code (valid for %[2]d seconds):</p>
<pre><code>%[1]s</code></pre>
</body>
</html>
`

func (h *Handler) callbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		// Replay, forgery, and expiry are indistinguishable on purpose.
		h.writeError(w, http.StatusBadRequest, "invalid_state", "the sign-on request is unknown or expired")
	case errors.Is(err, identity.ErrInvalidGrant):
		h.writeError(w, http.StatusBadRequest, "invalid_code", "the authorization code was rejected")
	case errors.Is(err, identity.ErrNetwork):
		h.writeError(w, http.StatusBadGateway, "authority_unreachable", "the identity authority could not be reached")
	case errors.Is(err, credstore.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "credential storage is unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "a code field is required")
		return
	}

	rec, err := h.flows.Exchange(ctx, body.Code)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrCodeNotFound), errors.Is(err, flow.ErrNoActiveSession):
			h.writeError(w, http.StatusBadRequest, "invalid_code", "the exchange code is unknown, expired, or already used")
		default:
			h.log.ErrorContext(ctx, "exchange failed", slog.String("err", err.Error()))
			h.writeStoreOrServerError(w, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, tokenResponse(rec))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Subject == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "a subject field is required")
		return
	}

	rec, err := h.flows.Refresh(ctx, body.Subject)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrNoActiveSession):
			h.writeError(w, http.StatusBadRequest, "no_active_session", "no session exists for that subject")
		case errors.Is(err, identity.ErrInvalidGrant):
			h.writeError(w, http.StatusBadRequest, "invalid_grant", "the refresh token was rejected; sign in again")
		case errors.Is(err, identity.ErrNetwork):
			h.writeError(w, http.StatusBadGateway, "authority_unreachable", "the identity authority could not be reached")
		default:
			h.log.ErrorContext(ctx, "refresh failed", slog.String("err", err.Error()))
			h.writeStoreOrServerError(w, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, tokenResponse(rec))
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Subject == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "a subject field is required")
		return
	}
	if err := h.flows.SignOut(ctx, body.Subject); err != nil {
		h.log.ErrorContext(ctx, "signout failed", slog.String("err", err.Error()))
		h.writeStoreOrServerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tokenResponse(rec credstore.TokenRecord) map[string]any {
	out := map[string]any{
		"subject":      rec.SubjectID,
		"access_token": rec.AccessToken,
		"expires_at":   rec.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if rec.RefreshToken != "" {
		out["refresh_token"] = rec.RefreshToken
	}
	return out
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	tools, err := h.tools.ListTools(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "list tools failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusBadGateway, "registry_unavailable", "the tool registry could not be reached")
		return
	}
	permitted := h.enforcer.PermittedTools(ctx, claims, tools)
	h.writeJSON(w, http.StatusOK, map[string]any{"tools": permitted})
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var body struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "a name field is required")
		return
	}
	ctx = logctx.WithToolData(ctx, &logctx.ToolData{ToolName: body.Name})

	tools, err := h.tools.ListTools(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "list tools failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusBadGateway, "registry_unavailable", "the tool registry could not be reached")
		return
	}
	// Authorization runs before existence is revealed. An unknown name is
	// gated as an untagged tool, so only all-access callers can learn that a
	// tool is absent; everyone else gets the same Forbidden as for a tool
	// their roles do not reach.
	target := registry.Tool{Name: body.Name}
	found := false
	for i := range tools {
		if tools[i].Name == body.Name {
			target = tools[i]
			found = true
			break
		}
	}
	if err := h.enforcer.AuthorizeCall(ctx, claims, target); err != nil {
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "tool_not_found", "")
		return
	}

	res, err := h.tools.CallTool(ctx, body.Name, body.Arguments)
	if err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			h.writeError(w, http.StatusNotFound, "tool_not_found", "")
			return
		}
		h.log.ErrorContext(ctx, "tool call failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusBadGateway, "tool_call_failed", "the tool could not be invoked")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// authenticate extracts and verifies the bearer token, answering 401 with a
// challenge itself when verification fails.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (authz.Claims, bool) {
	ctx := r.Context()
	header := r.Header.Get("Authorization")
	if header == "" {
		h.challenge(w, "", "")
		return authz.Claims{}, false
	}
	claims, err := h.enforcer.Authenticate(ctx, header)
	if err != nil {
		h.log.WarnContext(ctx, "authentication failed", slog.String("err", err.Error()))
		h.challenge(w, "invalid_token", "the bearer token could not be verified")
		return authz.Claims{}, false
	}
	return claims, true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeStoreOrServerError(w http.ResponseWriter, err error) {
	if errors.Is(err, credstore.ErrUnavailable) {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "credential storage is unavailable")
		return
	}
	h.writeError(w, http.StatusInternalServerError, "internal", "")
}
