package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// fakeAuthority is a minimal OAuth2/OIDC authority: discovery, JWKS, and a
// scriptable token endpoint.
type fakeAuthority struct {
	srv    *httptest.Server
	issuer string
	pk     *rsa.PrivateKey
	kid    string

	// tokenHandler services POSTs to the token endpoint.
	tokenHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	fa := &fakeAuthority{pk: pk, kid: "fake-key"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 fa.issuer,
			"authorization_endpoint": fa.issuer + "/oauth2/authorize",
			"token_endpoint":         fa.issuer + "/oauth2/token",
			"jwks_uri":               fa.issuer + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &pk.PublicKey, KeyID: fa.kid, Algorithm: "RS256", Use: "sig",
		}}}
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if fa.tokenHandler == nil {
			http.Error(w, "no token handler", http.StatusInternalServerError)
			return
		}
		fa.tokenHandler(w, r)
	})

	fa.srv = httptest.NewServer(mux)
	fa.issuer = fa.srv.URL
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAuthority) idToken(t *testing.T, clientID string, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	base := jwt.MapClaims{
		"iss": fa.issuer,
		"aud": clientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	tok.Header["kid"] = fa.kid
	s, err := tok.SignedString(fa.pk)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return s
}

func newTestClient(t *testing.T, fa *fakeAuthority) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Issuer:       fa.issuer,
		ClientID:     "gateway-client",
		ClientSecret: "s3cret",
		RedirectURI:  "http://localhost:8080/auth/callback",
		Scopes:       []string{"openid", "offline_access"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestBuildAuthorizationRequest(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)

	req, err := c.BuildAuthorizationRequest()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Flow.State == "" || req.Flow.CodeVerifier == "" {
		t.Fatal("flow missing state or verifier")
	}

	u, err := url.Parse(req.AuthURI)
	if err != nil {
		t.Fatalf("parse auth uri: %v", err)
	}
	q := u.Query()
	if q.Get("state") != req.Flow.State {
		t.Fatalf("state param %q != flow state %q", q.Get("state"), req.Flow.State)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Fatal("missing code_challenge")
	}

	// Each request must mint a distinct state.
	req2, err := c.BuildAuthorizationRequest()
	if err != nil {
		t.Fatalf("build second: %v", err)
	}
	if req2.Flow.State == req.Flow.State {
		t.Fatal("states must be unique per flow")
	}
}

func TestRedeem_HappyPath(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)

	fa.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			http.Error(w, "wrong grant type: "+got, http.StatusBadRequest)
			return
		}
		if r.Form.Get("code_verifier") == "" {
			http.Error(w, "missing code_verifier", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token": fa.idToken(t, "gateway-client", jwt.MapClaims{
				"sub":   "sub-1",
				"oid":   "oid-1",
				"roles": []string{"Task.Read"},
			}),
		})
	}

	req, err := c.BuildAuthorizationRequest()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rec, err := c.Redeem(context.Background(), req.Flow, "authority-code")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if rec.SubjectID != "oid-1" {
		t.Fatalf("SubjectID = %q, want oid claim", rec.SubjectID)
	}
	if rec.AccessToken != "at-1" || rec.RefreshToken != "rt-1" {
		t.Fatalf("unexpected tokens: %+v", rec)
	}
	if len(rec.Roles) != 1 || rec.Roles[0] != "Task.Read" {
		t.Fatalf("Roles = %v", rec.Roles)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		t.Fatalf("ExpiresAt = %v not in the future", rec.ExpiresAt)
	}
}

func TestRedeem_InvalidGrant(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)

	fa.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}

	req, _ := c.BuildAuthorizationRequest()
	_, err := c.Redeem(context.Background(), req.Flow, "stale-code")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestRedeem_AuthorityDown(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)

	// Close the authority after discovery so the token call hits a dead
	// socket.
	fa.srv.Close()

	req, _ := c.BuildAuthorizationRequest()
	_, err := c.Redeem(context.Background(), req.Flow, "code")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestRefresh(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)

	calls := 0
	fa.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			http.Error(w, "wrong grant type: "+got, http.StatusBadRequest)
			return
		}
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-refreshed",
			"refresh_token": "rt-rotated",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}

	rec, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.AccessToken != "at-refreshed" || rec.RefreshToken != "rt-rotated" {
		t.Fatalf("unexpected tokens: %+v", rec)
	}

	// Retry is safe: a second call yields another valid pair.
	rec2, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if rec2.AccessToken == "" || calls != 2 {
		t.Fatalf("second refresh did not reach authority (calls=%d)", calls)
	}
}

func TestRefresh_NoToken(t *testing.T) {
	fa := newFakeAuthority(t)
	c := newTestClient(t, fa)
	if _, err := c.Refresh(context.Background(), ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}

	_, err = New(ctx, Config{
		Issuer:       "http://127.0.0.1:1", // nothing listens here
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/cb",
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork for unreachable issuer", err)
	}
	if err != nil && !strings.Contains(err.Error(), "discovery") {
		t.Fatalf("err should mention discovery: %v", err)
	}
}
