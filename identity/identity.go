// Package identity wraps the external identity authority's authorization-code
// grant. It builds authorization requests with PKCE, redeems callback codes
// for token pairs, and refreshes tokens. The wire protocol belongs to the
// authority; this package only classifies its failures into a small taxonomy
// the flow controller can act on.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"ssogate/credstore"
)

// ErrInvalidGrant indicates the authority rejected the authorization code or
// refresh token (expired, revoked, or already used). Not retriable.
var ErrInvalidGrant = errors.New("identity: invalid grant")

// ErrNetwork indicates the authority was unreachable or timed out. The call
// itself is retriable, though a code redemption must not be retried with the
// same code: the code is single-use at the authority and the flow has to be
// restarted instead.
var ErrNetwork = errors.New("identity: network error")

// ErrConfig indicates malformed client credentials or authority
// configuration. Fatal; retrying cannot help.
var ErrConfig = errors.New("identity: configuration error")

const defaultTimeout = 15 * time.Second

// Config describes the confidential client registration.
type Config struct {
	// Issuer is the authority's issuer URL, used for OIDC discovery of the
	// authorize and token endpoints.
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Timeout bounds every call to the authority. Defaults to 15s.
	Timeout time.Duration
}

// AuthRequest is the result of starting an authorization request: the URI to
// redirect the user's browser to, plus the pending-flow state the callback
// leg needs. The flow contents are opaque to callers; they round-trip through
// the credential store untouched.
type AuthRequest struct {
	AuthURI string
	Flow    credstore.PendingFlow
}

// Client is a confidential OAuth2 client for one authority registration.
type Client struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	timeout  time.Duration
}

// New discovers the authority's endpoints and constructs a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("%w: issuer, client id, client secret and redirect uri are required", ErrConfig)
	}
	if _, err := url.Parse(cfg.Issuer); err != nil {
		return nil, fmt.Errorf("%w: invalid issuer url: %v", ErrConfig, err)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			return nil, fmt.Errorf("%w: discovery: %v", ErrNetwork, err)
		}
		return nil, fmt.Errorf("%w: discovery: %v", ErrConfig, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     provider.Endpoint(),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		timeout:  timeout,
	}, nil
}

// BuildAuthorizationRequest mints a fresh state and PKCE verifier and returns
// the authorization URI plus the pending flow to park until the callback.
func (c *Client) BuildAuthorizationRequest() (AuthRequest, error) {
	state, err := randomToken()
	if err != nil {
		return AuthRequest{}, fmt.Errorf("mint state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	uri := c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	return AuthRequest{
		AuthURI: uri,
		Flow: credstore.PendingFlow{
			State:        state,
			CodeVerifier: verifier,
			RedirectURI:  c.oauth.RedirectURL,
			CreatedAt:    time.Now(),
		},
	}, nil
}

// idClaims is the subset of ID token claims the gateway cares about.
type idClaims struct {
	OID   string   `json:"oid"`
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
}

// Redeem exchanges the callback's authorization code for a token pair. The
// returned record carries the subject and role claims from the verified ID
// token.
func (c *Client) Redeem(ctx context.Context, flow credstore.PendingFlow, code string) (credstore.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return credstore.TokenRecord{}, classify("redeem", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return credstore.TokenRecord{}, fmt.Errorf("%w: token response missing id_token", ErrInvalidGrant)
	}
	idt, err := c.verifier.Verify(ctx, rawID)
	if err != nil {
		return credstore.TokenRecord{}, fmt.Errorf("%w: id token verification: %v", ErrInvalidGrant, err)
	}
	var claims idClaims
	if err := idt.Claims(&claims); err != nil {
		return credstore.TokenRecord{}, fmt.Errorf("%w: id token claims: %v", ErrInvalidGrant, err)
	}
	subject := claims.OID
	if subject == "" {
		subject = claims.Sub
	}
	if subject == "" {
		return credstore.TokenRecord{}, fmt.Errorf("%w: id token carries no subject", ErrInvalidGrant)
	}

	return tokenRecord(subject, claims.Roles, tok), nil
}

// Refresh exchanges a refresh token for a new token pair. Safe to retry: each
// attempt yields an interchangeable pair for the same identity. The returned
// record has no subject when the authority omits an ID token on refresh; the
// caller already knows which subject it is refreshing.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (credstore.TokenRecord, error) {
	if refreshToken == "" {
		return credstore.TokenRecord{}, fmt.Errorf("%w: no refresh token", ErrInvalidGrant)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return credstore.TokenRecord{}, classify("refresh", err)
	}

	var subject string
	var roles []string
	if rawID, _ := tok.Extra("id_token").(string); rawID != "" {
		if idt, err := c.verifier.Verify(ctx, rawID); err == nil {
			var claims idClaims
			if err := idt.Claims(&claims); err == nil {
				subject = claims.OID
				if subject == "" {
					subject = claims.Sub
				}
				roles = claims.Roles
			}
		}
	}
	return tokenRecord(subject, roles, tok), nil
}

func tokenRecord(subject string, roles []string, tok *oauth2.Token) credstore.TokenRecord {
	// RefreshToken may be rotated or absent; callers decide whether to keep
	// the prior one.
	return credstore.TokenRecord{
		SubjectID:    subject,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Roles:        roles,
	}
}

// classify maps transport-level failures onto the package error taxonomy.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_client", "unauthorized_client":
			return fmt.Errorf("%w: %s: %v", ErrConfig, op, err)
		case "invalid_grant", "invalid_request", "access_denied":
			return fmt.Errorf("%w: %s: %v", ErrInvalidGrant, op, err)
		}
		if re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return fmt.Errorf("%w: %s: %v", ErrInvalidGrant, op, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}
	// Timeouts, DNS failures, connection refusals.
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
