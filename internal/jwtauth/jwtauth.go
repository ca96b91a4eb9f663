// Package jwtauth validates bearer tokens issued by the external identity
// authority. Authenticators verify signature, issuer, audience, algorithm and
// expiry before any claims are released to callers; the authorization layer
// never sees an unverified token.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation
// (signature, issuer, audience, exp/nbf) and the request must be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed by
	// any additional accepted audiences.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo carries the verified claims of an authenticated principal.
type UserInfo interface {
	// UserID returns the stable subject identifier. The oid claim is
	// preferred when present (it survives user renames); sub otherwise.
	UserID() string
	// Roles returns the role claims, or nil when the token carries none.
	Roles() []string
	// Claims unmarshals the full claim set into the provided struct ref.
	Claims(ref any) error
	// ExpiresAt returns the token's expiry instant.
	ExpiresAt() time.Time
}

// Authenticator validates access tokens and returns the verified UserInfo.
// Implementations MUST perform signature, issuer, audience and time
// validations and return ErrUnauthorized (wrapped) on any failure.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfo struct {
	sub    string
	roles  []string
	exp    time.Time
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string       { return u.sub }
func (u *userInfo) Roles() []string      { return u.roles }
func (u *userInfo) ExpiresAt() time.Time { return u.exp }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type authenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*authenticator)(nil)

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to locate the
// authority's JWKS and constructs an Authenticator. JWKS keys auto-refresh.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return NewWithJWKS(ctx, cfg, meta.JwksURI)
}

// NewWithJWKS constructs an Authenticator against a statically configured
// JWKS URI, bypassing discovery. Useful for tests and for authorities whose
// discovery document lives at a non-standard location.
func NewWithJWKS(ctx context.Context, cfg *Config, jwksURI string) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &authenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (a *authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if len(a.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	// Prefer the stable object id over sub; Azure-style authorities reissue
	// sub per client application.
	sub, _ := claims["oid"].(string)
	if sub == "" {
		sub, _ = claims["sub"].(string)
	}
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrUnauthorized)
	}

	var exp time.Time
	if expf, ok := claims["exp"].(float64); ok {
		exp = time.Unix(int64(expf), 0)
	}

	return &userInfo{sub: sub, roles: roleClaims(claims), exp: exp, claims: claims}, nil
}

// roleClaims extracts the "roles" claim, tolerating both JSON array and
// single-string encodings.
func roleClaims(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		return []string{v}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
