// Package authz decides what an authenticated caller may see and do. Claims
// come exclusively from verified bearer tokens; the filter never touches a
// raw token. The default is deny: no roles, unknown roles, or an untagged
// tool (absent an all-access grant) all resolve to nothing.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ssogate/audit"
	"ssogate/internal/jwtauth"
	"ssogate/registry"
)

// ErrUnauthenticated reports a missing, malformed, expired, or otherwise
// unverifiable bearer token.
var ErrUnauthenticated = errors.New("authz: unauthenticated")

// ErrForbidden reports that the caller's roles do not reach the requested
// tool.
var ErrForbidden = errors.New("authz: forbidden")

// Claims is the verified, request-scoped identity the filter operates on.
type Claims struct {
	SubjectID string
	Roles     []string
	ExpiresAt time.Time
}

// Enforcer authenticates bearer tokens, filters tool listings, and gates
// invocations, emitting an audit record for every decision.
type Enforcer struct {
	authn jwtauth.Authenticator
	roles *Mapping
	sink  audit.Sink
}

// NewEnforcer wires an enforcer. A nil mapping uses DefaultMapping; a nil
// sink discards audit records.
func NewEnforcer(authn jwtauth.Authenticator, roles *Mapping, sink audit.Sink) *Enforcer {
	if roles == nil {
		roles = DefaultMapping()
	}
	if sink == nil {
		sink = audit.NewLogger(nil)
	}
	return &Enforcer{authn: authn, roles: roles, sink: sink}
}

// Authenticate verifies the bearer token and returns its claims. The token
// may carry the "Bearer " prefix or be bare.
func (e *Enforcer) Authenticate(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Claims{}, fmt.Errorf("%w: no bearer token", ErrUnauthenticated)
	}
	info, err := e.authn.CheckAuthentication(ctx, token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Claims{
		SubjectID: info.UserID(),
		Roles:     info.Roles(),
		ExpiresAt: info.ExpiresAt(),
	}, nil
}

// PermittedTools filters the registry's listing down to what the claims
// authorize and records the decision. An empty result is a normal outcome,
// not an error.
func (e *Enforcer) PermittedTools(ctx context.Context, claims Claims, tools []registry.Tool) []registry.Tool {
	permitted := e.roles.Filter(claims.Roles, tools)

	names := make([]string, 0, len(permitted))
	for _, t := range permitted {
		names = append(names, t.Name)
	}
	e.sink.Write(ctx, audit.Record{
		SubjectID: claims.SubjectID,
		Action:    audit.ActionList,
		Tools:     names,
		Decision:  audit.DecisionAllowed,
		Reason:    fmt.Sprintf("%d of %d tools visible", len(permitted), len(tools)),
		At:        time.Now(),
	})
	return permitted
}

// AuthorizeCall gates one invocation. Membership is re-derived from the
// claims at call time; a tool visible in an earlier listing but no longer
// authorized is still denied.
func (e *Enforcer) AuthorizeCall(ctx context.Context, claims Claims, tool registry.Tool) error {
	allowed := e.roles.Allows(claims.Roles, tool)

	rec := audit.Record{
		SubjectID: claims.SubjectID,
		Action:    audit.ActionInvoke,
		Tools:     []string{tool.Name},
		At:        time.Now(),
	}
	if allowed {
		rec.Decision = audit.DecisionAllowed
		e.sink.Write(ctx, rec)
		return nil
	}
	rec.Decision = audit.DecisionDenied
	rec.Reason = "roles grant no matching capability"
	e.sink.Write(ctx, rec)
	return fmt.Errorf("%w: tool %s requires a capability your roles do not grant", ErrForbidden, tool.Name)
}
