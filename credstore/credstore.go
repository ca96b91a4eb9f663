// Package credstore defines the expiring key-value contract that backs the
// SSO gateway's authentication state: pending authorization flows, one-time
// exchange codes, and per-subject token records. Each kind of entry lives in
// its own logical namespace with its own TTL policy.
//
// The single correctness-critical guarantee is exactly-once consumption:
// TakeFlow and TakeExchangeCode are atomic get-and-delete operations. When
// concurrent callers race on the same state or code, exactly one observes the
// entry and every other caller gets ErrNotFound.
package credstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that an entry is absent, expired, or already consumed.
// Callers cannot distinguish those cases; collapsing them avoids leaking
// whether a state or code ever existed.
var ErrNotFound = errors.New("credstore: not found")

// ErrUnavailable reports that the backing store could not be reached. It is
// never folded into ErrNotFound: an infrastructure failure must surface as a
// server-side error, not as a rejected credential.
var ErrUnavailable = errors.New("credstore: unavailable")

// PendingFlow is an in-progress authorization-code flow. It is created when
// the user is redirected to the identity authority and consumed exactly once
// when the authority calls back.
type PendingFlow struct {
	// State is the opaque correlation value round-tripped through the
	// authority. It is also the flow's storage key.
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier minted at flow start.
	CodeVerifier string `json:"code_verifier"`

	// RedirectURI is the callback URI the authorization request named; the
	// redemption request must repeat it verbatim.
	RedirectURI string `json:"redirect_uri"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenRecord is the durable credential for one identity. At most one live
// record exists per subject; writes are last-write-wins.
type TokenRecord struct {
	// SubjectID is the stable user identifier asserted by the identity
	// provider (e.g. the oid claim).
	SubjectID string `json:"subject_id"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`

	// Roles is a snapshot of the role claims observed at redemption time.
	// It is kept for audit and debugging only; authorization decisions
	// re-derive roles from the verified bearer token on every request.
	Roles []string `json:"roles,omitempty"`
}

// Store is the expiring key-value abstraction shared by the flow controller
// and the HTTP surface. Implementations must be safe for unbounded concurrent
// use without caller-side locking, and TTL expiry is entirely their
// responsibility.
type Store interface {
	// PutFlow stores a pending flow keyed by its state value.
	PutFlow(ctx context.Context, flow PendingFlow, ttl time.Duration) error

	// TakeFlow atomically removes and returns the flow for state. A state
	// that was already taken, expired, or never existed yields ErrNotFound.
	TakeFlow(ctx context.Context, state string) (PendingFlow, error)

	// PutToken stores the record for rec.SubjectID, replacing any prior one.
	PutToken(ctx context.Context, rec TokenRecord, ttl time.Duration) error

	// GetToken returns the live record for subjectID or ErrNotFound.
	GetToken(ctx context.Context, subjectID string) (TokenRecord, error)

	// DeleteToken removes the record for subjectID. Deleting an absent
	// record is not an error.
	DeleteToken(ctx context.Context, subjectID string) error

	// PutExchangeCode maps a one-time code to a subject.
	PutExchangeCode(ctx context.Context, code, subjectID string, ttl time.Duration) error

	// TakeExchangeCode atomically removes the code and returns the subject
	// it was minted for. Under concurrent callers exactly one succeeds; the
	// rest get ErrNotFound.
	TakeExchangeCode(ctx context.Context, code string) (string, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
