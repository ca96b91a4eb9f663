// Package flow drives the browser sign-on sequence end to end: it parks
// pending authorization state before the redirect, redeems the authority's
// callback, and hands the client a short-lived exchange code it can trade for
// the token pair out of band. Every leg leans on the credential store's
// consume-once semantics so replayed callbacks and reused exchange codes die
// at the store, not in handler logic.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ssogate/credstore"
	"ssogate/identity"
	"ssogate/internal/logctx"
)

// ErrFlowNotFound indicates the callback's state matched no pending flow:
// never started, expired, forged, or already consumed. The four cases are
// deliberately indistinguishable.
var ErrFlowNotFound = errors.New("flow: pending flow not found")

// ErrCodeNotFound indicates the exchange code matched no stored entry:
// expired, already redeemed, or never issued.
var ErrCodeNotFound = errors.New("flow: exchange code not found")

// ErrNoActiveSession indicates no token record exists for the subject.
var ErrNoActiveSession = errors.New("flow: no active session")

const (
	// DefaultFlowTTL bounds how long a user may sit on the authority's login
	// page before the pending flow evaporates.
	DefaultFlowTTL = 10 * time.Minute

	// DefaultExchangeTTL bounds the window between the browser callback and
	// the client's exchange call.
	DefaultExchangeTTL = 2 * time.Minute

	// DefaultTokenTTL bounds an idle session. Refreshing rewrites the record
	// and restarts the clock.
	DefaultTokenTTL = 24 * time.Hour
)

// IdentityClient is the slice of the identity authority the controller
// needs.
type IdentityClient interface {
	BuildAuthorizationRequest() (identity.AuthRequest, error)
	Redeem(ctx context.Context, flow credstore.PendingFlow, code string) (credstore.TokenRecord, error)
	Refresh(ctx context.Context, refreshToken string) (credstore.TokenRecord, error)
}

// Options tune the controller's TTLs. Zero values take the defaults.
type Options struct {
	FlowTTL     time.Duration
	ExchangeTTL time.Duration
	TokenTTL    time.Duration
}

// Controller sequences the authorization-code flow against the credential
// store and the identity client.
type Controller struct {
	idc         IdentityClient
	store       credstore.Store
	log         *slog.Logger
	flowTTL     time.Duration
	exchangeTTL time.Duration
	tokenTTL    time.Duration
}

// NewController wires a controller. A nil logger discards.
func NewController(idc IdentityClient, store credstore.Store, log *slog.Logger, opts Options) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	flowTTL := opts.FlowTTL
	if flowTTL <= 0 {
		flowTTL = DefaultFlowTTL
	}
	exchangeTTL := opts.ExchangeTTL
	if exchangeTTL <= 0 {
		exchangeTTL = DefaultExchangeTTL
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Controller{
		idc:         idc,
		store:       store,
		log:         log,
		flowTTL:     flowTTL,
		exchangeTTL: exchangeTTL,
		tokenTTL:    tokenTTL,
	}
}

// Start begins a sign-on: it parks the pending flow under its state and
// returns the authority URI to redirect the browser to.
func (c *Controller) Start(ctx context.Context) (string, error) {
	req, err := c.idc.BuildAuthorizationRequest()
	if err != nil {
		return "", fmt.Errorf("build authorization request: %w", err)
	}
	if err := c.store.PutFlow(ctx, req.Flow, c.flowTTL); err != nil {
		return "", fmt.Errorf("park pending flow: %w", err)
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{State: req.Flow.State})
	c.log.InfoContext(ctx, "sign-on started")
	return req.AuthURI, nil
}

// ExchangeResult is what the browser callback hands back to the client.
type ExchangeResult struct {
	Code      string
	SubjectID string
	ExpiresIn time.Duration
}

// Callback consumes the pending flow for state, redeems the authority code,
// stores the token record under the subject, and mints a one-shot exchange
// code. The flow is gone after this call whether redemption succeeds or not;
// a failed redemption means starting over.
func (c *Controller) Callback(ctx context.Context, state, code string) (ExchangeResult, error) {
	pending, err := c.store.TakeFlow(ctx, state)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return ExchangeResult{}, ErrFlowNotFound
		}
		return ExchangeResult{}, fmt.Errorf("take pending flow: %w", err)
	}

	rec, err := c.idc.Redeem(ctx, pending, code)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("redeem authorization code: %w", err)
	}

	if err := c.store.PutToken(ctx, rec, c.tokenTTL); err != nil {
		return ExchangeResult{}, fmt.Errorf("store token record: %w", err)
	}

	exchangeCode := uuid.NewString()
	if err := c.store.PutExchangeCode(ctx, exchangeCode, rec.SubjectID, c.exchangeTTL); err != nil {
		return ExchangeResult{}, fmt.Errorf("store exchange code: %w", err)
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{State: state, Subject: rec.SubjectID})
	c.log.InfoContext(ctx, "callback redeemed")
	return ExchangeResult{
		Code:      exchangeCode,
		SubjectID: rec.SubjectID,
		ExpiresIn: c.exchangeTTL,
	}, nil
}

// Exchange trades a one-shot exchange code for the stored token record. The
// code is consumed atomically; a second call with the same code fails with
// ErrCodeNotFound.
func (c *Controller) Exchange(ctx context.Context, code string) (credstore.TokenRecord, error) {
	subject, err := c.store.TakeExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return credstore.TokenRecord{}, ErrCodeNotFound
		}
		return credstore.TokenRecord{}, fmt.Errorf("take exchange code: %w", err)
	}

	rec, err := c.store.GetToken(ctx, subject)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			// Code outlived the token record it pointed at.
			return credstore.TokenRecord{}, ErrNoActiveSession
		}
		return credstore.TokenRecord{}, fmt.Errorf("load token record: %w", err)
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{Subject: subject})
	c.log.InfoContext(ctx, "exchange code redeemed")
	return rec, nil
}

// Refresh obtains a fresh token pair for the subject's session and replaces
// the stored record. When the authority rotates the refresh token the new one
// is kept; when it omits one, the prior refresh token survives.
func (c *Controller) Refresh(ctx context.Context, subjectID string) (credstore.TokenRecord, error) {
	prior, err := c.store.GetToken(ctx, subjectID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return credstore.TokenRecord{}, ErrNoActiveSession
		}
		return credstore.TokenRecord{}, fmt.Errorf("load token record: %w", err)
	}

	rec, err := c.idc.Refresh(ctx, prior.RefreshToken)
	if err != nil {
		return credstore.TokenRecord{}, fmt.Errorf("refresh tokens: %w", err)
	}

	// The refresh response may omit the subject and roles; carry them over
	// from the prior record so the stored session stays whole.
	if rec.SubjectID == "" {
		rec.SubjectID = prior.SubjectID
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = prior.RefreshToken
	}
	if len(rec.Roles) == 0 {
		rec.Roles = prior.Roles
	}

	if err := c.store.PutToken(ctx, rec, c.tokenTTL); err != nil {
		return credstore.TokenRecord{}, fmt.Errorf("store refreshed token record: %w", err)
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{Subject: subjectID})
	c.log.InfoContext(ctx, "session refreshed")
	return rec, nil
}

// SignOut drops the subject's token record. Idempotent: signing out a
// subject with no session is not an error.
func (c *Controller) SignOut(ctx context.Context, subjectID string) error {
	if err := c.store.DeleteToken(ctx, subjectID); err != nil && !errors.Is(err, credstore.ErrNotFound) {
		return fmt.Errorf("delete token record: %w", err)
	}
	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{Subject: subjectID})
	c.log.InfoContext(ctx, "signed out")
	return nil
}
