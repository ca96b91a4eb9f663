// Package memory provides an in-memory credstore.Store for development,
// testing, and single-instance deployments. Entries are swept by a janitor
// goroutine; reads also discard anything already past its deadline so a
// just-expired entry is never returned between sweeps.
package memory

import (
	"context"
	"sync"
	"time"

	"ssogate/credstore"
)

const sweepInterval = 30 * time.Second

type entry[V any] struct {
	val       V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a mutex-guarded map implementation of credstore.Store.
type Store struct {
	mu     sync.Mutex
	flows  map[string]entry[credstore.PendingFlow]
	tokens map[string]entry[credstore.TokenRecord]
	codes  map[string]entry[string]

	done chan struct{}
	once sync.Once
}

var _ credstore.Store = (*Store)(nil)

// New constructs an empty in-memory store and starts its janitor.
func New() *Store {
	s := &Store{
		flows:  make(map[string]entry[credstore.PendingFlow]),
		tokens: make(map[string]entry[credstore.TokenRecord]),
		codes:  make(map[string]entry[string]),
		done:   make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *Store) PutFlow(_ context.Context, flow credstore.PendingFlow, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.State] = entry[credstore.PendingFlow]{val: flow, expiresAt: deadline(ttl)}
	return nil
}

func (s *Store) TakeFlow(_ context.Context, state string) (credstore.PendingFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.flows[state]
	if !ok || e.expired(time.Now()) {
		delete(s.flows, state)
		return credstore.PendingFlow{}, credstore.ErrNotFound
	}
	delete(s.flows, state)
	return e.val, nil
}

func (s *Store) PutToken(_ context.Context, rec credstore.TokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rec.SubjectID] = entry[credstore.TokenRecord]{val: rec, expiresAt: deadline(ttl)}
	return nil
}

func (s *Store) GetToken(_ context.Context, subjectID string) (credstore.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[subjectID]
	if !ok || e.expired(time.Now()) {
		delete(s.tokens, subjectID)
		return credstore.TokenRecord{}, credstore.ErrNotFound
	}
	return e.val, nil
}

func (s *Store) DeleteToken(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, subjectID)
	return nil
}

func (s *Store) PutExchangeCode(_ context.Context, code, subjectID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = entry[string]{val: subjectID, expiresAt: deadline(ttl)}
	return nil
}

func (s *Store) TakeExchangeCode(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.codes[code]
	if !ok || e.expired(time.Now()) {
		delete(s.codes, code)
		return "", credstore.ErrNotFound
	}
	delete(s.codes, code)
	return e.val, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

// Close stops the janitor. The store remains usable afterwards but expired
// entries are only discarded lazily on access.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.flows {
				if e.expired(now) {
					delete(s.flows, k)
				}
			}
			for k, e := range s.tokens {
				if e.expired(now) {
					delete(s.tokens, k)
				}
			}
			for k, e := range s.codes {
				if e.expired(now) {
					delete(s.codes, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
