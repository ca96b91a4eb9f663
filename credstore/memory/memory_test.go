package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ssogate/credstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTakeFlow_Once(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	flow := credstore.PendingFlow{State: "s1", CodeVerifier: "v1", CreatedAt: time.Now()}
	if err := s.PutFlow(ctx, flow, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.TakeFlow(ctx, "s1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got.CodeVerifier != "v1" {
		t.Fatalf("CodeVerifier = %q", got.CodeVerifier)
	}

	if _, err := s.TakeFlow(ctx, "s1"); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("second take err = %v, want ErrNotFound", err)
	}
}

func TestTakeFlow_Expired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.PutFlow(ctx, credstore.PendingFlow{State: "s1"}, 20*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := s.TakeFlow(ctx, "s1"); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec := credstore.TokenRecord{SubjectID: "u1", AccessToken: "at1"}
	if err := s.PutToken(ctx, rec, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetToken(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "at1" {
		t.Fatalf("AccessToken = %q", got.AccessToken)
	}

	// Get does not consume.
	if _, err := s.GetToken(ctx, "u1"); err != nil {
		t.Fatalf("second get: %v", err)
	}

	// Last write wins.
	rec.AccessToken = "at2"
	if err := s.PutToken(ctx, rec, time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.GetToken(ctx, "u1")
	if got.AccessToken != "at2" {
		t.Fatalf("AccessToken after overwrite = %q", got.AccessToken)
	}

	if err := s.DeleteToken(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetToken(ctx, "u1"); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteToken(ctx, "u1"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestTakeExchangeCode_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.PutExchangeCode(ctx, "code-1", "u1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	subjects := make([]string, n)
	errs := make([]error, n)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subjects[i], errs[i] = s.TakeExchangeCode(ctx, "code-1")
		}()
	}
	wg.Wait()

	wins := 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			wins++
			if subjects[i] != "u1" {
				t.Fatalf("winner resolved subject %q", subjects[i])
			}
		case errors.Is(errs[i], credstore.ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// The same key in different namespaces must not collide.
	const key = "shared"
	if err := s.PutFlow(ctx, credstore.PendingFlow{State: key}, time.Minute); err != nil {
		t.Fatalf("put flow: %v", err)
	}
	if err := s.PutExchangeCode(ctx, key, "u1", time.Minute); err != nil {
		t.Fatalf("put code: %v", err)
	}

	if _, err := s.TakeExchangeCode(ctx, key); err != nil {
		t.Fatalf("take code: %v", err)
	}
	if _, err := s.TakeFlow(ctx, key); err != nil {
		t.Fatalf("flow should survive code take: %v", err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.PutToken(ctx, credstore.TokenRecord{SubjectID: "u1"}, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.GetToken(ctx, "u1"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestConcurrentMixedUse(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				state := fmt.Sprintf("s-%d-%d", i, j)
				if err := s.PutFlow(ctx, credstore.PendingFlow{State: state}, time.Minute); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if _, err := s.TakeFlow(ctx, state); err != nil {
					t.Errorf("take %s: %v", state, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
