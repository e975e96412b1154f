package vkey

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

func newTestService(t *testing.T) (*Service, *catalog.MemoryStore) {
	t.Helper()
	store := catalog.NewMemoryStore()
	store.RegisterGroup(catalog.VirtualKeyGroup{
		ID:                   "g1",
		Balance:              decimal.NewFromFloat(100),
		LifetimeCreditsAdded: decimal.NewFromFloat(100),
	})
	store.RegisterVirtualKey(catalog.VirtualKey{
		ID:          "k1",
		HashedToken: HashToken("sk-test-token"),
		GroupID:     "g1",
	})
	svc := New(store, store)
	t.Cleanup(svc.Close)
	return svc, store
}

func TestAuthenticate_ValidToken(t *testing.T) {
	svc, _ := newTestService(t)
	key, err := svc.Authenticate(context.Background(), "sk-test-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != "k1" {
		t.Errorf("expected k1, got %s", key.ID)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Authenticate(context.Background(), "sk-wrong")
	assertKind(t, err, apierr.KindUnauthenticated)
}

func TestAuthenticate_Disabled(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g1", Balance: decimal.NewFromFloat(10)})
	store.RegisterVirtualKey(catalog.VirtualKey{ID: "k1", HashedToken: HashToken("tok"), GroupID: "g1", Disabled: true})
	svc := New(store, store)
	defer svc.Close()

	_, err := svc.Authenticate(context.Background(), "tok")
	assertKind(t, err, apierr.KindUnauthenticated)
}

func TestAuthorize_AllowList(t *testing.T) {
	svc, _ := newTestService(t)
	key := &catalog.VirtualKey{AllowedModels: []string{"gpt-*"}}

	if err := svc.Authorize(key, "gpt-4o"); err != nil {
		t.Errorf("expected gpt-4o to be allowed: %v", err)
	}

	err := svc.Authorize(key, "claude-3-opus")
	assertKind(t, err, apierr.KindModelNotAllowed)
}

func TestAuthorize_EmptyAllowListAllowsAll(t *testing.T) {
	svc, _ := newTestService(t)
	key := &catalog.VirtualKey{}
	if err := svc.Authorize(key, "anything-goes"); err != nil {
		t.Errorf("empty allow-list should allow all, got %v", err)
	}
}

func TestReserveBudget_InsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ReserveBudget(context.Background(), "g1", decimal.NewFromFloat(1000))
	assertKind(t, err, apierr.KindInsufficientBalance)
}

func TestReserveCommitRelease_BalanceInvariant(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	handle, err := svc.ReserveBudget(ctx, "g1", decimal.NewFromFloat(10))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// A second concurrent reservation for the remaining balance should
	// account for the first reservation's hold.
	if _, err := svc.ReserveBudget(ctx, "g1", decimal.NewFromFloat(95)); err == nil {
		t.Fatal("expected second reservation to fail: balance - outstanding < estimate")
	}

	if err := svc.Commit(ctx, handle, decimal.NewFromFloat(7)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	group, _, _ := store.Group(ctx, "g1")
	want := decimal.NewFromFloat(93)
	if !group.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", group.Balance, want)
	}
	if !group.LifetimeSpent.Equal(decimal.NewFromFloat(7)) {
		t.Errorf("lifetime_spent = %s, want 7", group.LifetimeSpent)
	}
}

func TestRelease_RefundsOutstandingWithoutBilling(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	handle, err := svc.ReserveBudget(ctx, "g1", decimal.NewFromFloat(50))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	svc.Release(handle)

	// Outstanding should be fully freed: a fresh reservation for the full
	// balance now succeeds.
	if _, err := svc.ReserveBudget(ctx, "g1", decimal.NewFromFloat(100)); err != nil {
		t.Fatalf("expected reservation to succeed after release: %v", err)
	}

	group, _, _ := store.Group(ctx, "g1")
	if !group.LifetimeSpent.IsZero() {
		t.Errorf("release must not bill: lifetime_spent = %s", group.LifetimeSpent)
	}
}

func assertKind(t *testing.T, err error, want apierr.Kind) {
	t.Helper()
	gwErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T (%v)", err, err)
	}
	if gwErr.Kind != want {
		t.Errorf("kind = %s, want %s", gwErr.Kind, want)
	}
}
