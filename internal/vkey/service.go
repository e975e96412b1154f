// Package vkey implements the virtual-key service: authentication,
// model allow-list authorization, and budget reservation/commit/release
// against a VirtualKeyGroup balance.
package vkey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// DefaultReservationTTL is the bound after which an orphaned reservation
// is automatically released, protecting against in-flight requests that
// never reach Commit or Release.
const DefaultReservationTTL = 5 * time.Minute

// ReservationHandle identifies one outstanding budget hold.
type ReservationHandle struct {
	ID      string
	GroupID string
	Amount  decimal.Decimal
}

type reservation struct {
	handle    ReservationHandle
	expiresAt time.Time
}

// Service is the virtual-key service.
type Service struct {
	keys   catalog.VirtualKeyStore
	groups catalog.VirtualKeyGroupStore

	mu           sync.Mutex
	groupLocks   sync.Map // groupID -> *sync.Mutex
	outstanding  map[string]decimal.Decimal // groupID -> sum of outstanding reservations
	reservations map[string]reservation     // reservation id -> reservation

	reservationTTL time.Duration
	now            func() time.Time

	stopSweep chan struct{}
}

// New builds a Service. Call Close to stop its background sweep goroutine.
func New(keys catalog.VirtualKeyStore, groups catalog.VirtualKeyGroupStore) *Service {
	s := &Service{
		keys:           keys,
		groups:         groups,
		outstanding:    make(map[string]decimal.Decimal),
		reservations:   make(map[string]reservation),
		reservationTTL: DefaultReservationTTL,
		now:            time.Now,
		stopSweep:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *Service) Close() { close(s.stopSweep) }

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Service) sweepExpired() {
	s.mu.Lock()
	now := s.now()
	var expired []reservation
	for id, r := range s.reservations {
		if now.After(r.expiresAt) {
			expired = append(expired, r)
			delete(s.reservations, id)
		}
	}
	s.mu.Unlock()
	for _, r := range expired {
		s.releaseAmount(r.handle.GroupID, r.handle.Amount)
	}
}

// HashToken returns the hex-encoded sha256 of a bearer token, the form
// VirtualKey.HashedToken is stored as.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer token to a VirtualKey using a
// constant-time comparison of the hashed value.
func (s *Service) Authenticate(ctx context.Context, bearerToken string) (*catalog.VirtualKey, error) {
	hashed := HashToken(bearerToken)
	key, found, err := s.keys.KeyByHash(ctx, hashed)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnexpected, err, "virtual key lookup failed")
	}
	if !found || subtle.ConstantTimeCompare([]byte(key.HashedToken), []byte(hashed)) != 1 {
		return nil, apierr.New(apierr.KindUnauthenticated, "invalid virtual key")
	}
	if key.Disabled {
		return nil, apierr.New(apierr.KindUnauthenticated, "virtual key disabled")
	}
	if key.ExpiresAt != nil && s.now().After(*key.ExpiresAt) {
		return nil, apierr.New(apierr.KindUnauthenticated, "virtual key expired")
	}
	return key, nil
}

// Authorize checks the key's allow-list of glob patterns against the
// requested model alias. An empty allow-list permits everything.
func (s *Service) Authorize(key *catalog.VirtualKey, modelAlias string) error {
	if len(key.AllowedModels) == 0 {
		return nil
	}
	for _, pattern := range key.AllowedModels {
		if ok, _ := path.Match(pattern, modelAlias); ok {
			return nil
		}
	}
	return apierr.New(apierr.KindModelNotAllowed, fmt.Sprintf("model %q is not in the allowed list", modelAlias)).
		WithParam("model")
}

// ReserveBudget atomically checks balance-outstanding >= estimate and, if
// so, increments outstanding for the group and returns a handle.
func (s *Service) ReserveBudget(ctx context.Context, groupID string, estimate decimal.Decimal) (*ReservationHandle, error) {
	lock := s.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, found, err := s.groups.Group(ctx, groupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnexpected, err, "group lookup failed")
	}
	if !found {
		return nil, apierr.Newf(apierr.KindConfigurationError, "virtual key group %q not found", groupID)
	}

	s.mu.Lock()
	outstanding := s.outstanding[groupID]
	available := group.Balance.Sub(outstanding)
	if available.LessThan(estimate) {
		s.mu.Unlock()
		return nil, apierr.New(apierr.KindInsufficientBalance, "insufficient balance for estimated cost")
	}
	s.outstanding[groupID] = outstanding.Add(estimate)
	handle := ReservationHandle{ID: uuid.NewString(), GroupID: groupID, Amount: estimate}
	s.reservations[handle.ID] = reservation{handle: handle, expiresAt: s.now().Add(s.reservationTTL)}
	s.mu.Unlock()

	return &handle, nil
}

// Commit subtracts actualCost from the group balance (adding it to
// lifetime_spent) and releases the reservation's hold on outstanding,
// regardless of whether actualCost differs from the reserved estimate.
func (s *Service) Commit(ctx context.Context, handle *ReservationHandle, actualCost decimal.Decimal) error {
	s.popReservation(handle.ID)
	s.releaseAmount(handle.GroupID, handle.Amount)

	lock := s.lockFor(handle.GroupID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.groups.ApplyDebit(ctx, handle.GroupID, actualCost)
	if err != nil {
		return apierr.Wrap(apierr.KindUnexpected, err, "billing debit failed")
	}
	return nil
}

// Release drops the reservation's hold without billing anything; used on
// pipeline failure and on stream cancellation before any usage is known.
func (s *Service) Release(handle *ReservationHandle) {
	s.popReservation(handle.ID)
	s.releaseAmount(handle.GroupID, handle.Amount)
}

func (s *Service) popReservation(id string) {
	s.mu.Lock()
	delete(s.reservations, id)
	s.mu.Unlock()
}

func (s *Service) releaseAmount(groupID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.outstanding[groupID].Sub(amount)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	s.outstanding[groupID] = remaining
}

func (s *Service) lockFor(groupID string) *sync.Mutex {
	l, _ := s.groupLocks.LoadOrStore(groupID, &sync.Mutex{})
	return l.(*sync.Mutex)
}
