package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// ErrCartUserRequired is returned when a cart is requested without a user id.
var ErrCartUserRequired = errors.New("cart service: user id is required")

const defaultCartIdleTTL = 30 * time.Minute

// CartSessionsDeps wires the cart registry. IdleTTL bounds how long an
// untouched cart stays in memory.
type CartSessionsDeps struct {
	Snapshots      repositories.CartSnapshotRepository
	Clock          func() time.Time
	Logger         Logger
	PersistTimeout time.Duration
	IdleTTL        time.Duration
}

// CartSessions owns one CartStore per signed-in user.
type CartSessions struct {
	snapshots repositories.CartSnapshotRepository
	now       func() time.Time
	logger    Logger
	timeout   time.Duration
	idleTTL   time.Duration

	mu       sync.Mutex
	stores   map[string]*cartEntry
	prunedAt time.Time
}

type cartEntry struct {
	store    *CartStore
	lastUsed time.Time
}

// NewCartSessions validates deps and returns an empty registry.
func NewCartSessions(deps CartSessionsDeps) (*CartSessions, error) {
	if deps.Snapshots == nil {
		return nil, errors.New("cart service: snapshot repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	timeout := deps.PersistTimeout
	if timeout <= 0 {
		timeout = defaultCartPersistTimeout
	}
	idleTTL := deps.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultCartIdleTTL
	}
	return &CartSessions{
		snapshots: deps.Snapshots,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
		timeout:   timeout,
		idleTTL:   idleTTL,
		stores:    make(map[string]*cartEntry),
	}, nil
}

// Open returns the user's cart. A store already in memory is re-synced with
// the persisted snapshot when another instance wrote a newer version; a new
// store loads the snapshot, and a missing or unreadable one yields an empty
// cart. Carts idle for longer than IdleTTL are dropped along the way.
func (s *CartSessions) Open(ctx context.Context, userID string) (*CartStore, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrCartUserRequired
	}

	now := s.now()
	s.mu.Lock()
	s.pruneLocked(ctx, now)
	entry, ok := s.stores[userID]
	if ok {
		entry.lastUsed = now
	}
	s.mu.Unlock()
	if ok {
		entry.store.refresh(ctx)
		return entry.store, nil
	}

	loaded := s.newStore(userID, s.load(ctx, userID))

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.stores[userID]; ok {
		entry.lastUsed = now
		return entry.store, nil
	}
	s.stores[userID] = &cartEntry{store: loaded, lastUsed: now}
	return loaded, nil
}

// Len reports how many carts are held in memory.
func (s *CartSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores)
}

// pruneLocked drops carts untouched for idleTTL whose writes have all landed.
// It runs at most once per idleTTL.
func (s *CartSessions) pruneLocked(ctx context.Context, now time.Time) {
	if now.Sub(s.prunedAt) < s.idleTTL {
		return
	}
	s.prunedAt = now
	for userID, entry := range s.stores {
		if now.Sub(entry.lastUsed) < s.idleTTL || entry.store.persist.busy() {
			continue
		}
		delete(s.stores, userID)
		s.logger(ctx, "cart.evicted", map[string]any{"userId": userID, "idle": now.Sub(entry.lastUsed).String()})
	}
}

// Evict flushes pending writes and drops the in-memory cart, for logout or an
// identity switch.
func (s *CartSessions) Evict(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	entry, ok := s.stores[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := entry.store.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stores[userID] == entry {
		delete(s.stores, userID)
	}
	s.mu.Unlock()
	return nil
}

// Flush waits for pending persists of every open cart.
func (s *CartSessions) Flush(ctx context.Context) error {
	s.mu.Lock()
	stores := make([]*CartStore, 0, len(s.stores))
	for _, entry := range s.stores {
		stores = append(stores, entry.store)
	}
	s.mu.Unlock()

	for _, store := range stores {
		if err := store.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *CartSessions) newStore(userID string, cart domain.Cart) *CartStore {
	return &CartStore{
		userID:    userID,
		now:       s.now,
		lines:     cart.Lines,
		version:   cart.Version,
		updatedAt: cart.UpdatedAt,
		persist:   newCartPersister(s.snapshots, s.logger, s.timeout),
	}
}

func (s *CartSessions) load(ctx context.Context, userID string) domain.Cart {
	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cart, err := s.snapshots.Load(loadCtx, userID)
	if err != nil {
		if !repositories.IsNotFound(err) {
			s.logger(ctx, "cart.load.failed", map[string]any{"userId": userID, "error": err.Error()})
		}
		return domain.Cart{UserID: userID}
	}
	return normaliseSnapshot(cart)
}

// normaliseSnapshot re-applies the cart caps to data read from storage.
func normaliseSnapshot(cart domain.Cart) domain.Cart {
	seen := make(map[string]struct{}, len(cart.Lines))
	lines := make([]domain.CartLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		id := strings.TrimSpace(line.Product.ID)
		if id == "" || line.Product.Price.IsNegative() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if len(lines) == domain.MaxCartLines {
			break
		}
		seen[id] = struct{}{}
		line.Product.ID = id
		line.Quantity = clampQuantity(line.Quantity)
		lines = append(lines, line)
	}
	cart.Lines = lines
	return cart
}
