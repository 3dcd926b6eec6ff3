// Package memory holds in-process repositories used for local runs and tests.
package memory

import (
	"context"
	"sync"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// CartSnapshots keeps cart snapshots in a map, one per user.
type CartSnapshots struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
}

var _ repositories.CartSnapshotRepository = (*CartSnapshots)(nil)

func NewCartSnapshots() *CartSnapshots {
	return &CartSnapshots{carts: make(map[string]domain.Cart)}
}

func (s *CartSnapshots) Load(_ context.Context, userID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{}, repositories.NewNotFoundError("carts.load", userID)
	}
	return copyCart(cart), nil
}

func (s *CartSnapshots) Save(_ context.Context, cart domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.UserID] = copyCart(cart)
	return nil
}

func (s *CartSnapshots) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, userID)
	return nil
}

func copyCart(cart domain.Cart) domain.Cart {
	cart.Lines = append([]domain.CartLine(nil), cart.Lines...)
	return cart
}
