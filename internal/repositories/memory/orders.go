package memory

import (
	"context"
	"sync"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// Orders serialises Apply calls with a mutex, standing in for a transaction.
type Orders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	writes int
}

var _ repositories.OrderRepository = (*Orders)(nil)

func NewOrders() *Orders {
	return &Orders{orders: make(map[string]domain.Order)}
}

func (s *Orders) Get(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", orderID)
	}
	return copyOrder(order), nil
}

func (s *Orders) Apply(_ context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *domain.Order
	if order, ok := s.orders[orderID]; ok {
		copied := copyOrder(order)
		existing = &copied
	}
	next, write, err := mutate(existing)
	if err != nil {
		return domain.Order{}, false, err
	}
	if !write {
		if existing == nil {
			return domain.Order{}, false, nil
		}
		return *existing, false, nil
	}
	s.orders[orderID] = copyOrder(next)
	s.writes++
	return next, true, nil
}

// Len returns the number of stored orders.
func (s *Orders) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Writes returns how many Apply calls wrote a record.
func (s *Orders) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func copyOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.Payment != nil {
		payment := *order.Payment
		order.Payment = &payment
	}
	return order
}
