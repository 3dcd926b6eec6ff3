package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository stores orders/{orderId}. Apply runs in a Firestore
// transaction so concurrent redeliveries observe each other's writes.
type OrderRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider, docs: pfirestore.NewCollection[orderDocument](provider, orderCollection)}, nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.docs.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(), nil
}

func (r *OrderRepository) Apply(ctx context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, bool, error) {
	ref, err := r.docs.Ref(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		result  domain.Order
		written bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var existing *domain.Order
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc orderDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			order := doc.toDomain()
			existing = &order
		case status.Code(err) != codes.NotFound:
			return err
		}

		next, write, err := mutate(existing)
		if err != nil {
			return err
		}
		written = write
		if !write {
			if existing != nil {
				result = *existing
			}
			return nil
		}
		result = next
		return tx.Set(ref, orderToDocument(next))
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, written, nil
}
