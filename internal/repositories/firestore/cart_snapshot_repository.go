package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const cartCollection = "carts"

// CartSnapshotRepository keeps one carts/{userId} document per user.
type CartSnapshotRepository struct {
	docs *pfirestore.Collection[cartDocument]
}

var _ repositories.CartSnapshotRepository = (*CartSnapshotRepository)(nil)

func NewCartSnapshotRepository(provider *pfirestore.Provider) (*CartSnapshotRepository, error) {
	if provider == nil {
		return nil, errors.New("cart snapshot repository requires firestore provider")
	}
	return &CartSnapshotRepository{docs: pfirestore.NewCollection[cartDocument](provider, cartCollection)}, nil
}

func (r *CartSnapshotRepository) Load(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.docs.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.toDomain()
	if cart.UserID == "" {
		cart.UserID = userID
	}
	return cart, nil
}

func (r *CartSnapshotRepository) Save(ctx context.Context, cart domain.Cart) error {
	return r.docs.Set(ctx, strings.TrimSpace(cart.UserID), cartToDocument(cart))
}

func (r *CartSnapshotRepository) Delete(ctx context.Context, userID string) error {
	err := r.docs.Delete(ctx, strings.TrimSpace(userID))
	if repositories.IsNotFound(err) {
		return nil
	}
	return err
}
