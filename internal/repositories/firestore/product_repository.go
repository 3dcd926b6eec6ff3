package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads the price fields of products/{productId}.
type ProductRepository struct {
	docs *pfirestore.Collection[productDocument]
}

var _ repositories.ProductCatalog = (*ProductRepository)(nil)

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{docs: pfirestore.NewCollection[productDocument](provider, productCollection)}, nil
}

func (r *ProductRepository) FindProduct(ctx context.Context, productID string) (domain.ProductRef, error) {
	productID = strings.TrimSpace(productID)
	doc, err := r.docs.Get(ctx, productID)
	if err != nil {
		return domain.ProductRef{}, err
	}
	product := doc.toDomain()
	if product.ID == "" {
		product.ID = productID
	}
	return product, nil
}
