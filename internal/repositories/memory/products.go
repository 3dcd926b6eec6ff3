package memory

import (
	"context"
	"sync"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

type Products struct {
	mu       sync.RWMutex
	products map[string]domain.ProductRef
}

var _ repositories.ProductCatalog = (*Products)(nil)

func NewProducts(products ...domain.ProductRef) *Products {
	p := &Products{products: make(map[string]domain.ProductRef, len(products))}
	for _, product := range products {
		p.products[product.ID] = product
	}
	return p
}

func (p *Products) Put(product domain.ProductRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[product.ID] = product
}

func (p *Products) FindProduct(_ context.Context, productID string) (domain.ProductRef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	product, ok := p.products[productID]
	if !ok {
		return domain.ProductRef{}, repositories.NewNotFoundError("products.find", productID)
	}
	return product, nil
}
