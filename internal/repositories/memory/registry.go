package memory

import (
	"context"

	"github.com/storefront/api/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	Carts   *CartSnapshots
	Catalog *Products
	Ledger  *Orders
	Probe   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		Carts:   NewCartSnapshots(),
		Catalog: NewProducts(),
		Ledger:  NewOrders(),
	}
}

func (r *Registry) CartSnapshots() repositories.CartSnapshotRepository { return r.Carts }
func (r *Registry) Products() repositories.ProductCatalog              { return r.Catalog }
func (r *Registry) Orders() repositories.OrderRepository               { return r.Ledger }
func (r *Registry) Health() repositories.HealthRepository              { return r.Probe }
func (r *Registry) Close(context.Context) error                        { return nil }
