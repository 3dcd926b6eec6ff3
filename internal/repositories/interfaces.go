package repositories

import (
	"context"

	domain "github.com/storefront/api/internal/domain"
)

// RepositoryError categorises persistence failures for services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartSnapshotRepository stores the last known cart of each user. Load returns a
// not-found RepositoryError when nothing was persisted.
type CartSnapshotRepository interface {
	Load(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) error
	Delete(ctx context.Context, userID string) error
}

// ProductCatalog resolves the product fields frozen into cart lines.
type ProductCatalog interface {
	FindProduct(ctx context.Context, productID string) (domain.ProductRef, error)
}

// OrderMutation receives the stored order (nil when absent) and returns the
// order to write. Returning write=false leaves the stored record untouched.
type OrderMutation func(existing *domain.Order) (next domain.Order, write bool, err error)

// OrderRepository is the ledger keyed by order id.
type OrderRepository interface {
	// Apply runs mutate atomically against the stored order and returns the
	// record that is stored afterwards together with whether it was written.
	Apply(ctx context.Context, orderID string, mutate OrderMutation) (domain.Order, bool, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
}

// HealthRepository collects dependency probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Registry exposes the repositories a runtime needs. Accessors may return nil
// when a backend is not configured.
type Registry interface {
	CartSnapshots() CartSnapshotRepository
	Products() ProductCatalog
	Orders() OrderRepository
	Health() HealthRepository
	Close(ctx context.Context) error
}
