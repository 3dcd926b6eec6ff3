// Package cache keeps cart snapshots in Redis for deployments that want the
// cart hot path off Firestore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const defaultSnapshotTTL = 30 * 24 * time.Hour

// CartSnapshotRepository stores carts as JSON under cart:{userId}.
type CartSnapshotRepository struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ repositories.CartSnapshotRepository = (*CartSnapshotRepository)(nil)

// NewCartSnapshotRepository uses ttl as the key expiry; zero means 30 days.
func NewCartSnapshotRepository(client redis.Cmdable, ttl time.Duration) (*CartSnapshotRepository, error) {
	if client == nil {
		return nil, errors.New("redis cart repository: client is required")
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &CartSnapshotRepository{client: client, ttl: ttl}, nil
}

func (r *CartSnapshotRepository) Load(ctx context.Context, userID string) (domain.Cart, error) {
	data, err := r.client.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Cart{}, repositories.NewNotFoundError("carts.load", userID)
	}
	if err != nil {
		return domain.Cart{}, repositories.NewUnavailableError("carts.load", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Cart{}, fmt.Errorf("redis cart repository: decode %s: %w", userID, err)
	}
	return snap.toDomain(userID), nil
}

func (r *CartSnapshotRepository) Save(ctx context.Context, cart domain.Cart) error {
	data, err := json.Marshal(fromDomain(cart))
	if err != nil {
		return fmt.Errorf("redis cart repository: encode: %w", err)
	}
	if err := r.client.Set(ctx, cartKey(cart.UserID), data, r.ttl).Err(); err != nil {
		return repositories.NewUnavailableError("carts.save", err)
	}
	return nil
}

func (r *CartSnapshotRepository) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return repositories.NewUnavailableError("carts.delete", err)
	}
	return nil
}

// Ping is used by the readiness probe.
func (r *CartSnapshotRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func cartKey(userID string) string {
	return "cart:" + strings.TrimSpace(userID)
}

type snapshot struct {
	Lines     []snapshotLine `json:"lines"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type snapshotLine struct {
	ProductID       string          `json:"productId"`
	Name            string          `json:"name"`
	Image           string          `json:"image,omitempty"`
	Price           decimal.Decimal `json:"price"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	Quantity        int             `json:"quantity"`
}

func fromDomain(cart domain.Cart) snapshot {
	snap := snapshot{Version: cart.Version, UpdatedAt: cart.UpdatedAt.UTC(), Lines: make([]snapshotLine, 0, len(cart.Lines))}
	for _, line := range cart.Lines {
		snap.Lines = append(snap.Lines, snapshotLine{
			ProductID:       line.Product.ID,
			Name:            line.Product.Name,
			Image:           line.Product.Image,
			Price:           line.Product.Price,
			DiscountPercent: line.Product.DiscountPercent,
			Quantity:        line.Quantity,
		})
	}
	return snap
}

func (s snapshot) toDomain(userID string) domain.Cart {
	cart := domain.Cart{UserID: userID, Version: s.Version, UpdatedAt: s.UpdatedAt}
	for _, line := range s.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine{
			Product: domain.ProductRef{
				ID:              line.ProductID,
				Name:            line.Name,
				Image:           line.Image,
				Price:           line.Price,
				DiscountPercent: line.DiscountPercent,
			},
			Quantity: line.Quantity,
		})
	}
	return cart
}
