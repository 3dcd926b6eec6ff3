package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

func setupRepository(t *testing.T) (*CartSnapshotRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := NewCartSnapshotRepository(client, time.Hour)
	require.NoError(t, err)
	return repo, mr
}

func sampleCart() domain.Cart {
	return domain.Cart{
		UserID: "user-1",
		Lines: []domain.CartLine{
			{Product: domain.ProductRef{ID: "p-2", Name: "Kettle", Price: decimal.RequireFromString("1299.00")}, Quantity: 1},
			{Product: domain.ProductRef{ID: "p-1", Name: "Mug", Price: decimal.RequireFromString("250.50"), DiscountPercent: decimal.NewFromInt(10)}, Quantity: 4},
		},
		Version:   7,
		UpdatedAt: time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestSaveAndLoad(t *testing.T) {
	repo, mr := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleCart()))
	assert.True(t, mr.Exists("cart:user-1"))
	assert.Equal(t, time.Hour, mr.TTL("cart:user-1"))

	loaded, err := repo.Load(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 2)
	assert.Equal(t, "p-2", loaded.Lines[0].Product.ID)
	assert.True(t, loaded.Lines[1].Product.DiscountPercent.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 4, loaded.Lines[1].Quantity)
	assert.True(t, loaded.UpdatedAt.Equal(sampleCart().UpdatedAt))
	assert.Equal(t, int64(7), loaded.Version)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	repo, _ := setupRepository(t)

	_, err := repo.Load(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, repositories.IsNotFound(err))
}

func TestDeleteRemovesKey(t *testing.T) {
	repo, mr := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleCart()))
	require.NoError(t, repo.Delete(ctx, "user-1"))
	assert.False(t, mr.Exists("cart:user-1"))
	require.NoError(t, repo.Delete(ctx, "user-1"))
}

func TestServerDownIsUnavailable(t *testing.T) {
	repo, mr := setupRepository(t)
	mr.Close()

	err := repo.Save(context.Background(), sampleCart())
	require.Error(t, err)
	assert.True(t, repositories.IsUnavailable(err))
}
