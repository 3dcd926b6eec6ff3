package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection gives typed access to documents of one collection. T is encoded
// and decoded with Firestore's struct tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

func (c *Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id, for use inside transactions.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if c == nil || c.provider == nil || c.name == "" {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection is not configured"))
	}
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return out, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return out, WrapError(c.op("get"), err)
	}
	if err := snap.DataTo(&out); err != nil {
		return out, WrapError(c.op("decode"), err)
	}
	return out, nil
}

func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// Query runs build against the collection and decodes every match.
func (c *Collection[T]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]T, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection is not configured"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(c.name).Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		var item T
		if err := snap.DataTo(&item); err != nil {
			return nil, WrapError(c.op("decode"), err)
		}
		out = append(out, item)
	}
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
