package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const defaultCartPersistTimeout = 5 * time.Second

var (
	// ErrCartCapacityReached is returned when a new product would exceed MaxCartLines.
	ErrCartCapacityReached = errors.New("cart service: cart holds the maximum number of products")
	// ErrCartInvalidProduct is returned when a product has no id or a negative price.
	ErrCartInvalidProduct = errors.New("cart service: invalid product")
)

// CartStore is the in-memory cart of one user. Mutations are serialised by a
// mutex and every change bumps the version and schedules a persist of the full
// snapshot. Before mutating, a store whose writes have all landed picks up a
// newer snapshot written by another instance.
type CartStore struct {
	userID string
	now    func() time.Time

	mu        sync.Mutex
	lines     []domain.CartLine
	version   int64
	updatedAt time.Time

	persist *cartPersister
}

// Add inserts product at quantity 1 or increments its line. It returns false
// without an error when the line is already at MaxLineQuantity, and false with
// ErrCartCapacityReached when a new product does not fit.
func (c *CartStore) Add(ctx context.Context, product domain.ProductRef) (bool, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" || product.Price.IsNegative() {
		return false, ErrCartInvalidProduct
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ctx)

	if i := c.indexLocked(product.ID); i >= 0 {
		if c.lines[i].Quantity >= domain.MaxLineQuantity {
			return false, nil
		}
		c.lines[i].Quantity++
		c.changedLocked(ctx)
		return true, nil
	}
	if len(c.lines) >= domain.MaxCartLines {
		return false, ErrCartCapacityReached
	}
	c.lines = append(c.lines, domain.CartLine{Product: product, Quantity: domain.MinLineQuantity})
	c.changedLocked(ctx)
	return true, nil
}

// Remove deletes the product line if present.
func (c *CartStore) Remove(ctx context.Context, productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ctx)
	i := c.indexLocked(productID)
	if i < 0 {
		return
	}
	c.lines = append(c.lines[:i], c.lines[i+1:]...)
	c.changedLocked(ctx)
}

// SetQuantity clamps n into the allowed range. Unknown products are ignored.
func (c *CartStore) SetQuantity(ctx context.Context, productID string, n int) {
	n = clampQuantity(n)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ctx)
	i := c.indexLocked(productID)
	if i < 0 || c.lines[i].Quantity == n {
		return
	}
	c.lines[i].Quantity = n
	c.changedLocked(ctx)
}

// Clear empties the cart and deletes the persisted snapshot.
func (c *CartStore) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.version++
	c.updatedAt = c.now()
	c.persist.schedule(ctx, persistOp{cart: domain.Cart{UserID: c.userID, Version: c.version, UpdatedAt: c.updatedAt}, delete: true})
}

// Total sums discounted unit price times quantity over all lines.
func (c *CartStore) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return linesTotal(c.lines)
}

// Count returns the number of units in the cart.
func (c *CartStore) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, line := range c.lines {
		count += line.Quantity
	}
	return count
}

// UniqueCount returns the number of distinct products.
func (c *CartStore) UniqueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Snapshot returns a copy of the current cart.
func (c *CartStore) Snapshot() domain.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Flush waits until every scheduled persist has been applied.
func (c *CartStore) Flush(ctx context.Context) error {
	return c.persist.flush(ctx)
}

func (c *CartStore) indexLocked(productID string) int {
	productID = strings.TrimSpace(productID)
	for i, line := range c.lines {
		if line.Product.ID == productID {
			return i
		}
	}
	return -1
}

func (c *CartStore) refresh(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ctx)
}

// refreshLocked adopts the persisted snapshot when its version differs from
// the local one. It is skipped while local writes are queued or the last one
// failed, since the local state is then the newest copy.
func (c *CartStore) refreshLocked(ctx context.Context) {
	if !c.persist.settled() {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.persist.timeout)
	defer cancel()

	stored, err := c.persist.repo.Load(loadCtx, c.userID)
	switch {
	case repositories.IsNotFound(err):
		// Cleared elsewhere, or expired from the cache.
		c.lines = nil
		return
	case err != nil:
		return
	}
	if stored.Version == c.version {
		return
	}
	stored = normaliseSnapshot(stored)
	c.lines = stored.Lines
	c.version = stored.Version
	c.updatedAt = stored.UpdatedAt
}

func (c *CartStore) changedLocked(ctx context.Context) {
	c.version++
	c.updatedAt = c.now()
	c.persist.schedule(ctx, persistOp{cart: c.snapshotLocked()})
}

func (c *CartStore) snapshotLocked() domain.Cart {
	return domain.Cart{
		UserID:    c.userID,
		Lines:     append([]domain.CartLine(nil), c.lines...),
		Version:   c.version,
		UpdatedAt: c.updatedAt,
	}
}

func linesTotal(lines []domain.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

func clampQuantity(n int) int {
	if n < domain.MinLineQuantity {
		return domain.MinLineQuantity
	}
	if n > domain.MaxLineQuantity {
		return domain.MaxLineQuantity
	}
	return n
}

type persistOp struct {
	ctx    context.Context
	cart   domain.Cart
	delete bool
}

// cartPersister applies snapshots for one user on a single goroutine. Only the
// newest pending snapshot is kept, so a slow backend never sees stale writes
// after newer ones.
type cartPersister struct {
	repo    repositories.CartSnapshotRepository
	logger  Logger
	timeout time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	pending *persistOp
	running bool
	failed  bool
}

func newCartPersister(repo repositories.CartSnapshotRepository, logger Logger, timeout time.Duration) *cartPersister {
	p := &cartPersister{repo: repo, logger: logger, timeout: timeout}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *cartPersister) schedule(ctx context.Context, op persistOp) {
	// The request context ends before the write does; keep its values only.
	op.ctx = context.WithoutCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = &op
	if !p.running {
		p.running = true
		go p.run()
	}
}

func (p *cartPersister) run() {
	for {
		p.mu.Lock()
		op := p.pending
		p.pending = nil
		if op == nil {
			p.running = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.apply(*op)
	}
}

func (p *cartPersister) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(op.ctx, p.timeout)
	defer cancel()

	var err error
	action := "save"
	if op.delete {
		action = "delete"
		err = p.repo.Delete(ctx, op.cart.UserID)
	} else {
		err = p.repo.Save(ctx, op.cart)
	}
	p.mu.Lock()
	p.failed = err != nil
	p.mu.Unlock()
	if err != nil {
		p.logger(op.ctx, "cart.persist.failed", map[string]any{
			"userId": op.cart.UserID,
			"action": action,
			"lines":  len(op.cart.Lines),
			"error":  err.Error(),
		})
	}
}

// busy reports whether a write is queued or in flight.
func (p *cartPersister) busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running || p.pending != nil
}

// settled reports whether every scheduled write has landed.
func (p *cartPersister) settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.running && p.pending == nil && !p.failed
}

func (p *cartPersister) flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.running {
			p.idle.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
