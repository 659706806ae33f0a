package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Category partitions the id space so data and order replies never alias.
type Category uint8

const (
	// CategoryData covers market data and contract detail requests.
	CategoryData Category = iota + 1
	// CategoryOrder covers order and what-if requests.
	CategoryOrder
)

func (c Category) String() string {
	switch c {
	case CategoryData:
		return "data"
	case CategoryOrder:
		return "order"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// Allocator hands out correlation ids from a cursor seeded by the server.
// The cursor only moves forward: issuance events never rewind it below ids already handed out.
type Allocator struct {
	mu      sync.Mutex
	cursor  int64
	seeded  bool
	ready   chan struct{}
	issued  chan struct{}
	owners  map[int64]Category
	refresh func(context.Context) error
}

// NewAllocator builds an unseeded allocator. refresh asks the server for a new issuance.
func NewAllocator(refresh func(context.Context) error) *Allocator {
	return &Allocator{
		ready:   make(chan struct{}),
		issued:  make(chan struct{}),
		owners:  make(map[int64]Category),
		refresh: refresh,
	}
}

// Seed applies a server issuance event.
func (a *Allocator) Seed(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seeded || id > a.cursor {
		a.cursor = id
	}
	if !a.seeded {
		a.seeded = true
		close(a.ready)
	}
	close(a.issued)
	a.issued = make(chan struct{})
}

// Ready is closed after the first issuance event.
func (a *Allocator) Ready() <-chan struct{} { return a.ready }

// Next returns a fresh id owned by category, blocking until the allocator is seeded.
func (a *Allocator) Next(ctx context.Context, category Category) (int64, error) {
	if category != CategoryData && category != CategoryOrder {
		return 0, fmt.Errorf("allocate id: unknown %s", category)
	}
	select {
	case <-a.ready:
	case <-ctx.Done():
		return 0, fmt.Errorf("allocate id: waiting for first issuance: %w", ctx.Err())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.cursor
	a.cursor++
	a.owners[id] = category
	return id, nil
}

// Refresh requests a new issuance and waits for it to arrive.
func (a *Allocator) Refresh(ctx context.Context) error {
	if a.refresh == nil {
		return errors.New("refresh ids: no issuer configured")
	}
	a.mu.Lock()
	issued := a.issued
	a.mu.Unlock()

	if err := a.refresh(ctx); err != nil {
		return fmt.Errorf("refresh ids: %w", err)
	}
	select {
	case <-issued:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("refresh ids: %w", ctx.Err())
	}
}

// Owner reports which category an id was allocated to.
func (a *Allocator) Owner(id int64) (Category, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.owners[id]
	return c, ok
}

// Cursor returns the next id that would be handed out and whether the allocator is seeded.
func (a *Allocator) Cursor() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor, a.seeded
}
