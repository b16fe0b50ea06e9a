package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoProductHandler is returned when no handler is registered for a
// product type.
var ErrNoProductHandler = errors.New("no handler registered for product type")

// DispatchTable maps a product type tag to the logic for that variant.
type DispatchTable[In, Out any] struct {
	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, in In) (Out, error)
}

// NewDispatchTable creates an empty table.
func NewDispatchTable[In, Out any]() *DispatchTable[In, Out] {
	return &DispatchTable[In, Out]{
		handlers: make(map[string]func(ctx context.Context, in In) (Out, error)),
	}
}

// Register sets the handler for productType, replacing any previous one.
func (t *DispatchTable[In, Out]) Register(productType string, fn func(ctx context.Context, in In) (Out, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[productType] = fn
}

// ProductTypes returns the registered tags in lexical order.
func (t *DispatchTable[In, Out]) ProductTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Call runs the handler registered for productType.
func (t *DispatchTable[In, Out]) Call(ctx context.Context, productType string, in In) (Out, error) {
	t.mu.RLock()
	fn, ok := t.handlers[productType]
	t.mu.RUnlock()
	if !ok {
		var zero Out
		return zero, fmt.Errorf("%w: %q", ErrNoProductHandler, productType)
	}
	return fn(ctx, in)
}
