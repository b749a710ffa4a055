package speaker

import (
	"context"
	"sync"
)

// KeyedExecutor serializes work per key while letting different keys run in
// parallel. It backs the single-writer-per-speaker discipline: every metrics
// recompute and bucket transition for a speaker runs through the same key.
type KeyedExecutor struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedExecutor returns an empty executor.
func NewKeyedExecutor() *KeyedExecutor {
	return &KeyedExecutor{slots: make(map[string]chan struct{})}
}

// Do runs fn while holding the key's slot. Calls with the same key execute
// one at a time in acquisition order; calls with different keys do not block
// each other. Waiting is cancellable through ctx.
func (k *KeyedExecutor) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	slot := k.slot(key)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot }()
	return fn(ctx)
}

func (k *KeyedExecutor) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		k.slots[key] = s
	}
	return s
}
