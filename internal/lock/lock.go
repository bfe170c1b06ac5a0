// Package lock provides the keyed, fail-fast mutual exclusion used to keep a
// single checkout per session or invoice and a single refund per transaction.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrHeld = errors.New("lock already held")

// Locker hands out a release func on success. Acquire never waits for a held key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
