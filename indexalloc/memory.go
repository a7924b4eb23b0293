package indexalloc

import (
	"context"
	"fmt"
	"sync"
)

var _ Allocator = (*Memory)(nil)

// SeedFunc returns the highest index already used for a key, 0 if none
type SeedFunc func(ctx context.Context, owner, entity string) (int, error)

// Memory is an in-process allocator. Counters are lost on restart unless a
// SeedFunc recovers them from where the numbered files live.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	seeder   SeedFunc
}

type memoryCounter struct {
	mu     sync.Mutex
	last   int64
	seeded bool
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]*memoryCounter),
	}
}

// WithSeeder makes the first reservation of every key start above what seed
// reports. Use it before the allocator is shared.
func (m *Memory) WithSeeder(seed SeedFunc) *Memory {
	m.seeder = seed
	return m
}

// Seed sets the last handed out index for a key, e.g. from existing storage
func (m *Memory) Seed(owner, entity string, last int) {
	c := m.counter(owner, entity)
	c.mu.Lock()
	if int64(last) > c.last {
		c.last = int64(last)
	}
	c.mu.Unlock()
}

func (m *Memory) counter(owner, entity string) *memoryCounter {
	key := owner + "\x00" + entity
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		c = &memoryCounter{}
		m.counters[key] = c
	}
	return c
}

func (m *Memory) Reserve(ctx context.Context, owner, entity string, count int) ([]int, error) {
	if err := validate(owner, entity, count); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := m.counter(owner, entity)
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.seeder != nil && !c.seeded {
		used, err := m.seeder(ctx, owner, entity)
		if err != nil {
			return nil, fmt.Errorf("seeding %s/%s: %w", owner, entity, err)
		}
		if int64(used) > c.last {
			c.last = int64(used)
		}
		c.seeded = true
	}
	c.last += int64(count)
	last := c.last

	return block(last, count), nil
}
