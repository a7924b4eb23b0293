// Package indexalloc hands out per-entity, monotonically increasing image
// sequence numbers. Every backend returns a contiguous block
// [last-count+1 .. last] and never hands the same number out twice for the
// same (owner, entity) pair.
package indexalloc

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidCount is returned when fewer than one index is requested
var ErrInvalidCount = errors.New("index count must be at least 1")

// Allocator reserves blocks of sequence numbers
type Allocator interface {
	Reserve(ctx context.Context, owner, entity string, count int) ([]int, error)
}

// Next reserves a single index
func Next(ctx context.Context, a Allocator, owner, entity string) (int, error) {
	idx, err := a.Reserve(ctx, owner, entity, 1)
	if err != nil {
		return 0, err
	}
	return idx[0], nil
}

func validate(owner, entity string, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	if owner == "" || entity == "" {
		return errors.New("owner and entity are required")
	}
	return nil
}

// block expands the counter value after an increment of count into the
// reserved indices
func block(last int64, count int) []int {
	retv := make([]int, count)
	first := int(last) - count + 1
	for i := range retv {
		retv[i] = first + i
	}
	return retv
}
