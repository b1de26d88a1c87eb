// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Storage is the platform collaborator that backs allocations. Acquire is
// asked before a block is created and may refuse it; Release is told once the
// block has been torn down. Implementations must be safe for concurrent use,
// since every manager in a hierarchy normally shares one.
type Storage interface {
	Acquire(size uint64) error
	Release(size uint64)
}

// HeapStorage hands allocations to the Go heap. It refuses only sizes the
// runtime could never satisfy.
type HeapStorage struct{}

// Acquire implements Storage.
func (HeapStorage) Acquire(size uint64) error {
	if size > math.MaxInt {
		return fmt.Errorf("%w: %d bytes exceeds the address space", ErrStorageFailure, size)
	}
	return nil
}

// Release implements Storage.
func (HeapStorage) Release(uint64) {}

// LimitedStorage is heap storage with a hard ceiling on outstanding bytes,
// shared by every manager that uses it. Unlike a manager's peak it is not a
// budget: exceeding it is reported as a storage failure.
type LimitedStorage struct {
	limit uint64
	used  atomic.Uint64
}

// NewLimitedStorage returns storage that refuses to hold more than limit bytes.
func NewLimitedStorage(limit uint64) *LimitedStorage {
	return &LimitedStorage{limit: limit}
}

// Acquire implements Storage.
func (s *LimitedStorage) Acquire(size uint64) error {
	for {
		used := s.used.Load()
		if size > s.limit || used > s.limit-size {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrStorageFailure, size, used, s.limit)
		}
		if s.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

// Release implements Storage.
func (s *LimitedStorage) Release(size uint64) {
	sub(&s.used, size)
}

// Used returns the bytes currently held.
func (s *LimitedStorage) Used() uint64 {
	return s.used.Load()
}

// Limit returns the ceiling.
func (s *LimitedStorage) Limit() uint64 {
	return s.limit
}

// sub subtracts n from a.
func sub(a *atomic.Uint64, n uint64) {
	if n != 0 {
		a.Add(^(n - 1))
	}
}
