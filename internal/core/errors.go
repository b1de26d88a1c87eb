// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"fmt"

	"github.com/kianostad/memmgr/internal/storage/registry"
)

var (
	// ErrPeakLimitReached is returned when an allocation would push a manager,
	// or its immediate parent, past its peak.
	ErrPeakLimitReached = errors.New("peak limit reached")
	// ErrStorageFailure is returned when the platform refuses to provide storage.
	ErrStorageFailure = errors.New("underlying storage failure")
	// ErrClosed is returned by allocations on a closed manager.
	ErrClosed = errors.New("manager closed")
	// ErrNegativeCount is returned for a negative element count.
	ErrNegativeCount = errors.New("negative element count")
	// ErrHierarchyCycle is returned by SetParent when the new parent is the
	// manager itself or one of its descendants.
	ErrHierarchyCycle = errors.New("hierarchy cycle")
)

// AllocError describes a refused allocation. The allocation had no effect.
type AllocError struct {
	Op      string // "allocate" or "construct"
	Manager string // manager whose budget or storage refused
	Parent  bool   // the refusing manager is the caller's parent
	Type    registry.TypeTag
	Count   int
	Need    uint64
	Live    uint64
	Limit   uint64
	Err     error
}

func (e *AllocError) Error() string {
	switch {
	case errors.Is(e.Err, ErrPeakLimitReached):
		who := "manager"
		if e.Parent {
			who = "parent"
		}
		return fmt.Sprintf("%s %d x %s (%d bytes) on %q: %s %q has %d of %d bytes in use: %v",
			e.Op, e.Count, e.Type, e.Need, e.Manager, who, e.Manager, e.Live, e.Limit, e.Err)
	default:
		return fmt.Sprintf("%s %d x %s (%d bytes) on %q: %v",
			e.Op, e.Count, e.Type, e.Need, e.Manager, e.Err)
	}
}

func (e *AllocError) Unwrap() error {
	return e.Err
}
