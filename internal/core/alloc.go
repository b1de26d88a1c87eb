// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"fmt"
	"math/bits"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kianostad/memmgr/internal/storage/registry"
)

// Destroyer is implemented by element types that hold resources needing
// release when their allocation is freed. Destroy is called on each
// element, without any manager lock held.
type Destroyer interface {
	Destroy()
}

// Allocate returns n zero-valued elements of T owned by m.
func Allocate[T any](m *Manager, n int) ([]T, error) {
	start := time.Now()
	buf, need, err := obtain[T](m, "allocate", n, registry.ModeDefault)
	if m.metrics != nil {
		if err != nil {
			m.metrics.RecordError(cause(err))
		} else {
			m.metrics.RecordAllocate(time.Since(start), need)
		}
	}
	return buf, err
}

// Construct allocates n elements of T owned by m and then calls init on
// each of them in index order. The allocation is recorded and m unlocked
// before init runs, so init may allocate from m itself. A nil init leaves
// the elements zero-valued.
func Construct[T any](m *Manager, n int, init func(*T)) ([]T, error) {
	start := time.Now()
	buf, need, err := obtain[T](m, "construct", n, registry.ModePlacement)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordError(cause(err))
		}
		return nil, err
	}

	if init != nil {
		for i := range buf {
			init(&buf[i])
		}
	}

	if m.metrics != nil {
		m.metrics.RecordConstruct(time.Since(start), need)
	}
	return buf, nil
}

// obtain runs the budget check, asks storage for the block and records it.
func obtain[T any](m *Manager, op string, n int, mode registry.ConstructionMode) ([]T, uint64, error) {
	tag := registry.TagOf[T]()
	if n < 0 {
		return nil, 0, &AllocError{Op: op, Manager: m.name, Type: tag, Count: n, Err: ErrNegativeCount}
	}

	hi, need := bits.Mul64(uint64(tag.Size()), uint64(n))
	if hi != 0 {
		return nil, 0, &AllocError{
			Op: op, Manager: m.name, Type: tag, Count: n, Need: need,
			Err: fmt.Errorf("%w: size of %d elements overflows", ErrStorageFailure, n),
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, 0, &AllocError{Op: op, Manager: m.name, Type: tag, Count: n, Need: need, Err: ErrClosed}
	}

	if err := m.checkBudget(need); err != nil {
		m.mu.Unlock()
		err.Op, err.Type, err.Count = op, tag, n
		m.logger.Debug("allocation refused",
			zap.String("op", op),
			zap.Stringer("type", tag),
			zap.Uint64("need", need),
			zap.String("by", err.Manager))
		return nil, 0, err
	}

	if err := m.storage.Acquire(need); err != nil {
		m.mu.Unlock()
		return nil, 0, &AllocError{Op: op, Manager: m.name, Type: tag, Count: n, Need: need, Err: storageErr(err)}
	}

	buf, err := makeBlock[T](n)
	if err != nil {
		m.storage.Release(need)
		m.mu.Unlock()
		return nil, 0, &AllocError{Op: op, Manager: m.name, Type: tag, Count: n, Need: need, Err: err}
	}

	rec := &registry.Record{
		Ptr:      unsafe.Pointer(unsafe.SliceData(buf)),
		ByteSize: need,
		Count:    uint64(n),
		Type:     tag,
		Mode:     mode,
		Hooks:    hooksFor(buf),
	}
	if err := m.registry.Add(rec); err != nil {
		m.storage.Release(need)
		m.mu.Unlock()
		return nil, 0, &AllocError{Op: op, Manager: m.name, Type: tag, Count: n, Need: need, Err: storageErr(err)}
	}
	m.bytesLive.Add(need)
	m.allocsLive.Add(1)
	m.mu.Unlock()

	return buf, need, nil
}

// checkBudget must be called with m.mu held. The parent's counters are read
// without its lock.
func (m *Manager) checkBudget(need uint64) *AllocError {
	if peak := m.peak.Load(); peak > 0 {
		if live := m.bytesLive.Load(); exceeds(live, need, peak) {
			return &AllocError{Manager: m.name, Need: need, Live: live, Limit: peak, Err: ErrPeakLimitReached}
		}
	}
	if p := m.parent; p != nil {
		if peak := p.peak.Load(); peak > 0 {
			if live := p.bytesLive.Load(); exceeds(live, need, peak) {
				return &AllocError{Manager: p.name, Parent: true, Need: need, Live: live, Limit: peak, Err: ErrPeakLimitReached}
			}
		}
	}
	return nil
}

// exceeds reports live+need > peak without overflowing.
func exceeds(live, need, peak uint64) bool {
	return need > peak || live > peak-need
}

// makeBlock returns storage for n elements of T. Every block, including an
// empty one, has a data pointer no other live block shares. Empty blocks
// keep cap 1 so SliceData reports the backing element.
func makeBlock[T any](n int) (buf []T, err error) {
	var zero T
	switch {
	case unsafe.Sizeof(zero) == 0:
		// new of a zero-sized type may return a shared address.
		p := (*T)(unsafe.Pointer(new(uint64)))
		return unsafe.Slice(p, max(n, 1))[:n], nil
	case n == 0:
		return unsafe.Slice(new(T), 1)[:0], nil
	}

	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: %v", ErrStorageFailure, r)
		}
	}()
	return make([]T, n), nil
}

// hooksFor captures the release steps for buf while its type is known.
func hooksFor[T any](buf []T) registry.Hooks {
	_, destroyable := any((*T)(nil)).(Destroyer)

	h := registry.Hooks{
		Clear: func() { clear(buf) },
	}
	if !destroyable {
		h.Drop = h.Clear
		return h
	}

	h.Destroy = func() {
		for i := len(buf) - 1; i >= 0; i-- {
			any(&buf[i]).(Destroyer).Destroy()
		}
	}
	h.Drop = func() {
		var zero T
		for i := len(buf) - 1; i >= 0; i-- {
			any(&buf[i]).(Destroyer).Destroy()
			buf[i] = zero
		}
	}
	return h
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// cause maps an allocation error to its metrics label.
func cause(err error) string {
	switch {
	case errors.Is(err, ErrPeakLimitReached):
		return "peak"
	case errors.Is(err, ErrStorageFailure):
		return "storage"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
