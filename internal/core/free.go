// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"slices"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kianostad/memmgr/internal/storage/registry"
)

// Free releases a slice returned by Allocate or Construct on m or on any
// manager below it. It reports whether some manager owned the slice. A nil
// or unknown slice is ignored.
func Free[T any](m *Manager, s []T) bool {
	return m.FreePointer(unsafe.Pointer(unsafe.SliceData(s)))
}

// FreePointer releases the allocation whose data pointer is ptr. When m does
// not own it, each child is asked in the order it was attached, recursively,
// until one does. Unknown pointers are ignored.
func (m *Manager) FreePointer(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}

	start := time.Now()
	rec, ok := m.free(ptr)
	if m.metrics != nil {
		if ok {
			m.metrics.RecordFree(time.Since(start), rec.ByteSize)
		} else {
			m.metrics.RecordFreeMiss(time.Since(start))
		}
	}
	return ok
}

func (m *Manager) free(ptr unsafe.Pointer) (*registry.Record, bool) {
	m.mu.Lock()
	rec, ok := m.registry.Remove(ptr)
	if ok {
		sub(&m.bytesLive, rec.ByteSize)
		sub(&m.allocsLive, 1)
		m.mu.Unlock()

		m.release(rec)
		return rec, true
	}
	children := slices.Clone(m.children)
	m.mu.Unlock()

	for _, c := range children {
		if rec, ok := c.free(ptr); ok {
			return rec, true
		}
	}
	return nil, false
}

// release tears down a record already removed from the registry. It runs
// without m.mu held.
func (m *Manager) release(rec *registry.Record) {
	switch rec.Mode {
	case registry.ModePlacement:
		if rec.Hooks.Destroy != nil {
			rec.Hooks.Destroy()
		}
		if rec.Hooks.Clear != nil {
			rec.Hooks.Clear()
		}
	default:
		if rec.Hooks.Drop != nil {
			rec.Hooks.Drop()
		}
	}
	m.storage.Release(rec.ByteSize)
}

// Wipe frees every allocation of element type T owned by m. With deep set,
// each direct child is then wiped as well; grandchildren are not visited.
// It returns the number of allocations freed.
func Wipe[T any](m *Manager, deep bool) int {
	return m.WipeTag(registry.TagOf[T](), deep)
}

// WipeTag is Wipe for a type tag obtained elsewhere.
func (m *Manager) WipeTag(tag registry.TypeTag, deep bool) int {
	start := time.Now()

	removed, bytes, children := m.wipe(tag)
	if deep {
		for _, c := range children {
			n, b, _ := c.wipe(tag)
			removed += n
			bytes += b
		}
	}

	if removed > 0 {
		m.logger.Debug("wiped",
			zap.Stringer("type", tag),
			zap.Bool("deep", deep),
			zap.Int("records", removed),
			zap.Uint64("bytes", bytes))
	}
	if m.metrics != nil {
		m.metrics.RecordWipe(time.Since(start), removed, bytes)
	}
	return removed
}

// wipe removes m's own records of the given type and returns them released,
// with a snapshot of m's children.
func (m *Manager) wipe(tag registry.TypeTag) (int, uint64, []*Manager) {
	var (
		victims []*registry.Record
		bytes   uint64
	)

	m.mu.Lock()
	it := m.registry.Iterator()
	for it.Next() {
		rec := it.Record()
		if rec.Type != tag {
			continue
		}
		m.registry.Remove(rec.Ptr)
		sub(&m.bytesLive, rec.ByteSize)
		sub(&m.allocsLive, 1)
		bytes += rec.ByteSize
		victims = append(victims, rec)
	}
	children := slices.Clone(m.children)
	m.mu.Unlock()

	for _, rec := range victims {
		m.release(rec)
	}
	return len(victims), bytes, children
}

// Lookup returns a copy of the record m holds for ptr. Children are not
// searched.
func (m *Manager) Lookup(ptr unsafe.Pointer) (registry.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Lookup(ptr)
	if !ok {
		return registry.Record{}, false
	}
	return *rec, true
}

// Owns reports whether m itself holds the allocation backing s.
func Owns[T any](m *Manager, s []T) bool {
	_, ok := m.Lookup(unsafe.Pointer(unsafe.SliceData(s)))
	return ok
}
