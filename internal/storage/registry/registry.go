// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package registry holds the metadata of every live allocation owned by one
// manager.
//
// A Registry is a chained hash table keyed by the allocation's data pointer,
// threaded with a doubly linked list that preserves insertion order. Lookup,
// insertion and removal are O(1) on average; iteration walks the insertion
// list and tolerates removal of the element it just yielded.
//
// # Usage Examples
//
//	reg := registry.New(registry.DefaultCapacity)
//
//	_ = reg.Add(&registry.Record{Ptr: p, ByteSize: 40, Count: 10, Type: registry.TagOf[int32]()})
//
//	if rec, ok := reg.Lookup(p); ok {
//	    fmt.Println(rec.ByteSize)
//	}
//
//	it := reg.Iterator()
//	for it.Next() {
//	    if it.Record().Type == registry.TagOf[int32]() {
//	        reg.Remove(it.Record().Ptr)
//	    }
//	}
//
// # Dangers and Warnings
//
//   - **No Locking**: A Registry performs no synchronisation. The owning manager
//     must hold its mutex across every call, including the whole of an iteration.
//   - **No Accounting**: Removing a record does not release its storage and does
//     not touch any byte counters.
//   - **Fixed Buckets**: The bucket count is fixed at construction from the
//     capacity hint. Registries holding far more records than the hint degrade
//     towards linear chains.
//
// # Thread Safety
//
// None. See the warnings above.
package registry

import (
	"errors"
	"unsafe"
)

// DefaultCapacity is the bucket count hint used when none is given.
const DefaultCapacity = 0xffff

const minBuckets = 16

// ErrDuplicatePointer is returned by Add when the pointer is already present.
var ErrDuplicatePointer = errors.New("pointer already registered")

// node is one record in a bucket chain and in the insertion list.
type node struct {
	rec   *Record
	chain *node

	prev *node
	next *node
}

// Registry maps live allocation pointers to their records.
type Registry struct {
	buckets []*node
	mask    uint64

	head *node
	tail *node
	len  int
}

// New creates a registry whose bucket count is capacity rounded up to a
// power of two.
func New(capacity uint64) *Registry {
	size := uint64(minBuckets)
	for size < capacity {
		size <<= 1
	}
	return &Registry{
		buckets: make([]*node, size),
		mask:    size - 1,
	}
}

// hash spreads the pointer bits over the bucket range. Heap pointers share
// their low alignment bits, so the address is mixed before masking.
func (r *Registry) hash(ptr unsafe.Pointer) uint64 {
	x := uint64(uintptr(ptr))
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x & r.mask
}

// Add inserts rec. It fails if a record with the same pointer exists.
func (r *Registry) Add(rec *Record) error {
	b := r.hash(rec.Ptr)
	for n := r.buckets[b]; n != nil; n = n.chain {
		if n.rec.Ptr == rec.Ptr {
			return ErrDuplicatePointer
		}
	}

	n := nodes.get(rec)
	n.chain, n.prev = r.buckets[b], r.tail
	r.buckets[b] = n
	if r.tail != nil {
		r.tail.next = n
	} else {
		r.head = n
	}
	r.tail = n
	r.len++
	return nil
}

// Lookup returns the record registered for ptr.
func (r *Registry) Lookup(ptr unsafe.Pointer) (*Record, bool) {
	for n := r.buckets[r.hash(ptr)]; n != nil; n = n.chain {
		if n.rec.Ptr == ptr {
			return n.rec, true
		}
	}
	return nil, false
}

// Remove unlinks the record registered for ptr and returns it. Removing an
// unknown pointer is a no-op.
func (r *Registry) Remove(ptr unsafe.Pointer) (*Record, bool) {
	b := r.hash(ptr)
	var before *node
	for n := r.buckets[b]; n != nil; before, n = n, n.chain {
		if n.rec.Ptr != ptr {
			continue
		}

		if before == nil {
			r.buckets[b] = n.chain
		} else {
			before.chain = n.chain
		}

		if n.prev != nil {
			n.prev.next = n.next
		} else {
			r.head = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			r.tail = n.prev
		}

		rec := n.rec
		nodes.put(n)
		r.len--
		return rec, true
	}
	return nil, false
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return r.len
}

// Buckets returns the number of hash buckets.
func (r *Registry) Buckets() int {
	return len(r.buckets)
}

// Reset drops every record and returns them in insertion order.
func (r *Registry) Reset() []*Record {
	out := make([]*Record, 0, r.len)
	for n := r.head; n != nil; {
		next := n.next
		out = append(out, n.rec)
		nodes.put(n)
		n = next
	}
	clear(r.buckets)
	r.head, r.tail, r.len = nil, nil, 0
	return out
}

// Each calls fn for every record in insertion order until fn returns false.
// fn may remove the record it was given.
func (r *Registry) Each(fn func(rec *Record) bool) {
	it := r.Iterator()
	for it.Next() {
		if !fn(it.Record()) {
			return
		}
	}
}
