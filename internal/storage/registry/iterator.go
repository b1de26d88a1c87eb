// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

// Iterator walks a Registry in insertion order. The link to the following
// record is captured before the current one is yielded, so removing the
// current record does not disturb the walk. Removing any other record that
// has not been visited yet is not supported.
type Iterator struct {
	reg     *Registry
	cur     *node
	next    *node
	started bool
}

// Iterator returns an iterator positioned before the first record.
func (r *Registry) Iterator() *Iterator {
	return &Iterator{reg: r}
}

// Next advances to the next record.
func (it *Iterator) Next() bool {
	if !it.started {
		it.next = it.reg.head
		it.started = true
	}

	it.cur = it.next
	if it.cur == nil {
		return false
	}
	it.next = it.cur.next
	return true
}

// Record returns the current record. Read it before removing the record:
// removed nodes are recycled.
func (it *Iterator) Record() *Record {
	if it.cur == nil {
		return nil
	}
	return it.cur.rec
}

// Reset rewinds the iterator to the beginning.
func (it *Iterator) Reset() {
	it.cur = nil
	it.next = nil
	it.started = false
}
