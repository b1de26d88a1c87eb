// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"sync"
)

// nodePool recycles registry nodes across every Registry to reduce
// allocations on allocate/free churn.
type nodePool struct {
	pool sync.Pool
}

var nodes = newNodePool()

func newNodePool() *nodePool {
	return &nodePool{
		pool: sync.Pool{
			New: func() interface{} {
				return &node{}
			},
		},
	}
}

// get retrieves a node for rec.
func (p *nodePool) get(rec *Record) *node {
	n := p.pool.Get().(*node)
	n.rec = rec
	return n
}

// put returns a node to the pool after clearing its links. The caller must
// not keep any reference to it.
func (p *nodePool) put(n *node) {
	n.rec = nil
	n.chain, n.prev, n.next = nil, nil, nil
	p.pool.Put(n)
}
