// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// relink serialises every SetParent and Unregister so the ancestor walk in
// SetParent sees a chain no other move can change. It is never taken while
// holding any manager's mu.
var relink sync.Mutex

// CreateChild returns a new manager attached below m. The child shares m's
// storage, logger and metrics and takes m's registry capacity unless opts
// say otherwise. Without WithName it is named after m and a sequence number.
func (m *Manager) CreateChild(opts ...Option) *Manager {
	o := options{
		name:     fmt.Sprintf("%s.%d", m.name, m.childSeq.Add(1)),
		capacity: m.capacity,
		storage:  m.storage,
		logger:   m.base,
		metrics:  m.metrics,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := newManager(o)
	c.parent = m

	m.mu.Lock()
	m.children = append(m.children, c)
	m.mu.Unlock()

	m.logger.Debug("child created", zap.String("child", c.name))
	return c
}

// Parent returns m's parent, or nil.
func (m *Manager) Parent() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent
}

// Children returns a snapshot of m's direct children in attach order.
func (m *Manager) Children() []*Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.children)
}

// Child returns the direct child with the given name.
func (m *Manager) Child(name string) (*Manager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.children {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// SetParent moves m below p, or makes it a root when p is nil. Budget checks
// against p apply to allocations made from now on; bytes m already holds are
// not transferred. It fails with ErrHierarchyCycle if p is m or lies below m.
func (m *Manager) SetParent(p *Manager) error {
	relink.Lock()
	defer relink.Unlock()

	for a := p; a != nil; a = a.Parent() {
		if a == m {
			return fmt.Errorf("set parent of %q to %q: %w", m.name, p.name, ErrHierarchyCycle)
		}
	}

	old := m.swapParent(p)
	if old == p {
		return nil
	}
	if old != nil {
		old.detach(m)
	}
	if p != nil {
		p.mu.Lock()
		p.children = append(p.children, m)
		p.mu.Unlock()
	}

	m.logger.Debug("parent changed", zap.String("from", nameOf(old)), zap.String("to", nameOf(p)))
	return nil
}

// Unregister detaches m from its parent. It is a no-op for a root.
func (m *Manager) Unregister() {
	relink.Lock()
	defer relink.Unlock()

	if p := m.swapParent(nil); p != nil {
		p.detach(m)
		m.logger.Debug("unregistered", zap.String("parent", p.name))
	}
}

func (m *Manager) swapParent(p *Manager) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.parent
	m.parent = p
	return old
}

func (m *Manager) detach(c *Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children = slices.DeleteFunc(m.children, func(x *Manager) bool { return x == c })
}

func nameOf(m *Manager) string {
	if m == nil {
		return ""
	}
	return m.name
}
