// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the memory manager: typed allocation with byte
// accounting, peak budgets, and a parent/child hierarchy of managers.
//
// A Manager records every block it hands out in its registry. Budgets are
// checked against the manager itself and against its immediate parent; the
// parent's counters are read without taking the parent's lock, so siblings
// allocating at the same time may together overshoot the parent's peak by
// up to the sum of their requests. Freeing a pointer the manager does not
// own asks each child in turn, which lets a caller release memory without
// knowing which scope allocated it.
//
// # Usage Examples
//
//	root := core.NewManager(core.WithPeak(64 << 20))
//	defer root.Close()
//
//	req := root.CreateChild(core.WithName("request"))
//	defer req.Close()
//
//	buf, err := core.Allocate[int64](req, 1024)
//	if errors.Is(err, core.ErrPeakLimitReached) {
//	    // shed work
//	}
//
//	root.FreePointer(unsafe.Pointer(unsafe.SliceData(buf))) // found in req
//
//	core.Wipe[int64](root, true) // root and its direct children
//
// # Dangers and Warnings
//
//   - **Lifetime**: Close detaches a manager from its parent. Using a manager
//     after Close, other than to free or inspect it, is not supported.
//   - **Leaks**: Records still registered at Close are logged and dropped;
//     their storage is left to the Go runtime.
//   - **Budgets**: Only the immediate parent's peak is consulted. Deeper
//     ancestors do not bound their grandchildren.
//   - **Deep Wipe**: Wipe with deep set visits direct children only.
//   - **Slices**: The allocation is identified by the slice's data pointer.
//     Free a slice you resliced from the front and the manager will not
//     recognise it.
//
// # Thread Safety
//
// Every exported method is safe for concurrent use. Each manager has one
// mutex; no operation holds two managers' locks at once, and constructors
// and Destroy hooks run with no lock held so they may call back into the
// same manager.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/memmgr/internal/monitoring/metrics"
	"github.com/kianostad/memmgr/internal/storage/registry"
)

// DefaultCapacity is the registry capacity hint used when none is given.
const DefaultCapacity = registry.DefaultCapacity

// Manager is one accounting allocator in a hierarchy.
type Manager struct {
	mu       sync.Mutex
	registry *registry.Registry
	parent   *Manager
	children []*Manager
	closed   bool

	// Read without mu by children checking this manager's budget.
	_          cpu.CacheLinePad
	bytesLive  atomic.Uint64
	allocsLive atomic.Uint64
	peak       atomic.Uint64
	_          cpu.CacheLinePad

	name        string
	capacity    uint64
	childSeq    atomic.Uint64
	storage     Storage
	base        *zap.Logger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	ownsMetrics bool
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	name     string
	capacity uint64
	peak     uint64
	storage  Storage
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// WithName names the manager in logs, traces and errors.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithCapacity sets the registry capacity hint.
func WithCapacity(capacity uint64) Option {
	return func(o *options) { o.capacity = capacity }
}

// WithPeak sets the initial peak in bytes. Zero means unbounded.
func WithPeak(peak uint64) Option {
	return func(o *options) { o.peak = peak }
}

// WithStorage sets the platform storage. Children inherit it.
func WithStorage(s Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithLogger sets the logger. Children inherit it.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets a shared metrics collector. Children inherit it. The
// caller keeps ownership and must close it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewManager creates a standalone manager.
func NewManager(opts ...Option) *Manager {
	o := options{
		name:     "root",
		capacity: DefaultCapacity,
		storage:  HeapStorage{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return newManager(o)
}

func newManager(o options) *Manager {
	if o.storage == nil {
		o.storage = HeapStorage{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m := &Manager{
		registry: registry.New(o.capacity),
		name:     o.name,
		capacity: o.capacity,
		storage:  o.storage,
		base:     o.logger,
		logger:   o.logger.With(zap.String("manager", o.name)),
		metrics:  o.metrics,
	}
	m.peak.Store(o.peak)

	if m.metrics != nil {
		m.metrics.ManagerOpened()
	}
	return m
}

// Name returns the manager's name.
func (m *Manager) Name() string {
	return m.name
}

// AllocCount returns the number of live allocations.
func (m *Manager) AllocCount() uint64 {
	return m.allocsLive.Load()
}

// AllocBytes returns the number of live bytes.
func (m *Manager) AllocBytes() uint64 {
	return m.bytesLive.Load()
}

// Peak returns the byte budget, or zero when unbounded.
func (m *Manager) Peak() uint64 {
	return m.peak.Load()
}

// SetPeak sets the byte budget. Lowering it below the live byte count frees
// nothing; later allocations are refused until enough is released.
func (m *Manager) SetPeak(peak uint64) {
	m.mu.Lock()
	m.peak.Store(peak)
	live := m.bytesLive.Load()
	m.mu.Unlock()

	m.logger.Debug("peak changed",
		zap.Uint64("peak", peak),
		zap.Uint64("live", live))
	if peak > 0 && live > peak {
		m.logger.Info("peak set below live bytes",
			zap.String("peak", humanize.IBytes(peak)),
			zap.String("live", humanize.IBytes(live)))
	}
}

// Metrics returns the shared metrics collector, if any.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Stats is a point-in-time summary of a manager.
type Stats struct {
	Name       string
	AllocCount uint64
	AllocBytes uint64
	Peak       uint64
	Parent     string
	Children   int
	Buckets    int
	Closed     bool
}

// Stats returns a consistent summary of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Name:       m.name,
		AllocCount: m.allocsLive.Load(),
		AllocBytes: m.bytesLive.Load(),
		Peak:       m.peak.Load(),
		Children:   len(m.children),
		Buckets:    m.registry.Buckets(),
		Closed:     m.closed,
	}
	if m.parent != nil {
		s.Parent = m.parent.name
	}
	return s
}

func (s Stats) String() string {
	peak := "unbounded"
	if s.Peak > 0 {
		peak = humanize.IBytes(s.Peak)
	}
	return fmt.Sprintf("%s: %d allocations, %s live, peak %s, %d children",
		s.Name, s.AllocCount, humanize.IBytes(s.AllocBytes), peak, s.Children)
}

// Close tears the manager down. It detaches from its parent, logs any
// records still registered and drops them. Their storage is not released
// back to Storage and is left for the Go runtime to collect. Children are
// not closed. Close is idempotent.
func (m *Manager) Close() {
	m.Unregister()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	leaked := m.registry.Reset()
	m.bytesLive.Store(0)
	m.allocsLive.Store(0)
	orphans := len(m.children)
	m.mu.Unlock()

	if len(leaked) > 0 {
		var bytes uint64
		for _, rec := range leaked {
			bytes += rec.ByteSize
		}
		m.logger.Warn("manager closed with outstanding allocations",
			zap.Int("records", len(leaked)),
			zap.Uint64("bytes", bytes),
			zap.String("size", humanize.IBytes(bytes)),
			zap.Stringer("first", leaked[0]))
	}
	if orphans > 0 {
		m.logger.Debug("manager closed with attached children", zap.Int("children", orphans))
	}

	if m.metrics != nil {
		m.metrics.ManagerClosed()
		if m.ownsMetrics {
			m.metrics.Close()
		}
	}
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
