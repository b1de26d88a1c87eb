// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package memmgr provides hierarchical memory-accounting allocators.
//
// A Manager hands out typed slices, records every outstanding allocation,
// enforces an optional peak byte budget, and composes into a parent/child
// tree so that nested scopes are checked against their parent's budget.
//
// # Quick Start
//
//	import "github.com/kianostad/memmgr"
//
//	root := memmgr.NewManager(memmgr.WithPeak(64 << 20))
//	defer root.Close()
//
//	buf, err := memmgr.Allocate[float64](root, 4096)
//	if errors.Is(err, memmgr.ErrPeakLimitReached) {
//	    // over budget
//	}
//	defer memmgr.Free(root, buf)
//
// # Key Features
//
//   - Byte and count totals per manager, always equal to the registry contents
//   - Peak budgets checked against the manager and its immediate parent
//   - Free through any ancestor: unknown pointers are routed to children
//   - Type-selective bulk release with Wipe, optionally one level deep
//   - In-place construction whose initialiser may re-enter the manager
//   - Leak diagnostics on Close through zap
//   - Shared metrics with Prometheus and JSON export
//   - YAML configuration of whole manager trees
//
// # Usage Examples
//
// Scoped children:
//
//	req := root.CreateChild(memmgr.WithName("request"), memmgr.WithPeak(1<<20))
//	defer req.Close()
//
//	rows, _ := memmgr.Allocate[Row](req, 128)
//	memmgr.Free(root, rows) // found in req
//
// In-place construction:
//
//	nodes, err := memmgr.Construct(m, 16, func(n *Node) {
//	    n.Edges, _ = memmgr.Allocate[int32](m, 4)
//	})
//
// Type-selective release:
//
//	memmgr.Wipe[Node](root, true) // root and its direct children
//
// Configuration:
//
//	cfg, _ := memmgr.LoadConfig("memmgr.yaml")
//	root, err := memmgr.NewFromConfig(cfg)
//	defer root.CloseTree()
//
// # Best Practices
//
//   - Close every manager, or CloseTree the root
//   - Free slices as returned; a resliced slice has a different data pointer
//   - Set budgets on the manager directly above the scopes they bound
//   - Implement Destroy on *T for elements that hold other allocations
//
// # See Also
//
// For the allocation and hierarchy rules in detail, see the core package.
package memmgr

import (
	"unsafe"

	"github.com/kianostad/memmgr/internal/config"
	core "github.com/kianostad/memmgr/internal/core"
	"github.com/kianostad/memmgr/internal/monitoring/metrics"
	"github.com/kianostad/memmgr/internal/storage/registry"
)

// Re-export core types
type (
	// Manager is one accounting allocator in a hierarchy
	Manager = core.Manager

	// Option configures a Manager
	Option = core.Option

	// Stats is a point-in-time summary of a manager
	Stats = core.Stats

	// TraceEntry describes one live allocation
	TraceEntry = core.TraceEntry

	// AllocError describes a refused allocation
	AllocError = core.AllocError

	// Destroyer is implemented by element types that release resources when freed
	Destroyer = core.Destroyer

	// Storage backs allocations
	Storage = core.Storage

	// HeapStorage hands allocations to the Go heap
	HeapStorage = core.HeapStorage

	// LimitedStorage is heap storage with a hard ceiling
	LimitedStorage = core.LimitedStorage

	// TypeTag identifies the element type of an allocation
	TypeTag = registry.TypeTag

	// Config describes a manager tree
	Config = config.Config

	// Metrics collects allocator metrics across managers
	Metrics = metrics.Metrics
)

// Errors
var (
	ErrPeakLimitReached = core.ErrPeakLimitReached
	ErrStorageFailure   = core.ErrStorageFailure
	ErrClosed           = core.ErrClosed
	ErrNegativeCount    = core.ErrNegativeCount
	ErrHierarchyCycle   = core.ErrHierarchyCycle
	ErrInvalidConfig    = config.ErrInvalidConfig
)

// DefaultCapacity is the registry capacity hint used when none is given.
const DefaultCapacity = core.DefaultCapacity

// Options
var (
	WithName     = core.WithName
	WithCapacity = core.WithCapacity
	WithPeak     = core.WithPeak
	WithStorage  = core.WithStorage
	WithLogger   = core.WithLogger
	WithMetrics  = core.WithMetrics
)

// NewManager creates a standalone manager
func NewManager(opts ...Option) *Manager {
	return core.NewManager(opts...)
}

// NewFromConfig builds the manager tree described by cfg and returns its root
func NewFromConfig(cfg Config, opts ...Option) (*Manager, error) {
	return core.NewFromConfig(cfg, opts...)
}

// DefaultConfig returns the configuration of an unbounded root manager
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML manager tree from path
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// ParseConfig decodes a YAML manager tree
func ParseConfig(data []byte) (Config, error) {
	return config.Parse(data)
}

// NewLimitedStorage returns storage that refuses to hold more than limit bytes
func NewLimitedStorage(limit uint64) *LimitedStorage {
	return core.NewLimitedStorage(limit)
}

// NewMetrics creates a metrics collector to share between managers
func NewMetrics() *Metrics {
	return metrics.NewMetrics()
}

// Allocate returns n zero-valued elements of T owned by m
func Allocate[T any](m *Manager, n int) ([]T, error) {
	return core.Allocate[T](m, n)
}

// Construct allocates n elements of T and calls init on each once m is unlocked
func Construct[T any](m *Manager, n int, init func(*T)) ([]T, error) {
	return core.Construct(m, n, init)
}

// Free releases s from m or whichever manager below m owns it
func Free[T any](m *Manager, s []T) bool {
	return core.Free(m, s)
}

// FreePointer releases the allocation whose data pointer is ptr
func FreePointer(m *Manager, ptr unsafe.Pointer) bool {
	return m.FreePointer(ptr)
}

// Wipe frees every allocation of element type T owned by m, and by its
// direct children when deep is set
func Wipe[T any](m *Manager, deep bool) int {
	return core.Wipe[T](m, deep)
}

// Owns reports whether m itself holds the allocation backing s
func Owns[T any](m *Manager, s []T) bool {
	return core.Owns(m, s)
}

// TagOf returns the type tag for T
func TagOf[T any]() TypeTag {
	return registry.TagOf[T]()
}
