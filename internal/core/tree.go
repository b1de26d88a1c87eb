// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"

	"github.com/kianostad/memmgr/internal/config"
	"github.com/kianostad/memmgr/internal/logging"
	"github.com/kianostad/memmgr/internal/monitoring/metrics"
)

// NewFromConfig builds the manager tree described by cfg and returns its
// root. The root's log level and metrics settings apply to the whole tree;
// children set only their name, capacity and peak. Options override what
// cfg builds, so a caller may pass its own logger or metrics. Metrics
// created here are closed when the root is closed.
func NewFromConfig(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("manager %q: %w", cfg.Name, err)
	}

	o := options{
		name:     cfg.Name,
		capacity: capacityOf(cfg),
		peak:     uint64(cfg.Peak),
		storage:  HeapStorage{},
		logger:   logger,
	}

	var owned *metrics.Metrics
	if cfg.Metrics.Enabled {
		owned = metrics.NewMetricsWithConfig(metricsConfig(cfg.Metrics))
		o.metrics = owned
	}
	for _, opt := range opts {
		opt(&o)
	}
	if owned != nil && o.metrics != owned {
		owned.Close()
		owned = nil
	}

	root := newManager(o)
	root.ownsMetrics = owned != nil

	for _, child := range cfg.Children {
		root.buildChild(child)
	}
	return root, nil
}

func (m *Manager) buildChild(cfg config.Config) {
	c := m.CreateChild(
		WithName(cfg.Name),
		WithCapacity(capacityOf(cfg)),
		WithPeak(uint64(cfg.Peak)))
	for _, child := range cfg.Children {
		c.buildChild(child)
	}
}

// CloseTree closes every descendant of m, deepest first, and then m.
func (m *Manager) CloseTree() {
	for _, c := range m.Children() {
		c.CloseTree()
	}
	m.Close()
}

func capacityOf(cfg config.Config) uint64 {
	if cfg.RegistryCapacity == 0 {
		return DefaultCapacity
	}
	return cfg.RegistryCapacity
}

func metricsConfig(cfg config.Metrics) metrics.MetricsConfig {
	mc := metrics.DefaultMetricsConfig()
	if cfg.BufferSize > 0 {
		mc.BufferSize = cfg.BufferSize
	}
	return mc
}
