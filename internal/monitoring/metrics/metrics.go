// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for memory managers.
//
// Events are sent over a buffered channel and folded into counters and
// latency ring buffers by a background goroutine, so recording never blocks
// an allocation path. One Metrics instance is normally shared by every
// manager in a hierarchy.
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... allocate ...
//	m.RecordAllocate(time.Since(start), 4096)
//
//	if errors.Is(err, core.ErrPeakLimitReached) {
//	    m.RecordError("peak")
//	}
//
//	stats := m.GetStats()
//	fmt.Printf("allocations: %d, live bytes: %d\n",
//	    stats.Operations.Allocate, stats.Memory.LiveBytes)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Close must be called to stop the processor.
//   - **Event Loss**: When the buffer is full, events are dropped rather than
//     blocking the caller.
//   - **Stats Latency**: GetStats reflects events processed so far; call Flush
//     first when exact numbers are needed.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencyStats provides latency statistics for one operation type
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks counts for all operation types
type OperationCounts struct {
	Allocate     uint64 `json:"allocate"`
	Construct    uint64 `json:"construct"`
	Free         uint64 `json:"free"`
	FreeMiss     uint64 `json:"free_miss"`
	Wipe         uint64 `json:"wipe"`
	WipedRecords uint64 `json:"wiped_records"`
}

// ErrorCounts tracks refused allocations by cause
type ErrorCounts struct {
	PeakLimit uint64 `json:"peak_limit"`
	Storage   uint64 `json:"storage"`
	Closed    uint64 `json:"closed"`
	Other     uint64 `json:"other"`
}

// MemoryMetrics tracks byte totals across every manager sharing the instance
type MemoryMetrics struct {
	BytesAllocated uint64 `json:"bytes_allocated"`
	BytesReleased  uint64 `json:"bytes_released"`
	LiveBytes      uint64 `json:"live_bytes"`
	HighWater      uint64 `json:"high_water"`
	ActiveManagers uint64 `json:"active_managers"`
}

// LatencyMetrics tracks latency data for all operations
type LatencyMetrics struct {
	Allocate  LatencyStats `json:"allocate"`
	Construct LatencyStats `json:"construct"`
	Free      LatencyStats `json:"free"`
	Wipe      LatencyStats `json:"wipe"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    OperationCounts `json:"operations"`
	Errors        ErrorCounts     `json:"errors"`
	Memory        MemoryMetrics   `json:"memory"`
	Latency       LatencyMetrics  `json:"latency"`
	Configuration MetricsConfig   `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Bytes     uint64
	Count     uint64
	Timestamp time.Time
	done      chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of the buffered durations
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates latency statistics over the buffered durations
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	if rb.count == 0 {
		rb.mu.RUnlock()
		return LatencyStats{}
	}
	// Copy values to avoid holding lock during sort
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	stats := LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
	}

	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(len(values))

	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	stats.P999 = percentile(values, 0.999)

	return stats
}

// percentile returns the pth percentile of sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`
	LatencyBuffers map[string]int `json:"latency_buffers"`
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			"allocate":  1000,
			"construct": 1000,
			"free":      1000,
			"wipe":      100,
		},
	}
}

// Metrics tracks allocator metrics using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu sync.RWMutex

	allocateCount  uint64
	constructCount uint64
	freeCount      uint64
	freeMissCount  uint64
	wipeCount      uint64
	wipedRecords   uint64

	allocateLatency  *DurationRingBuffer
	constructLatency *DurationRingBuffer
	freeLatency      *DurationRingBuffer
	wipeLatency      *DurationRingBuffer

	bytesAllocated uint64
	bytesReleased  uint64
	highWater      uint64
	activeManagers uint64

	peakErrors    uint64
	storageErrors uint64
	closedErrors  uint64
	otherErrors   uint64
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewBufferedMetrics creates a new metrics instance with configurable buffer size
func NewBufferedMetrics(bufferSize int) *Metrics {
	config := DefaultMetricsConfig()
	config.BufferSize = bufferSize
	return NewMetricsWithConfig(config)
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:           config,
		eventChan:        make(chan MetricEvent, config.BufferSize),
		ctx:              ctx,
		cancel:           cancel,
		allocateLatency:  NewDurationRingBuffer(config.LatencyBuffers["allocate"]),
		constructLatency: NewDurationRingBuffer(config.LatencyBuffers["construct"]),
		freeLatency:      NewDurationRingBuffer(config.LatencyBuffers["free"]),
		wipeLatency:      NewDurationRingBuffer(config.LatencyBuffers["wipe"]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

// processEvent folds a single event into the counters
func (m *Metrics) processEvent(event MetricEvent) {
	if event.done != nil {
		close(event.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "allocate":
		m.allocateCount++
		m.allocateLatency.Push(event.Duration)
		m.addBytes(event.Bytes)
	case "construct":
		m.constructCount++
		m.constructLatency.Push(event.Duration)
		m.addBytes(event.Bytes)
	case "free":
		m.freeCount++
		m.freeLatency.Push(event.Duration)
		m.bytesReleased += event.Bytes
	case "free_miss":
		m.freeMissCount++
		m.freeLatency.Push(event.Duration)
	case "wipe":
		m.wipeCount++
		m.wipedRecords += event.Count
		m.wipeLatency.Push(event.Duration)
		m.bytesReleased += event.Bytes
	case "error_peak":
		m.peakErrors++
	case "error_storage":
		m.storageErrors++
	case "error_closed":
		m.closedErrors++
	default:
		if strings.HasPrefix(event.Type, "error_") {
			m.otherErrors++
		}
	}
}

func (m *Metrics) addBytes(n uint64) {
	m.bytesAllocated += n
	if live := m.bytesAllocated - m.bytesReleased; live > m.highWater {
		m.highWater = live
	}
}

// send enqueues an event without blocking
func (m *Metrics) send(event MetricEvent) {
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
	}
}

// RecordAllocate records a default allocation of the given size
func (m *Metrics) RecordAllocate(duration time.Duration, bytes uint64) {
	m.send(MetricEvent{Type: "allocate", Duration: duration, Bytes: bytes, Timestamp: time.Now()})
}

// RecordConstruct records an in-place constructed allocation of the given size
func (m *Metrics) RecordConstruct(duration time.Duration, bytes uint64) {
	m.send(MetricEvent{Type: "construct", Duration: duration, Bytes: bytes, Timestamp: time.Now()})
}

// RecordFree records a free that released bytes
func (m *Metrics) RecordFree(duration time.Duration, bytes uint64) {
	m.send(MetricEvent{Type: "free", Duration: duration, Bytes: bytes, Timestamp: time.Now()})
}

// RecordFreeMiss records a free of a pointer no manager owned
func (m *Metrics) RecordFreeMiss(duration time.Duration) {
	m.send(MetricEvent{Type: "free_miss", Duration: duration, Timestamp: time.Now()})
}

// RecordWipe records a wipe that removed count records totalling bytes
func (m *Metrics) RecordWipe(duration time.Duration, count int, bytes uint64) {
	m.send(MetricEvent{
		Type:      "wipe",
		Duration:  duration,
		Bytes:     bytes,
		Count:     uint64(count), // #nosec G115
		Timestamp: time.Now(),
	})
}

// RecordError records a refused operation. Known causes are "peak",
// "storage" and "closed".
func (m *Metrics) RecordError(cause string) {
	m.send(MetricEvent{Type: "error_" + cause, Timestamp: time.Now()})
}

// ManagerOpened increments the active manager gauge
func (m *Metrics) ManagerOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeManagers++
}

// ManagerClosed decrements the active manager gauge
func (m *Metrics) ManagerClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeManagers > 0 {
		m.activeManagers--
	}
}

// Flush blocks until every event sent before the call has been processed,
// or until ctx is done.
func (m *Metrics) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.eventChan <- MetricEvent{Type: "flush", done: done}:
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Operations: OperationCounts{
			Allocate:     m.allocateCount,
			Construct:    m.constructCount,
			Free:         m.freeCount,
			FreeMiss:     m.freeMissCount,
			Wipe:         m.wipeCount,
			WipedRecords: m.wipedRecords,
		},
		Errors: ErrorCounts{
			PeakLimit: m.peakErrors,
			Storage:   m.storageErrors,
			Closed:    m.closedErrors,
			Other:     m.otherErrors,
		},
		Memory: MemoryMetrics{
			BytesAllocated: m.bytesAllocated,
			BytesReleased:  m.bytesReleased,
			LiveBytes:      m.bytesAllocated - m.bytesReleased,
			HighWater:      m.highWater,
			ActiveManagers: m.activeManagers,
		},
		Latency: LatencyMetrics{
			Allocate:  m.allocateLatency.GetStats(),
			Construct: m.constructLatency.GetStats(),
			Free:      m.freeLatency.GetStats(),
			Wipe:      m.wipeLatency.GetStats(),
		},
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	b.WriteString("# HELP memmgr_operations_total Total number of allocator operations\n")
	b.WriteString("# TYPE memmgr_operations_total counter\n")
	fmt.Fprintf(&b, "memmgr_operations_total{operation=\"allocate\"} %d\n", stats.Operations.Allocate)
	fmt.Fprintf(&b, "memmgr_operations_total{operation=\"construct\"} %d\n", stats.Operations.Construct)
	fmt.Fprintf(&b, "memmgr_operations_total{operation=\"free\"} %d\n", stats.Operations.Free)
	fmt.Fprintf(&b, "memmgr_operations_total{operation=\"free_miss\"} %d\n", stats.Operations.FreeMiss)
	fmt.Fprintf(&b, "memmgr_operations_total{operation=\"wipe\"} %d\n", stats.Operations.Wipe)

	b.WriteString("# HELP memmgr_wiped_records_total Records removed by wipes\n")
	b.WriteString("# TYPE memmgr_wiped_records_total counter\n")
	fmt.Fprintf(&b, "memmgr_wiped_records_total %d\n", stats.Operations.WipedRecords)

	b.WriteString("# HELP memmgr_latency_nanoseconds Average latency for operations\n")
	b.WriteString("# TYPE memmgr_latency_nanoseconds gauge\n")
	fmt.Fprintf(&b, "memmgr_latency_nanoseconds{operation=\"allocate\"} %d\n", stats.Latency.Allocate.Mean.Nanoseconds())
	fmt.Fprintf(&b, "memmgr_latency_nanoseconds{operation=\"construct\"} %d\n", stats.Latency.Construct.Mean.Nanoseconds())
	fmt.Fprintf(&b, "memmgr_latency_nanoseconds{operation=\"free\"} %d\n", stats.Latency.Free.Mean.Nanoseconds())
	fmt.Fprintf(&b, "memmgr_latency_nanoseconds{operation=\"wipe\"} %d\n", stats.Latency.Wipe.Mean.Nanoseconds())

	b.WriteString("# HELP memmgr_refusals_total Refused allocations by cause\n")
	b.WriteString("# TYPE memmgr_refusals_total counter\n")
	fmt.Fprintf(&b, "memmgr_refusals_total{cause=\"peak\"} %d\n", stats.Errors.PeakLimit)
	fmt.Fprintf(&b, "memmgr_refusals_total{cause=\"storage\"} %d\n", stats.Errors.Storage)
	fmt.Fprintf(&b, "memmgr_refusals_total{cause=\"closed\"} %d\n", stats.Errors.Closed)
	fmt.Fprintf(&b, "memmgr_refusals_total{cause=\"other\"} %d\n", stats.Errors.Other)

	b.WriteString("# HELP memmgr_live_bytes Bytes currently allocated\n")
	b.WriteString("# TYPE memmgr_live_bytes gauge\n")
	fmt.Fprintf(&b, "memmgr_live_bytes %d\n", stats.Memory.LiveBytes)

	b.WriteString("# HELP memmgr_high_water_bytes Largest observed live byte count\n")
	b.WriteString("# TYPE memmgr_high_water_bytes gauge\n")
	fmt.Fprintf(&b, "memmgr_high_water_bytes %d\n", stats.Memory.HighWater)

	b.WriteString("# HELP memmgr_active_managers Managers not yet closed\n")
	b.WriteString("# TYPE memmgr_active_managers gauge\n")
	fmt.Fprintf(&b, "memmgr_active_managers %d\n", stats.Memory.ActiveManagers)

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the metrics processor. It is safe to call more than once.
func (m *Metrics) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
