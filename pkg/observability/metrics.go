package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics recording
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	IncrementCounter(name string, value float64)
	Close() error
}

// InMemoryMetricsClient collects metrics in memory. It is intended for
// tests and for deployments that have no metrics backend configured.
type InMemoryMetricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// RecordCounter records a counter metric
func (m *InMemoryMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordGauge records a gauge metric
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordTimer records a timer metric
func (m *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+".count"]++
	m.counters[name+".total_seconds"] += duration.Seconds()
}

// IncrementCounter increments a counter without labels
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// Counter returns the current value of a counter, for test assertions
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Close implements MetricsClient.Close
func (m *InMemoryMetricsClient) Close() error {
	return nil
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() *NoopMetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordTimer implements MetricsClient.RecordTimer
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// IncrementCounter implements MetricsClient.IncrementCounter
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// Close implements MetricsClient.Close
func (m *NoopMetricsClient) Close() error {
	return nil
}
