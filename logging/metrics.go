package logging

import "sync"

// Metrics accumulates engine telemetry counters and gauges. Safe for
// concurrent use so transport goroutines may report directly.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]uint64
}

func (m *Metrics) TelemetryAdd(key string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.counters == nil {
		m.counters = make(map[string]uint64)
	}
	m.counters[key] += delta
	m.mu.Unlock()
}

func (m *Metrics) TelemetryStore(key string, value uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.gauges == nil {
		m.gauges = make(map[string]uint64)
	}
	m.gauges[key] = value
	m.mu.Unlock()
}

// TelemetrySnapshot copies out the current counter and gauge values.
func (m *Metrics) TelemetrySnapshot() (counters, gauges map[string]uint64) {
	if m == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counters = make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]uint64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
