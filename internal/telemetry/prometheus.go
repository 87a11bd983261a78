package telemetry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics bridges the engine's string-keyed Metrics onto
// prometheus collectors, creating one counter or gauge per key on
// first use.
type PromMetrics struct {
	reg       prometheus.Registerer
	namespace string

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPromMetrics(reg prometheus.Registerer, namespace string) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMetrics{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

func (p *PromMetrics) Add(key string, delta uint64) {
	p.counter(key).Add(float64(delta))
}

func (p *PromMetrics) Store(key string, value uint64) {
	p.gauge(key).Set(float64(value))
}

func (p *PromMetrics) counter(key string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      sanitize(key),
	})
	p.reg.MustRegister(c)
	p.counters[key] = c
	return c
}

func (p *PromMetrics) gauge(key string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      sanitize(key),
	})
	p.reg.MustRegister(g)
	p.gauges[key] = g
	return g
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, key)
}
