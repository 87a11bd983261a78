// Package telemetry defines the narrow consumer interfaces engine
// components log and count through. Implementations are injected by
// the embedding application.
package telemetry

import (
	"log"

	"scene-sync/engine/logging"
)

// Logger exposes the logging capabilities required by engine components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return LoggerFunc(nil)
}

// Metrics exposes the telemetry methods required by engine components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// NopMetrics discards every sample.
type NopMetrics struct{}

func (NopMetrics) Add(string, uint64)   {}
func (NopMetrics) Store(string, uint64) {}

// MapMetrics is an in-memory Metrics for tests.
type MapMetrics struct {
	Counters map[string]uint64
	Gauges   map[string]uint64
}

func NewMapMetrics() *MapMetrics {
	return &MapMetrics{
		Counters: make(map[string]uint64),
		Gauges:   make(map[string]uint64),
	}
}

func (m *MapMetrics) Add(key string, delta uint64) {
	if m == nil {
		return
	}
	m.Counters[key] += delta
}

func (m *MapMetrics) Store(key string, value uint64) {
	if m == nil {
		return
	}
	m.Gauges[key] = value
}

// WrapMetrics adapts the logging router metrics into the Metrics interface.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return &metricsAdapter{metrics: metrics}
}

type metricsAdapter struct {
	metrics *logging.Metrics
}

func (m *metricsAdapter) Add(key string, delta uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryAdd(key, delta)
}

func (m *metricsAdapter) Store(key string, value uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryStore(key, value)
}
