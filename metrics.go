package replhost

import "sync/atomic"

// Metrics tracks session-level counters. Sessions accept one through Config,
// the same construction-time-dependency shape the teacher library used for
// its own connection statistics, and default to a counting implementation
// when the caller supplies none.
type Metrics interface {
	IncrementExecutions()
	IncrementExecutionErrors()
	IncrementReconnectAttempts()
	IncrementReplayedFragments()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)

	GetExecutionCount() int64
	GetExecutionErrorCount() int64
	GetReconnectAttemptCount() int64
	GetReplayedFragmentCount() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	executions        int64
	executionErrors   int64
	reconnectAttempts int64
	replayedFragments int64
	bytesSent         int64
	bytesReceived     int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementExecutions()           { atomic.AddInt64(&m.executions, 1) }
func (m *DefaultMetrics) IncrementExecutionErrors()      { atomic.AddInt64(&m.executionErrors, 1) }
func (m *DefaultMetrics) IncrementReconnectAttempts()    { atomic.AddInt64(&m.reconnectAttempts, 1) }
func (m *DefaultMetrics) IncrementReplayedFragments()    { atomic.AddInt64(&m.replayedFragments, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }

func (m *DefaultMetrics) GetExecutionCount() int64 { return atomic.LoadInt64(&m.executions) }
func (m *DefaultMetrics) GetExecutionErrorCount() int64 {
	return atomic.LoadInt64(&m.executionErrors)
}
func (m *DefaultMetrics) GetReconnectAttemptCount() int64 {
	return atomic.LoadInt64(&m.reconnectAttempts)
}
func (m *DefaultMetrics) GetReplayedFragmentCount() int64 {
	return atomic.LoadInt64(&m.replayedFragments)
}
func (m *DefaultMetrics) GetBytesSent() int64     { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64 { return atomic.LoadInt64(&m.bytesReceived) }

// metricsTransport decorates a Transport, recording bytes moved without
// altering its framing semantics.
type metricsTransport struct {
	Transport
	m Metrics
}

func newMetricsTransport(t Transport, m Metrics) Transport {
	if m == nil {
		return t
	}
	return &metricsTransport{Transport: t, m: m}
}

func (t *metricsTransport) WriteAll(p []byte, deadlineMs int) error {
	err := t.Transport.WriteAll(p, deadlineMs)
	if err == nil {
		t.m.IncrementBytesSent(int64(len(p)))
	}
	return err
}

func (t *metricsTransport) ReadAvailable(buf []byte, deadlineMs int) (int, error) {
	n, err := t.Transport.ReadAvailable(buf, deadlineMs)
	if n > 0 {
		t.m.IncrementBytesReceived(int64(n))
	}
	return n, err
}
