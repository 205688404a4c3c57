package uringrt

import "sync/atomic"

// LatencyBuckets are the latency histogram boundaries in nanoseconds,
// logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks runtime-level operation and scheduling counters: the
// accept/recv/send/close operation counts and byte totals, executor and
// reactor tick counts, and a latency histogram. Not part of any tested
// contract, carried as ambient observability.
type Metrics struct {
	AcceptOps atomic.Uint64
	RecvOps   atomic.Uint64
	SendOps   atomic.Uint64
	CloseOps  atomic.Uint64

	RecvBytes atomic.Uint64
	SendBytes atomic.Uint64

	AcceptErrors atomic.Uint64
	RecvErrors   atomic.Uint64
	SendErrors   atomic.Uint64

	ExecutorTicks   atomic.Uint64
	ExecutorPolls   atomic.Uint64
	ReactorTicks    atomic.Uint64
	RingFullRetries atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRecv records a completed recv, successful or not.
func (m *Metrics) RecordRecv(bytes uint64, latencyNs uint64, success bool) {
	m.RecvOps.Add(1)
	if success {
		m.RecvBytes.Add(bytes)
	} else {
		m.RecvErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSend records a completed send, successful or not.
func (m *Metrics) RecordSend(bytes uint64, latencyNs uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.SendBytes.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAccept records a completed accept, successful or not.
func (m *Metrics) RecordAccept(success bool) {
	m.AcceptOps.Add(1)
	if !success {
		m.AcceptErrors.Add(1)
	}
}

// RecordClose records a completed close.
func (m *Metrics) RecordClose() {
	m.CloseOps.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// AverageLatencyNs returns the mean recorded latency, or 0 if nothing has
// been recorded yet.
func (m *Metrics) AverageLatencyNs() uint64 {
	count := m.OpCount.Load()
	if count == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / count
}
