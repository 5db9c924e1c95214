// Package metrics holds the ambient counters and gauges described in
// SPEC_FULL.md §3. These are read-only observability hooks; no component
// decides behavior based on a metric value.
package metrics

import "github.com/rcrowley/go-metrics"

var registry = metrics.NewRegistry()

// Registry exposes the underlying go-metrics registry, e.g. for a future
// reporter (graphite, prometheus) to drain.
func Registry() metrics.Registry {
	return registry
}

func counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, registry)
}

func gauge(name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(name, registry)
}

var (
	descUsed        = gauge("dma.desc_num_used")
	dmaBytesMoved   = counter("dma.bytes_moved")
	dmaRequestsOK   = counter("dma.requests.ok")
	dmaRequestsErr  = counter("dma.requests.error")
	dmaRequestsCncl = counter("dma.requests.canceled")

	signalsDelivered = counter("signal.delivered")
	signalsDropped   = counter("signal.dropped")
	signalsCoalesced = counter("signal.coalesced")

	coredumpsStarted  = counter("coredump.started")
	coredumpsFinished = counter("coredump.finished")
)

// SetDescUsed records the DMA engine's current desc_num_used.
func SetDescUsed(n int64) { descUsed.Update(n) }

// AddBytesMoved accounts for bytes transferred by a completed DMA entry.
func AddBytesMoved(n int64) { dmaBytesMoved.Inc(n) }

// IncRequestOK counts a DMA request that completed with status OK.
func IncRequestOK() { dmaRequestsOK.Inc(1) }

// IncRequestError counts a DMA request that completed with status ERROR.
func IncRequestError() { dmaRequestsErr.Inc(1) }

// IncRequestCanceled counts a DMA request that completed with status CANCELED.
func IncRequestCanceled() { dmaRequestsCncl.Inc(1) }

// IncSignalDelivered counts one successful signal delivery: a handler
// installed, or a stop-class default action taken.
func IncSignalDelivered() { signalsDelivered.Inc(1) }

// IncSignalDropped counts a signal dropped by a queue-overflow or collapse
// rule (spec.md §3).
func IncSignalDropped() { signalsDropped.Inc(1) }

// IncSignalCoalesced counts a non-realtime signal that collapsed into an
// already-queued record.
func IncSignalCoalesced() { signalsCoalesced.Inc(1) }

// IncCoredumpStarted counts a core-dump orchestration that began.
func IncCoredumpStarted() { coredumpsStarted.Inc(1) }

// IncCoredumpFinished counts a core-dump orchestration that completed,
// successfully or not.
func IncCoredumpFinished() { coredumpsFinished.Inc(1) }
