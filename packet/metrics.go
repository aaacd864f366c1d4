package packet

import (
	"github.com/rcrowley/go-metrics"
)

type bufferMetrics struct {
	borrowed     metrics.Counter
	copied       metrics.Counter
	copiedBytes  metrics.Counter
	noCapability metrics.Counter
	mapFailed    metrics.Counter
	allocFailed  metrics.Counter
	flushed      metrics.Counter
	partialFlush metrics.Counter

	replyStatic metrics.Counter
	replyAlias  metrics.Counter
	replyAlloc  metrics.Counter
}

var bufMetrics = newBufferMetrics()

func newBufferMetrics() *bufferMetrics {
	return &bufferMetrics{
		borrowed:     metrics.GetOrRegisterCounter("buffers.borrowed", nil),
		copied:       metrics.GetOrRegisterCounter("buffers.copied", nil),
		copiedBytes:  metrics.GetOrRegisterCounter("buffers.copied_bytes", nil),
		noCapability: metrics.GetOrRegisterCounter("buffers.no_capability", nil),
		mapFailed:    metrics.GetOrRegisterCounter("buffers.map_failed", nil),
		allocFailed:  metrics.GetOrRegisterCounter("buffers.alloc_failed", nil),
		flushed:      metrics.GetOrRegisterCounter("buffers.flushed", nil),
		partialFlush: metrics.GetOrRegisterCounter("buffers.partial_flush", nil),

		replyStatic: metrics.GetOrRegisterCounter("buffers.reply.static", nil),
		replyAlias:  metrics.GetOrRegisterCounter("buffers.reply.alias", nil),
		replyAlloc:  metrics.GetOrRegisterCounter("buffers.reply.alloc", nil),
	}
}
