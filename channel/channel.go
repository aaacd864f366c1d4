// Package channel carries requests between a guest and the packet layer. A mapping capable
// channel hands out packets backed by guest memory, a stream channel hands out packets whose
// buffers were already read off the wire.
package channel

import (
	"context"
	"errors"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/hgfs/packet"
)

var (
	ErrClosed        = errors.New("channel closed")
	ErrUnknownPacket = errors.New("packet was not received from this channel")
	ErrReplyTooLarge = errors.New("reply does not fit the request buffer")
)

// Channel is a source of packets. Every packet returned by Receive must be passed to
// Complete exactly once, which releases its buffers and delivers the reply.
type Channel interface {
	Receive(ctx context.Context) (*packet.Packet, error)
	Complete(p *packet.Packet, err error) error
	Close() error
}

type channelMetrics struct {
	received  metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	rejected  metrics.Counter
}

func newChannelMetrics(kind string) *channelMetrics {
	return &channelMetrics{
		received:  metrics.GetOrRegisterCounter("channel."+kind+".received", nil),
		completed: metrics.GetOrRegisterCounter("channel."+kind+".completed", nil),
		failed:    metrics.GetOrRegisterCounter("channel."+kind+".failed", nil),
		rejected:  metrics.GetOrRegisterCounter("channel."+kind+".rejected", nil),
	}
}
