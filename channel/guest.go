package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/packet"
	"github.com/slackhq/hgfs/region"
)

// Memory is guest memory the host can map. Both mapping.GuestMemory and mapping.MemFile
// qualify.
type Memory interface {
	mapping.Capability
	io.ReaderAt
	io.WriterAt
	Size() int
	Close() error
}

// Request is a guest request described by where its bytes live in guest memory. The meta
// buffer starts at the first span, the payload at Spans[PayloadIndex].
type Request struct {
	Spans        []region.Span
	MetaSize     int
	PayloadIndex int
	PayloadSize  int
}

// Completion reports a finished request back to the guest. The reply, if any, was written
// over the start of the request's meta buffer.
type Completion struct {
	ID        uint64
	ReplySize int
	Err       error
}

type guestRequest struct {
	id  uint64
	req Request
}

// Guest is a channel whose requests point into guest memory. Closing it withdraws the
// mapping capability, as a guest powering off would, so work still in flight fails instead
// of touching memory that is going away.
type Guest struct {
	l     *logrus.Logger
	mem   Memory
	caps  *mapping.Table
	alloc packet.Allocator

	nextID      atomic.Uint64
	requests    chan guestRequest
	completions chan Completion
	done        chan struct{}
	closeOnce   sync.Once

	pendingLock sync.Mutex
	pending     map[*packet.Packet]uint64

	metrics *channelMetrics
}

// NewGuest takes ownership of mem. queueSize bounds both submitted and completed requests
// not yet picked up.
func NewGuest(l *logrus.Logger, mem Memory, alloc packet.Allocator, queueSize int) *Guest {
	if queueSize < 1 {
		queueSize = 1
	}

	return &Guest{
		l:           l,
		mem:         mem,
		caps:        mapping.NewTable(mem),
		alloc:       alloc,
		requests:    make(chan guestRequest, queueSize),
		completions: make(chan Completion, queueSize),
		done:        make(chan struct{}),
		pending:     make(map[*packet.Packet]uint64),
		metrics:     newChannelMetrics("guest"),
	}
}

// Memory is the guest side view of the channel memory.
func (g *Guest) Memory() Memory { return g.mem }

// Capabilities is the table packets from this channel map through.
func (g *Guest) Capabilities() *mapping.Table { return g.caps }

// Completions delivers one Completion per submitted request.
func (g *Guest) Completions() <-chan Completion { return g.completions }

// Submit queues a request, blocking while the queue is full. It returns the id the
// request's Completion will carry.
func (g *Guest) Submit(ctx context.Context, r Request) (uint64, error) {
	for _, s := range r.Spans {
		if s.Addr()+uint64(s.Len()) > uint64(g.mem.Size()) {
			return 0, fmt.Errorf("%w: span %s is outside %d bytes of guest memory", mapping.ErrBadAddress, s, g.mem.Size())
		}
	}

	gr := guestRequest{id: g.nextID.Add(1), req: r}
	select {
	case <-g.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	case g.requests <- gr:
		return gr.id, nil
	}
}

// Receive returns the next well formed request as a packet. Requests whose layout does not
// describe valid buffers are completed with an error right away and never reach the caller.
func (g *Guest) Receive(ctx context.Context) (*packet.Packet, error) {
	for {
		var gr guestRequest
		select {
		case <-g.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case gr = <-g.requests:
		}

		p, err := packet.New(g.l, g.caps, g.alloc, packet.Params{
			Regions:      region.NewList(gr.req.Spans...),
			MetaSize:     gr.req.MetaSize,
			PayloadIndex: gr.req.PayloadIndex,
			PayloadSize:  gr.req.PayloadSize,
		})
		if err != nil {
			g.metrics.rejected.Inc(1)
			g.l.WithField("id", gr.id).
				WithField("spans", len(gr.req.Spans)).
				WithError(err).
				Error("Rejected guest request")
			g.publish(Completion{ID: gr.id, Err: err})
			continue
		}

		g.pendingLock.Lock()
		g.pending[p] = gr.id
		g.pendingLock.Unlock()

		g.metrics.received.Inc(1)
		return p, nil
	}
}

// Complete places the reply at the start of the meta buffer, releases every buffer of p and
// publishes the result. herr is the handler's error, it is reported to the guest as is.
func (g *Guest) Complete(p *packet.Packet, herr error) error {
	g.pendingLock.Lock()
	id, ok := g.pending[p]
	delete(g.pending, p)
	g.pendingLock.Unlock()

	if !ok {
		return ErrUnknownPacket
	}

	replySize := p.ReplySize()
	var cerr error
	if replySize > 0 && !p.IsReplyInMeta() {
		cerr = copyReplyToMeta(p)
	}

	cerr = errors.Join(cerr, p.Close())
	if cerr != nil {
		replySize = 0
		g.metrics.failed.Inc(1)
	} else {
		g.metrics.completed.Inc(1)
	}

	g.publish(Completion{ID: id, ReplySize: replySize, Err: errors.Join(herr, cerr)})
	return cerr
}

func copyReplyToMeta(p *packet.Packet) error {
	reply := p.ReplyBytes()
	if len(reply) > p.MetaSize() {
		return fmt.Errorf("%w: %d byte reply, %d byte meta buffer", ErrReplyTooLarge, len(reply), p.MetaSize())
	}

	meta, err := p.GetMeta()
	if err != nil {
		return err
	}

	copy(meta, reply)
	return nil
}

func (g *Guest) publish(c Completion) {
	select {
	case g.completions <- c:
	case <-g.done:
	}
}

// Close withdraws the mapping capability and stops accepting requests. Mappings held by
// packets still in flight are released as those packets complete.
func (g *Guest) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.caps.Clear()
		err = g.mem.Close()
		g.l.Info("Guest channel closed")
	})
	return err
}
