// Package packet turns the scattered guest memory of one shared folder request into
// contiguous buffers and writes replies back, copying only when the guest memory is too
// fragmented to be used in place.
//
// A Packet is owned by a single worker from the moment the transport builds it until Close.
// It does no locking of its own.
package packet

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/region"
)

// Params is what a transport knows about a request when it hands it over.
type Params struct {
	// Regions is the scatter list of the whole request. The meta buffer occupies a prefix
	// starting at index 0, the payload buffer starts at PayloadIndex.
	Regions      region.List
	MetaSize     int
	PayloadIndex int
	PayloadSize  int

	// Meta and Payload are flat buffers from transports that deliver requests already
	// contiguous. When set they are used instead of the region list.
	Meta    []byte
	Payload []byte

	// StaticReply is a transport owned buffer replies must be written to.
	StaticReply []byte
}

type Packet struct {
	engine

	regions      region.List
	metaSize     int
	payloadIndex int
	payloadSize  int

	meta    Handle
	payload Handle
	reply   Handle

	replyLen int
	// replyInMeta is set once an aliased reply went back to the guest with the meta buffer.
	replyInMeta bool
}

// New validates the layout described by p and returns a packet with no buffers acquired.
func New(l *logrus.Logger, caps *mapping.Table, alloc Allocator, p Params) (*Packet, error) {
	if p.Meta != nil {
		p.MetaSize = len(p.Meta)
	}
	if p.Payload != nil {
		p.PayloadSize = len(p.Payload)
	}

	if p.MetaSize < 0 || p.PayloadSize < 0 {
		return nil, fmt.Errorf("%w: negative size, meta=%d payload=%d", ErrInconsistent, p.MetaSize, p.PayloadSize)
	}

	if p.PayloadIndex < 0 || p.PayloadIndex > len(p.Regions) {
		return nil, fmt.Errorf("%w: payload index %d of %d regions", ErrInconsistent, p.PayloadIndex, len(p.Regions))
	}

	if p.Meta == nil && p.Regions.Coverage(0) < p.MetaSize {
		return nil, fmt.Errorf("%w: regions cover %d bytes, meta needs %d", ErrInconsistent, p.Regions.Coverage(0), p.MetaSize)
	}

	if p.Meta == nil && p.Payload == nil && p.PayloadSize > 0 {
		if n := regionsFor(p.Regions, p.MetaSize); n > p.PayloadIndex {
			return nil, fmt.Errorf("%w: meta uses %d regions but payload starts at %d", ErrInconsistent, n, p.PayloadIndex)
		}
	}

	if p.Payload == nil && p.Regions.Coverage(p.PayloadIndex) < p.PayloadSize {
		return nil, fmt.Errorf("%w: regions from %d cover %d bytes, payload needs %d",
			ErrInconsistent, p.PayloadIndex, p.Regions.Coverage(p.PayloadIndex), p.PayloadSize)
	}

	pkt := &Packet{
		engine: engine{
			l:     l,
			caps:  caps,
			alloc: alloc,
		},
		regions:      p.Regions,
		metaSize:     p.MetaSize,
		payloadIndex: p.PayloadIndex,
		payloadSize:  p.PayloadSize,
	}

	if p.Meta != nil {
		pkt.meta.set(p.Meta, OwnershipTransport, mapping.ReadWritable)
	}
	if p.Payload != nil {
		pkt.payload.set(p.Payload, OwnershipTransport, mapping.ReadWritable)
	}
	if p.StaticReply != nil {
		pkt.reply.set(p.StaticReply, OwnershipTransport, mapping.Writable)
	}

	return pkt, nil
}

// regionsFor is how many leading regions a buffer of size bytes needs.
func regionsFor(regions region.List, size int) int {
	covered := 0
	for i, r := range regions {
		if covered >= size {
			return i
		}
		covered += r.Len()
	}
	return len(regions)
}

func (p *Packet) MetaSize() int    { return p.metaSize }
func (p *Packet) PayloadSize() int { return p.payloadSize }

// GetMeta returns the request header. The buffer stays writable so the header can be
// rewritten in place, whatever is in it on PutMeta reaches the guest.
func (p *Packet) GetMeta() ([]byte, error) {
	if err := p.acquire(&p.meta, p.regions, 0, p.metaSize, mapping.ReadWritable); err != nil {
		return nil, err
	}
	return p.meta.buf, nil
}

// PutMeta writes the meta buffer back to the guest if needed and releases it.
func (p *Packet) PutMeta() error {
	p.l.Trace("Putting meta buffer")

	// A reply aliasing the meta buffer leaves with it. Its length is kept for the transport.
	if p.reply.own == OwnershipBorrowed {
		p.reply.reset()
		p.replyInMeta = true
	}
	return p.release(&p.meta, p.regions, 0)
}

// GetPayload returns the request data. mode decides whether guest memory is read into the
// buffer, written back from it on PutPayload, or both.
func (p *Packet) GetPayload(mode mapping.Mode) ([]byte, error) {
	if err := p.acquire(&p.payload, p.regions, p.payloadIndex, p.payloadSize, mode); err != nil {
		return nil, err
	}
	return p.payload.buf, nil
}

// PutPayload releases the payload buffer using the mode it was acquired with.
func (p *Packet) PutPayload() error {
	p.l.Trace("Putting payload buffer")
	return p.release(&p.payload, p.regions, p.payloadIndex)
}

// Meta, Payload and Reply expose the handles for inspection.
func (p *Packet) Meta() *Handle    { return &p.meta }
func (p *Packet) Payload() *Handle { return &p.payload }
func (p *Packet) Reply() *Handle   { return &p.reply }

// MappedRegions is the number of regions currently holding a guest mapping.
func (p *Packet) MappedRegions() int {
	return p.regions.MappedCount()
}

// Close puts the reply, payload and meta buffers in that order. It is safe to call after
// some or all of them were already put.
func (p *Packet) Close() error {
	p.PutReply()
	return errors.Join(p.PutPayload(), p.PutMeta())
}
