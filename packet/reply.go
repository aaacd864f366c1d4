package packet

import (
	"fmt"

	"github.com/slackhq/hgfs/mapping"
)

// GetReply returns a buffer of size bytes to write the reply into.
//
// A buffer the transport supplied up front is always used. Otherwise, if the meta buffer is
// a single guest region that can be written and is large enough, the reply is written over
// the request header in place. Anything else gets a fresh allocation.
func (p *Packet) GetReply(size int) ([]byte, error) {
	h := &p.reply

	if h.buf != nil {
		if size > len(h.buf) {
			panic(fmt.Sprintf("reply of %d bytes does not fit the %d byte reply buffer", size, len(h.buf)))
		}

		if h.own == OwnershipTransport {
			bufMetrics.replyStatic.Inc(1)
		}
		p.replyLen = size
		return h.buf[:size], nil
	}

	if size <= 0 {
		return nil, nil
	}
	p.replyInMeta = false

	if p.meta.own == OwnershipBorrowed && p.meta.size >= size && p.caps.Supports(mapping.Writable) {
		p.l.WithField("size", size).Debug("Using meta buffer for reply")
		h.set(p.meta.buf, OwnershipBorrowed, mapping.Writable)
		p.replyLen = size
		bufMetrics.replyAlias.Inc(1)
		return h.buf[:size], nil
	}

	buf, err := p.alloc.Alloc(size)
	if err != nil {
		bufMetrics.allocFailed.Inc(1)
		return nil, fmt.Errorf("%w: %d byte reply: %w", ErrAllocFailed, size, err)
	}

	p.l.WithField("size", size).Debug("Allocating reply buffer")
	h.set(buf, OwnershipOwned, mapping.Writable)
	p.replyLen = size
	bufMetrics.replyAlloc.Inc(1)
	return buf, nil
}

// PutReply frees an allocated reply. A reply written over the meta buffer is released with
// the meta buffer and a transport buffer stays with the transport.
func (p *Packet) PutReply() {
	h := &p.reply

	switch h.own {
	case OwnershipOwned:
		p.l.Trace("Freeing reply buffer")
		p.alloc.Free(h.buf)
		h.reset()
		p.replyLen = 0
	case OwnershipBorrowed:
		h.reset()
		p.replyLen = 0
	}
	p.replyInMeta = false
}

// ReplySize is the size last passed to GetReply, including a reply that already went back
// to the guest with the meta buffer.
func (p *Packet) ReplySize() int {
	if p.reply.buf == nil && !p.replyInMeta {
		return 0
	}
	return p.replyLen
}

// ReplyBytes is the reply as last sized by GetReply, nil when no reply was requested or the
// reply was released along with the meta buffer.
func (p *Packet) ReplyBytes() []byte {
	if p.reply.buf == nil || p.replyLen == 0 {
		return nil
	}
	return p.reply.buf[:p.replyLen]
}

// IsReplyInMeta reports whether the reply is being written over the meta buffer.
func (p *Packet) IsReplyInMeta() bool {
	return p.reply.own == OwnershipBorrowed || p.replyInMeta
}
