package hgfs

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/packet"
)

// Handler services one request. It may get and put the packet's buffers in any order, the
// channel releases whatever is still held when the packet is completed.
type Handler interface {
	Handle(p *packet.Packet) error
}

type HandlerFunc func(p *packet.Packet) error

func (f HandlerFunc) Handle(p *packet.Packet) error { return f(p) }

// EchoHandler answers every request with its own meta header. When the header sits in a
// single guest region the reply is written in place and nothing is copied.
type EchoHandler struct {
	l *logrus.Logger
}

func NewEchoHandler(l *logrus.Logger) *EchoHandler {
	return &EchoHandler{l: l}
}

func (h *EchoHandler) Handle(p *packet.Packet) error {
	meta, err := p.GetMeta()
	if err != nil {
		return err
	}

	if p.PayloadSize() > 0 {
		if _, err := p.GetPayload(mapping.Readable); err != nil {
			return err
		}
		if err := p.PutPayload(); err != nil {
			return err
		}
	}

	size := len(meta)
	if r := p.Reply(); r.IsSet() && r.Size() < size {
		size = r.Size()
	}

	reply, err := p.GetReply(size)
	if err != nil {
		return err
	}
	copy(reply, meta)

	if h.l.IsLevelEnabled(logrus.DebugLevel) {
		h.l.WithField("metaSize", p.MetaSize()).
			WithField("payloadSize", p.PayloadSize()).
			WithField("replyInMeta", p.IsReplyInMeta()).
			Debug("Echoed request")
	}
	return nil
}
