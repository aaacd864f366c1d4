package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/packet"
)

const (
	frameHeaderSize = 8
	replyHeaderSize = 4

	DefaultMaxFrame = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

type StreamConfig struct {
	// MaxFrame caps meta plus payload of a single request.
	MaxFrame int
	// ReplyBufferSize gives every connection a reusable reply buffer of this size. Zero
	// allocates a reply per request.
	ReplyBufferSize int
}

// Stream serves requests framed on a byte stream, tcp, unix or vsock. A request frame is
//
//	uint32 metaLen | uint32 payloadLen | meta | payload
//
// and is answered with
//
//	uint32 replyLen | reply
//
// all big endian. Each connection has at most one request in flight so replies go out in
// request order.
type Stream struct {
	l     *logrus.Logger
	ln    net.Listener
	alloc packet.Allocator
	cfg   StreamConfig

	requests  chan *streamRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	connLock sync.Mutex
	conns    map[*streamConn]struct{}

	pendingLock sync.Mutex
	pending     map[*packet.Packet]*streamRequest

	metrics *channelMetrics
}

type streamConn struct {
	rwc   net.Conn
	w     *bufio.Writer
	reply []byte
	next  chan struct{}
}

type streamRequest struct {
	conn    *streamConn
	meta    []byte
	payload []byte
}

// NewStream starts accepting connections on ln. The stream owns ln from here on.
func NewStream(l *logrus.Logger, ln net.Listener, alloc packet.Allocator, cfg StreamConfig) *Stream {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}

	s := &Stream{
		l:        l,
		ln:       ln,
		alloc:    alloc,
		cfg:      cfg,
		requests: make(chan *streamRequest),
		done:     make(chan struct{}),
		conns:    make(map[*streamConn]struct{}),
		pending:  make(map[*packet.Packet]*streamRequest),
		metrics:  newChannelMetrics("stream"),
	}

	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *Stream) Addr() net.Addr { return s.ln.Addr() }

func (s *Stream) serve() {
	defer s.wg.Done()
	s.l.WithField("addr", s.ln.Addr()).Info("Stream channel listening")

	var tempDelay time.Duration
	for {
		rwc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = backoff(tempDelay)
				s.l.WithError(err).WithField("retry", tempDelay).Warn("Accept failed")
				time.Sleep(tempDelay)
				continue
			}

			s.l.WithError(err).Error("Stream listener failed")
			return
		}
		tempDelay = 0

		c := &streamConn{
			rwc:  rwc,
			w:    bufio.NewWriter(rwc),
			next: make(chan struct{}, 1),
		}
		if s.cfg.ReplyBufferSize > 0 {
			c.reply = make([]byte, s.cfg.ReplyBufferSize)
		}

		if !s.track(c) {
			rwc.Close()
			return
		}

		s.wg.Add(1)
		go s.readConn(c)
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Stream) track(c *streamConn) bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}

	s.conns[c] = struct{}{}
	return true
}

func (s *Stream) untrack(c *streamConn) {
	s.connLock.Lock()
	delete(s.conns, c)
	s.connLock.Unlock()
	c.rwc.Close()
}

func (s *Stream) readConn(c *streamConn) {
	defer s.wg.Done()
	defer s.untrack(c)

	remote := c.rwc.RemoteAddr()
	r := bufio.NewReader(c.rwc)
	for {
		req, err := s.readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.metrics.rejected.Inc(1)
				s.l.WithField("remote", remote).WithError(err).Error("Failed to read request frame")
			}
			return
		}
		req.conn = c

		select {
		case s.requests <- req:
		case <-s.done:
			s.freeRequest(req)
			return
		}

		// Wait for the reply to be written before reading the next request
		select {
		case <-c.next:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) readFrame(r io.Reader) (*streamRequest, error) {
	var h [frameHeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	metaLen := binary.BigEndian.Uint32(h[0:4])
	payloadLen := binary.BigEndian.Uint32(h[4:8])
	if uint64(metaLen)+uint64(payloadLen) > uint64(s.cfg.MaxFrame) {
		return nil, fmt.Errorf("%w: %d byte meta and %d byte payload, limit is %d", ErrFrameTooLarge, metaLen, payloadLen, s.cfg.MaxFrame)
	}

	req := &streamRequest{}
	var err error
	if req.meta, err = s.readBuffer(r, int(metaLen)); err != nil {
		return nil, err
	}
	if req.payload, err = s.readBuffer(r, int(payloadLen)); err != nil {
		s.freeRequest(req)
		return nil, err
	}

	return req, nil
}

func (s *Stream) readBuffer(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	b, err := s.alloc.Alloc(n)
	if err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, b); err != nil {
		s.alloc.Free(b)
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

func (s *Stream) freeRequest(req *streamRequest) {
	if req.meta != nil {
		s.alloc.Free(req.meta)
		req.meta = nil
	}
	if req.payload != nil {
		s.alloc.Free(req.payload)
		req.payload = nil
	}
}

// Receive returns the next request read from any connection. Its meta and payload are flat
// transport buffers, so no guest mapping is ever made for it.
func (s *Stream) Receive(ctx context.Context) (*packet.Packet, error) {
	var req *streamRequest
	select {
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case req = <-s.requests:
	}

	p, err := packet.New(s.l, nil, s.alloc, packet.Params{
		Meta:        req.meta,
		Payload:     req.payload,
		StaticReply: req.conn.reply,
	})
	if err != nil {
		// Flat buffers always describe a valid layout
		panic(err)
	}

	s.pendingLock.Lock()
	s.pending[p] = req
	s.pendingLock.Unlock()

	s.metrics.received.Inc(1)
	return p, nil
}

// Complete writes the reply frame and lets the connection read its next request. A handler
// error is answered with an empty reply.
func (s *Stream) Complete(p *packet.Packet, herr error) error {
	s.pendingLock.Lock()
	req, ok := s.pending[p]
	delete(s.pending, p)
	s.pendingLock.Unlock()

	if !ok {
		return ErrUnknownPacket
	}

	var reply []byte
	if herr == nil {
		reply = p.ReplyBytes()
	}

	werr := writeReply(req.conn.w, reply)
	if werr != nil {
		werr = fmt.Errorf("writing reply to %s: %w", req.conn.rwc.RemoteAddr(), werr)
		req.conn.rwc.Close()
	}

	err := errors.Join(werr, p.Close())
	s.freeRequest(req)

	if err != nil {
		s.metrics.failed.Inc(1)
	} else {
		s.metrics.completed.Inc(1)
	}

	req.conn.next <- struct{}{}
	return err
}

func writeReply(w *bufio.Writer, reply []byte) error {
	var h [replyHeaderSize]byte
	binary.BigEndian.PutUint32(h[:], uint32(len(reply)))

	if _, err := w.Write(h[:]); err != nil {
		return err
	}
	if _, err := w.Write(reply); err != nil {
		return err
	}
	return w.Flush()
}

// Close stops accepting, drops every connection and waits for their readers to exit.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connLock.Lock()
		close(s.done)
		for c := range s.conns {
			c.rwc.Close()
		}
		s.connLock.Unlock()

		err = s.ln.Close()
		s.wg.Wait()
		s.l.Info("Stream channel closed")
	})
	return err
}
