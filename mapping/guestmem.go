package mapping

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/slackhq/hgfs/region"
)

// GuestMemory is guest RAM held in a host heap slice, starting at guest physical address 0.
// Mappings alias the slice directly.
type GuestMemory struct {
	mem      []byte
	modes    Mode
	mappings arena[region.Span]
	closed   atomic.Bool
}

// NewGuestMemory allocates size bytes of guest RAM. modes limits which mapping directions the
// capability offers.
func NewGuestMemory(size int, modes Mode) *GuestMemory {
	return &GuestMemory{
		mem:   make([]byte, size),
		modes: modes,
	}
}

func (g *GuestMemory) Size() int { return len(g.mem) }

func (g *GuestMemory) Supports(m Mode) bool {
	return m != 0 && m.Required()&^g.modes == 0 && !g.closed.Load()
}

func (g *GuestMemory) MapReadable(s region.Span) ([]byte, Context, error) {
	return g.mapSpan(s, Readable)
}

func (g *GuestMemory) MapWritable(s region.Span) ([]byte, Context, error) {
	return g.mapSpan(s, Writable)
}

func (g *GuestMemory) mapSpan(s region.Span, m Mode) ([]byte, Context, error) {
	if g.closed.Load() {
		return nil, 0, ErrClosed
	}

	if !g.Supports(m) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupported, m)
	}

	end := s.Addr() + uint64(s.Len())
	if end > uint64(len(g.mem)) {
		return nil, 0, fmt.Errorf("%w: %s", ErrBadAddress, s)
	}

	ctx := g.mappings.put(s)
	return g.mem[s.Addr():end:end], ctx, nil
}

func (g *GuestMemory) Unmap(ctx Context) {
	g.mappings.take(ctx)
}

// Live is the number of mappings that have not been released yet.
func (g *GuestMemory) Live() int {
	return g.mappings.count()
}

// Close stops new mappings from being made. Existing mappings can still be released.
func (g *GuestMemory) Close() error {
	g.closed.Store(true)
	return nil
}

// ReadAt reads guest memory the way the guest would see it.
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(g.mem)) {
		return 0, io.EOF
	}

	n := copy(p, g.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes guest memory the way the guest would.
func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(g.mem)) {
		return 0, fmt.Errorf("%w: write of %d bytes at %#x", ErrBadAddress, len(p), off)
	}

	return copy(g.mem[off:], p), nil
}
