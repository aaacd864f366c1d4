// Package mapping defines the capability a transport lends to the packet layer for mapping
// guest physical memory into the host address space, plus in-process implementations of it.
package mapping

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/slackhq/hgfs/region"
)

var (
	ErrUnsupported = errors.New("mapping direction is not supported by this capability")
	ErrBadAddress  = errors.New("guest physical address is not backed by guest memory")
	ErrClosed      = errors.New("guest memory is closed")
)

// Context is the handle a capability issues for one live mapping.
type Context = region.Context

// Mode is the access needed on a mapped buffer.
type Mode uint8

const (
	Readable     Mode = 1 << iota
	Writable
	ReadWritable = Readable | Writable
)

func (m Mode) CanRead() bool  { return m&Readable != 0 }
func (m Mode) CanWrite() bool { return m&Writable != 0 }

// Required is the mapping direction a capability must offer to serve m. Writable mappings
// can be read as well, so anything that writes only needs Writable.
func (m Mode) Required() Mode {
	if m.CanWrite() {
		return Writable
	}
	return m
}

func (m Mode) String() string {
	switch m {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case ReadWritable:
		return "readwritable"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Capability maps single page-bounded spans of guest memory. A failed map returns a nil
// slice and a non-nil error. Unmap must be idempotent and must ignore contexts it did not
// issue or has already released.
type Capability interface {
	region.Unmapper

	// Supports reports whether mappings with the given access can currently be made.
	Supports(m Mode) bool
	MapReadable(s region.Span) ([]byte, Context, error)
	MapWritable(s region.Span) ([]byte, Context, error)
}

// Map dispatches to MapWritable when m includes write access and MapReadable otherwise.
func Map(c Capability, s region.Span, m Mode) ([]byte, Context, error) {
	if m.CanWrite() {
		return c.MapWritable(s)
	}
	return c.MapReadable(s)
}

// Table holds the capability of the active transport. The transport may Clear it at any time,
// for example while the device powers off, so callers must Load it right before every use.
type Table struct {
	p atomic.Pointer[holder]
}

type holder struct {
	c Capability
}

// NewTable returns a table holding c. A nil c produces an empty table, which is how a
// transport that only delivers flat buffers is described.
func NewTable(c Capability) *Table {
	t := &Table{}
	t.Set(c)
	return t
}

// Load returns the active capability or nil. It is safe to call on a nil table.
func (t *Table) Load() Capability {
	if t == nil {
		return nil
	}

	h := t.p.Load()
	if h == nil {
		return nil
	}
	return h.c
}

// Supports is Load followed by Capability.Supports.
func (t *Table) Supports(m Mode) bool {
	c := t.Load()
	return c != nil && c.Supports(m)
}

func (t *Table) Set(c Capability) {
	if c == nil {
		t.p.Store(nil)
		return
	}
	t.p.Store(&holder{c: c})
}

// Clear removes the active capability and returns what was there. Mappings already made
// remain valid and are still released through the capability that issued them.
func (t *Table) Clear() Capability {
	h := t.p.Swap(nil)
	if h == nil {
		return nil
	}
	return h.c
}
