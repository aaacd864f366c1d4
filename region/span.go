package region

import (
	"errors"
	"fmt"
	"math"
)

// PageSize is the guest hardware page size. No Span may cross a boundary of this size.
const PageSize = 4096

var (
	ErrEmptySpan     = errors.New("span length must be greater than zero")
	ErrCrossesPage   = errors.New("span crosses a page boundary")
	ErrSpanOverflows = errors.New("span overflows the guest address space")
)

// Span is a guest physical address range that never crosses a page boundary.
// The zero value is not a valid span, use NewSpan or Split to build one.
type Span struct {
	addr uint64
	len  int
}

// NewSpan validates that [addr, addr+length) is non-empty and fits within a single page.
func NewSpan(addr uint64, length int) (Span, error) {
	if length <= 0 {
		return Span{}, ErrEmptySpan
	}

	if addr > math.MaxUint64-uint64(length) {
		return Span{}, fmt.Errorf("%w: addr=%#x len=%d", ErrSpanOverflows, addr, length)
	}

	if uint64(length) > PageSize-pageOffset(addr) {
		return Span{}, fmt.Errorf("%w: addr=%#x len=%d", ErrCrossesPage, addr, length)
	}

	return Span{addr: addr, len: length}, nil
}

// MustSpan is NewSpan for callers with constant inputs, it panics on an invalid span.
func MustSpan(addr uint64, length int) Span {
	s, err := NewSpan(addr, length)
	if err != nil {
		panic(err)
	}
	return s
}

// Split cuts the contiguous guest range [addr, addr+length) at page boundaries.
func Split(addr uint64, length int) ([]Span, error) {
	if length <= 0 {
		return nil, ErrEmptySpan
	}

	if addr > math.MaxUint64-uint64(length) {
		return nil, fmt.Errorf("%w: addr=%#x len=%d", ErrSpanOverflows, addr, length)
	}

	spans := make([]Span, 0, length/PageSize+2)
	for length > 0 {
		n := int(PageSize - pageOffset(addr))
		if n > length {
			n = length
		}

		spans = append(spans, Span{addr: addr, len: n})
		addr += uint64(n)
		length -= n
	}

	return spans, nil
}

func (s Span) Addr() uint64 { return s.addr }
func (s Span) Len() int     { return s.len }

// PageBase is the page aligned address containing the start of the span.
func (s Span) PageBase() uint64 {
	return s.addr - pageOffset(s.addr)
}

// PageOffset is the offset of the span start within its page.
func (s Span) PageOffset() int {
	return int(pageOffset(s.addr))
}

func (s Span) String() string {
	return fmt.Sprintf("%#x+%d", s.addr, s.len)
}

func pageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}
