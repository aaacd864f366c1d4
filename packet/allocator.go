package packet

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

var ErrPoolExhausted = errors.New("outstanding buffer limit reached")

// Allocator provides the contiguous buffers used when a request spans more than one guest
// region. Alloc must return zeroed memory of exactly n bytes. Every buffer handed out is
// given back through Free exactly once.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

const (
	minClassShift = 9  // 512 bytes
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// Pool is a size classed Allocator backed by sync.Pool. Buffers larger than the biggest
// class are allocated directly and left to the garbage collector on Free.
type Pool struct {
	limit       int64
	outstanding atomic.Int64
	live        atomic.Int64
	classes     [numClasses]sync.Pool
}

// NewPool returns a Pool that refuses to hand out more than limit bytes at once. A limit of
// zero or less means no limit.
func NewPool(limit int64) *Pool {
	p := &Pool{limit: limit}
	for i := range p.classes {
		size := 1 << (i + minClassShift)
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

func (p *Pool) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}

	class, ok := classFor(n)
	reserve := int64(n)
	if ok {
		reserve = int64(1) << (class + minClassShift)
	}

	if after := p.outstanding.Add(reserve); p.limit > 0 && after > p.limit {
		p.outstanding.Add(-reserve)
		return nil, fmt.Errorf("%w: %d bytes requested with %d of %d in use", ErrPoolExhausted, n, after-reserve, p.limit)
	}
	p.live.Add(1)

	if !ok {
		return make([]byte, n), nil
	}

	b := (*p.classes[class].Get().(*[]byte))[:n]
	clear(b)
	return b, nil
}

func (p *Pool) Free(b []byte) {
	if b == nil {
		return
	}

	class, ok := classFor(cap(b))
	if ok && cap(b) == 1<<(class+minClassShift) {
		p.outstanding.Add(-int64(cap(b)))
		b = b[:cap(b)]
		p.classes[class].Put(&b)
	} else {
		p.outstanding.Add(-int64(len(b)))
	}
	p.live.Add(-1)
}

// Outstanding is the number of bytes currently handed out.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Live is the number of buffers currently handed out.
func (p *Pool) Live() int64 {
	return p.live.Load()
}

func classFor(n int) (int, bool) {
	if n <= 1<<minClassShift {
		return 0, true
	}

	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return 0, false
	}
	return shift - minClassShift, true
}
