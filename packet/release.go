package packet

import (
	"errors"
	"fmt"

	"github.com/slackhq/hgfs/region"
)

// release gives back everything acquire took for h and leaves h unset. An owned buffer that
// was acquired with write access is copied back to the guest first.
func (e *engine) release(h *Handle, regions region.List, start int) error {
	if h.buf == nil {
		return nil
	}
	defer h.reset()

	switch h.own {
	case OwnershipOwned:
		var err error
		if h.mode.CanWrite() {
			err = e.flush(h.buf, regions, start)
		}
		e.alloc.Free(h.buf)
		return err

	case OwnershipBorrowed:
		covered := 0
		i := start
		for ; i < len(regions) && covered < h.size; i++ {
			regions[i].Release()
			covered += regions[i].Len()
		}

		if covered < h.size {
			panic(fmt.Sprintf("released regions [%d, %d) cover %d bytes of a %d byte buffer", start, i, covered, h.size))
		}
	}

	return nil
}

// flush writes buf out to the regions starting at start. Regions are mapped and unmapped one
// at a time so a large buffer never pins more than one guest page. If a region can not be
// mapped the remaining regions are skipped and ErrPartialFlush is returned.
func (e *engine) flush(buf []byte, regions region.List, start int) error {
	copied := 0
	for i := start; i < len(regions) && copied < len(buf); i++ {
		r := regions[i]

		c := e.caps.Load()
		if c == nil {
			return e.partialFlush(r, copied, len(buf), errors.New("capability withdrawn"))
		}

		va, ctx, err := c.MapWritable(r.Span)
		if err == nil && va == nil {
			err = errNoAddress
		}
		if err != nil {
			return e.partialFlush(r, copied, len(buf), err)
		}

		r.Attach(va, ctx, c)
		copied += copy(va, buf[copied:])
		r.Release()
	}

	if copied != len(buf) {
		panic(fmt.Sprintf("flushed %d bytes to guest regions but expected %d", copied, len(buf)))
	}

	bufMetrics.flushed.Inc(1)
	return nil
}

func (e *engine) partialFlush(r *region.Region, copied, size int, cause error) error {
	bufMetrics.partialFlush.Inc(1)
	e.l.WithField("span", r.Span).
		WithField("flushed", copied).
		WithField("size", size).
		WithError(cause).
		Warn("Stopped writing buffer back to guest memory")

	return fmt.Errorf("%w: %d of %d bytes before %s: %w", ErrPartialFlush, copied, size, r.Span, cause)
}
