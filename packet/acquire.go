package packet

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/region"
)

var errNoAddress = errors.New("no address returned for span")

// engine moves data between a region list and contiguous buffers. It carries what every
// acquire and release needs and holds no per-buffer state.
type engine struct {
	l     *logrus.Logger
	caps  *mapping.Table
	alloc Allocator
}

// acquire fills h with size bytes described by regions starting at index start.
//
// A single region covering the whole request is handed out as is and stays mapped until
// release. When more than one region is needed the data is copied into an allocation and
// every mapping is dropped right away, release maps the regions again if it has to write
// the buffer back.
func (e *engine) acquire(h *Handle, regions region.List, start, size int, mode mapping.Mode) error {
	if h.buf != nil {
		return nil
	}

	if size == 0 {
		return nil
	}

	if start < 0 || start > len(regions) || size < 0 {
		return fmt.Errorf("%w: start index %d of %d regions, size %d", ErrInconsistent, start, len(regions), size)
	}

	if !e.caps.Supports(mode) {
		bufMetrics.noCapability.Inc(1)
		return fmt.Errorf("%w: %s", ErrNoCapability, mode)
	}

	end := start
	covered := 0
	for end < len(regions) && covered < size {
		r := regions[end]

		// The transport may withdraw the capability at any moment, always use the current one.
		c := e.caps.Load()
		if c == nil {
			e.unmapRange(regions, start, end)
			bufMetrics.mapFailed.Inc(1)
			return fmt.Errorf("%w: capability withdrawn before mapping %s", ErrMapFailed, r.Span)
		}

		va, ctx, err := mapping.Map(c, r.Span, mode)
		if err == nil && va == nil {
			err = errNoAddress
		}
		if err != nil {
			e.unmapRange(regions, start, end)
			bufMetrics.mapFailed.Inc(1)
			e.l.WithField("span", r.Span).WithField("mode", mode).WithError(err).
				Debug("Failed to map guest memory")
			return fmt.Errorf("%w: %s: %w", ErrMapFailed, r.Span, err)
		}

		r.Attach(va, ctx, c)
		covered += r.Len()
		end++
	}

	if covered < size {
		e.unmapRange(regions, start, end)
		return fmt.Errorf("%w: regions from index %d cover %d of %d bytes", ErrInconsistent, start, covered, size)
	}

	if end-start == 1 {
		h.set(regions[start].Mapped()[:size:size], OwnershipBorrowed, mode)
		bufMetrics.borrowed.Inc(1)
		return nil
	}

	buf, err := e.alloc.Alloc(size)
	if err != nil {
		e.unmapRange(regions, start, end)
		bufMetrics.allocFailed.Inc(1)
		return fmt.Errorf("%w: %d bytes: %w", ErrAllocFailed, size, err)
	}

	e.l.WithField("size", size).WithField("regions", end-start).Debug("Allocating contiguous buffer")

	if mode.CanRead() {
		copied := 0
		for i := start; i < end; i++ {
			copied += copy(buf[copied:], regions[i].Mapped())
		}

		if copied != size {
			panic(fmt.Sprintf("copied %d bytes from guest regions but expected %d", copied, size))
		}
		bufMetrics.copiedBytes.Inc(int64(copied))
	}

	e.unmapRange(regions, start, end)
	h.set(buf, OwnershipOwned, mode)
	bufMetrics.copied.Inc(1)
	return nil
}

// unmapRange releases every mapping held by regions[start:end].
func (e *engine) unmapRange(regions region.List, start, end int) {
	for i := start; i < end; i++ {
		regions[i].Release()
	}
}
