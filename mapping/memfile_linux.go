package mapping

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackhq/hgfs/region"
	"golang.org/x/sys/unix"
)

// MemFile is guest RAM backed by a memfd. Every map call mmaps the page that contains the
// span with the protection matching the requested access, so a readable mapping really is
// read-only. Unmap munmaps that page again.
type MemFile struct {
	// fdLock is held for reading by anything that uses fd, Close takes it for writing so
	// the descriptor can not be closed, and its number reused, under a caller.
	fdLock   sync.RWMutex
	fd       int
	size     int
	modes    Mode
	mappings arena[[]byte]
	closed   atomic.Bool
}

// NewMemFile creates an anonymous memory file of size bytes. size is rounded up to a whole
// number of pages.
func NewMemFile(name string, size int, modes Mode) (*MemFile, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guest memory size must be positive, got %d", size)
	}
	size = (size + region.PageSize - 1) &^ (region.PageSize - 1)

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate guest memory to %d: %w", size, err)
	}

	return &MemFile{fd: fd, size: size, modes: modes}, nil
}

func (m *MemFile) Size() int { return m.size }

func (m *MemFile) Supports(mode Mode) bool {
	return mode != 0 && mode.Required()&^m.modes == 0 && !m.closed.Load()
}

func (m *MemFile) MapReadable(s region.Span) ([]byte, Context, error) {
	return m.mapSpan(s, Readable, unix.PROT_READ)
}

func (m *MemFile) MapWritable(s region.Span) ([]byte, Context, error) {
	return m.mapSpan(s, Writable, unix.PROT_READ|unix.PROT_WRITE)
}

func (m *MemFile) mapSpan(s region.Span, mode Mode, prot int) ([]byte, Context, error) {
	m.fdLock.RLock()
	defer m.fdLock.RUnlock()

	if m.closed.Load() {
		return nil, 0, ErrClosed
	}

	if !m.Supports(mode) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupported, mode)
	}

	if s.PageBase()+region.PageSize > uint64(m.size) {
		return nil, 0, fmt.Errorf("%w: %s", ErrBadAddress, s)
	}

	page, err := unix.Mmap(m.fd, int64(s.PageBase()), region.PageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap %s: %w", s, err)
	}

	ctx := m.mappings.put(page)
	off := s.PageOffset()
	end := off + s.Len()
	return page[off:end:end], ctx, nil
}

func (m *MemFile) Unmap(ctx Context) {
	page, ok := m.mappings.take(ctx)
	if !ok {
		return
	}
	// The page was mapped by us with a fixed length, munmap can only fail on a bad range.
	_ = unix.Munmap(page)
}

// Live is the number of pages currently mapped.
func (m *MemFile) Live() int {
	return m.mappings.count()
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.fdLock.RLock()
	defer m.fdLock.RUnlock()

	if m.closed.Load() {
		return 0, ErrClosed
	}
	return unix.Pread(m.fd, p, off)
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(m.size) {
		return 0, fmt.Errorf("%w: write of %d bytes at %#x", ErrBadAddress, len(p), off)
	}

	m.fdLock.RLock()
	defer m.fdLock.RUnlock()

	if m.closed.Load() {
		return 0, ErrClosed
	}
	return unix.Pwrite(m.fd, p, off)
}

// Close stops new mappings and releases the file descriptor. Pages that are still mapped
// stay valid until they are unmapped.
func (m *MemFile) Close() error {
	m.fdLock.Lock()
	defer m.fdLock.Unlock()

	if m.closed.Swap(true) {
		return nil
	}
	return unix.Close(m.fd)
}
