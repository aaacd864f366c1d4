package packet

import (
	"errors"
	"fmt"

	"github.com/slackhq/hgfs/mapping"
)

var (
	// ErrUnavailable is returned when a buffer could not be produced from guest memory. The
	// caller should fall back to a transport buffer or fail the request.
	ErrUnavailable = errors.New("guest buffer unavailable")

	// ErrNoCapability is returned when the transport offers no mapping for the access needed.
	ErrNoCapability = fmt.Errorf("%w: no mapping capability", ErrUnavailable)

	// ErrMapFailed is returned when a span could not be mapped, either because the guest
	// handed us a bad address or because the channel is shutting down.
	ErrMapFailed = fmt.Errorf("%w: guest mapping failed", ErrUnavailable)

	// ErrAllocFailed is returned when the contiguous copy could not be allocated.
	ErrAllocFailed = fmt.Errorf("%w: allocation failed", ErrUnavailable)

	// ErrInconsistent means the region list does not describe the sizes recorded on the
	// packet. This is a bug in whoever built the packet, processing of it must stop.
	ErrInconsistent = errors.New("packet region list is inconsistent")

	// ErrPartialFlush is returned when copying an owned buffer back to guest memory stopped
	// early because a span could not be remapped. The guest saw only a prefix of the data.
	ErrPartialFlush = errors.New("buffer was only partially written back to guest memory")
)

// Ownership tells how the memory behind a Handle was obtained and therefore how it must
// be given back.
type Ownership uint8

const (
	// OwnershipUnset means the handle holds no buffer.
	OwnershipUnset Ownership = iota
	// OwnershipBorrowed means the buffer aliases memory owned elsewhere, for a meta or
	// payload handle that is a single mapped guest region.
	OwnershipBorrowed
	// OwnershipOwned means the buffer is a heap allocation of exactly Size bytes.
	OwnershipOwned
	// OwnershipTransport means the transport supplied a flat buffer that is neither mapped
	// nor allocated here.
	OwnershipTransport
)

func (o Ownership) String() string {
	switch o {
	case OwnershipUnset:
		return "unset"
	case OwnershipBorrowed:
		return "borrowed"
	case OwnershipOwned:
		return "owned"
	case OwnershipTransport:
		return "transport"
	default:
		return fmt.Sprintf("ownership(%d)", uint8(o))
	}
}

// Handle is one logical contiguous buffer of a packet.
type Handle struct {
	buf  []byte
	size int
	own  Ownership
	mode mapping.Mode
}

// Bytes returns the buffer, nil while unset.
func (h *Handle) Bytes() []byte { return h.buf }
func (h *Handle) Size() int { return h.size }
func (h *Handle) Ownership() Ownership { return h.own }
func (h *Handle) Mode() mapping.Mode { return h.mode }
func (h *Handle) IsSet() bool { return h.buf != nil }

func (h *Handle) set(buf []byte, own Ownership, mode mapping.Mode) {
	h.buf = buf
	h.size = len(buf)
	h.own = own
	h.mode = mode
}

func (h *Handle) reset() {
	*h = Handle{}
}
