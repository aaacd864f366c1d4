//go:build !linux

package mapping

import (
	"errors"

	"github.com/slackhq/hgfs/region"
)

var errMemFileUnsupported = errors.New("memfd backed guest memory is only supported on linux")

type MemFile struct{}

func NewMemFile(string, int, Mode) (*MemFile, error) {
	return nil, errMemFileUnsupported
}

func (m *MemFile) Size() int { return 0 }
func (m *MemFile) Supports(Mode) bool { return false }
func (m *MemFile) Unmap(Context) {}
func (m *MemFile) Live() int { return 0 }
func (m *MemFile) Close() error { return nil }
func (m *MemFile) ReadAt([]byte, int64) (int, error) { return 0, errMemFileUnsupported }
func (m *MemFile) WriteAt([]byte, int64) (int, error) { return 0, errMemFileUnsupported }

func (m *MemFile) MapReadable(region.Span) ([]byte, Context, error) {
	return nil, 0, errMemFileUnsupported
}

func (m *MemFile) MapWritable(region.Span) ([]byte, Context, error) {
	return nil, 0, errMemFileUnsupported
}
