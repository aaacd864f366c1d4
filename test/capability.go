package test

import (
	"errors"
	"sync"

	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/region"
)

var ErrInjected = errors.New("injected map failure")

// CountingCapability wraps a capability and counts map and unmap calls. It can fail a
// specific map call and run a hook before every map call.
type CountingCapability struct {
	mapping.Capability

	// FailOnMap makes the Nth map call (1 based) fail. Zero never fails.
	FailOnMap int
	// BeforeMap runs before every map call with its 1 based number.
	BeforeMap func(n int)

	mu     sync.Mutex
	maps   int
	okMaps int
	unmaps int
}

func NewCountingCapability(c mapping.Capability) *CountingCapability {
	return &CountingCapability{Capability: c}
}

func (c *CountingCapability) MapReadable(s region.Span) ([]byte, mapping.Context, error) {
	return c.mapSpan(s, c.Capability.MapReadable)
}

func (c *CountingCapability) MapWritable(s region.Span) ([]byte, mapping.Context, error) {
	return c.mapSpan(s, c.Capability.MapWritable)
}

func (c *CountingCapability) mapSpan(s region.Span, f func(region.Span) ([]byte, mapping.Context, error)) ([]byte, mapping.Context, error) {
	c.mu.Lock()
	c.maps++
	n := c.maps
	hook := c.BeforeMap
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	if n == c.FailOnMap {
		return nil, 0, ErrInjected
	}

	va, ctx, err := f(s)
	if err == nil {
		c.mu.Lock()
		c.okMaps++
		c.mu.Unlock()
	}
	return va, ctx, err
}

func (c *CountingCapability) Unmap(ctx mapping.Context) {
	c.mu.Lock()
	c.unmaps++
	c.mu.Unlock()
	c.Capability.Unmap(ctx)
}

// Maps is the number of map calls, successful or not.
func (c *CountingCapability) Maps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maps
}

// SuccessfulMaps is the number of map calls that returned a mapping.
func (c *CountingCapability) SuccessfulMaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.okMaps
}

func (c *CountingCapability) Unmaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmaps
}

// Calls is the total number of map and unmap calls.
func (c *CountingCapability) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maps + c.unmaps
}
