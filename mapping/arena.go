package mapping

import "sync"

// arena hands out contexts for live mappings. A context packs a slot index and the slot
// generation, so releasing a stale or foreign context is detected and ignored.
type arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func (a *arena[T]) put(v T) Context {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	s.used = true
	s.val = v
	a.live++

	return Context(uint64(s.gen)<<32 | uint64(idx+1))
}

func (a *arena[T]) take(ctx Context) (T, bool) {
	var zero T
	idx := uint32(ctx) - 1
	gen := uint32(ctx >> 32)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ctx == 0 || int(idx) >= len(a.slots) {
		return zero, false
	}

	s := &a.slots[idx]
	if !s.used || s.gen != gen {
		return zero, false
	}

	v := s.val
	s.used = false
	s.val = zero
	a.free = append(a.free, idx)
	a.live--
	return v, true
}

func (a *arena[T]) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
