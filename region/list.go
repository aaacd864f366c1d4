package region

// Context is the opaque handle a mapping capability issues for one mapping. Zero is never a
// valid context.
type Context uint64

// Unmapper releases a mapping context. It is implemented by mapping capabilities, the region
// package only needs to hand the context back to whoever issued it.
type Unmapper interface {
	Unmap(ctx Context)
}

// Region is one entry of a List. A region holds a mapping context if and only if it holds a
// mapped address.
type Region struct {
	Span

	va    []byte
	ctx   Context
	owner Unmapper
}

// Mapped returns the host view of the region, or nil while unmapped.
func (r *Region) Mapped() []byte {
	return r.va
}

// IsMapped reports whether the region currently holds a mapping context.
func (r *Region) IsMapped() bool {
	return r.owner != nil
}

// Attach records a successful mapping of this region. owner is the capability that issued
// ctx and is the only one that will be asked to release it.
func (r *Region) Attach(va []byte, ctx Context, owner Unmapper) {
	if r.owner != nil {
		panic("region is already mapped: " + r.Span.String())
	}
	if va == nil || owner == nil {
		panic("attach requires a mapped address and an owner")
	}

	r.va = va
	r.ctx = ctx
	r.owner = owner
}

// Release hands the mapping context back to its owner. It reports false when the region
// was not mapped, which makes a second release a no-op.
func (r *Region) Release() bool {
	if r.owner == nil {
		return false
	}

	owner, ctx := r.owner, r.ctx
	r.va = nil
	r.ctx = 0
	r.owner = nil
	owner.Unmap(ctx)
	return true
}

// List is the ordered scatter list of one packet.
type List []*Region

// NewList builds an unmapped list from spans in order.
func NewList(spans ...Span) List {
	l := make(List, len(spans))
	for i, s := range spans {
		l[i] = &Region{Span: s}
	}
	return l
}

// Coverage is the total length of the regions from start to the end of the list.
func (l List) Coverage(start int) int {
	total := 0
	for i := start; i < len(l); i++ {
		total += l[i].Len()
	}
	return total
}

// MappedCount is the number of regions currently holding a mapping context.
func (l List) MappedCount() int {
	n := 0
	for _, r := range l {
		if r.IsMapped() {
			n++
		}
	}
	return n
}

// ReleaseAll unmaps every region still holding a context and returns how many were released.
func (l List) ReleaseAll() int {
	n := 0
	for _, r := range l {
		if r.Release() {
			n++
		}
	}
	return n
}
