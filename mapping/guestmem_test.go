package mapping

import (
	"testing"

	"github.com/slackhq/hgfs/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestMemory_MapAliasesMemory(t *testing.T) {
	g := NewGuestMemory(4*region.PageSize, ReadWritable)
	s := region.MustSpan(region.PageSize+16, 32)

	va, ctx, err := g.MapWritable(s)
	require.NoError(t, err)
	assert.NotZero(t, ctx)
	assert.Len(t, va, 32)
	assert.Equal(t, 32, cap(va))
	assert.Equal(t, 1, g.Live())

	copy(va, "hello guest")
	b := make([]byte, 11)
	_, err = g.ReadAt(b, region.PageSize+16)
	require.NoError(t, err)
	assert.Equal(t, "hello guest", string(b))

	g.Unmap(ctx)
	assert.Equal(t, 0, g.Live())

	// Unmapping again is a no-op
	g.Unmap(ctx)
	assert.Equal(t, 0, g.Live())
}

func TestGuestMemory_Errors(t *testing.T) {
	g := NewGuestMemory(region.PageSize, Readable)

	assert.True(t, g.Supports(Readable))
	assert.False(t, g.Supports(Writable))
	assert.False(t, g.Supports(ReadWritable))
	assert.False(t, g.Supports(0))

	_, _, err := g.MapWritable(region.MustSpan(0, 16))
	assert.ErrorIs(t, err, ErrUnsupported)

	va, _, err := g.MapReadable(region.MustSpan(2*region.PageSize, 16))
	assert.ErrorIs(t, err, ErrBadAddress)
	assert.Nil(t, va)

	_, err = g.WriteAt([]byte{1, 2}, region.PageSize-1)
	assert.ErrorIs(t, err, ErrBadAddress)

	require.NoError(t, g.Close())
	assert.False(t, g.Supports(Readable))
	_, _, err = g.MapReadable(region.MustSpan(0, 16))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, g.Live())
}

func TestArena_StaleContext(t *testing.T) {
	var a arena[int]
	c1 := a.put(1)
	v, ok := a.take(c1)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// The slot is reused with a new generation, the old context must not release it
	c2 := a.put(2)
	assert.NotEqual(t, c1, c2)
	_, ok = a.take(c1)
	assert.False(t, ok)
	assert.Equal(t, 1, a.count())

	_, ok = a.take(0)
	assert.False(t, ok)
	_, ok = a.take(Context(99))
	assert.False(t, ok)

	v, ok = a.take(c2)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 0, a.count())
}

func TestTable(t *testing.T) {
	var nilTable *Table
	assert.Nil(t, nilTable.Load())
	assert.False(t, nilTable.Supports(Readable))

	empty := NewTable(nil)
	assert.Nil(t, empty.Load())
	assert.Nil(t, empty.Clear())

	g := NewGuestMemory(region.PageSize, ReadWritable)
	tbl := NewTable(g)
	assert.Equal(t, Capability(g), tbl.Load())
	assert.True(t, tbl.Supports(ReadWritable))

	assert.Equal(t, Capability(g), tbl.Clear())
	assert.Nil(t, tbl.Load())
	assert.False(t, tbl.Supports(Readable))

	tbl.Set(g)
	assert.NotNil(t, tbl.Load())
}

func TestMode(t *testing.T) {
	assert.True(t, ReadWritable.CanRead())
	assert.True(t, ReadWritable.CanWrite())
	assert.False(t, Readable.CanWrite())
	assert.False(t, Writable.CanRead())
	assert.Equal(t, "readwritable", ReadWritable.String())
	assert.Equal(t, "mode(8)", Mode(8).String())

	assert.Equal(t, Readable, Readable.Required())
	assert.Equal(t, Writable, Writable.Required())
	assert.Equal(t, Writable, ReadWritable.Required())
}

func TestGuestMemory_WriteOnlyServesReadWritable(t *testing.T) {
	g := NewGuestMemory(region.PageSize, Writable)
	assert.True(t, g.Supports(ReadWritable))
	assert.True(t, g.Supports(Writable))
	assert.False(t, g.Supports(Readable))

	_, err := g.WriteAt([]byte("guest data"), 32)
	require.NoError(t, err)

	va, ctx, err := Map(g, region.MustSpan(32, 10), ReadWritable)
	require.NoError(t, err)
	assert.Equal(t, "guest data", string(va))
	g.Unmap(ctx)
	assert.Equal(t, 0, g.Live())
}

func TestMap_Dispatch(t *testing.T) {
	g := NewGuestMemory(region.PageSize, Readable)
	_, _, err := Map(g, region.MustSpan(0, 8), ReadWritable)
	assert.ErrorIs(t, err, ErrUnsupported)

	va, ctx, err := Map(g, region.MustSpan(0, 8), Readable)
	require.NoError(t, err)
	assert.Len(t, va, 8)
	g.Unmap(ctx)
}
