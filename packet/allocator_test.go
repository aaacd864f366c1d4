package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassFor(t *testing.T) {
	for _, tc := range []struct {
		n     int
		class int
		ok    bool
	}{
		{1, 0, true},
		{512, 0, true},
		{513, 1, true},
		{4096, 3, true},
		{10240, 5, true},
		{1 << 20, 11, true},
		{1<<20 + 1, 0, false},
	} {
		class, ok := classFor(tc.n)
		assert.Equal(t, tc.ok, ok, "n=%d", tc.n)
		assert.Equal(t, tc.class, class, "n=%d", tc.n)
	}
}

func TestPool_AllocFree(t *testing.T) {
	p := NewPool(0)

	b, err := p.Alloc(1000)
	require.NoError(t, err)
	assert.Len(t, b, 1000)
	assert.Equal(t, 1024, cap(b))
	assert.Equal(t, int64(1024), p.Outstanding())
	assert.Equal(t, int64(1), p.Live())

	for i := range b {
		b[i] = 0xaa
	}
	p.Free(b)
	assert.Equal(t, int64(0), p.Outstanding())
	assert.Equal(t, int64(0), p.Live())

	// Reused buffers come back zeroed
	b, err = p.Alloc(1000)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1000), b)
	p.Free(b)

	big, err := p.Alloc(2 << 20)
	require.NoError(t, err)
	assert.Len(t, big, 2<<20)
	assert.Equal(t, int64(2<<20), p.Outstanding())
	p.Free(big)
	assert.Equal(t, int64(0), p.Outstanding())

	p.Free(nil)
	assert.Equal(t, int64(0), p.Live())

	_, err = p.Alloc(0)
	assert.Error(t, err)
}

func TestPool_Limit(t *testing.T) {
	p := NewPool(2048)

	a, err := p.Alloc(1024)
	require.NoError(t, err)
	b, err := p.Alloc(600)
	require.NoError(t, err)

	_, err = p.Alloc(1)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, int64(2048), p.Outstanding())
	assert.Equal(t, int64(2), p.Live())

	p.Free(a)
	c, err := p.Alloc(1)
	require.NoError(t, err)
	p.Free(b)
	p.Free(c)
	assert.Equal(t, int64(0), p.Outstanding())
}
