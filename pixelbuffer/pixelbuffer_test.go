package pixelbuffer_test

import (
	"testing"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	pool := pixelbuffer.NewPool(2, 0)
	key := pixelbuffer.Key{Width: 64, Height: 64, Format: pixelbuffer.FormatBGRA}

	buf, err := pool.Acquire(key)
	require.NoError(t, err)
	require.Len(t, buf.Data, 64*64*4)

	pool.Release(buf)
	require.Equal(t, 0, pool.Outstanding(key))
}

func TestExhaustionSignalsWithoutBlocking(t *testing.T) {
	pool := pixelbuffer.NewPool(0, 1)
	key := pixelbuffer.Key{Width: 32, Height: 32, Format: pixelbuffer.FormatRGBA}

	buf, err := pool.Acquire(key)
	require.NoError(t, err)

	_, err = pool.Acquire(key)
	require.ErrorIs(t, err, pixelbuffer.ErrPoolExhausted)
	require.Equal(t, uint64(1), pool.Exhaustions())

	pool.Release(buf)
	_, err = pool.Acquire(key)
	require.NoError(t, err)
}

func TestPlanarFormatSizing(t *testing.T) {
	pool := pixelbuffer.NewPool(0, 0)
	key := pixelbuffer.Key{Width: 4, Height: 4, Format: pixelbuffer.FormatYUV420Planar}
	buf, err := pool.Acquire(key)
	require.NoError(t, err)
	require.Len(t, buf.Data, 4*4*3/2)
}
