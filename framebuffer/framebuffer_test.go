package framebuffer_test

import (
	"testing"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesReleasedFramebuffer(t *testing.T) {
	pool := framebuffer.NewPool()
	size := framebuffer.Size{Width: 640, Height: 480}

	fb := pool.Acquire(size, framebuffer.Portrait, framebuffer.VideoFrame, timestamp.New(0, 30))
	require.Equal(t, 1, fb.LockCount())

	fb.Unlock()
	require.True(t, pool.IsIdle())

	fb2 := pool.Acquire(size, framebuffer.LandscapeLeft, framebuffer.VideoFrame, timestamp.New(1, 30))
	require.Same(t, fb, fb2)
	fb2.Unlock()
}

func TestLockUnlockBalance(t *testing.T) {
	pool := framebuffer.NewPool()
	size := framebuffer.Size{Width: 320, Height: 240}
	fb := pool.Acquire(size, framebuffer.Portrait, framebuffer.StillImage, timestamp.Invalid)

	fb.Lock()
	fb.Lock()
	require.Equal(t, 3, fb.LockCount())
	require.False(t, pool.IsIdle())

	fb.Unlock()
	fb.Unlock()
	require.False(t, pool.IsIdle())
	fb.Unlock()
	require.True(t, pool.IsIdle())
}

func TestOrientationRotation(t *testing.T) {
	require.Equal(t, 0, framebuffer.Portrait.QuarterTurnsTo(framebuffer.Portrait))
	require.Equal(t, 2, framebuffer.Portrait.QuarterTurnsTo(framebuffer.PortraitUpsideDown))
	require.Equal(t, framebuffer.LandscapeLeft.QuarterTurnsTo(framebuffer.LandscapeRight),
		4-framebuffer.LandscapeRight.QuarterTurnsTo(framebuffer.LandscapeLeft))
}

func TestSeparateSizesDoNotShareFreeList(t *testing.T) {
	pool := framebuffer.NewPool()
	a := pool.Acquire(framebuffer.Size{Width: 100, Height: 100}, framebuffer.Portrait, framebuffer.StillImage, timestamp.Invalid)
	b := pool.Acquire(framebuffer.Size{Width: 200, Height: 200}, framebuffer.Portrait, framebuffer.StillImage, timestamp.Invalid)
	require.NotSame(t, a, b)
	a.Unlock()
	b.Unlock()
	require.True(t, pool.IsIdle())
}
