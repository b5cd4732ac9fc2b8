package moviecache_test

import (
	"sync"
	"testing"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/moviecache"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
	"github.com/stretchr/testify/require"
)

// fakeSink records every item forwarded to it, standing in for movieoutput.Output.
type fakeSink struct {
	mu     sync.Mutex
	video  []timestamp.T
	audio  []timestamp.T
}

func (s *fakeSink) NewFramebufferAvailable(fb *framebuffer.Framebuffer, sourceIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, fb.Timestamp())
	return nil
}

func (s *fakeSink) ProcessVideoBuffer(sample *samplebuffer.Buffer, invalidateWhenDone bool, pool *pixelbuffer.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, sample.Timestamp())
	return nil
}

func (s *fakeSink) ProcessAudioBuffer(sample *samplebuffer.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, sample.Timestamp())
	return nil
}

func (s *fakeSink) videoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.video)
}

func TestPreRollBound(t *testing.T) {
	pool := framebuffer.NewPool()
	c := moviecache.New(moviecache.Config{CacheBuffersDuration: 2.0})
	require.NoError(t, c.Start())
	require.NoError(t, c.StartCaching())

	for i := 0; i <= 120; i++ { // 0 .. 4s at 30fps
		ts := timestamp.New(int64(i), 30)
		fb := pool.Acquire(framebuffer.Size{Width: 2, Height: 2}, framebuffer.Portrait, framebuffer.VideoFrame, ts)
		require.NoError(t, c.PushFramebuffer(fb, 0))
		fb.Unlock()
	}

	// Property 3: newest - oldest <= D + epsilon (one inter-frame interval).
	require.LessOrEqual(t, c.PreRollSpan(), 2.0+1.0/30.0+1e-6)
}

// TestPreRollThenRecord is scenario S2: 2s pre-roll, then start writing;
// the full 2s window survives, so the first drained frame is at t≈0.
func TestPreRollThenRecord(t *testing.T) {
	pool := framebuffer.NewPool()
	c := moviecache.New(moviecache.Config{CacheBuffersDuration: 2.0})
	require.NoError(t, c.Start())
	require.NoError(t, c.StartCaching())

	const fps = 30
	for i := 0; i < 120; i++ { // t = 0 .. 3.9667s
		ts := timestamp.New(int64(i), fps)
		fb := pool.Acquire(framebuffer.Size{Width: 2, Height: 2}, framebuffer.Portrait, framebuffer.VideoFrame, ts)
		require.NoError(t, c.PushFramebuffer(fb, 0))
		fb.Unlock()
		if i == 60 { // t=2.0s wall: transition to writing
			sink := &fakeSink{}
			require.NoError(t, c.StartWriting(sink))
			for c.Len() > 0 {
				_, err := c.Drain()
				require.NoError(t, err)
			}
			require.InDelta(t, 0.0, sink.video[0].Seconds(), 2.0/fps)
		}
	}

	require.True(t, pool.IsIdle())
}

func TestStateMachineRejectsSkippingCaching(t *testing.T) {
	c := moviecache.New(moviecache.Config{CacheBuffersDuration: 1.0})
	require.NoError(t, c.Start())

	err := c.StartWriting(&fakeSink{})
	require.Error(t, err)
	require.Equal(t, moviecache.StateIdle, c.State())
}

func TestMaxBuffersCountEviction(t *testing.T) {
	c := moviecache.New(moviecache.Config{CacheBuffersDuration: 100, MaxBuffers: 5})
	require.NoError(t, c.Start())
	require.NoError(t, c.StartCaching())

	pool := framebuffer.NewPool()
	for i := 0; i < 20; i++ {
		fb := pool.Acquire(framebuffer.Size{Width: 2, Height: 2}, framebuffer.Portrait, framebuffer.VideoFrame, timestamp.New(int64(i), 30))
		require.NoError(t, c.PushFramebuffer(fb, 0))
		fb.Unlock()
	}
	require.LessOrEqual(t, c.Len(), 5)
}
