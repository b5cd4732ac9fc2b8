package samplebuffer_test

import (
	"testing"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
	"github.com/stretchr/testify/require"
)

func TestVideoBufferRoundTrip(t *testing.T) {
	pool := pixelbuffer.NewPool(0, 0)
	key := pixelbuffer.Key{Width: 16, Height: 16, Format: pixelbuffer.FormatNV12}
	pb, err := pool.Acquire(key)
	require.NoError(t, err)

	ts := timestamp.New(90000, 90000)
	sb := samplebuffer.NewVideo(pb, ts)

	require.Equal(t, samplebuffer.KindVideo, sb.Kind())
	require.True(t, ts.Equal(sb.Timestamp()))
	require.Nil(t, sb.Audio())
	require.Same(t, pb, sb.PixelBuffer())
}

func TestInvalidateIsIdempotentAndReleasesToPool(t *testing.T) {
	pool := pixelbuffer.NewPool(0, 0)
	key := pixelbuffer.Key{Width: 8, Height: 8, Format: pixelbuffer.FormatBGRA}
	pb, err := pool.Acquire(key)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Outstanding(key))

	sb := samplebuffer.NewVideo(pb, timestamp.Zero)
	sb.Invalidate(pool)
	require.True(t, sb.Invalidated())
	require.Equal(t, 0, pool.Outstanding(key))

	sb.Invalidate(pool)
	require.Equal(t, 0, pool.Outstanding(key))
}

func TestAudioBufferKind(t *testing.T) {
	samples := &samplebuffer.AudioSamples{Data: []byte{1, 2, 3, 4}, ChannelCount: 2, SampleRate: 48000}
	sb := samplebuffer.NewAudio(samples, timestamp.New(1, 48000))

	require.Equal(t, samplebuffer.KindAudio, sb.Kind())
	require.Nil(t, sb.PixelBuffer())
	require.Same(t, samples, sb.Audio())
}
