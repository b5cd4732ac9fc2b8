package movieoutput_test

import (
	"context"
	"sync"
	"testing"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/movieoutput"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
	"github.com/stretchr/testify/require"
)

// fakeWriter is an in-memory mediacollab.ContainerWriter recording every
// appended sample's track and timestamp, for asserting monotonicity and
// session-anchor ordering without touching a real container format.
type fakeWriter struct {
	mu sync.Mutex

	pool          *pixelbuffer.Pool
	started       bool
	sessionAt     timestamp.T
	sessionCalled int
	videoAppends  []timestamp.T
	audioAppends  []timestamp.T
	videoReady    bool
	audioReady    bool
	status        mediacollab.WriterStatus
	err           error
	finished      bool
	canceled      bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{videoReady: true, audioReady: true}
}

func (w *fakeWriter) AddInput(mediacollab.TrackInputSettings) error { return nil }

func (w *fakeWriter) AddPixelBufferAdaptor(track mediacollab.TrackKind, pool *pixelbuffer.Pool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pool = pool
	return nil
}

func (w *fakeWriter) PixelBufferPool() *pixelbuffer.Pool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pool
}

func (w *fakeWriter) StartWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	w.status = mediacollab.WriterWriting
	return nil
}

func (w *fakeWriter) StartSession(at timestamp.T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionCalled++
	w.sessionAt = at
	return nil
}

func (w *fakeWriter) AppendPixelBuffer(track mediacollab.TrackKind, buf *pixelbuffer.Buffer, at timestamp.T) error {
	return w.recordAppend(track, at)
}

func (w *fakeWriter) AppendSample(track mediacollab.TrackKind, sample *samplebuffer.Buffer) error {
	return w.recordAppend(track, sample.Timestamp())
}

func (w *fakeWriter) recordAppend(track mediacollab.TrackKind, at timestamp.T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if track == mediacollab.TrackVideo {
		if len(w.videoAppends) > 0 && at.Compare(w.videoAppends[len(w.videoAppends)-1]) <= 0 {
			return nil // duplicate/non-monotonic: silently dropped, matching mediacollab's own writer
		}
		w.videoAppends = append(w.videoAppends, at)
	} else {
		w.audioAppends = append(w.audioAppends, at)
	}
	return nil
}

func (w *fakeWriter) MarkInputFinished(track mediacollab.TrackKind) {}

func (w *fakeWriter) EndSession(at timestamp.T) error { return nil }

func (w *fakeWriter) FinishWriting(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = true
	w.status = mediacollab.WriterCompleted
	return nil
}

func (w *fakeWriter) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.canceled = true
	w.status = mediacollab.WriterCancelled
}

func (w *fakeWriter) Status() mediacollab.WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fakeWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWriter) IsReadyForMoreMediaData(track mediacollab.TrackKind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if track == mediacollab.TrackVideo {
		return w.videoReady
	}
	return w.audioReady
}

func (w *fakeWriter) videoCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.videoAppends)
}

func newFramebuffer(pool *framebuffer.Pool, width, height int, ts timestamp.T) *framebuffer.Framebuffer {
	fb := pool.Acquire(framebuffer.Size{Width: width, Height: height}, framebuffer.Portrait, framebuffer.VideoFrame, ts)
	return fb
}

// TestRecordLiveSessionThenFinish is scenario S1: 90 framebuffers at 30fps,
// finish, expect a full 90 appends with no drops and a matching duration.
func TestRecordLiveSessionThenFinish(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 4, Height: 4, LiveVideo: true})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	fbPool := framebuffer.NewPool()
	for i := 0; i < 90; i++ {
		ts := timestamp.New(int64(i), 30)
		fb := newFramebuffer(fbPool, 4, 4, ts)
		require.NoError(t, out.NewFramebufferAvailable(fb, 0))
		fb.Unlock() // caller's original acquisition reference
	}

	duration, err := out.FinishRecording(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 89.0/30.0, duration, 1e-6)
	require.Equal(t, 90, writer.videoCount())
	require.True(t, fbPool.IsIdle())
	require.Equal(t, movieoutput.StateFinished, out.State())
}

// TestDuplicateTimestampDropped is scenario S3.
func TestDuplicateTimestampDropped(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2, LiveVideo: true})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	fbPool := framebuffer.NewPool()
	times := []timestamp.T{
		timestamp.New(0, 30),
		timestamp.New(1, 30),
		timestamp.New(1, 30), // duplicate
		timestamp.New(2, 30),
	}
	for _, ts := range times {
		fb := newFramebuffer(fbPool, 2, 2, ts)
		require.NoError(t, out.NewFramebufferAvailable(fb, 0))
		fb.Unlock()
	}

	require.Equal(t, 3, writer.videoCount())
	require.Equal(t, int64(1), out.Stats().Dropped)
}

// TestSessionAnchorOrdersAudioAfterVideo is testable property 2: audio is
// held until the video anchor is known, and audio preceding that anchor is
// edited out rather than appended (spec.md §4.3's audio-handling rule).
func TestSessionAnchorOrdersAudioAfterVideo(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2, LiveVideo: true, HasAudio: true})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	videoAnchor := timestamp.New(1, 30) // ~0.0333s

	// Both arrive before any video, so both queue rather than append.
	before := samplebuffer.NewAudio(&samplebuffer.AudioSamples{Data: []byte{1}}, timestamp.New(0, 1000))
	after := samplebuffer.NewAudio(&samplebuffer.AudioSamples{Data: []byte{2}}, timestamp.New(50, 1000))
	require.NoError(t, out.ProcessAudioBuffer(before))
	require.NoError(t, out.ProcessAudioBuffer(after))
	require.Empty(t, writer.audioAppends)

	fbPool := framebuffer.NewPool()
	fb := newFramebuffer(fbPool, 2, 2, videoAnchor)
	require.NoError(t, out.NewFramebufferAvailable(fb, 0))
	fb.Unlock()

	// The sample preceding the anchor was edited out; only the later one survives.
	require.Len(t, writer.audioAppends, 1)
	require.GreaterOrEqual(t, writer.audioAppends[0].Seconds(), videoAnchor.Seconds())
}

// TestStateMachineRejectsInvalidTransition is testable property 7.
func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2})
	require.NoError(t, err)

	// Finishing before Start (still Unknown) must fail without mutating state.
	_, err = out.FinishRecording(context.Background())
	require.Error(t, err)
	require.Equal(t, movieoutput.StateUnknown, out.State())
}

// TestCachingThenStartWriting exercises spec.md §4.3's optional
// pre-recording state: the writer stays in caching (never touching the
// underlying file) until StartWriting drives it into writing.
func TestCachingThenStartWriting(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2, LiveVideo: true})
	require.NoError(t, err)

	require.NoError(t, out.StartCaching())
	require.Equal(t, movieoutput.StateCaching, out.State())

	// Frames arriving while caching are dropped by Output itself; a real
	// caller interposes a MovieCache upstream to hold them instead.
	fbPool := framebuffer.NewPool()
	fb := newFramebuffer(fbPool, 2, 2, timestamp.New(0, 30))
	require.NoError(t, out.NewFramebufferAvailable(fb, 0))
	fb.Unlock()
	require.Equal(t, int64(1), out.Stats().Dropped)
	require.False(t, writer.started)

	require.NoError(t, out.StartWriting())
	require.Equal(t, movieoutput.StateWriting, out.State())
	require.True(t, writer.started)

	fb = newFramebuffer(fbPool, 2, 2, timestamp.New(1, 30))
	require.NoError(t, out.NewFramebufferAvailable(fb, 0))
	fb.Unlock()
	require.Equal(t, 1, writer.videoCount())
}

// TestStartWritingRequiresCaching: calling StartWriting outside the caching
// state is an invalid transition, not a silent no-op.
func TestStartWritingRequiresCaching(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2})
	require.NoError(t, err)

	err = out.StartWriting()
	require.Error(t, err)
	require.Equal(t, movieoutput.StateUnknown, out.State())
}

// TestFrameOwnershipBalance is testable property 4: every framebuffer
// locked by the sink is unlocked exactly as many times, leaving the pool
// idle once recording finishes.
func TestFrameOwnershipBalance(t *testing.T) {
	writer := newFakeWriter()
	out, err := movieoutput.New(movieoutput.Config{Writer: writer, Width: 2, Height: 2, LiveVideo: true})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	fbPool := framebuffer.NewPool()
	for i := 0; i < 10; i++ {
		fb := newFramebuffer(fbPool, 2, 2, timestamp.New(int64(i), 30))
		require.NoError(t, out.NewFramebufferAvailable(fb, 0))
		fb.Unlock()
	}
	require.True(t, fbPool.IsIdle())
}
