// Package movieoutput implements MovieOutput, spec.md §4.3's encoder sink:
// a writer state machine fed by two independent sink APIs (framebuffer and
// raw sample buffer), honoring the live/synchronized back-pressure
// disciplines and the strictly-increasing-timestamp invariant.
//
// The pixel-buffer pool guard follows spec.md §5's "guarded by a binary
// semaphore" instruction directly: a size-1 buffered channel used as a
// mutual-exclusion permit, the corpus's idiom (worker_slot.go's mailbox,
// generalized to counting permits of 1) for anything that isn't a plain
// mutex-protected struct.
package movieoutput

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// State is MovieOutput's writer lifecycle state, per spec.md §4.3.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateCaching
	StateWriting
	StateFinished
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCaching:
		return "caching"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[State]map[State]bool{
	StateUnknown: {StateIdle: true},
	StateIdle:    {StateWriting: true, StateCaching: true, StateCanceled: true},
	StateCaching: {StateWriting: true, StateCanceled: true},
	StateWriting: {StateFinished: true, StateCanceled: true},
}

// FramebufferRenderer converts a framebuffer's RGBA texture into a
// writer-native pixel-buffer format, spec.md §4.3's "color-swizzling pass".
type FramebufferRenderer interface {
	Render(fb *framebuffer.Framebuffer, dst *pixelbuffer.Buffer) error
}

// bgraRenderer is the default FramebufferRenderer: a straight RGBA->BGRA
// byte swizzle, standing in for the texture-cache fast path a real GPU
// pipeline would use (no example repo ships a texture-cache primitive;
// GPU resource caches are an explicit Non-goal).
type bgraRenderer struct{}

// NewBGRARenderer constructs the default FramebufferRenderer.
func NewBGRARenderer() FramebufferRenderer { return bgraRenderer{} }

func (bgraRenderer) Render(fb *framebuffer.Framebuffer, dst *pixelbuffer.Buffer) error {
	src := fb.Pixels
	if len(dst.Data) < len(src) {
		return fmt.Errorf("movieoutput: pixel buffer too small for render: have %d want %d", len(dst.Data), len(src))
	}
	for i := 0; i+3 < len(src); i += 4 {
		dst.Data[i+0] = src[i+2]
		dst.Data[i+1] = src[i+1]
		dst.Data[i+2] = src[i+0]
		dst.Data[i+3] = src[i+3]
	}
	return nil
}

// Config configures an Output.
type Config struct {
	Writer   mediacollab.ContainerWriter
	Renderer FramebufferRenderer
	Width    int
	Height   int
	HasAudio bool

	LiveVideo                     bool
	WaitUntilReady                bool
	DisablePixelBufferAttachments bool
	OptimizeForNetworkUse         bool
}

func (c *Config) validate() error {
	if c.Writer == nil {
		return ErrNilWriter
	}
	return nil
}

func (c *Config) shouldWaitForEncoding() bool {
	return !c.LiveVideo || c.WaitUntilReady
}

// Stats reports lifetime counters, mirroring the corpus's atomic
// frame/byte/drop counter idiom (stream-capture's telemetry fields).
type Stats struct {
	Appended int64
	Dropped  int64
}

// Output is spec.md §4.3's MovieOutput.
type Output struct {
	cfg Config

	mu    sync.Mutex
	state State

	pool *pixelbuffer.Pool
	// poolSem guards concurrent pool acquisition and writer cancellation,
	// per spec.md §5's "pixel-buffer pool ... guarded by a binary semaphore".
	poolSem chan struct{}

	hasAppendedAny        bool
	startFrameTime        timestamp.T
	lastAppendedTime      timestamp.T
	videoFinished         bool
	audioFinished         bool
	attachmentsPropagated bool

	audioQueue []*samplebuffer.Buffer

	appended atomic.Int64
	dropped  atomic.Int64

	errorSubscribers []func(error)
	errorReported    bool
}

// New constructs an Output bound to writer, failing fast if writer is nil.
func New(cfg Config) (*Output, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewBGRARenderer()
	}
	return &Output{
		cfg:     cfg,
		state:   StateUnknown,
		poolSem: make(chan struct{}, 1),
	}, nil
}

func (o *Output) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(to)
}

func (o *Output) transitionLocked(to State) error {
	if !allowedTransitions[o.state][to] {
		return &ErrInvalidTransition{From: o.state, To: to}
	}
	o.state = to
	return nil
}

// State returns the writer's current lifecycle state.
func (o *Output) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a snapshot of append/drop counters.
func (o *Output) Stats() Stats {
	return Stats{Appended: o.appended.Load(), Dropped: o.dropped.Load()}
}

// OnWriterError subscribes cb to the writer's error, per spec.md §4.3's
// KVO-on-error rule. The writer's Err() is read after a failed append or a
// failed FinishWriting; subscribers fire once, the first time it is non-nil.
func (o *Output) OnWriterError(cb func(error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorSubscribers = append(o.errorSubscribers, cb)
}

func (o *Output) reportWriterError(err error) {
	o.mu.Lock()
	if o.errorReported || err == nil {
		o.mu.Unlock()
		return
	}
	o.errorReported = true
	subs := append([]func(error){}, o.errorSubscribers...)
	o.mu.Unlock()
	for _, cb := range subs {
		cb(err)
	}
}

func (o *Output) checkWriterError() {
	if err := o.cfg.Writer.Err(); err != nil {
		o.reportWriterError(err)
	}
}

// Start opens the underlying writer and transitions Unknown->Idle->Writing,
// the direct-record path for callers with no pre-roll cache in front.
// Per spec.md §4.3, `writing` is only entered when startWriting() succeeds
// AND the writer's pixel-buffer pool is non-nil.
func (o *Output) Start() error {
	if err := o.transition(StateIdle); err != nil {
		return err
	}
	return o.beginWriting()
}

// StartCaching transitions Unknown->Idle->Caching without touching the
// underlying writer. This is the path spec.md §4.3's diagram draws as the
// optional pre-recording state: an upstream MovieCache is holding the
// pre-roll window and no recording decision has been made yet, so the
// writer's file is not opened until StartWriting is later called.
func (o *Output) StartCaching() error {
	if err := o.transition(StateIdle); err != nil {
		return err
	}
	return o.transition(StateCaching)
}

// StartWriting drives the caching state into writing, opening the
// underlying writer for the first time — spec.md §4.3's
// "caching ─start-write─► writing" edge.
func (o *Output) StartWriting() error {
	if o.State() != StateCaching {
		return &ErrInvalidTransition{From: o.State(), To: StateWriting}
	}
	return o.beginWriting()
}

func (o *Output) beginWriting() error {
	if err := o.cfg.Writer.AddInput(mediacollab.TrackInputSettings{Kind: mediacollab.TrackVideo, Width: o.cfg.Width, Height: o.cfg.Height}); err != nil {
		return &ErrStartWritingFailed{Reason: err}
	}
	if o.cfg.HasAudio {
		if err := o.cfg.Writer.AddInput(mediacollab.TrackInputSettings{Kind: mediacollab.TrackAudio}); err != nil {
			return &ErrStartWritingFailed{Reason: err}
		}
	}

	o.pool = pixelbuffer.NewPool(2, 0)
	if err := o.cfg.Writer.AddPixelBufferAdaptor(mediacollab.TrackVideo, o.pool); err != nil {
		return &ErrStartWritingFailed{Reason: err}
	}

	if err := o.cfg.Writer.StartWriting(); err != nil {
		return &ErrStartWritingFailed{Reason: err}
	}
	if o.cfg.Writer.PixelBufferPool() == nil {
		return ErrPixelBufferPoolNil
	}

	return o.transition(StateWriting)
}

// AddAudioAfterStart enables the audio input while the output is still in
// the Unknown state. In any later state it changes nothing and returns
// ErrAudioTrackActivation, since audio inputs must be added before Start().
func (o *Output) AddAudioAfterStart() error {
	if o.State() != StateUnknown {
		return ErrAudioTrackActivation
	}
	o.cfg.HasAudio = true
	return nil
}

func (o *Output) monotonicVideoTimestamp(ts timestamp.T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasAppendedAny {
		return true
	}
	return ts.Compare(o.lastAppendedTime) > 0
}

func (o *Output) recordAppend(ts timestamp.T) {
	o.mu.Lock()
	if !o.hasAppendedAny {
		o.hasAppendedAny = true
		o.startFrameTime = ts
	}
	o.lastAppendedTime = ts
	o.mu.Unlock()
	o.appended.Add(1)
}

// propagateColorAttachments stamps buf with the default color-metadata
// attachment set once per session, per spec.md §6's "set once on first
// buffer" rule, unless DisablePixelBufferAttachments is configured.
func (o *Output) propagateColorAttachments(buf *pixelbuffer.Buffer) {
	if o.cfg.DisablePixelBufferAttachments {
		return
	}
	o.mu.Lock()
	first := !o.attachmentsPropagated
	o.attachmentsPropagated = true
	o.mu.Unlock()
	if first {
		attachments := pixelbuffer.Rec709Attachments
		buf.Attachments = &attachments
	}
}

func (o *Output) drop(reason string, ts timestamp.T) {
	o.dropped.Add(1)
	slog.Debug("movieoutput: dropping frame", "reason", reason, "ts", ts)
}

// waitForReady polls the writer's readiness flag every 100ms per spec.md
// §4.3's encoder-waiting policy, returning false (drop, don't wait) if the
// policy doesn't apply or the track has been marked finished meanwhile.
func (o *Output) waitForReady(track mediacollab.TrackKind) bool {
	if o.cfg.Writer.IsReadyForMoreMediaData(track) {
		return true
	}
	if !o.cfg.shouldWaitForEncoding() {
		return false
	}
	for {
		if o.cfg.Writer.IsReadyForMoreMediaData(track) {
			return true
		}
		if o.trackFinished(track) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (o *Output) trackFinished(track mediacollab.TrackKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if track == mediacollab.TrackVideo {
		return o.videoFinished
	}
	return o.audioFinished
}

func (o *Output) ensureSession(ts timestamp.T) error {
	o.mu.Lock()
	already := o.hasAppendedAny
	o.mu.Unlock()
	if already {
		return nil
	}
	return o.cfg.Writer.StartSession(ts)
}

// NewFramebufferAvailable is spec.md §4.3's framebuffer sink API: acquires a
// pool buffer, renders fb into it via the configured swizzle, and appends
// it at fb's timestamp. fb is locked on entry and unlocked exactly once on
// every path (testable property 4).
func (o *Output) NewFramebufferAvailable(fb *framebuffer.Framebuffer, sourceIndex int) error {
	fb.Lock()
	defer fb.Unlock()

	if o.State() != StateWriting {
		o.drop("not writing", fb.Timestamp())
		return nil
	}

	ts := fb.Timestamp()
	if !o.monotonicVideoTimestamp(ts) {
		o.drop("non-monotonic", ts)
		return nil
	}

	if !o.waitForReady(mediacollab.TrackVideo) {
		o.drop("writer not ready", ts)
		return nil
	}

	o.poolSem <- struct{}{}
	buf, err := o.pool.Acquire(pixelbuffer.Key{Width: fb.Size().Width, Height: fb.Size().Height, Format: pixelbuffer.FormatBGRA})
	if err != nil {
		<-o.poolSem
		o.drop("pool exhausted", ts)
		return nil
	}
	renderErr := o.cfg.Renderer.Render(fb, buf)
	<-o.poolSem
	if renderErr != nil {
		o.pool.Release(buf)
		return fmt.Errorf("movieoutput: render failed: %w", renderErr)
	}

	o.propagateColorAttachments(buf)

	if err := o.ensureSession(ts); err != nil {
		o.pool.Release(buf)
		return fmt.Errorf("movieoutput: start session failed: %w", err)
	}

	if err := o.cfg.Writer.AppendPixelBuffer(mediacollab.TrackVideo, buf, ts); err != nil {
		o.pool.Release(buf)
		o.checkWriterError()
		slog.Debug("movieoutput: append pixel buffer failed", "error", err)
		return nil
	}
	o.pool.Release(buf)
	o.recordAppend(ts)
	o.flushAudioQueue()
	return nil
}

// ProcessVideoBuffer is spec.md §4.3's raw-sample sink API: extract the
// pixel buffer directly from sample and append it, bypassing the
// framebuffer render pass. When invalidateWhenDone is set, sample's pooled
// pixel buffer is released back to pool on return.
func (o *Output) ProcessVideoBuffer(sample *samplebuffer.Buffer, invalidateWhenDone bool, pool *pixelbuffer.Pool) error {
	if invalidateWhenDone {
		defer sample.Invalidate(pool)
	}

	if o.State() != StateWriting {
		o.drop("not writing", sample.Timestamp())
		return nil
	}

	ts := sample.Timestamp()
	if !o.monotonicVideoTimestamp(ts) {
		o.drop("non-monotonic", ts)
		return nil
	}
	if !o.waitForReady(mediacollab.TrackVideo) {
		o.drop("writer not ready", ts)
		return nil
	}

	if err := o.ensureSession(ts); err != nil {
		return fmt.Errorf("movieoutput: start session failed: %w", err)
	}
	if err := o.cfg.Writer.AppendSample(mediacollab.TrackVideo, sample); err != nil {
		o.checkWriterError()
		slog.Debug("movieoutput: append sample failed", "error", err)
		return nil
	}
	o.recordAppend(ts)
	o.flushAudioQueue()
	return nil
}

// ProcessAudioBuffer enqueues an audio sample, holding it until the video
// anchor is known (spec.md §4.3's audio-handling rule): audio preceding the
// video's anchor time is edited out, never appended.
func (o *Output) ProcessAudioBuffer(sample *samplebuffer.Buffer) error {
	if !o.cfg.HasAudio {
		return nil
	}
	o.mu.Lock()
	anchored := o.hasAppendedAny
	o.mu.Unlock()

	if !anchored {
		o.mu.Lock()
		o.audioQueue = append(o.audioQueue, sample)
		o.mu.Unlock()
		return nil
	}
	return o.appendAudioNow(sample)
}

func (o *Output) appendAudioNow(sample *samplebuffer.Buffer) error {
	o.mu.Lock()
	anchor := o.startFrameTime
	o.mu.Unlock()

	if sample.Timestamp().Compare(anchor) < 0 {
		o.drop("audio precedes anchor", sample.Timestamp())
		return nil
	}
	if !o.waitForReady(mediacollab.TrackAudio) {
		o.drop("audio writer not ready", sample.Timestamp())
		return nil
	}
	if err := o.cfg.Writer.AppendSample(mediacollab.TrackAudio, sample); err != nil {
		o.checkWriterError()
		slog.Debug("movieoutput: append audio failed", "error", err)
		return nil
	}
	return nil
}

func (o *Output) flushAudioQueue() {
	o.mu.Lock()
	queued := o.audioQueue
	o.audioQueue = nil
	o.mu.Unlock()

	for _, sample := range queued {
		if err := o.appendAudioNow(sample); err != nil {
			slog.Debug("movieoutput: flush audio failed", "error", err)
		}
	}
}

// FinishRecording implements spec.md §4.3's finalization sequence.
func (o *Output) FinishRecording(ctx context.Context) (recordedDuration float64, err error) {
	o.mu.Lock()
	o.videoFinished = true
	o.audioFinished = true
	hasAny := o.hasAppendedAny
	start, last := o.startFrameTime, o.lastAppendedTime
	o.mu.Unlock()

	o.cfg.Writer.MarkInputFinished(mediacollab.TrackVideo)
	if o.cfg.HasAudio {
		o.cfg.Writer.MarkInputFinished(mediacollab.TrackAudio)
	}

	if hasAny {
		if err := o.cfg.Writer.EndSession(last); err != nil {
			slog.Debug("movieoutput: end session failed", "error", err)
		}
		recordedDuration = last.Sub(start)
	}

	if err := o.cfg.Writer.FinishWriting(ctx); err != nil {
		o.checkWriterError()
		_ = o.transition(StateFinished)
		return recordedDuration, fmt.Errorf("movieoutput: finish writing failed: %w", err)
	}
	return recordedDuration, o.transition(StateFinished)
}

// CancelRecording implements spec.md §4.3's cancellation path: sets the
// finished flags and instructs the writer to cancel, guarded by the pool
// semaphore since the writer's pixel-buffer pool is not thread-safe.
func (o *Output) CancelRecording() error {
	o.mu.Lock()
	o.videoFinished = true
	o.audioFinished = true
	o.mu.Unlock()

	o.poolSem <- struct{}{}
	o.cfg.Writer.CancelWriting()
	<-o.poolSem

	return o.transition(StateCanceled)
}

