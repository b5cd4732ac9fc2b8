// Package movieinput implements MovieInput, spec.md §4.1's decoded-frame
// source: a private reader goroutine that drives an AssetDecoder and
// delivers video/audio samples downstream under one of three pacing modes.
//
// The reader goroutine's shutdown shape (context cancellation plus
// sync.WaitGroup) follows stream-capture.RTSPStream.Start/Stop; the
// synchronized-pacing back-pressure flag follows framebus's
// sync.Cond-guarded single-value mailbox.
package movieinput

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// PacingMode is one of the three exclusive disciplines of spec.md §4.1.
type PacingMode int

const (
	// PacingLive waits on the wall clock and allows looping; no back-pressure.
	PacingLive PacingMode = iota
	// PacingSynchronized blocks on writer readiness; no wall-clock wait, no looping.
	PacingSynchronized
	// PacingUnpaced pulls as fast as the decoder yields samples, optionally
	// throttled by MaxFPS; no back-pressure.
	PacingUnpaced
)

func (m PacingMode) String() string {
	switch m {
	case PacingLive:
		return "live"
	case PacingSynchronized:
		return "synchronized"
	default:
		return "unpaced"
	}
}

// SchedulingHint mirrors spec.md §9's OS-scheduling-policy request enum.
type SchedulingHint int

const (
	SchedulingDefault SchedulingHint = iota
	SchedulingUserInitiated
	SchedulingRealtime
)

// SynchronizedSink is the subset of MovieOutput's writer surface MovieInput
// observes when synchronizedMovieOutput is attached: readiness per track,
// completion, and finished-input notification.
type SynchronizedSink interface {
	IsReadyForMoreMediaData(track mediacollab.TrackKind) bool
	VideoEncodingIsFinished() bool
	MarkInputFinished(track mediacollab.TrackKind)
}

// TranscodeSink is MovieOutput's raw-sample surface. When Config.TranscodingOnly
// is set, MovieInput forwards decoded samples straight here instead of
// through onVideo/onAudio into the framebuffer graph, per spec.md §6's
// transcodingOnly option.
type TranscodeSink interface {
	ProcessVideoBuffer(sample *samplebuffer.Buffer, invalidateWhenDone bool, pool *pixelbuffer.Pool) error
	ProcessAudioBuffer(sample *samplebuffer.Buffer) error
}

// AudioEncodingTarget is the settable collaborator spec.md §4.1 names
// alongside synchronizedMovieOutput: the audio shape MovieInput requests
// from its decoder's audio track output.
type AudioEncodingTarget struct {
	Channels   int
	SampleRate int
}

// Config configures an Input. AssetURI and Decoder are required.
type Config struct {
	AssetURI  string
	Decoder   mediacollab.AssetDecoder
	HasAudio  bool

	PlayAtActualSpeed  bool
	Playrate           float64
	MaxFPS             float64
	Loop               bool
	UseRealtimeThreads bool

	// TranscodingOnly bypasses the graph entirely: decoded samples are
	// forwarded directly to the attached TranscodeSink rather than to
	// onVideo/onAudio.
	TranscodingOnly bool
}

func (c Config) validate() error {
	if c.Decoder == nil {
		return ErrNilDecoder
	}
	if c.AssetURI == "" {
		return fmt.Errorf("movieinput: %w: asset URI is required", ErrCannotCreateAssetReader)
	}
	return nil
}

// Input is spec.md §4.1's MovieInput.
type Input struct {
	cfg Config

	mu                sync.Mutex
	cond              *sync.Cond
	running           bool
	cancelRequested   bool
	pausedWithoutTear bool
	readingShouldWait bool
	currentTime       timestamp.T
	resumePoint       timestamp.T

	sink          SynchronizedSink
	transcodeSink TranscodeSink
	audioTarget   *AudioEncodingTarget

	onCompletion func(error)
	onProgress   func(float64)
	onVideo      func(*samplebuffer.Buffer)
	onAudio      func(*samplebuffer.Buffer)

	wg sync.WaitGroup

	droppedFrames uint64
}

// NewInput constructs an Input, failing fast on missing configuration —
// following stream-capture.NewRTSPStream's validate-before-construct style.
func NewInput(cfg Config) (*Input, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Playrate == 0 {
		cfg.Playrate = 1.0
	}
	i := &Input{cfg: cfg}
	i.cond = sync.NewCond(&i.mu)
	return i, nil
}

// SetSynchronizedMovieOutput attaches a writer whose readiness gates
// reading. Per spec.md §4.1, this disables wall-clock pacing and looping.
func (i *Input) SetSynchronizedMovieOutput(sink SynchronizedSink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sink = sink
}

// SetTranscodeSink attaches the destination used when Config.TranscodingOnly
// is set, bypassing the framebuffer graph entirely.
func (i *Input) SetTranscodeSink(sink TranscodeSink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transcodeSink = sink
}

// SetAudioEncodingTarget attaches the audioEncodingTarget collaborator,
// shaping the audio track requested from the decoder on the next Start.
func (i *Input) SetAudioEncodingTarget(target AudioEncodingTarget) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.audioTarget = &target
}

// SetCompletionHandler registers the observable completion(err) callback.
func (i *Input) SetCompletionHandler(fn func(error)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onCompletion = fn
}

// SetProgressHandler registers the observable progress(fraction) callback.
func (i *Input) SetProgressHandler(fn func(float64)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onProgress = fn
}

// SetVideoSink registers the callback invoked for each decoded video sample.
func (i *Input) SetVideoSink(fn func(*samplebuffer.Buffer)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onVideo = fn
}

// SetAudioSink registers the callback invoked for each decoded audio sample.
func (i *Input) SetAudioSink(fn func(*samplebuffer.Buffer)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onAudio = fn
}

func (i *Input) mode() PacingMode {
	if i.sink != nil {
		return PacingSynchronized
	}
	if i.cfg.PlayAtActualSpeed {
		return PacingLive
	}
	return PacingUnpaced
}

// CurrentTime returns the presentation time of the most recently delivered
// video sample.
func (i *Input) CurrentTime() timestamp.T {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentTime
}

// DroppedFrames reports the lifetime count of frames dropped for being
// behind the wall clock (spec.md §4.1 step 4).
func (i *Input) DroppedFrames() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.droppedFrames
}

// Start begins or resumes reading. It is idempotent while already running.
// If isTrimming is true, (atTime, duration) is a sub-range of the asset;
// otherwise atTime is a resume point.
func (i *Input) Start(atTime timestamp.T, duration timestamp.T, isTrimming bool) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	if !isTrimming && atTime.Equal(timestamp.Zero) && !i.resumePoint.Equal(timestamp.Zero) {
		atTime = i.resumePoint
	}
	i.resumePoint = timestamp.Zero
	i.running = true
	i.cancelRequested = false
	i.pausedWithoutTear = false
	i.readingShouldWait = false
	i.mu.Unlock()

	started := false
	defer func() {
		if !started {
			i.mu.Lock()
			i.running = false
			i.mu.Unlock()
		}
	}()

	requestSchedulingHint(i.schedulingHintForMode())

	if err := i.cfg.Decoder.Open(context.Background(), i.cfg.AssetURI); err != nil {
		return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
	}
	if err := i.cfg.Decoder.AddTrackOutput(mediacollab.TrackOutputSettings{Kind: mediacollab.TrackVideo}); err != nil {
		return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
	}
	if i.cfg.HasAudio {
		audioSettings := mediacollab.TrackOutputSettings{Kind: mediacollab.TrackAudio}
		i.mu.Lock()
		if i.audioTarget != nil {
			audioSettings.AudioChannels = i.audioTarget.Channels
			audioSettings.AudioRate = i.audioTarget.SampleRate
		}
		i.mu.Unlock()
		if err := i.cfg.Decoder.AddTrackOutput(audioSettings); err != nil {
			return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
		}
	}
	if isTrimming {
		if err := i.cfg.Decoder.SetTimeRange(atTime, duration); err != nil {
			return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
		}
	} else if !atTime.Equal(timestamp.Zero) {
		// Resuming from a prior Pause: seek the decoder to the remembered
		// sample time before reading, with no upper bound on the range.
		if err := i.cfg.Decoder.SetTimeRange(atTime, timestamp.T{Flags: timestamp.FlagIndefinite}); err != nil {
			return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
		}
	}
	if err := i.cfg.Decoder.StartReading(); err != nil {
		return fmt.Errorf("movieinput: %w: %v", ErrCannotCreateAssetReader, err)
	}

	started = true
	i.wg.Add(1)
	go i.readLoop(atTime)
	return nil
}

func (i *Input) schedulingHintForMode() SchedulingHint {
	if i.cfg.UseRealtimeThreads {
		return SchedulingRealtime
	}
	if i.cfg.PlayAtActualSpeed {
		return SchedulingUserInitiated
	}
	return SchedulingDefault
}

// requestSchedulingHint is a best-effort, platform-independent stand-in for
// the OS time-constraint scheduling request spec.md §4.1 describes; Go
// exposes no portable primitive for this, so the request is logged and
// execution continues with default scheduling, matching spec.md §7's
// "failure to configure realtime thread policy" fatal-but-non-aborting case.
func requestSchedulingHint(hint SchedulingHint) {
	if hint == SchedulingRealtime {
		slog.Warn("movieinput: realtime thread scheduling requested but not available on this platform, continuing with default scheduling")
	}
}

// Pause stops reading and remembers the current sample time as the next
// resume point. The reader goroutine exits; a later Start resumes there.
func (i *Input) Pause() {
	i.mu.Lock()
	i.resumePoint = i.currentTime
	i.cancelRequested = true
	i.mu.Unlock()
	i.cond.Broadcast()
	i.wg.Wait()
}

// PauseWithoutCancel flips the reading-lock flag without tearing down the
// reader goroutine.
func (i *Input) PauseWithoutCancel() {
	i.mu.Lock()
	i.pausedWithoutTear = true
	i.mu.Unlock()
}

// Resume clears the reading-lock flag and signals the reader goroutine.
func (i *Input) Resume() {
	i.mu.Lock()
	i.pausedWithoutTear = false
	i.mu.Unlock()
	i.cond.Broadcast()
}

// Cancel terminates the reader goroutine cooperatively and waits for it to
// exit. No completion callback is delivered for a cancelled read.
func (i *Input) Cancel() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.cancelRequested = true
	i.mu.Unlock()
	i.cond.Broadcast()
	i.wg.Wait()
	i.cfg.Decoder.CancelReading()
}

// OnWriterReadinessChanged is called by an attached SynchronizedSink
// observer whenever isReadyForMoreMediaData flips on either input; per
// spec.md §4.1 step 1, "either ready ⇒ unblock; both full ⇒ block".
func (i *Input) OnWriterReadinessChanged(videoReady, audioReady bool) {
	i.mu.Lock()
	var wait bool
	if i.cfg.HasAudio {
		wait = !videoReady && !audioReady
	} else {
		wait = !videoReady
	}
	i.readingShouldWait = wait
	i.mu.Unlock()
	if !wait {
		i.cond.Broadcast()
	}
}

func (i *Input) readLoop(atTime timestamp.T) {
	defer i.wg.Done()
	restarted := false
	defer func() {
		if restarted {
			return // the looped reader goroutine now owns the running flag
		}
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	mode := i.mode()
	actualStartWall := time.Now()
	actualStartSample := atTime

	for {
		i.mu.Lock()
		if i.cancelRequested {
			i.mu.Unlock()
			return
		}
		for i.pausedWithoutTear && !i.cancelRequested {
			i.cond.Wait()
		}
		if mode == PacingSynchronized {
			for i.readingShouldWait && !i.cancelRequested {
				i.cond.Wait()
			}
		}
		cancelled := i.cancelRequested
		i.mu.Unlock()
		if cancelled {
			return
		}

		wantVideo, wantAudio := true, i.cfg.HasAudio
		if i.sink != nil {
			wantVideo = i.sink.IsReadyForMoreMediaData(mediacollab.TrackVideo)
			wantAudio = i.cfg.HasAudio && i.sink.IsReadyForMoreMediaData(mediacollab.TrackAudio)
			if !wantVideo && !wantAudio {
				// readingShouldWait should already have blocked this case;
				// treat it as a brief race and yield instead of busy-spinning.
				time.Sleep(time.Millisecond)
				continue
			}
		}

		eof := false
		if wantVideo {
			sb, err := i.cfg.Decoder.CopyNextSampleBuffer(mediacollab.TrackVideo)
			if err != nil {
				i.finish(err)
				return
			}
			if sb == nil {
				eof = true
			} else {
				if mode == PacingLive && i.cfg.PlayAtActualSpeed {
					if !i.waitForWallClock(actualStartWall, actualStartSample, sb.Timestamp()) {
						continue // behind schedule: drop the frame
					}
				}
				i.mu.Lock()
				i.currentTime = sb.Timestamp()
				i.mu.Unlock()
				i.deliverVideo(sb)
			}
		}
		if wantAudio && !eof {
			sb, err := i.cfg.Decoder.CopyNextSampleBuffer(mediacollab.TrackAudio)
			if err == nil && sb != nil {
				i.deliverAudio(sb)
			}
		}

		if eof {
			restarted = i.handleEOF(mode)
			return
		}

		if mode == PacingUnpaced && i.cfg.MaxFPS > 0 {
			time.Sleep(time.Duration(float64(time.Second) / i.cfg.MaxFPS))
		}
	}
}

// deliverVideo routes a decoded video sample either to the framebuffer
// graph (onVideo) or, under transcodingOnly, straight to the transcode
// sink, bypassing the graph entirely per spec.md §6.
func (i *Input) deliverVideo(sb *samplebuffer.Buffer) {
	i.mu.Lock()
	transcoding := i.cfg.TranscodingOnly
	sink := i.transcodeSink
	cb := i.onVideo
	i.mu.Unlock()

	if transcoding {
		if sink == nil {
			return
		}
		if err := sink.ProcessVideoBuffer(sb, false, nil); err != nil {
			slog.Error("movieinput: transcode sink rejected video sample", "error", err)
		}
		return
	}
	if cb != nil {
		cb(sb)
	}
}

// deliverAudio is deliverVideo's audio counterpart.
func (i *Input) deliverAudio(sb *samplebuffer.Buffer) {
	i.mu.Lock()
	transcoding := i.cfg.TranscodingOnly
	sink := i.transcodeSink
	cb := i.onAudio
	i.mu.Unlock()

	if transcoding {
		if sink == nil {
			return
		}
		if err := sink.ProcessAudioBuffer(sb); err != nil {
			slog.Error("movieinput: transcode sink rejected audio sample", "error", err)
		}
		return
	}
	if cb != nil {
		cb(sb)
	}
}

// waitForWallClock busy-waits (via a high-resolution sleep) until the
// sample's presentation time is due, scaled by playrate. It returns false
// if the delay would be negative, signaling the caller to drop the frame.
func (i *Input) waitForWallClock(startWall time.Time, startSample, sampleTS timestamp.T) bool {
	elapsedSample := (sampleTS.Seconds() - startSample.Seconds()) / i.cfg.Playrate
	target := startWall.Add(time.Duration(elapsedSample * float64(time.Second)))
	delay := time.Until(target)
	if delay < 0 {
		i.mu.Lock()
		i.droppedFrames++
		i.mu.Unlock()
		return false
	}
	time.Sleep(delay)
	return true
}

// handleEOF reports whether it restarted reading on a new reader goroutine.
func (i *Input) handleEOF(mode PacingMode) bool {
	if i.sink != nil {
		i.sink.MarkInputFinished(mediacollab.TrackVideo)
		if i.cfg.HasAudio {
			i.sink.MarkInputFinished(mediacollab.TrackAudio)
		}
	}
	if i.cfg.Loop && mode != PacingSynchronized {
		i.cfg.Decoder.CancelReading()
		if err := i.cfg.Decoder.Open(context.Background(), i.cfg.AssetURI); err != nil {
			i.finish(fmt.Errorf("movieinput: loop restart failed: %w", err))
			return false
		}
		if err := i.cfg.Decoder.StartReading(); err != nil {
			i.finish(fmt.Errorf("movieinput: loop restart failed: %w", err))
			return false
		}
		i.mu.Lock()
		i.running = true
		i.mu.Unlock()
		i.wg.Add(1)
		go i.readLoop(timestamp.Zero)
		return true
	}
	i.finish(nil)
	return false
}

func (i *Input) finish(err error) {
	i.mu.Lock()
	cb := i.onCompletion
	i.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
