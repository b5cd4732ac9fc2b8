package mediacollab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// GstDecoderConfig configures a gstAssetDecoder pipeline.
type GstDecoderConfig struct {
	Width     int
	Height    int
	Timescale int32
}

// gstAssetDecoder decodes a stored asset with a GStreamer pipeline of the
// shape filesrc ! decodebin ! {videoconvert ! videoscale ! appsink,
// audioconvert ! audioresample ! appsink}, mirroring the element-linking and
// pull-sample idiom of an RTSP capture pipeline but sourcing from a file
// instead of a network stream and using decodebin's dynamic pads instead of
// rtspsrc's.
type gstAssetDecoder struct {
	cfg GstDecoderConfig

	mu          sync.Mutex
	pipeline    *gst.Pipeline
	videoSink   *app.Sink
	audioSink   *app.Sink
	timeScale   int32
	frameCount  uint64
	bytesRead   uint64
	framesDrop  uint64

	videoChan chan *samplebuffer.Buffer
	audioChan chan *samplebuffer.Buffer

	audioChannels int
	audioRate     int

	status int32 // atomic DecoderStatus
	err    error

	pendingSeek timestamp.T

	busCtx    context.Context
	busCancel context.CancelFunc
	busDone   chan struct{}
}

// NewGstAssetDecoder constructs the default AssetDecoder adapter.
func NewGstAssetDecoder(cfg GstDecoderConfig) AssetDecoder {
	if cfg.Timescale == 0 {
		cfg.Timescale = 90000
	}
	return &gstAssetDecoder{
		cfg:       cfg,
		timeScale: cfg.Timescale,
		videoChan: make(chan *samplebuffer.Buffer, 4),
		audioChan: make(chan *samplebuffer.Buffer, 32),
	}
}

func (d *gstAssetDecoder) setStatus(s DecoderStatus) { atomic.StoreInt32(&d.status, int32(s)) }

func (d *gstAssetDecoder) Status() DecoderStatus {
	return DecoderStatus(atomic.LoadInt32(&d.status))
}

func (d *gstAssetDecoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Open builds the pipeline but does not start it, mirroring
// internal/rtsp.CreatePipeline's construct-then-SetState(Playing) split.
func (d *gstAssetDecoder) Open(ctx context.Context, assetURI string) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create pipeline: %w", err)
	}

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create filesrc: %w", err)
	}
	filesrc.SetProperty("location", assetURI)

	decodebin, err := gst.NewElement("decodebin")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create decodebin: %w", err)
	}

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create videoconvert: %w", err)
	}
	videoscale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create videoscale: %w", err)
	}
	videoCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create video capsfilter: %w", err)
	}
	videoCaps.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", d.cfg.Width, d.cfg.Height)))

	videoSink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create video appsink: %w", err)
	}
	videoSink.SetProperty("sync", false)
	videoSink.SetProperty("max-buffers", 4)
	videoSink.SetProperty("drop", false)

	audioconvert, err := gst.NewElement("audioconvert")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create audioconvert: %w", err)
	}
	audioresample, err := gst.NewElement("audioresample")
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create audioresample: %w", err)
	}
	audioSink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("mediacollab: failed to create audio appsink: %w", err)
	}
	audioSink.SetProperty("sync", false)
	audioSink.SetProperty("max-buffers", 32)
	audioSink.SetProperty("drop", false)

	pipeline.AddMany(filesrc, decodebin, videoconvert, videoscale, videoCaps, videoSink.Element,
		audioconvert, audioresample, audioSink.Element)

	if err := filesrc.Link(decodebin); err != nil {
		return fmt.Errorf("mediacollab: failed to link filesrc to decodebin: %w", err)
	}
	if err := gst.ElementLinkMany(videoconvert, videoscale, videoCaps, videoSink.Element); err != nil {
		return fmt.Errorf("mediacollab: failed to link video branch: %w", err)
	}
	if err := gst.ElementLinkMany(audioconvert, audioresample, audioSink.Element); err != nil {
		return fmt.Errorf("mediacollab: failed to link audio branch: %w", err)
	}

	// decodebin exposes video/audio pads only once the stream type is known;
	// link them dynamically the way rtspsrc's pad-added callback does.
	decodebin.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		caps := pad.GetCurrentCaps()
		if caps == nil || caps.GetSize() == 0 {
			return
		}
		structName := caps.GetStructureAt(0).Name()
		var sinkPad *gst.Pad
		switch {
		case hasPrefix(structName, "video/"):
			sinkPad = videoconvert.GetStaticPad("sink")
		case hasPrefix(structName, "audio/"):
			sinkPad = audioconvert.GetStaticPad("sink")
		default:
			slog.Debug("mediacollab: ignoring unknown decodebin pad", "caps", structName)
			return
		}
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Warn("mediacollab: failed to link decodebin pad", "caps", structName, "result", ret)
		}
	})

	videoSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			d.onVideoSample(sink)
			return gst.FlowOK
		},
	})
	audioSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			d.onAudioSample(sink)
			return gst.FlowOK
		},
	})

	d.mu.Lock()
	d.pipeline = pipeline
	d.videoSink = videoSink
	d.audioSink = audioSink
	d.mu.Unlock()

	d.setStatus(DecoderUnknown)
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (d *gstAssetDecoder) onVideoSample(sink *app.Sink) {
	sample := sink.PullSample()
	if sample == nil {
		return
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	atomic.AddUint64(&d.frameCount, 1)
	atomic.AddUint64(&d.bytesRead, uint64(len(data)))

	pts := buffer.PresentationTimestamp()
	ts := timestamp.New(int64(pts), 1_000_000_000)

	pb := &pixelbuffer.Buffer{Data: frameData}
	sb := samplebuffer.NewVideo(pb, ts)

	select {
	case d.videoChan <- sb:
		slog.Debug("mediacollab: video sample decoded", "trace_id", uuid.New().String(), "bytes", len(data))
	default:
		atomic.AddUint64(&d.framesDrop, 1)
		slog.Debug("mediacollab: dropping video sample, channel full")
	}
}

func (d *gstAssetDecoder) onAudioSample(sink *app.Sink) {
	sample := sink.PullSample()
	if sample == nil {
		return
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	pts := buffer.PresentationTimestamp()
	ts := timestamp.New(int64(pts), 1_000_000_000)
	d.mu.Lock()
	channels, rate := d.audioChannels, d.audioRate
	d.mu.Unlock()
	sb := samplebuffer.NewAudio(&samplebuffer.AudioSamples{Data: frameData, ChannelCount: channels, SampleRate: rate}, ts)

	select {
	case d.audioChan <- sb:
	default:
		slog.Debug("mediacollab: dropping audio sample, channel full")
	}
}

func (d *gstAssetDecoder) AddTrackOutput(settings TrackOutputSettings) error {
	// Track outputs are wired at Open time by pipeline shape; the audio
	// target, if any, is remembered so captured samples can carry it.
	switch settings.Kind {
	case TrackVideo:
	case TrackAudio:
		d.mu.Lock()
		d.audioChannels = settings.AudioChannels
		d.audioRate = settings.AudioRate
		d.mu.Unlock()
	default:
		return fmt.Errorf("mediacollab: unknown track kind %v", settings.Kind)
	}
	return nil
}

func (d *gstAssetDecoder) SetTimeRange(atTime timestamp.T, duration timestamp.T) error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if pipeline == nil {
		return fmt.Errorf("mediacollab: SetTimeRange called before Open")
	}
	// A precise sub-range seek requires the pipeline to already be in
	// PAUSED/PLAYING state; StartReading performs the seek once playing.
	d.pendingSeek = atTime
	return nil
}

func (d *gstAssetDecoder) StartReading() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if pipeline == nil {
		return fmt.Errorf("mediacollab: StartReading called before Open")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		d.mu.Lock()
		d.err = fmt.Errorf("mediacollab: failed to start pipeline: %w", err)
		d.mu.Unlock()
		d.setStatus(DecoderFailed)
		return d.err
	}

	if d.pendingSeek.IsValid() {
		if err := pipeline.SeekSimple(gst.FormatTime, gst.SeekFlagFlush, d.pendingSeek.Seconds()); err != nil {
			slog.Warn("mediacollab: seek to time range start failed", "error", err)
		}
	}

	d.setStatus(DecoderReading)
	d.busCtx, d.busCancel = context.WithCancel(context.Background())
	d.busDone = make(chan struct{})
	go d.monitorBus(d.busCtx, pipeline)
	return nil
}

func (d *gstAssetDecoder) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer close(d.busDone)
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}
			switch msg.Type() {
			case gst.MessageEOS:
				d.setStatus(DecoderCompleted)
				close(d.videoChan)
				close(d.audioChan)
				return
			case gst.MessageError:
				gerr := msg.ParseError()
				d.mu.Lock()
				d.err = fmt.Errorf("mediacollab: pipeline error: %s", gerr.Error())
				d.mu.Unlock()
				d.setStatus(DecoderFailed)
				return
			}
		}
	}
}

func (d *gstAssetDecoder) CopyNextSampleBuffer(track TrackKind) (*samplebuffer.Buffer, error) {
	ch := d.videoChan
	if track == TrackAudio {
		ch = d.audioChan
	}
	sb, ok := <-ch
	if !ok {
		return nil, nil // channel closed at EOS; caller treats nil,nil as end-of-track
	}
	return sb, nil
}

func (d *gstAssetDecoder) CancelReading() {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if d.busCancel != nil {
		d.busCancel()
		<-d.busDone
	}
	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
	}
	d.setStatus(DecoderCancelled)
}
