// Package mediacollab defines the external collaborators of spec.md §6 —
// asset decoder, container writer, playback engine, display-refresh source
// and YUV→RGB converter — plus one default concrete adapter per interface.
// Callers of movieinput/movieplayer/movieoutput/moviecache/framebuffergen
// depend only on these interfaces; the adapters in this package are the
// module's opinionated defaults, not the only valid implementations.
package mediacollab

import (
	"context"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// TrackKind discriminates a decoder track or writer input.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	if k == TrackVideo {
		return "video"
	}
	return "audio"
}

// DecoderStatus mirrors an asset reader's coarse lifecycle state.
type DecoderStatus int

const (
	DecoderUnknown DecoderStatus = iota
	DecoderReading
	DecoderCompleted
	DecoderFailed
	DecoderCancelled
)

// TrackOutputSettings configures one output track added to an AssetDecoder.
type TrackOutputSettings struct {
	Kind   TrackKind
	Width  int
	Height int

	// AudioChannels and AudioRate carry MovieInput's audioEncodingTarget
	// collaborator through to the decoder's audio track, when Kind is
	// TrackAudio.
	AudioChannels int
	AudioRate     int
}

// AssetDecoder is spec.md §6's "asset decoder" collaborator: open(asset),
// add-track-output, set time-range, startReading, copyNextSampleBuffer,
// cancelReading, status, error.
type AssetDecoder interface {
	Open(ctx context.Context, assetURI string) error
	AddTrackOutput(settings TrackOutputSettings) error
	SetTimeRange(atTime timestamp.T, duration timestamp.T) error
	StartReading() error
	CopyNextSampleBuffer(track TrackKind) (*samplebuffer.Buffer, error)
	CancelReading()
	Status() DecoderStatus
	Err() error
}

// WriterStatus mirrors the ContainerWriter's coarse lifecycle state.
type WriterStatus int

const (
	WriterUnknown WriterStatus = iota
	WriterWriting
	WriterCompleted
	WriterFailed
	WriterCancelled
)

// TrackInputSettings configures one input track added to a ContainerWriter.
type TrackInputSettings struct {
	Kind          TrackKind
	Width         int
	Height        int
	AudioChannels int
	AudioRate     int
}

// ContainerWriter is spec.md §6's "container writer" collaborator.
type ContainerWriter interface {
	AddInput(settings TrackInputSettings) error
	AddPixelBufferAdaptor(track TrackKind, pool *pixelbuffer.Pool) error
	StartWriting() error
	StartSession(at timestamp.T) error
	AppendPixelBuffer(track TrackKind, buf *pixelbuffer.Buffer, at timestamp.T) error
	AppendSample(track TrackKind, sample *samplebuffer.Buffer) error
	MarkInputFinished(track TrackKind)
	EndSession(at timestamp.T) error
	FinishWriting(ctx context.Context) error
	CancelWriting()
	Status() WriterStatus
	Err() error
	IsReadyForMoreMediaData(track TrackKind) bool
	PixelBufferPool() *pixelbuffer.Pool
}

// PlayerItemStatus mirrors a queued playback item's readiness.
type PlayerItemStatus int

const (
	ItemUnknown PlayerItemStatus = iota
	ItemReadyToPlay
	ItemFailed
)

// PlayerItem is one entry in a PlaybackEngine's queue.
type PlayerItem interface {
	Status() PlayerItemStatus
	HasNewPixelBuffer(at timestamp.T) bool
	CopyPixelBuffer(at timestamp.T) (*pixelbuffer.Buffer, error)
	SetTapEnabled(enabled bool)
}

// PlaybackEngine is spec.md §6's "playback engine" collaborator: a queue of
// items with seek, rate control and end-of-item notification.
type PlaybackEngine interface {
	Items() []PlayerItem
	CurrentItem() PlayerItem
	Insert(item PlayerItem, after PlayerItem)
	Remove(item PlayerItem)
	RemoveAll()
	AdvanceToNextItem()
	ReplaceCurrentItem(item PlayerItem)
	Seek(to timestamp.T, toleranceBefore, toleranceAfter timestamp.T, completion func(finished bool))
	SetRate(rate float64)
	Rate() float64
	Status() PlayerItemStatus
	CurrentTime() timestamp.T

	// OnDidPlayToEnd, OnStalled subscribe plain callbacks to the engine's
	// notification stream, per SPEC_FULL.md §9's KVO→callback mapping.
	OnDidPlayToEnd(func())
	OnStalled(func())
}

// DisplayRefreshSource fires a callback once per vertical-blank tick.
type DisplayRefreshSource interface {
	Start(tick func())
	Stop()
}

// YUVToRGBConverter is spec.md §4.5's YUV→RGB collaborator contract.
type YUVToRGBConverter interface {
	// Convert takes a YUV planar pixel buffer and produces portrait-oriented
	// RGBA pixels sized width*height*4, using a full-range BT.601 matrix.
	Convert(src *pixelbuffer.Buffer, width, height int) ([]byte, error)
}
