// Package samplebuffer implements the tagged-union sample container of
// spec.md §3: an opaque record carrying either a pixel buffer (video) or
// audio samples, plus a presentation timestamp, with caller-controlled
// invalidate-on-done semantics.
package samplebuffer

import (
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// Kind discriminates the tagged union.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// AudioSamples is opaque interleaved/planar PCM (or encoded) audio payload.
type AudioSamples struct {
	Data       []byte
	ChannelCount int
	SampleRate   int
}

// Buffer is the tagged union: exactly one of PixelBuffer / Audio is set,
// selected by Kind.
type Buffer struct {
	kind      Kind
	pixel     *pixelbuffer.Buffer
	audio     *AudioSamples
	ts        timestamp.T
	invalidated bool
}

// NewVideo wraps a pixel buffer as a video sample.
func NewVideo(pb *pixelbuffer.Buffer, ts timestamp.T) *Buffer {
	return &Buffer{kind: KindVideo, pixel: pb, ts: ts}
}

// NewAudio wraps audio samples as an audio sample buffer.
func NewAudio(samples *AudioSamples, ts timestamp.T) *Buffer {
	return &Buffer{kind: KindAudio, audio: samples, ts: ts}
}

// Kind reports which arm of the union is populated.
func (b *Buffer) Kind() Kind { return b.kind }

// Timestamp returns the sample's presentation timestamp.
func (b *Buffer) Timestamp() timestamp.T { return b.ts }

// PixelBuffer returns the wrapped video payload, or nil if Kind() != KindVideo.
func (b *Buffer) PixelBuffer() *pixelbuffer.Buffer { return b.pixel }

// Audio returns the wrapped audio payload, or nil if Kind() != KindAudio.
func (b *Buffer) Audio() *AudioSamples { return b.audio }

// Invalidate marks the buffer as consumed. Ownership per spec.md §3: the
// pipeline optionally invalidates a sample buffer when done with it, per a
// caller-supplied flag at the call site — this method performs that
// invalidation when the caller has opted in.
func (b *Buffer) Invalidate(pool *pixelbuffer.Pool) {
	if b.invalidated {
		return
	}
	b.invalidated = true
	if b.kind == KindVideo && b.pixel != nil && pool != nil {
		pool.Release(b.pixel)
	}
}

// Invalidated reports whether Invalidate has already run.
func (b *Buffer) Invalidated() bool { return b.invalidated }
