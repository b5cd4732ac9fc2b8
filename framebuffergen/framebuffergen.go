// Package framebuffergen implements the FramebufferGenerator collaborator
// of spec.md §4.5: a YUV→RGB bridge that produces portrait-oriented
// framebuffers, plus the pool-based RGB→pixel-buffer inverse, both
// serialized onto a single shared image-processing queue (spec.md §5).
package framebuffergen

import (
	"context"
	"fmt"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/internal/singlequeue"
	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// Generator owns the shared image-processing queue: it is the single point
// through which YUV pixel data becomes a portrait framebuffer, and through
// which a framebuffer's RGB texture can be synchronously read back into a
// pixel buffer. Calls from other goroutines block until the queue services
// them; calls already running on the queue run inline (spec.md §4.5, §5).
type Generator struct {
	queue     *singlequeue.Queue
	converter mediacollab.YUVToRGBConverter
	fbPool    *framebuffer.Pool
	pbPool    *pixelbuffer.Pool
}

// New constructs a Generator. converter defaults to
// mediacollab.NewBT601Converter() when nil.
func New(fbPool *framebuffer.Pool, pbPool *pixelbuffer.Pool, converter mediacollab.YUVToRGBConverter) *Generator {
	if converter == nil {
		converter = mediacollab.NewBT601Converter()
	}
	return &Generator{
		queue:     singlequeue.New(16),
		converter: converter,
		fbPool:    fbPool,
		pbPool:    pbPool,
	}
}

// Close stops the generator's image-processing queue.
func (g *Generator) Close() { g.queue.Close() }

// GenerateFramebuffer converts a YUV planar pixel buffer into a
// portrait-oriented framebuffer stamped with ts, running the conversion on
// the shared image-processing queue.
func (g *Generator) GenerateFramebuffer(ctx context.Context, src *pixelbuffer.Buffer, width, height int, ts timestamp.T) (*framebuffer.Framebuffer, error) {
	var fb *framebuffer.Framebuffer
	var convErr error

	g.queue.SubmitSync(ctx, func(context.Context) {
		rgba, err := g.converter.Convert(src, width, height)
		if err != nil {
			convErr = fmt.Errorf("framebuffergen: conversion failed: %w", err)
			return
		}
		fb = g.fbPool.Acquire(framebuffer.Size{Width: width, Height: height}, framebuffer.Portrait, framebuffer.VideoFrame, ts)
		copy(fb.Pixels, rgba)
	})
	if convErr != nil {
		return nil, convErr
	}
	return fb, nil
}

// ReadBackToPixelBuffer is the RGB→pixel-buffer inverse: a synchronous
// read-back of a framebuffer's texture into a pooled pixel buffer, for
// callers (e.g. movieoutput's framebuffer sink path) that need CPU-visible
// bytes to hand to a container writer.
func (g *Generator) ReadBackToPixelBuffer(ctx context.Context, fb *framebuffer.Framebuffer) (*pixelbuffer.Buffer, error) {
	key := pixelbuffer.Key{Width: fb.Size().Width, Height: fb.Size().Height, Format: pixelbuffer.FormatRGBA}

	var buf *pixelbuffer.Buffer
	var acquireErr error
	g.queue.SubmitSync(ctx, func(context.Context) {
		buf, acquireErr = g.pbPool.Acquire(key)
		if acquireErr != nil {
			return
		}
		copy(buf.Data, fb.Pixels)
	})
	if acquireErr != nil {
		return nil, fmt.Errorf("framebuffergen: read-back failed: %w", acquireErr)
	}
	return buf, nil
}
