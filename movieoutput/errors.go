package movieoutput

import "errors"

// ErrNilWriter is returned by New when constructed without a container writer.
var ErrNilWriter = errors.New("movieoutput: container writer must not be nil")

// ErrPixelBufferPoolNil corresponds to spec.md §7's PixelBufferPoolNil error
// kind: the writer's pixel-buffer pool is still nil after StartWriting,
// either because the output file already existed, the pixel-buffer
// attributes were mis-configured, or the pool was queried before
// StartSession.
var ErrPixelBufferPoolNil = errors.New("movieoutput: pixel-buffer pool is nil")

// ErrStartWritingFailed wraps the underlying writer's refusal to start,
// corresponding to spec.md §7's StartWritingFailure kind.
type ErrStartWritingFailed struct {
	Reason error
}

func (e *ErrStartWritingFailed) Error() string {
	return "movieoutput: start writing failed: " + e.Reason.Error()
}

func (e *ErrStartWritingFailed) Unwrap() error { return e.Reason }

// ErrAudioTrackActivation corresponds to spec.md §7's AudioTrackActivation
// kind: an audio input was added after writing began or completed.
var ErrAudioTrackActivation = errors.New("movieoutput: audio track cannot be activated after writing has begun")

// ErrInvalidTransition is returned when a caller drives the writer state
// machine through a transition outside the enumerated set in spec.md §4.3.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return "movieoutput: invalid transition " + e.From.String() + " -> " + e.To.String()
}
