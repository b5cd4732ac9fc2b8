package movieplayer

import "errors"

// ErrLoopDisciplineUnsupported is returned by SetLoopEnabled when the
// configured LoopDiscipline is Looper, which spec.md §9 preserves as a
// reserved configuration value rather than a compile-time constant, but
// does not implement (later revisions gated it behind
// `shouldUseLooper = false`).
var ErrLoopDisciplineUnsupported = errors.New("movieplayer: looper discipline not implemented")

// ErrNilEngine is returned by New when constructed without a playback engine.
var ErrNilEngine = errors.New("movieplayer: playback engine must not be nil")
