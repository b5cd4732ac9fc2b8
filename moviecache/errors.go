package moviecache

import "errors"

// ErrNoSinkAttached is returned by StartWriting when called without a sink.
var ErrNoSinkAttached = errors.New("moviecache: no sink attached")

// ErrInvalidTransition is returned when a caller drives the cache's state
// machine through a transition outside spec.md §4.4's enumerated set.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return "moviecache: invalid transition " + e.From.String() + " -> " + e.To.String()
}
