// Package timestamp provides a monotonic rational time value used for
// presentation timestamps and session anchoring throughout moviepipe.
package timestamp

import "fmt"

// Flag marks special states a Timestamp can carry alongside its rational value.
type Flag uint8

const (
	// FlagValid marks an ordinary, comparable timestamp.
	FlagValid Flag = 0
	// FlagInvalid marks a timestamp that carries no meaningful time.
	FlagInvalid Flag = 1 << iota
	// FlagIndefinite marks a timestamp of unbounded/unknown duration.
	FlagIndefinite
)

// T is a rational presentation time: Numerator/Timescale seconds since Epoch.
type T struct {
	Numerator int64
	Timescale int32
	Epoch     int64
	Flags     Flag
}

// Zero is the timestamp at time zero on the default timescale.
var Zero = T{Numerator: 0, Timescale: 1, Epoch: 0}

// Invalid is a timestamp carrying no meaningful time.
var Invalid = T{Flags: FlagInvalid}

// New builds a valid timestamp from a numerator/timescale pair.
func New(numerator int64, timescale int32) T {
	if timescale == 0 {
		return Invalid
	}
	return T{Numerator: numerator, Timescale: timescale}
}

// FromSeconds builds a timestamp at the given timescale from a float seconds value.
func FromSeconds(seconds float64, timescale int32) T {
	if timescale <= 0 {
		return Invalid
	}
	return T{Numerator: int64(seconds * float64(timescale)), Timescale: timescale}
}

// Seconds returns the timestamp as floating-point seconds.
func (t T) Seconds() float64 {
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Numerator) / float64(t.Timescale)
}

// IsValid reports whether t carries a comparable time value.
func (t T) IsValid() bool {
	return t.Flags&FlagInvalid == 0 && t.Timescale != 0
}

// Equal reports field-for-field equality, per spec.md §3: two timestamps
// are equal iff all fields match exactly (not merely numerically equal
// after rescaling).
func (t T) Equal(o T) bool {
	return t.Numerator == o.Numerator && t.Timescale == o.Timescale &&
		t.Epoch == o.Epoch && t.Flags == o.Flags
}

// Compare returns -1, 0 or 1 as t is less than, equal to, or greater than o,
// using cross-multiplied rational arithmetic (avoids float rounding).
// Both timestamps must share the same Epoch; differing epochs are treated
// as incomparable and Compare returns 0 (callers needing epoch-aware
// ordering must normalize epochs first).
func (t T) Compare(o T) int {
	if !t.IsValid() || !o.IsValid() {
		return 0
	}
	if t.Epoch != o.Epoch {
		return 0
	}
	lhs := t.Numerator * int64(o.Timescale)
	rhs := o.Numerator * int64(t.Timescale)
	switch {
	case lhs < rhs:
		return -1
	case lhs > rhs:
		return 1
	default:
		return 0
	}
}

// Before reports whether t occurs strictly before o.
func (t T) Before(o T) bool { return t.Compare(o) < 0 }

// After reports whether t occurs strictly after o.
func (t T) After(o T) bool { return t.Compare(o) > 0 }

// Add returns t advanced by delta seconds, keeping t's timescale.
func (t T) Add(deltaSeconds float64) T {
	if !t.IsValid() {
		return t
	}
	return T{
		Numerator: t.Numerator + int64(deltaSeconds*float64(t.Timescale)),
		Timescale: t.Timescale,
		Epoch:     t.Epoch,
	}
}

// Sub returns the difference t-o expressed in seconds.
func (t T) Sub(o T) float64 {
	return t.Seconds() - o.Seconds()
}

func (t T) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", t.Numerator, t.Timescale)
}

// SeekingInfo is the value record describing an in-flight or pending seek.
// Two SeekingInfo values are equal iff all four fields match (spec.md §3).
type SeekingInfo struct {
	TargetTime          T
	ToleranceBefore     T
	ToleranceAfter      T
	ShouldPlayAfterSeek bool
}

// Equal reports whether s and o describe the same seek request.
func (s SeekingInfo) Equal(o SeekingInfo) bool {
	return s.TargetTime.Equal(o.TargetTime) &&
		s.ToleranceBefore.Equal(o.ToleranceBefore) &&
		s.ToleranceAfter.Equal(o.ToleranceAfter) &&
		s.ShouldPlayAfterSeek == o.ShouldPlayAfterSeek
}
