package movieinput

import "errors"

// ErrCannotCreateAssetReader corresponds to spec.md §7's
// CannotCreateAssetReader error kind.
var ErrCannotCreateAssetReader = errors.New("movieinput: cannot create asset reader")

// ErrNilDecoder is returned by NewInput when constructed without a decoder.
var ErrNilDecoder = errors.New("movieinput: decoder must not be nil")
