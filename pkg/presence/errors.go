package presence

import "errors"

// ErrInvalidArgument rejects malformed input, for example a thread
// context without a thread id.
var ErrInvalidArgument = errors.New("invalid argument")
