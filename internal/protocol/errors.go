package protocol

import "errors"

// Parse errors (spec section 7): the offending frame is discarded and
// a counter incremented by the caller; these are never fatal.
var (
	ErrBadVersion = errors.New("protocol: unsupported version")
	ErrBadType    = errors.New("protocol: unknown pdu type")
	ErrTruncated  = errors.New("protocol: truncated pdu")
)
