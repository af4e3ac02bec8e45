package merkletree

import "errors"

var (
	ErrIndexOutOfRange  = errors.New("merkletree: leaf index out of range")
	ErrDepthMismatch    = errors.New("merkletree: proof depth does not match tree depth")
	ErrEmptyTree        = errors.New("merkletree: tree has zero depth")
	ErrInvalidDepth     = errors.New("merkletree: depth must be between 1 and 32")
)
