package intake

import "errors"

var (
	ErrInvalidCommitment = errors.New("intake: commitment is not a valid field element")
	ErrNotFound          = errors.New("intake: commitment was never inserted")
	ErrGone              = errors.New("intake: commitment was inserted and has since been deleted")
	ErrUnknownVersion    = errors.New("intake: unknown tree version")
)
