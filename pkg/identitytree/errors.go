package identitytree

import "errors"

var (
	ErrZeroCommitment      = errors.New("identitytree: zero commitment is reserved as the empty-leaf sentinel")
	ErrTreeFull            = errors.New("identitytree: tree has no remaining capacity")
	ErrNotInserted         = errors.New("identitytree: leaf index was never inserted")
	ErrAlreadyDeleted      = errors.New("identitytree: leaf index is already deleted")
	ErrWatermarkReplay     = errors.New("identitytree: cannot apply updates out of sequence order")
	ErrInsufficientLog     = errors.New("identitytree: fewer pending updates available than requested")
	ErrDuplicateCommitment = errors.New("identitytree: commitment is already live in the tree")
	ErrCommitmentGone      = errors.New("identitytree: commitment was previously inserted and has since been deleted")
	ErrCommitmentNotFound  = errors.New("identitytree: commitment was never inserted")
)
