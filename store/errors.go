package store

import (
	"errors"
)

// Error kinds returned by mailbox operations. Compare with errors.Is; other
// errors indicate an underlying I/O or cache-backend failure.
var (
	ErrNotFound         = errors.New("not found")
	ErrCorruptSequences = errors.New("corrupt mh sequences file")
	ErrCorruptFilename  = errors.New("filename violates mailbox naming")
	ErrCollision        = errors.New("name collision")
	ErrAborted          = errors.New("aborted")
	ErrOutOfRange       = errors.New("mh message number out of range")
)
