package analyses

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotResumable    = errors.New("run is not resumable")
	ErrNotCancellable  = errors.New("run is already finished")
	ErrNotFound        = errors.New("not found")
)
