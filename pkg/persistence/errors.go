package persistence

import "errors"

var (
	// ErrRunNotFound marks lookups of unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrTriggerNotFound marks lookups of unknown trigger ids.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrClaimLost marks an update attempted by a worker that no longer owns
	// the run row; the worker must abort and leave the run for reclaim.
	ErrClaimLost = errors.New("run claim lost")
)

// IsRunNotFound reports whether err wraps ErrRunNotFound.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsTriggerNotFound reports whether err wraps ErrTriggerNotFound.
func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

// IsClaimLost reports whether err wraps ErrClaimLost.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}
