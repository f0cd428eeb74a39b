package fetcher

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-fetch-books/auth"
	"github.com/aluiziolira/go-fetch-books/pipeline"
)

// ErrClone indicates a failure to open or authenticate a cloned session.
type ErrClone struct {
	Err error
}

func (e ErrClone) Error() string {
	return fmt.Errorf("clone: %w", e.Err).Error()
}

func (e ErrClone) Unwrap() error {
	return e.Err
}

// ErrNavigation indicates a page could not be reached.
type ErrNavigation struct {
	Err error
}

func (e ErrNavigation) Error() string {
	return fmt.Errorf("navigation: %w", e.Err).Error()
}

func (e ErrNavigation) Unwrap() error {
	return e.Err
}

// ErrIndeterminate indicates a page showed neither item rows nor the
// empty-listing indicator before its deadline.
type ErrIndeterminate struct {
	Err error
}

func (e ErrIndeterminate) Error() string {
	return fmt.Errorf("indeterminate_page: %w", e.Err).Error()
}

func (e ErrIndeterminate) Unwrap() error {
	return e.Err
}

// ErrIndexWrite indicates the idempotency record could not be written
// after a successful download. It is never retried: another attempt
// would download the item a second time.
type ErrIndexWrite struct {
	Err error
}

func (e ErrIndexWrite) Error() string {
	return fmt.Errorf("index_write: %w", e.Err).Error()
}

func (e ErrIndexWrite) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, auth.ErrLostAuthentication) {
		return "lost_authentication"
	}
	if errors.Is(err, pipeline.ErrOverlayStuck) {
		return "overlay_stuck"
	}
	var clone ErrClone
	if errors.As(err, &clone) {
		return "clone"
	}
	var nav ErrNavigation
	if errors.As(err, &nav) {
		return "navigation"
	}
	var indeterminate ErrIndeterminate
	if errors.As(err, &indeterminate) {
		return "indeterminate_page"
	}
	var indexWrite ErrIndexWrite
	if errors.As(err, &indexWrite) {
		return "index_write"
	}
	return "other"
}

// retryable reports whether a page error is worth another attempt.
// Authentication loss and index-write failures are terminal for the
// page regardless of remaining budget.
func retryable(err error) bool {
	if errors.Is(err, auth.ErrLostAuthentication) {
		return false
	}
	var indexWrite ErrIndexWrite
	return !errors.As(err, &indexWrite)
}
