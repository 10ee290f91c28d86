package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL    = errors.New("Invalid URL")
	ErrSizeMismatch  = errors.New("Downloaded file size does not match expected size")
	ErrUnknownSize   = errors.New("remote file size is unknown")
	ErrRangeMismatch = errors.New("partial content does not start at the local file size")
	ErrReadTimeout   = errors.New("read timeout")
)

// StatusError is returned for any response status other than the ones a transfer can use.
type StatusError struct {
	StatusCode int
}

var _ error = StatusError{}

func (e StatusError) Error() string {
	return fmt.Sprintf("Download failed with status code %d", e.StatusCode)
}
