package domain

import (
	"errors"
	"fmt"
)

// Error categories. Callers match them with errors.Is; the wrapped message
// carries the detail.
var (
	// ErrInvalidParameter covers bad resolutions, bounds, CRS codes and tile indices.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInsufficientData means there are no usable samples to interpolate.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNotFound means a source raster, record or artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIO covers disk, codec and transform failures.
	ErrIO = errors.New("i/o failure")
)

// InvalidParameterf returns an error wrapping ErrInvalidParameter.
func InvalidParameterf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IOError wraps err as an ErrIO with the given operation prefix.
func IOError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
