// Package errtypes contains custom error types
package errtypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrBatchMismatch = errors.New("batch size mismatch")
	ErrMissingKnown  = errors.New("known latents required")
	ErrUnsupported   = errors.New("unsupported value")
)

// UnsupportedError reports a configuration value outside its allowed set.
type UnsupportedError struct {
	Kind    string
	Value   string
	Allowed []string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported %s %q (want one of %s)", e.Kind, e.Value, strings.Join(e.Allowed, ", "))
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// ShapeError reports a tensor whose shape does not match what an operation expects.
type ShapeError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: want %v, got %v", ErrShapeMismatch, e.Name, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}
