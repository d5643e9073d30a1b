package domain

import "errors"

var (
	// ErrInvalidInput is returned before any state is touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig is fatal at startup.
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrNotFound = errors.New("record not found")
)
