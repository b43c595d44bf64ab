package store

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded - The store is full and the incoming record was rejected.
	ErrCapacityExceeded = errors.New("store capacity exceeded")

	ErrValueTooLarge = errors.New("record value too large")

	ErrMaxProvidedKeys = fmt.Errorf("max provided keys reached: %w", ErrCapacityExceeded)
)
