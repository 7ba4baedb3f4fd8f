package fhe

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientShares is returned when fewer than t valid shares are supplied.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrMalformedShare is returned when a share fails validation.
	ErrMalformedShare = errors.New("malformed share")

	// ErrInvalidCiphertext is returned for ciphertexts that cannot be decoded or combined.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidDescriptor is returned for aggregation descriptors that do not fit the batch.
	ErrInvalidDescriptor = errors.New("invalid aggregation descriptor")
)

// MalformedShareError identifies the Core whose share failed validation.
type MalformedShareError struct {
	Index  int    // Index is the Core index of the offending share
	Reason string // Reason describes the validation failure
}

// Error implements error.
func (e *MalformedShareError) Error() string {
	return fmt.Sprintf("malformed share from core %d: %s", e.Index, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedShare.
func (e *MalformedShareError) Unwrap() error {
	return ErrMalformedShare
}

// malformed builds a MalformedShareError.
func malformed(index int, format string, args ...any) error {
	return &MalformedShareError{Index: index, Reason: fmt.Sprintf(format, args...)}
}
