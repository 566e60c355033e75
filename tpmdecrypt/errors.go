package tpmdecrypt

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/quantumauth-io/tpm-decrypt/keyfile"
)

var (
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrUnsealFailure     = errors.New("unseal failure")
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrEraseFailure means a key file may still be on disk. It can arrive
	// combined with another error; check it with errors.Is.
	ErrEraseFailure = keyfile.ErrEraseFailure

	ErrKeyDestroyed = errors.New("key material already destroyed")
)

// KeySizeError reports unsealed material that is not an AES key length.
type KeySizeError struct {
	Size int
}

func (e *KeySizeError) Error() string {
	return fmt.Sprintf("tpmdecrypt: %s: got %d bytes, want 16, 24 or 32", ErrInvalidKeySize, e.Size)
}

func (e *KeySizeError) Unwrap() error { return ErrInvalidKeySize }

type UnsealError struct {
	Handle     string
	Diagnostic string
	Err        error
}

func (e *UnsealError) Error() string {
	return fmt.Sprintf("tpmdecrypt: %s at %s: %s", ErrUnsealFailure, e.Handle, e.Diagnostic)
}

func (e *UnsealError) Unwrap() []error { return []error{ErrUnsealFailure, e.Err} }

type DecryptionError struct {
	Path       string
	Diagnostic string
	Err        error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("tpmdecrypt: %s of %s: %s", ErrDecryptionFailure, e.Path, e.Diagnostic)
}

func (e *DecryptionError) Unwrap() []error { return []error{ErrDecryptionFailure, e.Err} }

// Kind names the error class for metrics labels and audit records. Erase
// failures win over anything they were combined with.
func Kind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrEraseFailure):
		return "erase_failure"
	case errors.Is(err, ErrInvalidKeySize):
		return "invalid_key_size"
	case errors.Is(err, ErrUnsealFailure):
		return "unseal_failure"
	case errors.Is(err, ErrDecryptionFailure):
		return "decryption_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
