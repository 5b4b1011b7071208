package signet

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the library.
var (
	// ErrSecretDestroyed is returned when a secret container is used after
	// it has been destroyed.
	ErrSecretDestroyed = errors.New("secret container has been destroyed")

	// ErrNotFound is returned by a key store when no document exists under
	// the requested identifier.
	ErrNotFound = errors.New("key document not found")
)

// GenerationError reports a failed key generation: an unsupported algorithm
// or an unavailable random source. Generation is never retried internally.
type GenerationError struct {
	Algorithm Algorithm
	Reason    string
	Err       error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key generation failed for %s: %s: %v", e.Algorithm, e.Reason, e.Err)
	}
	return fmt.Sprintf("key generation failed for %s: %s", e.Algorithm, e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// DecodeError reports a malformed stored key document. No partial document
// is ever returned alongside it.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key document decode failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("key document decode failed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AlgorithmMismatchError reports a disagreement between a signing provider's
// algorithm and the tag carried by the key document handed to it.
type AlgorithmMismatchError struct {
	Want Algorithm
	Got  Algorithm
}

func (e *AlgorithmMismatchError) Error() string {
	return fmt.Sprintf("algorithm mismatch: provider expects %s, key document is %s", e.Want, e.Got)
}

// DigestLengthError reports a digest whose size does not match the signing
// algorithm's expectation. The subsystem signs pre-hashed digests only.
type DigestLengthError struct {
	Algorithm Algorithm
	Want      int
	Got       int
}

func (e *DigestLengthError) Error() string {
	return fmt.Sprintf("invalid digest length for %s: expected %d bytes, got %d", e.Algorithm, e.Want, e.Got)
}

// SigningError reports an algorithm-internal signing failure, such as an
// invalid scalar in the decoded key material.
type SigningError struct {
	Algorithm Algorithm
	Err       error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed for %s: %v", e.Algorithm, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// DuplicateNameError reports an attempt to register a key under a name that
// is already present in the ring. The original registration is untouched.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("key name %q is already registered", e.Name)
}

// KeyNotFoundError reports a signing or lookup request against a name that
// is not registered in the ring.
type KeyNotFoundError struct {
	Name string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("no key registered under name %q", e.Name)
}
