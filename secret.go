package signet

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Redacted is the fixed placeholder emitted whenever a secret container is
// formatted or serialized. Callers can test for presence of a secret but
// never read its content through formatting.
const Redacted = "[REDACTED]"

// Initialize memguard in init function to ensure interrupt handling and
// secure wiping are active before any key material is created.
func init() {
	memguard.CatchInterrupt()
}

// Purge wipes the memguard session, destroying every live secret container
// in the process. Intended for process shutdown paths.
func Purge() {
	memguard.Purge()
}

// Secret is a zeroizing container for sensitive byte material.
//
// The wrapped bytes live in a memguard enclave: encrypted at rest in memory,
// decrypted only for the duration of an Expose callback, and wiped when the
// working buffer is destroyed. Construction takes ownership of the source
// slice and wipes it, so the only plaintext copy is the one handed to the
// Expose callback. Formatting a Secret never reveals content.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret wraps value in a protected container. The value slice is wiped
// as a side effect; the container becomes the sole owner of the bytes.
// An empty or nil value yields a destroyed container.
func NewSecret(value []byte) *Secret {
	if len(value) == 0 {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave(value)}
}

// Expose decrypts the secret into a locked buffer and passes it to f.
// The buffer is wiped and destroyed when f returns, on success and on
// failure alike. The callback must not retain the slice or any sub-slice
// of it past its own return.
func (s *Secret) Expose(f func(b []byte) error) error {
	if s == nil || s.enclave == nil {
		return ErrSecretDestroyed
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret container: %w", err)
	}
	defer buf.Destroy()
	return f(buf.Bytes())
}

// Clone produces an independent container holding a copy of the secret,
// under the same protection guarantees. Byte secrets opt in to duplication;
// see SecretString for a container that deliberately does not.
func (s *Secret) Clone() (*Secret, error) {
	if s == nil || s.enclave == nil {
		return nil, ErrSecretDestroyed
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open secret container: %w", err)
	}
	defer buf.Destroy()

	dup := make([]byte, len(buf.Bytes()))
	copy(dup, buf.Bytes())
	return NewSecret(dup), nil
}

// Size returns the length of the protected value without exposing it.
// A destroyed container reports zero.
func (s *Secret) Size() int {
	if s == nil || s.enclave == nil {
		return 0
	}
	return s.enclave.Size()
}

// Destroy releases the container. The enclave ciphertext is dropped and the
// working copy, if one was ever opened, has already been wiped by memguard.
// Destroy is idempotent; Expose after Destroy returns ErrSecretDestroyed.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.enclave = nil
}

// String implements fmt.Stringer with a constant redaction marker.
func (s *Secret) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v cannot leak content either.
func (s *Secret) GoString() string { return Redacted }

// Format implements fmt.Formatter to redact every verb, including %v, %s,
// %x and %d applied to the struct value.
func (s *Secret) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, Redacted)
}

// MarshalJSON serializes the redaction marker, never the content.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}

// SecretString is a zeroizing container for sensitive text such as
// passphrases. It shares the Secret guarantees but is not clonable:
// duplicating credentials is an explicit policy decision that text
// secrets do not opt into.
type SecretString struct {
	inner *Secret
}

// NewSecretString wraps value in a protected container. The caller should
// discard its own copy of the string immediately; Go strings cannot be
// wiped in place.
func NewSecretString(value string) *SecretString {
	return &SecretString{inner: NewSecret([]byte(value))}
}

// Expose decrypts the text and passes it to f. The backing buffer is wiped
// when f returns; the callback must not retain the string.
func (s *SecretString) Expose(f func(v string) error) error {
	if s == nil || s.inner == nil {
		return ErrSecretDestroyed
	}
	return s.inner.Expose(func(b []byte) error {
		return f(string(b))
	})
}

// Size returns the length of the protected text without exposing it.
func (s *SecretString) Size() int {
	if s == nil || s.inner == nil {
		return 0
	}
	return s.inner.Size()
}

// Destroy releases the container. Idempotent.
func (s *SecretString) Destroy() {
	if s == nil || s.inner == nil {
		return
	}
	s.inner.Destroy()
}

func (s *SecretString) String() string   { return Redacted }
func (s *SecretString) GoString() string { return Redacted }

func (s *SecretString) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, Redacted)
}

func (s *SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}
