package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/signet/internal/misc"
)

// SealWithPassphrase encrypts data using a passphrase with PBKDF2 + ChaCha20-Poly1305.
// The output embeds the salt and nonce so it is self-contained.
func SealWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	// Layout: salt || nonce || ciphertext
	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < 32+chacha20poly1305.NonceSize {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:32]
	nonce := sealed[32 : 32+chacha20poly1305.NonceSize]
	ciphertext := sealed[32+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Checksum calculates the SHA-256 checksum of data as a hex string.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DeriveKey derives a sealing key from a passphrase and the stored salt
// using Argon2id. The result stays inside a locked buffer.
func DeriveKey(passphrase []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derivedKey := argon2.IDKey(
		passphrase,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	protectedKey := memguard.NewBufferFromBytes(derivedKey)
	memguard.WipeBytes(derivedKey)
	return protectedKey, nil
}

// Seal encrypts value with an already-derived key using ChaCha20-Poly1305.
// The nonce is prepended to the ciphertext.
func Seal(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	sealed := make([]byte, 0, len(nonce)+len(ciphertext))
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// Open decrypts a value produced by Seal.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// IsWeakKey reports whether key material is obviously unsuitable for
// sealing: too short, constant, or with too little byte variety.
func IsWeakKey(key []byte) bool {
	if len(key) < chacha20poly1305.KeySize {
		return true
	}

	allSame := true
	for _, b := range key[1:] {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	unique := make(map[byte]struct{}, len(key))
	for _, b := range key {
		unique[b] = struct{}{}
	}
	return len(unique) < 16
}
