package signet

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing is a registry mapping unique names to signing providers. Rings
// are heterogeneous: keys for different algorithms coexist in one ring.
//
// A ring is an explicit, caller-owned object; nothing in this package
// holds a global ring. Mutation (Register, Unregister) and reads (Sign,
// Names, PublicKey) are serialized through an internal single-writer lock,
// so one ring may be shared across goroutines. Signing never mutates the
// mapping.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeyRing creates an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]Signer)}
}

// Register binds a signing provider to a name. Names are unique within a
// ring: registering an existing name fails with DuplicateNameError and
// leaves the original registration intact and signable. The ring takes
// ownership of the provider. Aliasing one provider under several names is
// not supported.
func (r *KeyRing) Register(name string, signer Signer) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if signer == nil {
		return fmt.Errorf("signer cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.signers[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	r.signers[name] = signer
	return nil
}

// Unregister removes a name from the ring and returns its provider,
// handing ownership back to the caller. Destroying the returned provider
// triggers zeroization of its key document. The second return is false
// when the name was not registered.
func (r *KeyRing) Unregister(name string) (Signer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	signer, exists := r.signers[name]
	if !exists {
		return nil, false
	}
	delete(r.signers, name)
	return signer, true
}

// Sign routes a digest to the provider registered under name. An absent
// name fails with KeyNotFoundError; provider failures propagate with their
// original typed errors intact. The mapping is never mutated by a signing
// call, failed or not.
func (r *KeyRing) Sign(name string, digest []byte) (Signature, error) {
	r.mu.RLock()
	signer, exists := r.signers[name]
	r.mu.RUnlock()

	if !exists {
		return Signature{}, &KeyNotFoundError{Name: name}
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return Signature{}, fmt.Errorf("signing with key %q: %w", name, err)
	}
	return sig, nil
}

// PublicKey returns the encoded public key of the provider registered
// under name.
func (r *KeyRing) PublicKey(name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer, exists := r.signers[name]
	if !exists {
		return nil, &KeyNotFoundError{Name: name}
	}
	return signer.PublicKey(), nil
}

// Algorithm returns the algorithm of the provider registered under name.
func (r *KeyRing) Algorithm(name string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer, exists := r.signers[name]
	if !exists {
		return "", &KeyNotFoundError{Name: name}
	}
	return signer.Algorithm(), nil
}

// Names returns a sorted snapshot of the registered names. Each call takes
// a fresh snapshot; concurrent mutation is not reflected mid-iteration.
func (r *KeyRing) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.signers))
	for name := range r.signers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered keys.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signers)
}

// Destroy unregisters every key and zeroizes the providers' key documents.
// The ring remains usable (empty) afterwards.
func (r *KeyRing) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, signer := range r.signers {
		signer.Destroy()
		delete(r.signers, name)
	}
}
