package signet

// Signature is an algorithm-tagged signing output. The byte layout is fixed
// per algorithm: 65-byte [R || S || V] for secp256k1, 64 bytes for Ed25519,
// ASN.1 DER for P-256.
type Signature struct {
	Algorithm Algorithm
	Bytes     []byte
}

// Signer is the capability every signing provider exposes: sign a
// pre-hashed digest, reveal the public key, and nothing that exposes the
// private document. A provider is bound to exactly one key document and
// one algorithm for its whole lifetime.
//
// Providers are a closed set selected by the key document's algorithm tag
// at construction time; see NewSigner.
type Signer interface {
	// Algorithm returns the provider's algorithm.
	Algorithm() Algorithm

	// Sign produces a signature over a pre-hashed digest. The digest
	// length must match Algorithm().DigestSize(); hashing raw messages is
	// the caller's responsibility.
	Sign(digest []byte) (Signature, error)

	// PublicKey returns the encoded public component. Derived once at
	// construction; calling it never touches private material.
	PublicKey() []byte

	// Destroy zeroizes the provider's key document. The provider is
	// unusable afterwards.
	Destroy()
}

// NewSigner constructs the provider matching the document's algorithm tag.
// The provider takes ownership of the document.
func NewSigner(doc *KeyDocument) (Signer, error) {
	switch doc.Algorithm() {
	case AlgorithmSecp256k1:
		return NewSecp256k1Signer(doc)
	case AlgorithmEd25519:
		return NewEd25519Signer(doc)
	case AlgorithmP256:
		return NewP256Signer(doc)
	default:
		return nil, &DecodeError{Reason: "key document carries no supported algorithm tag"}
	}
}
