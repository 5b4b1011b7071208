package signet

import (
	"github.com/awnumar/memguard"
	circled25519 "github.com/cloudflare/circl/sign/ed25519"
)

// Ed25519Signer signs 32-byte digests with EdDSA over edwards25519. EdDSA
// is deterministic by construction, so repeated signatures over one digest
// are byte-identical. The digest is signed as the message; hashing the
// original payload down to 32 bytes is the caller's responsibility.
type Ed25519Signer struct {
	doc *KeyDocument
	pub []byte
}

var _ Signer = (*Ed25519Signer)(nil)

// NewEd25519Signer binds a provider to an Ed25519 key document. A document
// carrying any other algorithm tag is rejected with AlgorithmMismatchError.
// The signer takes ownership of the document.
func NewEd25519Signer(doc *KeyDocument) (*Ed25519Signer, error) {
	if doc.Algorithm() != AlgorithmEd25519 {
		return nil, &AlgorithmMismatchError{Want: AlgorithmEd25519, Got: doc.Algorithm()}
	}

	var pub []byte
	err := doc.Expose(func(der []byte) error {
		priv, perr := parseEd25519(der)
		if perr != nil {
			return perr
		}
		defer memguard.WipeBytes(priv)
		pub = make([]byte, circled25519.PublicKeySize)
		copy(pub, priv.Public().(circled25519.PublicKey))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Ed25519Signer{doc: doc, pub: pub}, nil
}

func (s *Ed25519Signer) Algorithm() Algorithm { return AlgorithmEd25519 }

// PublicKey returns the 32-byte Ed25519 public key.
func (s *Ed25519Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// Sign produces a 64-byte Ed25519 signature over a 32-byte digest.
func (s *Ed25519Signer) Sign(digest []byte) (Signature, error) {
	if len(digest) != AlgorithmEd25519.DigestSize() {
		return Signature{}, &DigestLengthError{
			Algorithm: AlgorithmEd25519,
			Want:      AlgorithmEd25519.DigestSize(),
			Got:       len(digest),
		}
	}

	var sig []byte
	err := s.doc.Expose(func(der []byte) error {
		priv, perr := parseEd25519(der)
		if perr != nil {
			return perr
		}
		defer memguard.WipeBytes(priv)
		sig = circled25519.Sign(priv, digest)
		return nil
	})
	if err != nil {
		return Signature{}, err
	}
	return Signature{Algorithm: AlgorithmEd25519, Bytes: sig}, nil
}

// Destroy zeroizes the underlying key document.
func (s *Ed25519Signer) Destroy() {
	s.doc.Destroy()
}

// VerifyEd25519 checks an Ed25519 signature over digest against a 32-byte
// public key.
func VerifyEd25519(pub, digest, sig []byte) bool {
	if len(pub) != circled25519.PublicKeySize || len(sig) != circled25519.SignatureSize {
		return false
	}
	return circled25519.Verify(circled25519.PublicKey(pub), digest, sig)
}
