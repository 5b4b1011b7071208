package signet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
)

// P256Signer signs 32-byte digests with ECDSA over NIST P-256, producing
// ASN.1 DER signatures. Nonce generation follows the standard library's
// hedged scheme, which mixes the private key and digest into the nonce and
// is safe against nonce reuse.
type P256Signer struct {
	doc *KeyDocument
	pub []byte
}

var _ Signer = (*P256Signer)(nil)

// NewP256Signer binds a provider to a P-256 key document. A document
// carrying any other algorithm tag is rejected with AlgorithmMismatchError.
// The signer takes ownership of the document.
func NewP256Signer(doc *KeyDocument) (*P256Signer, error) {
	if doc.Algorithm() != AlgorithmP256 {
		return nil, &AlgorithmMismatchError{Want: AlgorithmP256, Got: doc.Algorithm()}
	}

	var pub []byte
	err := doc.Expose(func(der []byte) error {
		priv, perr := parseP256(der)
		if perr != nil {
			return perr
		}
		defer wipeECDSAKey(priv)
		pub = elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &P256Signer{doc: doc, pub: pub}, nil
}

func (s *P256Signer) Algorithm() Algorithm { return AlgorithmP256 }

// PublicKey returns the uncompressed 65-byte SEC1 public key.
func (s *P256Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// Sign produces an ASN.1 DER signature over a 32-byte digest.
func (s *P256Signer) Sign(digest []byte) (Signature, error) {
	if len(digest) != AlgorithmP256.DigestSize() {
		return Signature{}, &DigestLengthError{
			Algorithm: AlgorithmP256,
			Want:      AlgorithmP256.DigestSize(),
			Got:       len(digest),
		}
	}

	var sig []byte
	err := s.doc.Expose(func(der []byte) error {
		priv, perr := parseP256(der)
		if perr != nil {
			return perr
		}
		defer wipeECDSAKey(priv)

		raw, serr := ecdsa.SignASN1(rand.Reader, priv, digest)
		if serr != nil {
			return &SigningError{Algorithm: AlgorithmP256, Err: serr}
		}
		sig = raw
		return nil
	})
	if err != nil {
		return Signature{}, err
	}
	return Signature{Algorithm: AlgorithmP256, Bytes: sig}, nil
}

// Destroy zeroizes the underlying key document.
func (s *P256Signer) Destroy() {
	s.doc.Destroy()
}

// VerifyP256 checks an ASN.1 DER signature over digest against an
// uncompressed SEC1 public key.
func VerifyP256(pub, digest, sig []byte) bool {
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return false
	}
	return ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, digest, sig)
}
