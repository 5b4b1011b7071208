package signet

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1Signer signs 32-byte digests with ECDSA over secp256k1.
// Nonces are generated deterministically per RFC 6979 by the underlying
// implementation; two signatures over the same digest never reuse a nonce,
// which would otherwise leak the private scalar.
//
// The private key is decoded from the protected document on every Sign
// call and wiped before the call returns; only the public key is cached.
type Secp256k1Signer struct {
	doc *KeyDocument
	pub []byte
}

var _ Signer = (*Secp256k1Signer)(nil)

// NewSecp256k1Signer binds a provider to a secp256k1 key document. A
// document carrying any other algorithm tag is rejected with
// AlgorithmMismatchError. The signer takes ownership of the document.
func NewSecp256k1Signer(doc *KeyDocument) (*Secp256k1Signer, error) {
	if doc.Algorithm() != AlgorithmSecp256k1 {
		return nil, &AlgorithmMismatchError{Want: AlgorithmSecp256k1, Got: doc.Algorithm()}
	}

	var pub []byte
	err := doc.Expose(func(der []byte) error {
		priv, perr := parseSecp256k1(der)
		if perr != nil {
			return perr
		}
		defer wipeECDSAKey(priv)
		pub = ethcrypto.FromECDSAPub(&priv.PublicKey)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Secp256k1Signer{doc: doc, pub: pub}, nil
}

func (s *Secp256k1Signer) Algorithm() Algorithm { return AlgorithmSecp256k1 }

// PublicKey returns the uncompressed 65-byte SEC1 public key.
func (s *Secp256k1Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// Sign produces a 65-byte [R || S || V] signature over a 32-byte digest.
func (s *Secp256k1Signer) Sign(digest []byte) (Signature, error) {
	if len(digest) != AlgorithmSecp256k1.DigestSize() {
		return Signature{}, &DigestLengthError{
			Algorithm: AlgorithmSecp256k1,
			Want:      AlgorithmSecp256k1.DigestSize(),
			Got:       len(digest),
		}
	}

	var sig []byte
	err := s.doc.Expose(func(der []byte) error {
		priv, perr := parseSecp256k1(der)
		if perr != nil {
			return perr
		}
		defer wipeECDSAKey(priv)

		raw, serr := ethcrypto.Sign(digest, priv)
		if serr != nil {
			return &SigningError{Algorithm: AlgorithmSecp256k1, Err: serr}
		}
		sig = raw
		return nil
	})
	if err != nil {
		return Signature{}, err
	}
	return Signature{Algorithm: AlgorithmSecp256k1, Bytes: sig}, nil
}

// Destroy zeroizes the underlying key document.
func (s *Secp256k1Signer) Destroy() {
	s.doc.Destroy()
}

// VerifySecp256k1 checks a [R || S || V] or [R || S] signature over digest
// against an uncompressed public key. Intended for callers that want to
// validate output without holding a provider.
func VerifySecp256k1(pub, digest, sig []byte) bool {
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return false
	}
	return ethcrypto.VerifySignature(pub, digest, sig)
}
