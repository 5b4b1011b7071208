package signet

import (
	"crypto/ecdsa"
	stded25519 "crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/awnumar/memguard"
	circled25519 "github.com/cloudflare/circl/sign/ed25519"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Algorithm identifies a supported signing algorithm. The set is closed:
// providers are selected by tag at construction time, not discovered.
type Algorithm string

const (
	// AlgorithmSecp256k1 is ECDSA over the secp256k1 curve with
	// deterministic (RFC 6979) nonce generation.
	AlgorithmSecp256k1 Algorithm = "secp256k1"

	// AlgorithmEd25519 is EdDSA over edwards25519.
	AlgorithmEd25519 Algorithm = "ed25519"

	// AlgorithmP256 is ECDSA over NIST P-256.
	AlgorithmP256 Algorithm = "p256"
)

// SupportedAlgorithms returns the closed set of algorithms this build can
// generate and sign with.
func SupportedAlgorithms() []Algorithm {
	return []Algorithm{AlgorithmSecp256k1, AlgorithmEd25519, AlgorithmP256}
}

// Valid reports whether a is a member of the supported set.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSecp256k1, AlgorithmEd25519, AlgorithmP256:
		return true
	}
	return false
}

// DigestSize returns the digest length in bytes that Sign expects for this
// algorithm. All supported algorithms sign 256-bit digests.
func (a Algorithm) DigestSize() int {
	switch a {
	case AlgorithmSecp256k1, AlgorithmEd25519, AlgorithmP256:
		return 32
	}
	return 0
}

func (a Algorithm) String() string { return string(a) }

// PKCS#8 / SEC1 object identifiers. The standard library covers Ed25519 and
// the NIST curves but cannot express secp256k1, so the secp256k1 document
// layout is assembled by hand from the same ASN.1 structures x509 uses.
var (
	oidPublicKeyECDSA      = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidPublicKeyEd25519    = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidNamedCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
	oidNamedCurveP256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
)

// pkcs8Doc mirrors the RFC 5208 PrivateKeyInfo structure.
type pkcs8Doc struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// sec1PrivateKey mirrors the RFC 5915 ECPrivateKey structure carried inside
// the PKCS#8 PrivateKey octet string for EC keys.
type sec1PrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// KeyDocument is an algorithm-tagged PKCS#8 private-key record. The DER
// bytes live inside a zeroizing Secret for the document's whole lifetime;
// the only way to read them is a scoped Expose call.
type KeyDocument struct {
	algorithm Algorithm
	der       *Secret
}

// GenerateKeyDocument produces a fresh key document for the requested
// algorithm using the process CSPRNG. It performs no I/O; persisting the
// document is the key store's concern.
func GenerateKeyDocument(algorithm Algorithm) (*KeyDocument, error) {
	switch algorithm {
	case AlgorithmSecp256k1:
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "random source failure", Err: err}
		}
		der, err := marshalSecp256k1(priv)
		wipeECDSAKey(priv)
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "document encoding failed", Err: err}
		}
		return &KeyDocument{algorithm: algorithm, der: NewSecret(der)}, nil

	case AlgorithmEd25519:
		_, priv, err := circled25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "random source failure", Err: err}
		}
		// Re-express through the standard library type for PKCS#8 encoding;
		// the seed is the whole private key.
		seed := priv.Seed()
		der, err := x509.MarshalPKCS8PrivateKey(stded25519.NewKeyFromSeed(seed))
		memguard.WipeBytes(seed)
		memguard.WipeBytes(priv)
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "document encoding failed", Err: err}
		}
		return &KeyDocument{algorithm: algorithm, der: NewSecret(der)}, nil

	case AlgorithmP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "random source failure", Err: err}
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		wipeECDSAKey(priv)
		if err != nil {
			return nil, &GenerationError{Algorithm: algorithm, Reason: "document encoding failed", Err: err}
		}
		return &KeyDocument{algorithm: algorithm, der: NewSecret(der)}, nil

	default:
		return nil, &GenerationError{Algorithm: algorithm, Reason: "unsupported algorithm"}
	}
}

// ParseKeyDocument decodes a PKCS#8 byte stream into a tagged key document.
// The algorithm is identified from the embedded object identifiers and the
// full private-key structure is validated before the bytes are wrapped, so
// a truncated or malformed stream never yields a partial document. On
// success the source slice is wiped and ownership moves into the document.
func ParseKeyDocument(der []byte) (*KeyDocument, error) {
	algorithm, err := sniffAlgorithm(der)
	if err != nil {
		memguard.WipeBytes(der)
		return nil, err
	}

	// Full structural validation, not just the header.
	switch algorithm {
	case AlgorithmSecp256k1:
		priv, perr := parseSecp256k1(der)
		if perr != nil {
			memguard.WipeBytes(der)
			return nil, perr
		}
		wipeECDSAKey(priv)
	case AlgorithmEd25519:
		priv, perr := parseEd25519(der)
		if perr != nil {
			memguard.WipeBytes(der)
			return nil, perr
		}
		memguard.WipeBytes(priv)
	case AlgorithmP256:
		priv, perr := parseP256(der)
		if perr != nil {
			memguard.WipeBytes(der)
			return nil, perr
		}
		wipeECDSAKey(priv)
	}

	return &KeyDocument{algorithm: algorithm, der: NewSecret(der)}, nil
}

// Algorithm returns the document's algorithm tag.
func (d *KeyDocument) Algorithm() Algorithm {
	if d == nil {
		return ""
	}
	return d.algorithm
}

// Expose passes the PKCS#8 DER to f under the container's scoped-access
// contract. The callback must not retain the slice.
func (d *KeyDocument) Expose(f func(der []byte) error) error {
	if d == nil || d.der == nil {
		return ErrSecretDestroyed
	}
	return d.der.Expose(f)
}

// Clone produces an independent document with its own protected copy of
// the DER bytes.
func (d *KeyDocument) Clone() (*KeyDocument, error) {
	if d == nil || d.der == nil {
		return nil, ErrSecretDestroyed
	}
	dup, err := d.der.Clone()
	if err != nil {
		return nil, err
	}
	return &KeyDocument{algorithm: d.algorithm, der: dup}, nil
}

// Equal reports whether two documents carry the same algorithm and the
// same encoded bytes. Used by round-trip checks; comparison happens inside
// the containers' scoped access.
func (d *KeyDocument) Equal(other *KeyDocument) bool {
	if d == nil || other == nil || d.algorithm != other.algorithm {
		return false
	}
	equal := false
	_ = d.Expose(func(a []byte) error {
		return other.Expose(func(b []byte) error {
			if len(a) == len(b) {
				equal = true
				for i := range a {
					if a[i] != b[i] {
						equal = false
						break
					}
				}
			}
			return nil
		})
	})
	return equal
}

// Destroy zeroizes and releases the document. Idempotent.
func (d *KeyDocument) Destroy() {
	if d == nil || d.der == nil {
		return
	}
	d.der.Destroy()
}

func (d *KeyDocument) String() string   { return Redacted }
func (d *KeyDocument) GoString() string { return Redacted }

func (d *KeyDocument) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, Redacted)
}

// sniffAlgorithm identifies the algorithm tag from the PKCS#8 header OIDs.
func sniffAlgorithm(der []byte) (Algorithm, error) {
	var doc pkcs8Doc
	rest, err := asn1.Unmarshal(der, &doc)
	if err != nil {
		return "", &DecodeError{Reason: "malformed PKCS#8 structure", Err: err}
	}
	if len(rest) > 0 {
		return "", &DecodeError{Reason: "trailing data after PKCS#8 structure"}
	}

	switch {
	case doc.Algo.Algorithm.Equal(oidPublicKeyEd25519):
		return AlgorithmEd25519, nil

	case doc.Algo.Algorithm.Equal(oidPublicKeyECDSA):
		var curve asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(doc.Algo.Parameters.FullBytes, &curve); err != nil {
			return "", &DecodeError{Reason: "malformed EC curve parameters", Err: err}
		}
		switch {
		case curve.Equal(oidNamedCurveSecp256k1):
			return AlgorithmSecp256k1, nil
		case curve.Equal(oidNamedCurveP256):
			return AlgorithmP256, nil
		default:
			return "", &DecodeError{Reason: fmt.Sprintf("unsupported EC curve %v", curve)}
		}

	default:
		return "", &DecodeError{Reason: fmt.Sprintf("unsupported key algorithm %v", doc.Algo.Algorithm)}
	}
}

// marshalSecp256k1 encodes a secp256k1 private key as PKCS#8 wrapping the
// SEC1 ECPrivateKey structure, the layout openssl produces for this curve.
func marshalSecp256k1(priv *ecdsa.PrivateKey) ([]byte, error) {
	curveParams, err := asn1.Marshal(oidNamedCurveSecp256k1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal curve identifier: %w", err)
	}

	scalar := ethcrypto.FromECDSA(priv)
	defer memguard.WipeBytes(scalar)
	pub := ethcrypto.FromECDSAPub(&priv.PublicKey)

	inner, err := asn1.Marshal(sec1PrivateKey{
		Version:       1,
		PrivateKey:    scalar,
		NamedCurveOID: oidNamedCurveSecp256k1,
		PublicKey:     asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal EC private key: %w", err)
	}
	defer memguard.WipeBytes(inner)

	der, err := asn1.Marshal(pkcs8Doc{
		Version: 0,
		Algo: pkix.AlgorithmIdentifier{
			Algorithm:  oidPublicKeyECDSA,
			Parameters: asn1.RawValue{FullBytes: curveParams},
		},
		PrivateKey: inner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PKCS#8 document: %w", err)
	}
	return der, nil
}

// parseSecp256k1 decodes a secp256k1 PKCS#8 document into a usable private
// key. The caller owns the returned key and must wipe it after use.
func parseSecp256k1(der []byte) (*ecdsa.PrivateKey, error) {
	var doc pkcs8Doc
	rest, err := asn1.Unmarshal(der, &doc)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed PKCS#8 structure", Err: err}
	}
	if len(rest) > 0 {
		return nil, &DecodeError{Reason: "trailing data after PKCS#8 structure"}
	}
	if !doc.Algo.Algorithm.Equal(oidPublicKeyECDSA) {
		return nil, &DecodeError{Reason: "not an EC key document"}
	}

	var inner sec1PrivateKey
	if _, err := asn1.Unmarshal(doc.PrivateKey, &inner); err != nil {
		return nil, &DecodeError{Reason: "malformed EC private key structure", Err: err}
	}
	if len(inner.PrivateKey) != 32 {
		return nil, &DecodeError{Reason: fmt.Sprintf("unexpected secp256k1 scalar length %d", len(inner.PrivateKey))}
	}

	priv, err := ethcrypto.ToECDSA(inner.PrivateKey)
	memguard.WipeBytes(inner.PrivateKey)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid secp256k1 scalar", Err: err}
	}
	return priv, nil
}

// parseEd25519 decodes an Ed25519 PKCS#8 document. The caller must wipe the
// returned key after use.
func parseEd25519(der []byte) (circled25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed PKCS#8 structure", Err: err}
	}
	std, ok := key.(stded25519.PrivateKey)
	if !ok {
		return nil, &DecodeError{Reason: "not an Ed25519 key document"}
	}
	seed := std.Seed()
	priv := circled25519.NewKeyFromSeed(seed)
	memguard.WipeBytes(seed)
	memguard.WipeBytes(std)
	return priv, nil
}

// parseP256 decodes a NIST P-256 PKCS#8 document. The caller must wipe the
// returned key after use.
func parseP256(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed PKCS#8 structure", Err: err}
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &DecodeError{Reason: "not an ECDSA key document"}
	}
	if priv.Curve != elliptic.P256() {
		wipeECDSAKey(priv)
		return nil, &DecodeError{Reason: "unexpected curve in ECDSA key document"}
	}
	return priv, nil
}

// wipeECDSAKey overwrites the private scalar's backing words. The public
// components are not sensitive.
func wipeECDSAKey(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	bits := priv.D.Bits()
	for i := range bits {
		bits[i] = 0
	}
	priv.D.SetInt64(0)
}
