package signet

import (
	"errors"
	"fmt"
	"testing"
)

func TestGenerateKeyDocumentAllAlgorithms(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		t.Run(string(alg), func(t *testing.T) {
			doc, err := GenerateKeyDocument(alg)
			if err != nil {
				t.Fatalf("GenerateKeyDocument(%s) failed: %v", alg, err)
			}
			defer doc.Destroy()

			if doc.Algorithm() != alg {
				t.Errorf("Algorithm tag mismatch: want %s, got %s", alg, doc.Algorithm())
			}

			err = doc.Expose(func(der []byte) error {
				if len(der) == 0 {
					t.Error("Generated document has empty DER")
				}
				// PKCS#8 always starts with an ASN.1 SEQUENCE
				if der[0] != 0x30 {
					t.Errorf("DER does not start with SEQUENCE tag: 0x%02x", der[0])
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Expose failed: %v", err)
			}
		})
	}
}

func TestGenerateKeyDocumentUnsupportedAlgorithm(t *testing.T) {
	doc, err := GenerateKeyDocument(Algorithm("rsa4096"))
	if doc != nil {
		t.Error("Expected nil document for unsupported algorithm")
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError, got %T: %v", err, err)
	}
	if genErr.Algorithm != "rsa4096" {
		t.Errorf("Error carries wrong algorithm: %s", genErr.Algorithm)
	}
}

func TestParseKeyDocumentRoundTrip(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		t.Run(string(alg), func(t *testing.T) {
			doc, err := GenerateKeyDocument(alg)
			if err != nil {
				t.Fatalf("GenerateKeyDocument failed: %v", err)
			}
			defer doc.Destroy()

			var der []byte
			err = doc.Expose(func(b []byte) error {
				der = make([]byte, len(b))
				copy(der, b)
				return nil
			})
			if err != nil {
				t.Fatalf("Expose failed: %v", err)
			}

			parsed, err := ParseKeyDocument(der)
			if err != nil {
				t.Fatalf("ParseKeyDocument failed: %v", err)
			}
			defer parsed.Destroy()

			if parsed.Algorithm() != alg {
				t.Errorf("Parsed algorithm mismatch: want %s, got %s", alg, parsed.Algorithm())
			}
			if !doc.Equal(parsed) {
				t.Error("Round-tripped document differs from original")
			}
		})
	}
}

func TestParseKeyDocumentTakesOwnership(t *testing.T) {
	doc, err := GenerateKeyDocument(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}
	defer doc.Destroy()

	var der []byte
	_ = doc.Expose(func(b []byte) error {
		der = make([]byte, len(b))
		copy(der, b)
		return nil
	})

	parsed, err := ParseKeyDocument(der)
	if err != nil {
		t.Fatalf("ParseKeyDocument failed: %v", err)
	}
	defer parsed.Destroy()

	// The source slice belongs to the document now and has been wiped
	allZero := true
	for _, b := range der {
		if b != 0 {
			allZero = false
			break
		}
	}
	if !allZero {
		t.Error("Source DER slice was not wiped after parsing")
	}
}

func TestParseKeyDocumentTruncated(t *testing.T) {
	doc, err := GenerateKeyDocument(AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}
	defer doc.Destroy()

	var der []byte
	_ = doc.Expose(func(b []byte) error {
		der = make([]byte, len(b))
		copy(der, b)
		return nil
	})

	truncated := der[:len(der)/2]
	parsed, err := ParseKeyDocument(truncated)
	if parsed != nil {
		t.Error("Truncated DER yielded a document")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %T: %v", err, err)
	}
}

func TestParseKeyDocumentGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x00},
		{0x30, 0x03, 0x02, 0x01, 0x00},
		[]byte("this is not DER at all, not even close to it"),
	}
	for i, input := range inputs {
		parsed, err := ParseKeyDocument(input)
		if parsed != nil {
			t.Errorf("input %d: garbage yielded a document", i)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("input %d: expected DecodeError, got %T: %v", i, err, err)
		}
	}
}

func TestKeyDocumentClone(t *testing.T) {
	doc, err := GenerateKeyDocument(AlgorithmP256)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}

	clone, err := doc.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	defer clone.Destroy()

	if !doc.Equal(clone) {
		t.Error("Clone differs from original")
	}

	// The clone survives destruction of the original
	doc.Destroy()
	if clone.Algorithm() != AlgorithmP256 {
		t.Error("Clone lost its algorithm tag")
	}
	err = clone.Expose(func(der []byte) error {
		if len(der) == 0 {
			t.Error("Clone has empty DER after original destroyed")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Clone unusable after original destroyed: %v", err)
	}
}

func TestKeyDocumentDestroy(t *testing.T) {
	doc, err := GenerateKeyDocument(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}

	doc.Destroy()
	doc.Destroy() // idempotent

	err = doc.Expose(func(der []byte) error { return nil })
	if !errors.Is(err, ErrSecretDestroyed) {
		t.Errorf("Expected ErrSecretDestroyed, got %v", err)
	}
	if _, err = doc.Clone(); !errors.Is(err, ErrSecretDestroyed) {
		t.Errorf("Clone of destroyed document should fail, got %v", err)
	}
}

func TestKeyDocumentEqual(t *testing.T) {
	a, err := GenerateKeyDocument(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}
	defer a.Destroy()

	b, err := GenerateKeyDocument(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}
	defer b.Destroy()

	if a.Equal(b) {
		t.Error("Two independently generated documents compare equal")
	}
	if !a.Equal(a) {
		t.Error("Document does not compare equal to itself")
	}
	if a.Equal(nil) {
		t.Error("Document compares equal to nil")
	}
}

func TestKeyDocumentRedaction(t *testing.T) {
	doc, err := GenerateKeyDocument(AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKeyDocument failed: %v", err)
	}
	defer doc.Destroy()

	for _, out := range []string{
		fmt.Sprintf("%v", doc),
		fmt.Sprintf("%s", doc),
		fmt.Sprintf("%#v", doc),
		doc.String(),
	} {
		if out != Redacted {
			t.Errorf("Formatting leaked content: %q", out)
		}
	}
}

func TestAlgorithmValidity(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		if !alg.Valid() {
			t.Errorf("%s should be valid", alg)
		}
		if alg.DigestSize() != 32 {
			t.Errorf("%s digest size: want 32, got %d", alg, alg.DigestSize())
		}
	}
	if Algorithm("dsa").Valid() {
		t.Error("unknown algorithm reported valid")
	}
	if Algorithm("").Valid() {
		t.Error("empty algorithm reported valid")
	}
}
