package signet

import (
	"errors"
	"os"
	"strings"
	"testing"

	"southwinds.dev/signet/persist"
)

const (
	testNamespace  = "test-tenant"
	testPassphrase = "test-passphrase-for-sealing"
)

func newTestKeyStore(t *testing.T, options Options) *KeyStore {
	t.Helper()
	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	ks, err := NewKeyStore(options, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	return ks
}

func saveTestKey(t *testing.T, ks *KeyStore, id string, alg Algorithm) *KeyDocument {
	t.Helper()
	doc, err := ks.Generate(alg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err = ks.Save(id, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return doc
}

func TestNewKeyStoreValidation(t *testing.T) {
	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer store.Close()

	if _, err = NewKeyStore(Options{}, nil, nil, testNamespace); err == nil {
		t.Error("NewKeyStore accepted a nil store")
	}
	if _, err = NewKeyStore(Options{}, store, nil, ""); err == nil {
		t.Error("NewKeyStore accepted an empty namespace")
	}
	if _, err = NewKeyStore(Options{DerivationPassphrase: "short"}, store, nil, testNamespace); err == nil {
		t.Error("NewKeyStore accepted a short passphrase")
	}
	if _, err = NewKeyStore(Options{DerivationSalt: []byte("tiny")}, store, nil, testNamespace); err == nil {
		t.Error("NewKeyStore accepted an undersized salt")
	}
}

func TestKeyStoreSaveLoadUnsealed(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	original := saveTestKey(t, ks, "api-key", AlgorithmEd25519)
	defer original.Destroy()

	loaded, err := ks.Load("api-key")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer loaded.Destroy()

	if !original.Equal(loaded) {
		t.Error("Loaded document differs from saved document")
	}

	info, err := ks.Info("api-key")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Algorithm != AlgorithmEd25519 {
		t.Errorf("Info algorithm: got %s", info.Algorithm)
	}
	if info.Status != KeyStatusActive {
		t.Errorf("Info status: got %s", info.Status)
	}
	if info.Version != 1 {
		t.Errorf("Info version: want 1, got %d", info.Version)
	}
	if info.Sealed {
		t.Error("Unsealed store marked document as sealed")
	}
}

func TestKeyStoreSaveLoadSealed(t *testing.T) {
	ks := newTestKeyStore(t, Options{DerivationPassphrase: testPassphrase})
	defer ks.Close()

	original := saveTestKey(t, ks, "sealed-key", AlgorithmSecp256k1)
	defer original.Destroy()

	loaded, err := ks.Load("sealed-key")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer loaded.Destroy()

	if !original.Equal(loaded) {
		t.Error("Loaded document differs from saved document")
	}

	info, err := ks.Info("sealed-key")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if !info.Sealed {
		t.Error("Sealed store did not mark document as sealed")
	}
}

func TestKeyStoreSealedAtRest(t *testing.T) {
	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}

	ks, err := NewKeyStore(Options{DerivationPassphrase: testPassphrase}, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	defer ks.Close()

	doc := saveTestKey(t, ks, "at-rest", AlgorithmEd25519)
	defer doc.Destroy()

	var der []byte
	_ = doc.Expose(func(b []byte) error {
		der = make([]byte, len(b))
		copy(der, b)
		return nil
	})

	// The raw stored bytes must not contain the plaintext DER
	record, err := store.GetKey("at-rest")
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if len(record.Data) <= len(der) {
		t.Error("Stored record is not larger than plaintext (no sealing overhead)")
	}
	if strings.Contains(string(record.Data), string(der[10:30])) {
		t.Error("Stored record contains plaintext key material")
	}
}

func TestKeyStorePassphraseFromEnv(t *testing.T) {
	const envVar = "SIGNET_TEST_UNSEAL_PASSPHRASE"
	os.Setenv(envVar, testPassphrase)

	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}

	ks, err := NewKeyStore(Options{EnvPassphraseVar: envVar}, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to create keystore from env passphrase: %v", err)
	}
	defer ks.Close()

	// The variable is consumed during initialization
	if os.Getenv(envVar) != "" {
		t.Error("Environment passphrase was not cleared")
	}

	doc := saveTestKey(t, ks, "env-key", AlgorithmP256)
	doc.Destroy()

	loaded, err := ks.Load("env-key")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	loaded.Destroy()
}

func TestKeyStoreLoadMissing(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	_, err := ks.Load("never-saved")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if _, err = ks.Info("never-saved"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Info: expected ErrNotFound, got %v", err)
	}
}

func TestKeyStoreDelete(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	doc := saveTestKey(t, ks, "short-lived", AlgorithmEd25519)
	doc.Destroy()

	if err := ks.Delete("short-lived"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := ks.Load("short-lived"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete: expected ErrNotFound, got %v", err)
	}

	if err := ks.Delete("short-lived"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second Delete: expected ErrNotFound, got %v", err)
	}

	keys, err := ks.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Index still lists %d keys after delete", len(keys))
	}
}

func TestKeyStoreList(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		doc := saveTestKey(t, ks, id, AlgorithmEd25519)
		doc.Destroy()
	}

	keys, err := ks.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("List: want 3 keys, got %d", len(keys))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if keys[i].ID != want {
			t.Errorf("List[%d]: want %s, got %s", i, want, keys[i].ID)
		}
	}
}

func TestKeyStoreSaveOverwriteIncrementsVersion(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	first := saveTestKey(t, ks, "versioned", AlgorithmEd25519)
	first.Destroy()

	second, err := ks.Generate(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err = ks.Save("versioned", second); err != nil {
		t.Fatalf("Second Save failed: %v", err)
	}
	second.Destroy()

	info, err := ks.Info("versioned")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Version != 2 {
		t.Errorf("Version after overwrite: want 2, got %d", info.Version)
	}
}

func TestKeyStoreRotate(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	original := saveTestKey(t, ks, "rotating", AlgorithmSecp256k1)
	defer original.Destroy()

	rotated, err := ks.Rotate("rotating")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	defer rotated.Destroy()

	if rotated.Algorithm() != AlgorithmSecp256k1 {
		t.Errorf("Rotated document changed algorithm: %s", rotated.Algorithm())
	}
	if original.Equal(rotated) {
		t.Error("Rotation produced an identical document")
	}

	// The active entry advances and records its lineage
	info, err := ks.Info("rotating")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Version != 2 {
		t.Errorf("Active version after rotation: want 2, got %d", info.Version)
	}
	if info.RotatedAt == nil {
		t.Error("RotatedAt not set")
	}
	if info.RotatedFrom != "rotating@v1" {
		t.Errorf("RotatedFrom: want rotating@v1, got %s", info.RotatedFrom)
	}

	// The outgoing document is archived, retired and still loadable
	archived, err := ks.Info("rotating@v1")
	if err != nil {
		t.Fatalf("Archived Info failed: %v", err)
	}
	if archived.Status != KeyStatusRetired {
		t.Errorf("Archived status: want retired, got %s", archived.Status)
	}
	if archived.RetiredAt == nil {
		t.Error("Archived RetiredAt not set")
	}

	archivedDoc, err := ks.Load("rotating@v1")
	if err != nil {
		t.Fatalf("Load of archived document failed: %v", err)
	}
	defer archivedDoc.Destroy()
	if !original.Equal(archivedDoc) {
		t.Error("Archived document differs from the original")
	}

	// The active slot now holds the new document
	active, err := ks.Load("rotating")
	if err != nil {
		t.Fatalf("Load of active document failed: %v", err)
	}
	defer active.Destroy()
	if !rotated.Equal(active) {
		t.Error("Active document differs from the rotation result")
	}
}

func TestKeyStoreRotateMissing(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	if _, err := ks.Rotate("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestKeyStoreRetire(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	doc := saveTestKey(t, ks, "pension", AlgorithmP256)
	defer doc.Destroy()

	if err := ks.Retire("pension"); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	info, err := ks.Info("pension")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Status != KeyStatusRetired {
		t.Errorf("Status: want retired, got %s", info.Status)
	}
	if info.RetiredAt == nil {
		t.Error("RetiredAt not set")
	}

	// Retired material stays loadable
	loaded, err := ks.Load("pension")
	if err != nil {
		t.Fatalf("Load of retired document failed: %v", err)
	}
	loaded.Destroy()

	if err = ks.Retire("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retire of missing key: expected ErrNotFound, got %v", err)
	}
}

func TestKeyStoreWrongPassphraseFailsUnseal(t *testing.T) {
	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}

	first, err := NewKeyStore(Options{DerivationPassphrase: testPassphrase}, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	doc := saveTestKey(t, first, "guarded", AlgorithmEd25519)
	doc.Destroy()

	// Reopen over the same records with a different passphrase. A memory
	// store is closed by KeyStore.Close, so release only the seal material
	// by building the second store directly.
	second, err := NewKeyStore(Options{DerivationPassphrase: "a-completely-different-passphrase"}, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to reopen keystore: %v", err)
	}
	defer second.Close()

	_, err = second.Load("guarded")
	if err == nil {
		t.Fatal("Load succeeded with the wrong passphrase")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("Expected DecodeError, got %T: %v", err, err)
	}
}

func TestKeyStoreProvidedSaltMustMatch(t *testing.T) {
	store, err := persist.NewMemoryStore(testNamespace)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}

	salt := []byte("0123456789abcdef0123456789abcdef")
	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)

	first, err := NewKeyStore(Options{
		DerivationPassphrase: testPassphrase,
		DerivationSalt:       saltCopy,
	}, store, nil, testNamespace)
	if err != nil {
		t.Fatalf("Failed to create keystore with provided salt: %v", err)
	}
	doc := saveTestKey(t, first, "salted", AlgorithmEd25519)
	doc.Destroy()

	_, err = NewKeyStore(Options{
		DerivationPassphrase: testPassphrase,
		DerivationSalt:       []byte("ffffffffffffffffffffffffffffffff"),
	}, store, nil, testNamespace)
	if err == nil {
		t.Error("Keystore opened with a salt that disagrees with the stored one")
	}
}

func TestKeyStoreClose(t *testing.T) {
	ks := newTestKeyStore(t, Options{DerivationPassphrase: testPassphrase})

	if err := ks.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ks.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	if _, err := ks.Load("anything"); err == nil {
		t.Error("Load succeeded on a closed keystore")
	}
	if err := ks.Save("anything", nil); err == nil {
		t.Error("Save succeeded on a closed keystore")
	}
	if _, err := ks.List(); err == nil {
		t.Error("List succeeded on a closed keystore")
	}
}

func TestKeyStoreNamespace(t *testing.T) {
	ks := newTestKeyStore(t, Options{})
	defer ks.Close()

	if ks.Namespace() != testNamespace {
		t.Errorf("Namespace: want %s, got %s", testNamespace, ks.Namespace())
	}
	if ks.MemoryProtection() != "none" {
		t.Errorf("MemoryProtection without lock: want none, got %s", ks.MemoryProtection())
	}
	if ks.Audit() == nil {
		t.Error("Audit logger is nil")
	}
}
