package signet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/signet/audit"
	"southwinds.dev/signet/internal/crypto"
	"southwinds.dev/signet/internal/debug"
	"southwinds.dev/signet/internal/mem"
	"southwinds.dev/signet/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// KeyStore manages the lifecycle of PKCS#8 key documents against a
// pluggable storage backend. It is an explicit object: callers construct
// it, pass it around, and close it. There are no package-level singletons.
//
// When Options carry a passphrase, documents are sealed at rest with
// ChaCha20-Poly1305 under an Argon2id-derived key. The derivation salt is
// persisted through the backend so the same passphrase unseals documents
// across sessions.
type KeyStore struct {
	store persist.Store
	audit audit.Logger
	opts  Options
	mu    sync.Mutex

	// Sealing material, nil when no passphrase is configured
	sealKeyEnclave *memguard.Enclave
	saltEnclave    *memguard.Enclave

	memoryProtectionLevel mem.ProtectionLevel

	userID    string
	namespace string

	closed bool
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// NewKeyStore creates a KeyStore bound to the given storage backend and
// audit logger.
//
// Initialization steps:
//  1. Validates configuration options
//  2. Tests storage backend connectivity
//  3. Sets up memory protection when requested (best-effort)
//  4. Loads or creates the derivation salt and derives the sealing key,
//     when a passphrase is configured
//
// A nil auditLogger installs the no-op logger so audit calls never fail
// on a nil pointer. The namespace isolates this store's records from
// other tenants sharing the same backend.
func NewKeyStore(options Options, store persist.Store, auditLogger audit.Logger, namespace string) (*KeyStore, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	userID := options.UserID
	if userID == "" {
		userID = "system"
	}

	if len(namespace) == 0 {
		return nil, fmt.Errorf("missing namespace")
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	// Fail early on an unusable backend
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	ks := &KeyStore{
		store:                 store,
		audit:                 auditLogger,
		opts:                  options,
		memoryProtectionLevel: mem.ProtectionNone,
		userID:                userID,
		namespace:             namespace,
	}

	if options.EnableMemoryLock {
		protectionLevel, err := mem.Lock()
		if err != nil {
			// Not fatal. Enclave protection still applies to key material.
			fmt.Printf("WARNING: Cannot fully protect memory: %v\n", err)
		}
		ks.memoryProtectionLevel = protectionLevel
	}

	if options.sealing() {
		if err := ks.loadOrCreateSalt(options.DerivationSalt); err != nil {
			return nil, fmt.Errorf("failed to setup derivation salt: %w", err)
		}
		if err := ks.setupSealKey(options.DerivationPassphrase, options.EnvPassphraseVar); err != nil {
			return nil, fmt.Errorf("failed to set up sealing key: %w", err)
		}
	}

	ks.logAudit("KEYSTORE_OPENED", nil, map[string]interface{}{
		"store_type":        store.GetType(),
		"memory_protection": ks.memoryProtectionLevel,
		"sealing":           options.sealing(),
	})

	return ks, nil
}

// Generate creates a fresh key document for the given algorithm using
// crypto/rand. It performs no storage I/O; pair with Save to persist the
// result.
func (ks *KeyStore) Generate(algorithm Algorithm) (*KeyDocument, error) {
	return GenerateKeyDocument(algorithm)
}

// Save persists a key document under id. The write is atomic at the
// backend level; concurrent writers are detected through version checks
// and retried with backoff.
func (ks *KeyStore) Save(id string, doc *KeyDocument) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return fmt.Errorf("keystore is closed")
	}
	if doc == nil {
		return fmt.Errorf("key document cannot be nil")
	}

	var stored []byte
	err := doc.Expose(func(der []byte) error {
		sealed, serr := ks.sealBytes(der)
		if serr != nil {
			return serr
		}
		stored = sealed
		return nil
	})
	if err != nil {
		ks.logAudit("KEY_SAVE", err, map[string]interface{}{"key_id": id})
		return err
	}
	defer memguard.WipeBytes(stored)

	if err = ks.putKeyWithRetry(id, stored); err != nil {
		ks.logAudit("KEY_SAVE", err, map[string]interface{}{"key_id": id})
		return err
	}

	err = ks.updateIndex(func(idx *keyIndex) {
		now := time.Now().UTC()
		info, exists := idx.Entries[id]
		if !exists {
			info = KeyInfo{
				ID:        id,
				CreatedAt: now,
				Status:    KeyStatusActive,
			}
		}
		info.Algorithm = doc.Algorithm()
		info.UpdatedAt = now
		info.Version++
		info.Sealed = ks.sealKeyEnclave != nil
		idx.Entries[id] = info
	})

	ks.logAudit("KEY_SAVE", err, map[string]interface{}{
		"key_id":    id,
		"algorithm": string(doc.Algorithm()),
	})
	return err
}

// Load retrieves and decodes the key document stored under id.
// A missing document yields ErrNotFound; malformed contents yield a
// DecodeError and no partial document.
func (ks *KeyStore) Load(id string) (*KeyDocument, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil, fmt.Errorf("keystore is closed")
	}

	record, err := ks.store.GetKey(id)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			err = fmt.Errorf("key document %q: %w", id, ErrNotFound)
		}
		ks.logAudit("KEY_LOAD", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	der, err := ks.unsealBytes(record.Data)
	if err != nil {
		ks.logAudit("KEY_LOAD", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	doc, err := ParseKeyDocument(der)
	ks.logAudit("KEY_LOAD", err, map[string]interface{}{"key_id": id})
	if err != nil {
		return nil, err
	}

	debug.Print("loaded key document %s (%s)\n", id, doc.Algorithm())
	return doc, nil
}

// Delete removes the key document and its index entry.
func (ks *KeyStore) Delete(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return fmt.Errorf("keystore is closed")
	}

	err := ks.store.DeleteKey(id)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			err = fmt.Errorf("key document %q: %w", id, ErrNotFound)
		}
		ks.logAudit("KEY_DELETE", err, map[string]interface{}{"key_id": id})
		return err
	}

	err = ks.updateIndex(func(idx *keyIndex) {
		delete(idx.Entries, id)
	})
	ks.logAudit("KEY_DELETE", err, map[string]interface{}{"key_id": id})
	return err
}

// List returns metadata for every indexed key document, sorted by ID.
func (ks *KeyStore) List() ([]KeyInfo, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil, fmt.Errorf("keystore is closed")
	}

	idx, err := ks.loadIndex()
	if err != nil {
		return nil, err
	}
	return idx.list(), nil
}

// Info returns the metadata record for a single key document.
func (ks *KeyStore) Info(id string) (KeyInfo, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return KeyInfo{}, fmt.Errorf("keystore is closed")
	}

	idx, err := ks.loadIndex()
	if err != nil {
		return KeyInfo{}, err
	}
	info, ok := idx.Entries[id]
	if !ok {
		return KeyInfo{}, fmt.Errorf("key document %q: %w", id, ErrNotFound)
	}
	return info, nil
}

// Rotate replaces the document stored under id with a freshly generated
// one of the same algorithm. The outgoing document is archived under
// "<id>@v<version>" and marked retired, preserving the rotation lineage
// for decryption or verification of older material.
func (ks *KeyStore) Rotate(id string) (*KeyDocument, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil, fmt.Errorf("keystore is closed")
	}

	idx, err := ks.loadIndex()
	if err != nil {
		return nil, err
	}
	info, ok := idx.Entries[id]
	if !ok {
		err = fmt.Errorf("key document %q: %w", id, ErrNotFound)
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	record, err := ks.store.GetKey(id)
	if err != nil {
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	// Archive the outgoing document before overwriting
	archivedID := fmt.Sprintf("%s@v%d", id, info.Version)
	if err = ks.putKeyWithRetry(archivedID, record.Data); err != nil {
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, fmt.Errorf("failed to archive document %q: %w", id, err)
	}

	doc, err := GenerateKeyDocument(info.Algorithm)
	if err != nil {
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	var stored []byte
	err = doc.Expose(func(der []byte) error {
		sealed, serr := ks.sealBytes(der)
		if serr != nil {
			return serr
		}
		stored = sealed
		return nil
	})
	if err != nil {
		doc.Destroy()
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, err
	}
	defer memguard.WipeBytes(stored)

	if err = ks.putKeyWithRetry(id, stored); err != nil {
		doc.Destroy()
		ks.logAudit("KEY_ROTATE", err, map[string]interface{}{"key_id": id})
		return nil, err
	}

	err = ks.updateIndex(func(idx *keyIndex) {
		now := time.Now().UTC()

		archived := info
		archived.ID = archivedID
		archived.Status = KeyStatusRetired
		archived.RetiredAt = &now
		idx.Entries[archivedID] = archived

		info.UpdatedAt = now
		info.Version++
		info.RotatedAt = &now
		info.RotatedFrom = archivedID
		info.Sealed = ks.sealKeyEnclave != nil
		idx.Entries[id] = info
	})

	ks.logAudit("KEY_ROTATE", err, map[string]interface{}{
		"key_id":    id,
		"algorithm": string(info.Algorithm),
		"archived":  archivedID,
	})
	if err != nil {
		doc.Destroy()
		return nil, err
	}
	return doc, nil
}

// Retire marks a key document as retired without deleting its material.
func (ks *KeyStore) Retire(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return fmt.Errorf("keystore is closed")
	}

	var missing bool
	err := ks.updateIndex(func(idx *keyIndex) {
		info, ok := idx.Entries[id]
		if !ok {
			missing = true
			return
		}
		now := time.Now().UTC()
		info.Status = KeyStatusRetired
		info.RetiredAt = &now
		info.UpdatedAt = now
		idx.Entries[id] = info
	})
	if err == nil && missing {
		err = fmt.Errorf("key document %q: %w", id, ErrNotFound)
	}

	ks.logAudit("KEY_RETIRE", err, map[string]interface{}{"key_id": id})
	return err
}

// MemoryProtection describes the level of memory protection achieved.
func (ks *KeyStore) MemoryProtection() string {
	switch ks.memoryProtectionLevel {
	case mem.ProtectionFull:
		return "full"
	case mem.ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Namespace returns the namespace this store operates in.
func (ks *KeyStore) Namespace() string {
	return ks.namespace
}

// Audit returns the audit logger for querying.
func (ks *KeyStore) Audit() audit.Logger {
	return ks.audit
}

// Close releases sealing material, the audit logger and the storage
// backend. The KeyStore is unusable afterwards; Close is idempotent.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil
	}
	ks.closed = true

	var errs []error

	ks.sealKeyEnclave = nil
	ks.saltEnclave = nil

	if ks.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}

	if ks.audit != nil {
		ks.logAudit("KEYSTORE_CLOSED", nil, nil)
		if err := ks.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
		}
	}

	if ks.store != nil {
		if err := ks.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}

	return combineErrs(errs)
}

func combineErrs(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("multiple close errors: %v", errs)
	}
}

// loadOrCreateSalt handles the salt for key derivation
func (ks *KeyStore) loadOrCreateSalt(providedSalt []byte) error {
	exists, err := ks.store.SaltExists()
	if err != nil {
		return fmt.Errorf("failed to check salt existence: %w", err)
	}

	if exists {
		versionedSalt, err := ks.store.GetSalt()
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		existingSalt := versionedSalt.Data

		// A provided salt must match what the backend already holds
		if len(providedSalt) >= 16 && !bytes.Equal(existingSalt, providedSalt) {
			memguard.WipeBytes(existingSalt)
			return fmt.Errorf("provided salt does not match existing salt in storage")
		}

		ks.saltEnclave = memguard.NewEnclave(existingSalt)
		memguard.WipeBytes(existingSalt)
		return nil
	}

	var saltData []byte
	if len(providedSalt) >= 16 {
		saltData = make([]byte, len(providedSalt))
		copy(saltData, providedSalt)
	} else {
		saltData = make([]byte, 32)
		if _, err = rand.Read(saltData); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	if _, err = ks.store.PutSalt(saltData, ""); err != nil {
		memguard.WipeBytes(saltData)
		return fmt.Errorf("failed to save salt: %w", err)
	}

	ks.saltEnclave = memguard.NewEnclave(saltData)
	memguard.WipeBytes(saltData)
	return nil
}

// setupSealKey derives the sealing key from the passphrase and salt
func (ks *KeyStore) setupSealKey(passphrase string, envVar string) error {
	var passphraseData []byte

	if passphrase != "" {
		passphraseData = []byte(passphrase)
	} else if envVar != "" {
		envPass := os.Getenv(envVar)
		if envPass == "" {
			return fmt.Errorf("environment variable %s is empty or not set", envVar)
		}
		passphraseData = []byte(envPass)

		// Clear environment variable immediately
		os.Unsetenv(envVar)
	} else {
		return errors.New("no passphrase or environment variable provided")
	}
	defer memguard.WipeBytes(passphraseData)

	if len(passphraseData) < 12 {
		return errors.New("passphrase must be at least 12 characters long")
	}

	if ks.saltEnclave == nil {
		return errors.New("derivation salt not initialized")
	}

	derivedKey, err := crypto.DeriveKey(passphraseData, ks.saltEnclave)
	if err != nil {
		return err
	}

	if crypto.IsWeakKey(derivedKey.Bytes()) {
		derivedKey.Destroy()
		return errors.New("derived key failed entropy check")
	}

	keyBytes := make([]byte, len(derivedKey.Bytes()))
	copy(keyBytes, derivedKey.Bytes())
	derivedKey.Destroy()

	ks.sealKeyEnclave = memguard.NewEnclave(keyBytes)
	memguard.WipeBytes(keyBytes)
	return nil
}

// sealBytes seals plaintext with the derived key, or copies it verbatim
// when sealing is not configured.
func (ks *KeyStore) sealBytes(plain []byte) ([]byte, error) {
	if ks.sealKeyEnclave == nil {
		out := make([]byte, len(plain))
		copy(out, plain)
		return out, nil
	}

	keyBuffer, err := ks.sealKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access sealing key: %w", err)
	}
	defer keyBuffer.Destroy()

	return crypto.Seal(plain, keyBuffer.Bytes())
}

func (ks *KeyStore) unsealBytes(stored []byte) ([]byte, error) {
	if ks.sealKeyEnclave == nil {
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	}

	keyBuffer, err := ks.sealKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access sealing key: %w", err)
	}
	defer keyBuffer.Destroy()

	plain, err := crypto.Open(stored, keyBuffer.Bytes())
	if err != nil {
		return nil, &DecodeError{Reason: "failed to unseal stored document", Err: err}
	}
	return plain, nil
}

func (ks *KeyStore) loadIndex() (*keyIndex, error) {
	record, err := ks.store.GetIndex()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return newKeyIndex(), nil
		}
		return nil, fmt.Errorf("failed to load key index: %w", err)
	}
	idx, err := parseKeyIndex(record.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key index: %w", err)
	}
	return idx, nil
}

// updateIndex applies fn to the current index and writes it back with
// optimistic concurrency control.
func (ks *KeyStore) updateIndex(fn func(idx *keyIndex)) error {
	return ks.withRetry("updateIndex", func() error {
		var currentVersion string
		record, err := ks.store.GetIndex()
		var idx *keyIndex
		if err == nil {
			currentVersion = record.Version
			idx, err = parseKeyIndex(record.Data)
			if err != nil {
				return fmt.Errorf("failed to parse key index: %w", err)
			}
		} else if errors.Is(err, persist.ErrNotFound) {
			idx = newKeyIndex()
		} else {
			return fmt.Errorf("failed to load key index: %w", err)
		}

		fn(idx)

		data, err := idx.marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal key index: %w", err)
		}
		_, err = ks.store.PutIndex(data, currentVersion)
		return err
	})
}

// putKeyWithRetry saves a key record with optimistic concurrency control
func (ks *KeyStore) putKeyWithRetry(id string, data []byte) error {
	return ks.withRetry("putKey", func() error {
		var currentVersion string
		if record, err := ks.store.GetKey(id); err == nil {
			currentVersion = record.Version
		}
		_, err := ks.store.PutKey(id, data, currentVersion)
		return err
	})
}

// withRetry executes an operation with exponential backoff retry on
// concurrency conflicts
func (ks *KeyStore) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if concErr, ok := err.(interface{ IsConcurrencyError() bool }); ok && concErr.IsConcurrencyError() {
			if attempt == config.MaxRetries {
				return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
					operation, config.MaxRetries+1, err)
			}

			delay := config.BaseDelay * (1 << attempt)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			// Add jitter (25%)
			jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
			delay += jitter

			time.Sleep(delay)
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func (ks *KeyStore) logAudit(action string, err error, metadata map[string]interface{}) {
	if ks.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["namespace"] = ks.namespace
	metadata["user_id"] = ks.userID

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := ks.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}
