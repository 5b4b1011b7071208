package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by a backend when the requested record does not
// exist. Backends wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("record not found in store")

// VersionedData represents stored bytes with their version information.
// Versions are content hashes used for optimistic concurrency control.
type VersionedData struct {
	Data      []byte
	Version   string
	Timestamp time.Time
}

// Store defines the interface for persisting keyring data. All key
// document bytes passed through this interface are assumed to be encoded
// (and, when a store passphrase is configured, sealed) by the keystore
// layer; backends never see key material they could interpret.
//
/// Put operations take an expected version for optimistic concurrency:
// passing the version returned by the previous read detects concurrent
// writers, failing with ConcurrencyError. An empty expected version skips
// the check.
type Store interface {

	// Key documents

	// PutKey persists an encoded key document under id and returns the new
	// version of the stored bytes.
	PutKey(id string, data []byte, expectedVersion string) (newVersion string, err error)

	// GetKey retrieves a key document by id. Fails with an error wrapping
	// ErrNotFound when no document exists under id.
	GetKey(id string) (*VersionedData, error)

	// KeyExists checks whether a document is present under id.
	KeyExists(id string) (bool, error)

	// DeleteKey removes the document stored under id. Deleting an absent
	// id fails with an error wrapping ErrNotFound.
	DeleteKey(id string) error

	// ListKeys returns the sorted identifiers of all stored documents.
	ListKeys() ([]string, error)

	// Derivation salt

	// PutSalt persists the key-derivation salt for the namespace.
	PutSalt(data []byte, expectedVersion string) (newVersion string, err error)

	// GetSalt retrieves the derivation salt.
	GetSalt() (*VersionedData, error)

	// SaltExists checks whether a derivation salt is present.
	SaltExists() (bool, error)

	// Key index

	// PutIndex persists the serialized key metadata index.
	PutIndex(data []byte, expectedVersion string) (newVersion string, err error)

	// GetIndex retrieves the key metadata index.
	GetIndex() (*VersionedData, error)

	// IndexExists checks whether a key index is present.
	IndexExists() (bool, error)

	// Backups

	// SaveBackup stores a sealed backup container under backupPath.
	SaveBackup(backupPath string, container *BackupContainer) error

	// RestoreBackup loads a previously saved backup container.
	RestoreBackup(backupPath string) (*BackupContainer, error)

	// ListBackups returns metadata for every stored backup.
	ListBackups() ([]BackupInfo, error)

	// DeleteBackup removes the backup identified by backupID.
	DeleteBackup(backupID string) error

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	// GetType returns the backend type, e.g. "filesystem" or "s3".
	GetType() string
}

// BackupContainer is the outer backup format: a sealed payload carrying all
// key documents plus enough metadata to validate and route it without
// opening the seal.
type BackupContainer struct {
	// BackupID uniquely identifies the backup (UUID).
	BackupID string `json:"backup_id"`

	// BackupTimestamp is the creation time in UTC.
	BackupTimestamp time.Time `json:"backup_timestamp"`

	// KeyringVersion records the library version that wrote the backup.
	KeyringVersion string `json:"keyring_version"`

	// BackupVersion is the container format version.
	BackupVersion string `json:"backup_version"`

	// Checksum is the SHA-256 hash of EncryptedData, letting a store
	// validate integrity without the passphrase.
	Checksum string `json:"checksum"`

	// EncryptionMethod names the sealing scheme, e.g. "passphrase".
	EncryptionMethod string `json:"encryption_method"`

	// EncryptedData is the sealed payload, base64 encoded.
	EncryptedData string `json:"encrypted_data"`

	// Namespace identifies the keyring namespace the backup belongs to.
	Namespace string `json:"namespace"`
}

// BackupInfo holds backup metadata readable without decryption.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	KeyringVersion   string    `json:"keyring_version"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	FileSize         int64     `json:"file_size"`

	// IsValid is the checksum validation result computed while listing.
	IsValid bool `json:"is_valid"`

	Namespace string `json:"namespace"`
	Checksum  string `json:"checksum"`

	// StorePath is the store-agnostic path or object key of the backup.
	StorePath string `json:"store_path"`
}

// StoreConfig selects and configures a storage backend.
//
// Example:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/signet"},
//	}
type StoreConfig struct {
	// Type selects the backend; one of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings. Keys depend on Type: the
	// filesystem and leveldb backends need "base_path", the s3 backend
	// needs endpoint, credentials and bucket settings.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the available storage backends.
type StoreType string

const (
	// StoreTypeFileSystem stores key documents as files under a base path.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeMemory keeps everything in process memory. Intended for
	// tests and ephemeral keyrings.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeLevelDB stores records in an embedded LevelDB database.
	StoreTypeLevelDB StoreType = "leveldb"

	// StoreTypeS3 stores records in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
