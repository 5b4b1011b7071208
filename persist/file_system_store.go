package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"southwinds.dev/signet/internal/crypto"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	keyFileExt    = ".pk8"
	backupFileExt = ".keyring"
)

// FileSystemStore implements Store on the local filesystem with namespace
// isolation and optimistic concurrency control.
//
// Layout under basePath:
//
//	basePath/<namespace>/
//	├── keyring.json       store configuration and access metadata
//	├── derivation.salt    at-rest sealing salt (plus .meta sidecar)
//	├── keys.index         serialized key metadata index
//	├── keys/<id>.pk8      encoded key documents
//	├── backups/           sealed backup containers
//	└── temp/              scratch space for atomic writes
type FileSystemStore struct {
	basePath    string
	namespace   string
	nsPath      string
	keysDir     string
	backupsDir  string
	tempDir     string
	configPath  string
	saltPath    string
	indexPath   string
}

// StoreInfo represents the store configuration written beside the data.
type StoreInfo struct {
	Version     string    `json:"version"`
	Namespace   string    `json:"namespace"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	Structure   string    `json:"structure_version"`
	Description string    `json:"description,omitempty"`
}

// NewFileSystemStore initializes and returns a new FileSystemStore rooted
// at basePath. An empty namespace defaults to "default".
func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	nsPath := filepath.Join(basePath, namespace)

	fs := &FileSystemStore{
		basePath:   basePath,
		namespace:  namespace,
		nsPath:     nsPath,
		keysDir:    filepath.Join(nsPath, "keys"),
		backupsDir: filepath.Join(nsPath, "backups"),
		tempDir:    filepath.Join(nsPath, "temp"),
		configPath: filepath.Join(nsPath, "keyring.json"),
		saltPath:   filepath.Join(nsPath, "derivation.salt"),
		indexPath:  filepath.Join(nsPath, "keys.index"),
	}

	dirs := []string{fs.nsPath, fs.keysDir, fs.backupsDir, fs.tempDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig, namespace string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath, namespace)
}

func (fs *FileSystemStore) initializeStoreInfo() error {
	if _, err := os.Stat(fs.configPath); os.IsNotExist(err) {
		info := StoreInfo{
			Version:    "1.0.0",
			Namespace:  fs.namespace,
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.configPath, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) keyPath(id string) string {
	return filepath.Join(fs.keysDir, id+keyFileExt)
}

// PutKey persists an encoded key document with optimistic concurrency control.
func (fs *FileSystemStore) PutKey(id string, data []byte, expectedVersion string) (string, error) {
	if err := validateKeyID(id); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("key document cannot be empty")
	}

	path := fs.keyPath(id)
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "PutKey",
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

// GetKey returns a versioned key document.
func (fs *FileSystemStore) GetKey(id string) (*VersionedData, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}
	return fs.readVersioned(fs.keyPath(id), "key document "+id)
}

func (fs *FileSystemStore) KeyExists(id string) (bool, error) {
	if err := validateKeyID(id); err != nil {
		return false, err
	}
	return fileExists(fs.keyPath(id))
}

func (fs *FileSystemStore) DeleteKey(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}
	path := fs.keyPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("key document %s: %w", id, ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete key document %s: %w", id, err)
	}
	return nil
}

// ListKeys returns the sorted identifiers of all stored key documents.
func (fs *FileSystemStore) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(fs.keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), keyFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// PutSalt persists the derivation salt with optimistic concurrency control.
// The salt's creation metadata goes into a sidecar file.
func (fs *FileSystemStore) PutSalt(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.saltPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "PutSalt",
			}
		}
	}

	metadata := map[string]string{
		"data-type":  "salt",
		"namespace":  fs.namespace,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeSecureFileWithMetadata(fs.saltPath, data, FilePermissions, metadata); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}
	return calculateVersion(data), nil
}

// GetSalt returns the versioned derivation salt.
func (fs *FileSystemStore) GetSalt() (*VersionedData, error) {
	if _, err := os.Stat(fs.saltPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("derivation salt: %w", ErrNotFound)
	}

	data, err := os.ReadFile(fs.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	// Prefer the creation timestamp from the sidecar; fall back to mtime.
	var timestamp time.Time
	if metadata, err := readMetadata(fs.saltPath); err == nil {
		if createdAt, exists := metadata["created-at"]; exists {
			if parsed, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
				timestamp = parsed
			}
		}
	}
	if timestamp.IsZero() {
		if fileInfo, err := os.Stat(fs.saltPath); err == nil {
			timestamp = fileInfo.ModTime()
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: timestamp,
	}, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

// PutIndex persists the key metadata index with optimistic concurrency control.
func (fs *FileSystemStore) PutIndex(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("index cannot be empty")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.indexPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "PutIndex",
			}
		}
	}

	if err := writeSecureFile(fs.indexPath, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

// GetIndex returns the versioned key metadata index.
func (fs *FileSystemStore) GetIndex() (*VersionedData, error) {
	return fs.readVersioned(fs.indexPath, "key index")
}

func (fs *FileSystemStore) IndexExists() (bool, error) {
	return fileExists(fs.indexPath)
}

// SaveBackup writes a backup container to the backups directory. A simple
// filename is routed into backupsDir; absolute paths are honored.
func (fs *FileSystemStore) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(backupPath, "\x00") {
		return fmt.Errorf("backup path contains invalid characters")
	}

	backupPath = filepath.Clean(backupPath)
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}
	if !strings.HasSuffix(backupPath, backupFileExt) {
		backupPath += backupFileExt
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	return writeSecureFile(backupPath, data, FilePermissions)
}

// RestoreBackup loads a backup container and validates its checksum.
func (fs *FileSystemStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return nil, fmt.Errorf("backup path cannot be empty")
	}
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}
	if !strings.HasSuffix(backupPath, backupFileExt) {
		backupPath += backupFileExt
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var container BackupContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup container: %w", err)
	}

	if container.Checksum != "" {
		payload, err := base64.StdEncoding.DecodeString(container.EncryptedData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode backup payload: %w", err)
		}
		if crypto.Checksum(payload) != container.Checksum {
			return nil, fmt.Errorf("backup checksum mismatch: file is corrupted")
		}
	}

	return &container, nil
}

// ListBackups scans the backups directory and returns metadata for each
// container, validating checksums along the way.
func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupFileExt) {
			continue
		}
		path := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		isValid := false
		if payload, err := base64.StdEncoding.DecodeString(container.EncryptedData); err == nil {
			isValid = crypto.Checksum(payload) == container.Checksum
		}

		fileInfo, _ := entry.Info()
		var size int64
		if fileInfo != nil {
			size = fileInfo.Size()
		}

		backups = append(backups, BackupInfo{
			BackupID:         container.BackupID,
			BackupTimestamp:  container.BackupTimestamp,
			KeyringVersion:   container.KeyringVersion,
			BackupVersion:    container.BackupVersion,
			EncryptionMethod: container.EncryptionMethod,
			FileSize:         size,
			IsValid:          isValid,
			Namespace:        container.Namespace,
			Checksum:         container.Checksum,
			StorePath:        path,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

// DeleteBackup removes the backup whose container carries backupID.
func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	backups, err := fs.ListBackups()
	if err != nil {
		return err
	}
	for _, backup := range backups {
		if backup.BackupID == backupID {
			if err := os.Remove(backup.StorePath); err != nil {
				return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the namespace directory is reachable.
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.nsPath)
	return err
}

// Close records the last access time in the store config.
func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.configPath); err == nil {
		var info StoreInfo
		if err := json.Unmarshal(configData, &info); err == nil {
			info.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.configPath, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// readVersioned reads a file into VersionedData, mapping absence to
// ErrNotFound.
func (fs *FileSystemStore) readVersioned(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

// Helper functions
func writeSecureFileWithMetadata(filePath string, data []byte, perm os.FileMode, metadata map[string]string) error {
	if err := writeSecureFile(filePath, data, perm); err != nil {
		return err
	}

	metadataPath := filePath + ".meta"
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return writeSecureFile(metadataPath, metadataBytes, perm)
}

func readMetadata(filePath string) (map[string]string, error) {
	metadataPath := filePath + ".meta"
	metadataBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if err = json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// writeSecureFile writes through a temp file in the target directory and
// renames into place, so readers never observe a partial write.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
