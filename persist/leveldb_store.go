package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"southwinds.dev/signet/internal/crypto"
)

// Database key prefixes for better organization
const (
	ldbKeyPrefix    = "key_"    // Prefix for key document records
	ldbBackupPrefix = "backup_" // Prefix for backup containers
	ldbSaltKey      = "salt"    // Record holding the derivation salt
	ldbIndexKey     = "index"   // Record holding the key metadata index
	ldbMetaSuffix   = "!meta"   // Suffix for per-record timestamp metadata
)

// LevelDBStore implements Store on an embedded LevelDB database. One
// database directory is opened per namespace, so namespaces stay isolated
// at the filesystem level the same way the file store isolates them.
type LevelDBStore struct {
	db        *leveldb.DB
	writeLock sync.Mutex
	namespace string
	path      string
}

// NewLevelDBStore opens (or creates) the LevelDB database for a namespace
// under basePath. An empty namespace defaults to "default".
func NewLevelDBStore(basePath string, namespace string) (*LevelDBStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	dbPath := filepath.Join(basePath, namespace)

	options := &opt.Options{
		BlockCacheCapacity: 8 * 1024 * 1024,
		WriteBuffer:        4 * 1024 * 1024,
	}

	db, err := leveldb.OpenFile(dbPath, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring database: %w", err)
	}

	return &LevelDBStore{
		db:        db,
		namespace: namespace,
		path:      dbPath,
	}, nil
}

// NewLevelDBStoreFromConfig creates a LevelDBStore from StoreConfig.
func NewLevelDBStoreFromConfig(config StoreConfig, namespace string) (*LevelDBStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for leveldb store")
	}
	return NewLevelDBStore(basePath, namespace)
}

type ldbRecordMeta struct {
	Timestamp time.Time `json:"timestamp"`
}

// putRecord writes data plus a timestamp sidecar record under dbKey,
// enforcing the optimistic-concurrency contract.
func (l *LevelDBStore) putRecord(dbKey string, data []byte, expectedVersion, operation string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: data cannot be empty", operation)
	}

	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	if expectedVersion != "" {
		current := ""
		existing, err := l.db.Get([]byte(dbKey), nil)
		if err == nil {
			current = calculateVersion(existing)
		} else if err != leveldb.ErrNotFound {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       operation,
			}
		}
	}

	meta, err := json.Marshal(ldbRecordMeta{Timestamp: time.Now()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(dbKey), data)
	batch.Put([]byte(dbKey+ldbMetaSuffix), meta)
	if err := l.db.Write(batch, nil); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	return calculateVersion(data), nil
}

// getRecord reads data and its timestamp sidecar, mapping absence to
// ErrNotFound.
func (l *LevelDBStore) getRecord(dbKey, what string) (*VersionedData, error) {
	data, err := l.db.Get([]byte(dbKey), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	var timestamp time.Time
	if metaBytes, merr := l.db.Get([]byte(dbKey+ldbMetaSuffix), nil); merr == nil {
		var meta ldbRecordMeta
		if json.Unmarshal(metaBytes, &meta) == nil {
			timestamp = meta.Timestamp
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: timestamp,
	}, nil
}

func (l *LevelDBStore) recordExists(dbKey string) (bool, error) {
	_, err := l.db.Get([]byte(dbKey), nil)
	if err == nil {
		return true, nil
	}
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	return false, err
}

func (l *LevelDBStore) PutKey(id string, data []byte, expectedVersion string) (string, error) {
	if err := validateKeyID(id); err != nil {
		return "", err
	}
	return l.putRecord(ldbKeyPrefix+id, data, expectedVersion, "PutKey")
}

func (l *LevelDBStore) GetKey(id string) (*VersionedData, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}
	return l.getRecord(ldbKeyPrefix+id, "key document "+id)
}

func (l *LevelDBStore) KeyExists(id string) (bool, error) {
	if err := validateKeyID(id); err != nil {
		return false, err
	}
	return l.recordExists(ldbKeyPrefix + id)
}

func (l *LevelDBStore) DeleteKey(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	exists, err := l.recordExists(ldbKeyPrefix + id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("key document %s: %w", id, ErrNotFound)
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(ldbKeyPrefix + id))
	batch.Delete([]byte(ldbKeyPrefix + id + ldbMetaSuffix))
	return l.db.Write(batch, nil)
}

func (l *LevelDBStore) ListKeys() ([]string, error) {
	var ids []string
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbKeyPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		key := string(iter.Key())
		if strings.HasSuffix(key, ldbMetaSuffix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, ldbKeyPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate key documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *LevelDBStore) PutSalt(data []byte, expectedVersion string) (string, error) {
	return l.putRecord(ldbSaltKey, data, expectedVersion, "PutSalt")
}

func (l *LevelDBStore) GetSalt() (*VersionedData, error) {
	return l.getRecord(ldbSaltKey, "derivation salt")
}

func (l *LevelDBStore) SaltExists() (bool, error) {
	return l.recordExists(ldbSaltKey)
}

func (l *LevelDBStore) PutIndex(data []byte, expectedVersion string) (string, error) {
	return l.putRecord(ldbIndexKey, data, expectedVersion, "PutIndex")
}

func (l *LevelDBStore) GetIndex() (*VersionedData, error) {
	return l.getRecord(ldbIndexKey, "key index")
}

func (l *LevelDBStore) IndexExists() (bool, error) {
	return l.recordExists(ldbIndexKey)
}

func (l *LevelDBStore) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	return l.db.Put([]byte(ldbBackupPrefix+container.BackupID), data, nil)
}

func (l *LevelDBStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	data, err := l.db.Get([]byte(ldbBackupPrefix+backupPath), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
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
			return nil, fmt.Errorf("backup checksum mismatch: record is corrupted")
		}
	}
	return &container, nil
}

func (l *LevelDBStore) ListBackups() ([]BackupInfo, error) {
	var backups []BackupInfo
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbBackupPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var container BackupContainer
		if err := json.Unmarshal(iter.Value(), &container); err != nil {
			continue
		}
		isValid := false
		if payload, err := base64.StdEncoding.DecodeString(container.EncryptedData); err == nil {
			isValid = crypto.Checksum(payload) == container.Checksum
		}
		backups = append(backups, BackupInfo{
			BackupID:         container.BackupID,
			BackupTimestamp:  container.BackupTimestamp,
			KeyringVersion:   container.KeyringVersion,
			BackupVersion:    container.BackupVersion,
			EncryptionMethod: container.EncryptionMethod,
			FileSize:         int64(len(iter.Value())),
			IsValid:          isValid,
			Namespace:        container.Namespace,
			Checksum:         container.Checksum,
			StorePath:        string(iter.Key()),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate backups: %w", err)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (l *LevelDBStore) DeleteBackup(backupID string) error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	exists, err := l.recordExists(ldbBackupPrefix + backupID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return l.db.Delete([]byte(ldbBackupPrefix+backupID), nil)
}

func (l *LevelDBStore) Ping() error {
	// A cheap read exercises the database handle.
	_, err := l.db.Get([]byte(ldbSaltKey), nil)
	if err != nil && err != leveldb.ErrNotFound {
		return err
	}
	return nil
}

func (l *LevelDBStore) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *LevelDBStore) GetType() string {
	return string(StoreTypeLevelDB)
}
