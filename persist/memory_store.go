package persist

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"southwinds.dev/signet/internal/crypto"
)

// MemoryStore implements Store entirely in process memory. It exists for
// tests and for ephemeral keyrings whose documents must never touch disk.
// All operations honor the same versioning contract as the durable
// backends.
type MemoryStore struct {
	mu        sync.RWMutex
	namespace string
	keys      map[string]*memRecord
	salt      *memRecord
	index     *memRecord
	backups   map[string]*BackupContainer
	closed    bool
}

type memRecord struct {
	data      []byte
	version   string
	timestamp time.Time
}

// NewMemoryStore creates an empty in-memory store. An empty namespace
// defaults to "default".
func NewMemoryStore(namespace string) (*MemoryStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}
	return &MemoryStore{
		namespace: namespace,
		keys:      make(map[string]*memRecord),
		backups:   make(map[string]*BackupContainer),
	}, nil
}

func newMemRecord(data []byte) *memRecord {
	stored := make([]byte, len(data))
	copy(stored, data)
	return &memRecord{
		data:      stored,
		version:   calculateVersion(stored),
		timestamp: time.Now(),
	}
}

func (m *memRecord) versioned() *VersionedData {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return &VersionedData{Data: out, Version: m.version, Timestamp: m.timestamp}
}

func putRecord(slot **memRecord, data []byte, expectedVersion, operation string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: data cannot be empty", operation)
	}
	current := ""
	if *slot != nil {
		current = (*slot).version
	}
	if expectedVersion != "" && current != expectedVersion {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
			Operation:       operation,
		}
	}
	*slot = newMemRecord(data)
	return (*slot).version, nil
}

func (m *MemoryStore) PutKey(id string, data []byte, expectedVersion string) (string, error) {
	if err := validateKeyID(id); err != nil {
		return "", err
	}

	if len(data) == 0 {
		return "", fmt.Errorf("key document cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := ""
	if record, exists := m.keys[id]; exists {
		current = record.version
	}
	if expectedVersion != "" && current != expectedVersion {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
			Operation:       "PutKey",
		}
	}

	m.keys[id] = newMemRecord(data)
	return m.keys[id].version, nil
}

func (m *MemoryStore) GetKey(id string) (*VersionedData, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.keys[id]
	if !exists {
		return nil, fmt.Errorf("key document %s: %w", id, ErrNotFound)
	}
	return record.versioned(), nil
}

func (m *MemoryStore) KeyExists(id string) (bool, error) {
	if err := validateKeyID(id); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.keys[id]
	return exists, nil
}

func (m *MemoryStore) DeleteKey(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[id]; !exists {
		return fmt.Errorf("key document %s: %w", id, ErrNotFound)
	}
	delete(m.keys, id)
	return nil
}

func (m *MemoryStore) ListKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) PutSalt(data []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return putRecord(&m.salt, data, expectedVersion, "PutSalt")
}

func (m *MemoryStore) GetSalt() (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.salt == nil {
		return nil, fmt.Errorf("derivation salt: %w", ErrNotFound)
	}
	return m.salt.versioned(), nil
}

func (m *MemoryStore) SaltExists() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.salt != nil, nil
}

func (m *MemoryStore) PutIndex(data []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return putRecord(&m.index, data, expectedVersion, "PutIndex")
}

func (m *MemoryStore) GetIndex() (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index == nil {
		return nil, fmt.Errorf("key index: %w", ErrNotFound)
	}
	return m.index.versioned(), nil
}

func (m *MemoryStore) IndexExists() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index != nil, nil
}

func (m *MemoryStore) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *container
	m.backups[container.BackupID] = &stored
	return nil
}

func (m *MemoryStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	container, exists := m.backups[backupPath]
	if !exists {
		return nil, fmt.Errorf("backup %s: %w", backupPath, ErrNotFound)
	}
	out := *container
	return &out, nil
}

func (m *MemoryStore) ListBackups() ([]BackupInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var backups []BackupInfo
	for _, container := range m.backups {
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
			FileSize:         int64(len(container.EncryptedData)),
			IsValid:          isValid,
			Namespace:        container.Namespace,
			Checksum:         container.Checksum,
			StorePath:        container.BackupID,
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (m *MemoryStore) DeleteBackup(backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.backups[backupID]; !exists {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	delete(m.backups, backupID)
	return nil
}

func (m *MemoryStore) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop everything; key documents must not outlive the store.
	for id, record := range m.keys {
		for i := range record.data {
			record.data[i] = 0
		}
		delete(m.keys, id)
	}
	m.salt = nil
	m.index = nil
	m.closed = true
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
