package signet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/signet/internal/crypto"
	"southwinds.dev/signet/persist"
)

const backupFormatVersion = "1.0"

// backupPayload is the plaintext structure sealed inside a backup
// container. Key documents travel as raw PKCS#8 DER so a backup can be
// restored into a store with a different sealing configuration.
type backupPayload struct {
	Keys       map[string][]byte `json:"keys"`
	Index      json.RawMessage   `json:"index,omitempty"`
	Namespace  string            `json:"namespace"`
	ExportedAt time.Time         `json:"exported_at"`
}

// ExportBackup collects every stored key document plus the index, seals
// the payload with the given passphrase (PBKDF2 + ChaCha20-Poly1305) and
// persists it through the backend's backup storage.
//
// The backup passphrase is independent of the store's sealing
// passphrase: documents are unsealed before export so the backup can be
// restored anywhere.
func (ks *KeyStore) ExportBackup(passphrase string) (*persist.BackupContainer, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil, fmt.Errorf("keystore is closed")
	}
	if len(passphrase) < 12 {
		return nil, fmt.Errorf("backup passphrase must be at least 12 characters long")
	}

	backupID := uuid.NewString()

	ids, err := ks.store.ListKeys()
	if err != nil {
		ks.logAudit("BACKUP_EXPORT", err, map[string]interface{}{"backup_id": backupID})
		return nil, fmt.Errorf("failed to list key documents: %w", err)
	}

	payload := backupPayload{
		Keys:       make(map[string][]byte, len(ids)),
		Namespace:  ks.namespace,
		ExportedAt: time.Now().UTC(),
	}
	defer func() {
		for _, der := range payload.Keys {
			memguard.WipeBytes(der)
		}
	}()

	for _, id := range ids {
		record, err := ks.store.GetKey(id)
		if err != nil {
			ks.logAudit("BACKUP_EXPORT", err, map[string]interface{}{"backup_id": backupID})
			return nil, fmt.Errorf("failed to read key document %q: %w", id, err)
		}
		der, err := ks.unsealBytes(record.Data)
		if err != nil {
			ks.logAudit("BACKUP_EXPORT", err, map[string]interface{}{"backup_id": backupID})
			return nil, fmt.Errorf("failed to unseal key document %q: %w", id, err)
		}
		payload.Keys[id] = der
	}

	if record, err := ks.store.GetIndex(); err == nil {
		payload.Index = record.Data
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup payload: %w", err)
	}
	defer memguard.WipeBytes(payloadJSON)

	sealed, err := crypto.SealWithPassphrase(payloadJSON, passphrase)
	if err != nil {
		ks.logAudit("BACKUP_EXPORT", err, map[string]interface{}{"backup_id": backupID})
		return nil, fmt.Errorf("failed to seal backup payload: %w", err)
	}

	container := &persist.BackupContainer{
		BackupID:         backupID,
		BackupTimestamp:  time.Now().UTC(),
		KeyringVersion:   backupFormatVersion,
		BackupVersion:    backupFormatVersion,
		EncryptionMethod: "pbkdf2-chacha20poly1305",
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
		Checksum:         crypto.Checksum(sealed),
		Namespace:        ks.namespace,
	}

	if err = ks.store.SaveBackup(backupID, container); err != nil {
		ks.logAudit("BACKUP_EXPORT", err, map[string]interface{}{"backup_id": backupID})
		return nil, fmt.Errorf("failed to save backup: %w", err)
	}

	ks.logAudit("BACKUP_EXPORT", nil, map[string]interface{}{
		"backup_id": backupID,
		"key_count": len(payload.Keys),
	})
	return container, nil
}

// RestoreBackup opens the named backup with the passphrase and writes its
// key documents and index into the store, resealing with the store's
// current configuration. Existing documents with matching ids are
// overwritten.
func (ks *KeyStore) RestoreBackup(backupID, passphrase string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return fmt.Errorf("keystore is closed")
	}
	if backupID == "" {
		return fmt.Errorf("backup id cannot be empty")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}

	container, err := ks.store.RestoreBackup(backupID)
	if err != nil {
		ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
		return fmt.Errorf("failed to load backup: %w", err)
	}

	if err = validateBackupVersion(container.BackupVersion); err != nil {
		ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
		return err
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return fmt.Errorf("failed to decode backup data: %w", err)
	}

	if container.Checksum != "" && crypto.Checksum(sealed) != container.Checksum {
		err = fmt.Errorf("backup integrity check failed: checksum mismatch")
		ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
		return err
	}

	payloadJSON, err := crypto.OpenWithPassphrase(sealed, passphrase)
	if err != nil {
		ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
		return fmt.Errorf("failed to decrypt backup: %w", err)
	}
	defer memguard.WipeBytes(payloadJSON)

	var payload backupPayload
	if err = json.Unmarshal(payloadJSON, &payload); err != nil {
		return fmt.Errorf("failed to parse backup payload: %w", err)
	}
	defer func() {
		for _, der := range payload.Keys {
			memguard.WipeBytes(der)
		}
	}()

	for id, der := range payload.Keys {
		stored, err := ks.sealBytes(der)
		if err != nil {
			ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
			return fmt.Errorf("failed to seal restored document %q: %w", id, err)
		}
		err = ks.putKeyWithRetry(id, stored)
		memguard.WipeBytes(stored)
		if err != nil {
			ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
			return fmt.Errorf("failed to restore key document %q: %w", id, err)
		}
	}

	if len(payload.Index) > 0 {
		restored, err := parseKeyIndex(payload.Index)
		if err != nil {
			return fmt.Errorf("failed to parse backup index: %w", err)
		}
		sealedNow := ks.sealKeyEnclave != nil
		err = ks.updateIndex(func(idx *keyIndex) {
			for id, info := range restored.Entries {
				info.Sealed = sealedNow
				idx.Entries[id] = info
			}
		})
		if err != nil {
			ks.logAudit("BACKUP_RESTORE", err, map[string]interface{}{"backup_id": backupID})
			return fmt.Errorf("failed to restore key index: %w", err)
		}
	}

	ks.logAudit("BACKUP_RESTORE", nil, map[string]interface{}{
		"backup_id": backupID,
		"key_count": len(payload.Keys),
	})
	return nil
}

// ListBackups returns metadata for backups held by the storage backend.
func (ks *KeyStore) ListBackups() ([]persist.BackupInfo, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return nil, fmt.Errorf("keystore is closed")
	}
	return ks.store.ListBackups()
}

// DeleteBackup removes a stored backup by id.
func (ks *KeyStore) DeleteBackup(backupID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return fmt.Errorf("keystore is closed")
	}
	err := ks.store.DeleteBackup(backupID)
	ks.logAudit("BACKUP_DELETE", err, map[string]interface{}{"backup_id": backupID})
	return err
}

func validateBackupVersion(version string) error {
	if version != backupFormatVersion {
		return fmt.Errorf("unsupported backup version %q (supported: %s)", version, backupFormatVersion)
	}
	return nil
}
