package persist

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

const testNamespace = "test-tenant"

// storeFactories builds one fresh store per backend under test. The s3
// backend needs a live endpoint and is covered separately.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore(testNamespace)
			if err != nil {
				t.Fatalf("NewMemoryStore failed: %v", err)
			}
			return s
		},
		"filesystem": func(t *testing.T) Store {
			s, err := NewFileSystemStore(t.TempDir(), testNamespace)
			if err != nil {
				t.Fatalf("NewFileSystemStore failed: %v", err)
			}
			return s
		},
		"leveldb": func(t *testing.T) Store {
			s, err := NewLevelDBStore(filepath.Join(t.TempDir(), "ldb"), testNamespace)
			if err != nil {
				t.Fatalf("NewLevelDBStore failed: %v", err)
			}
			return s
		},
	}
}

func TestStoreKeyLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			data := []byte("pkcs8-document-bytes")
			version, err := store.PutKey("signing", data, "")
			if err != nil {
				t.Fatalf("PutKey failed: %v", err)
			}
			if version == "" {
				t.Fatal("PutKey returned empty version")
			}

			record, err := store.GetKey("signing")
			if err != nil {
				t.Fatalf("GetKey failed: %v", err)
			}
			if !bytes.Equal(record.Data, data) {
				t.Error("Retrieved data differs from stored data")
			}
			if record.Version != version {
				t.Errorf("Version mismatch: put %s, get %s", version, record.Version)
			}

			exists, err := store.KeyExists("signing")
			if err != nil || !exists {
				t.Errorf("KeyExists: want true, got %t (err %v)", exists, err)
			}
			exists, err = store.KeyExists("ghost")
			if err != nil || exists {
				t.Errorf("KeyExists for absent id: want false, got %t (err %v)", exists, err)
			}

			if err = store.DeleteKey("signing"); err != nil {
				t.Fatalf("DeleteKey failed: %v", err)
			}
			if _, err = store.GetKey("signing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetKey after delete: expected ErrNotFound, got %v", err)
			}
			if err = store.DeleteKey("signing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Second DeleteKey: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreGetMissingKey(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			_, err := store.GetKey("never-stored")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreListKeysSorted(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			for _, id := range []string{"zulu", "alpha", "mike"} {
				if _, err := store.PutKey(id, []byte("data-"+id), ""); err != nil {
					t.Fatalf("PutKey(%s) failed: %v", id, err)
				}
			}

			ids, err := store.ListKeys()
			if err != nil {
				t.Fatalf("ListKeys failed: %v", err)
			}
			want := []string{"alpha", "mike", "zulu"}
			if len(ids) != len(want) {
				t.Fatalf("ListKeys: want %d ids, got %d", len(want), len(ids))
			}
			for i := range want {
				if ids[i] != want[i] {
					t.Errorf("ListKeys[%d]: want %s, got %s", i, want[i], ids[i])
				}
			}
		})
	}
}

func TestStoreOptimisticConcurrency(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			v1, err := store.PutKey("contended", []byte("first"), "")
			if err != nil {
				t.Fatalf("PutKey failed: %v", err)
			}

			// Writing with the current version succeeds
			v2, err := store.PutKey("contended", []byte("second"), v1)
			if err != nil {
				t.Fatalf("PutKey with matching version failed: %v", err)
			}
			if v2 == v1 {
				t.Error("Version did not change after update")
			}

			// Writing with a stale version is detected
			_, err = store.PutKey("contended", []byte("third"), v1)
			if err == nil {
				t.Fatal("Stale write accepted")
			}
			var concErr interface{ IsConcurrencyError() bool }
			if !errors.As(err, &concErr) || !concErr.IsConcurrencyError() {
				t.Errorf("Expected ConcurrencyError, got %T: %v", err, err)
			}

			// The record still holds the last successful write
			record, err := store.GetKey("contended")
			if err != nil {
				t.Fatalf("GetKey failed: %v", err)
			}
			if string(record.Data) != "second" {
				t.Errorf("Record content after rejected write: %s", record.Data)
			}

			// An empty expected version skips the check
			if _, err = store.PutKey("contended", []byte("forced"), ""); err != nil {
				t.Errorf("Unconditional write failed: %v", err)
			}
		})
	}
}

func TestStoreSaltRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			exists, err := store.SaltExists()
			if err != nil || exists {
				t.Fatalf("SaltExists on fresh store: want false, got %t (err %v)", exists, err)
			}
			if _, err = store.GetSalt(); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetSalt on fresh store: expected ErrNotFound, got %v", err)
			}

			salt := []byte("0123456789abcdef0123456789abcdef")
			if _, err = store.PutSalt(salt, ""); err != nil {
				t.Fatalf("PutSalt failed: %v", err)
			}

			exists, err = store.SaltExists()
			if err != nil || !exists {
				t.Fatalf("SaltExists after put: want true, got %t (err %v)", exists, err)
			}

			record, err := store.GetSalt()
			if err != nil {
				t.Fatalf("GetSalt failed: %v", err)
			}
			if !bytes.Equal(record.Data, salt) {
				t.Error("Retrieved salt differs from stored salt")
			}
		})
	}
}

func TestStoreIndexRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			exists, err := store.IndexExists()
			if err != nil || exists {
				t.Fatalf("IndexExists on fresh store: want false, got %t (err %v)", exists, err)
			}

			index := []byte(`{"entries":{"signing":{"id":"signing","version":1}}}`)
			version, err := store.PutIndex(index, "")
			if err != nil {
				t.Fatalf("PutIndex failed: %v", err)
			}

			record, err := store.GetIndex()
			if err != nil {
				t.Fatalf("GetIndex failed: %v", err)
			}
			if !bytes.Equal(record.Data, index) {
				t.Error("Retrieved index differs from stored index")
			}

			// Stale index writes are rejected like key writes
			if _, err = store.PutIndex([]byte(`{}`), version); err != nil {
				t.Fatalf("PutIndex with matching version failed: %v", err)
			}
			if _, err = store.PutIndex([]byte(`{"x":1}`), version); err == nil {
				t.Error("Stale index write accepted")
			}
		})
	}
}

func TestStoreKeyIDValidation(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			invalid := []string{
				"",
				"../escape",
				"slash/inside",
				"back\\slash",
				"space inside",
				".hidden",
			}
			for _, id := range invalid {
				if _, err := store.PutKey(id, []byte("x"), ""); err == nil {
					t.Errorf("PutKey accepted invalid id %q", id)
				}
			}

			valid := []string{"simple", "with.dot", "with-dash", "with_underscore", "archived@v1", "Mixed0123"}
			for _, id := range valid {
				if _, err := store.PutKey(id, []byte("x"), ""); err != nil {
					t.Errorf("PutKey rejected valid id %q: %v", id, err)
				}
			}
		})
	}
}

func TestStoreBackupLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			container := &BackupContainer{
				BackupID:         "b7e1a150-4f7c-4c0e-9a34-000000000001",
				BackupTimestamp:  time.Now().UTC(),
				KeyringVersion:   "1.0",
				BackupVersion:    "1.0",
				EncryptionMethod: "pbkdf2-chacha20poly1305",
				EncryptedData:    "c2VhbGVkLXBheWxvYWQ=",
				Namespace:        testNamespace,
			}

			if err := store.SaveBackup(container.BackupID, container); err != nil {
				t.Fatalf("SaveBackup failed: %v", err)
			}

			restored, err := store.RestoreBackup(container.BackupID)
			if err != nil {
				t.Fatalf("RestoreBackup failed: %v", err)
			}
			if restored.BackupID != container.BackupID {
				t.Errorf("BackupID mismatch: %s", restored.BackupID)
			}
			if restored.EncryptedData != container.EncryptedData {
				t.Error("EncryptedData lost in round trip")
			}

			backups, err := store.ListBackups()
			if err != nil {
				t.Fatalf("ListBackups failed: %v", err)
			}
			if len(backups) != 1 {
				t.Fatalf("ListBackups: want 1, got %d", len(backups))
			}
			if backups[0].BackupID != container.BackupID {
				t.Errorf("Listed BackupID mismatch: %s", backups[0].BackupID)
			}

			if err = store.DeleteBackup(container.BackupID); err != nil {
				t.Fatalf("DeleteBackup failed: %v", err)
			}
			backups, err = store.ListBackups()
			if err != nil {
				t.Fatalf("ListBackups after delete failed: %v", err)
			}
			if len(backups) != 0 {
				t.Errorf("Backup still listed after delete")
			}

			if _, err = store.RestoreBackup("missing-backup"); err == nil {
				t.Error("RestoreBackup of missing backup succeeded")
			}
		})
	}
}

func TestStorePingAndType(t *testing.T) {
	types := map[string]string{
		"memory":     "memory",
		"filesystem": "filesystem",
		"leveldb":    "leveldb",
	}
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			if err := store.Ping(); err != nil {
				t.Errorf("Ping failed: %v", err)
			}
			if store.GetType() != types[name] {
				t.Errorf("GetType: want %s, got %s", types[name], store.GetType())
			}
		})
	}
}

func TestStoreNamespaceIsolation(t *testing.T) {
	base := t.TempDir()

	a, err := NewFileSystemStore(base, "tenant-a")
	if err != nil {
		t.Fatalf("NewFileSystemStore failed: %v", err)
	}
	defer a.Close()

	b, err := NewFileSystemStore(base, "tenant-b")
	if err != nil {
		t.Fatalf("NewFileSystemStore failed: %v", err)
	}
	defer b.Close()

	if _, err = a.PutKey("shared-name", []byte("tenant-a-data"), ""); err != nil {
		t.Fatalf("PutKey failed: %v", err)
	}

	if _, err = b.GetKey("shared-name"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Tenant b sees tenant a's key: %v", err)
	}

	ids, err := b.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Tenant b lists %d foreign keys", len(ids))
	}
}

func TestFileSystemStorePersistence(t *testing.T) {
	base := t.TempDir()

	first, err := NewFileSystemStore(base, testNamespace)
	if err != nil {
		t.Fatalf("NewFileSystemStore failed: %v", err)
	}
	if _, err = first.PutKey("durable", []byte("survives-restart"), ""); err != nil {
		t.Fatalf("PutKey failed: %v", err)
	}
	if err = first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewFileSystemStore(base, testNamespace)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer second.Close()

	record, err := second.GetKey("durable")
	if err != nil {
		t.Fatalf("GetKey after reopen failed: %v", err)
	}
	if string(record.Data) != "survives-restart" {
		t.Error("Data lost across store restarts")
	}
}

func TestNewStoreFactory(t *testing.T) {
	tests := []struct {
		config   StoreConfig
		wantType string
		wantErr  bool
	}{
		{
			config:   StoreConfig{Type: StoreTypeMemory},
			wantType: "memory",
		},
		{
			config: StoreConfig{
				Type:   StoreTypeFileSystem,
				Config: map[string]interface{}{"base_path": t.TempDir()},
			},
			wantType: "filesystem",
		},
		{
			config: StoreConfig{
				Type:   StoreTypeLevelDB,
				Config: map[string]interface{}{"base_path": filepath.Join(t.TempDir(), "ldb")},
			},
			wantType: "leveldb",
		},
		{
			config:  StoreConfig{Type: StoreTypeFileSystem},
			wantErr: true, // base_path missing
		},
		{
			config:  StoreConfig{Type: StoreType("cassandra")},
			wantErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			store, err := NewStore(tt.config, testNamespace)
			if tt.wantErr {
				if err == nil {
					store.Close()
					t.Fatal("NewStore succeeded, expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStore failed: %v", err)
			}
			defer store.Close()
			if store.GetType() != tt.wantType {
				t.Errorf("GetType: want %s, got %s", tt.wantType, store.GetType())
			}
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	for _, ns := range []string{"tenant", "tenant-1", "Tenant_2"} {
		if err := validateNamespace(ns); err != nil {
			t.Errorf("validateNamespace(%q) failed: %v", ns, err)
		}
	}
	for _, ns := range []string{"", "../up", "a/b", "a\\b", "has space"} {
		if err := validateNamespace(ns); err == nil {
			t.Errorf("validateNamespace(%q) succeeded, expected error", ns)
		}
	}
}

func TestCalculateVersionIsContentHash(t *testing.T) {
	a := calculateVersion([]byte("same"))
	b := calculateVersion([]byte("same"))
	c := calculateVersion([]byte("different"))
	if a != b {
		t.Error("Identical content yields different versions")
	}
	if a == c {
		t.Error("Different content yields identical versions")
	}
}
