package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/signet/internal/crypto"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Config holds the settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store implements the Store interface against an S3-compatible object
// store (MinIO client) with namespace isolation.
//
// Object layout:
//
//	bucket/[keyPrefix/]<namespace>/
//	├── derivation.salt
//	├── keys.index
//	├── keys/<id>.pk8
//	└── backups/<backup_id>.keyring
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	namespace  string
}

// NewS3Store connects to the object store and verifies the bucket exists.
// An empty namespace defaults to "default".
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from the generic StoreConfig map.
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	data, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal s3 config: %w", err)
	}
	var s3cfg S3Config
	if err := json.Unmarshal(data, &s3cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	if s3cfg.Endpoint == "" || s3cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires 'endpoint' and 'bucket' in config")
	}
	return NewS3Store(s3cfg, namespace)
}

func (s *S3Store) objectKey(parts ...string) string {
	segments := make([]string, 0, len(parts)+2)
	if s.keyPrefix != "" {
		segments = append(segments, strings.Trim(s.keyPrefix, "/"))
	}
	segments = append(segments, s.namespace)
	segments = append(segments, parts...)
	return strings.Join(segments, "/")
}

// putObject uploads data, enforcing the optimistic-concurrency contract
// with a read-before-write version check.
func (s *S3Store) putObject(key string, data []byte, expectedVersion, operation string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: data cannot be empty", operation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		current := ""
		if existing, err := s.readObject(ctx, key); err == nil {
			current = calculateVersion(existing)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       operation,
			}
		}
	}

	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("%s: failed to upload object: %w", operation, err)
	}
	return calculateVersion(data), nil
}

func (s *S3Store) readObject(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// getObject reads an object into VersionedData, mapping absence to
// ErrNotFound.
func (s *S3Store) getObject(key, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	info, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := s.readObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: info.LastModified,
	}, nil
}

func (s *S3Store) objectExists(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (s *S3Store) PutKey(id string, data []byte, expectedVersion string) (string, error) {
	if err := validateKeyID(id); err != nil {
		return "", err
	}
	return s.putObject(s.objectKey("keys", id+keyFileExt), data, expectedVersion, "PutKey")
}

func (s *S3Store) GetKey(id string) (*VersionedData, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}
	return s.getObject(s.objectKey("keys", id+keyFileExt), "key document "+id)
}

func (s *S3Store) KeyExists(id string) (bool, error) {
	if err := validateKeyID(id); err != nil {
		return false, err
	}
	return s.objectExists(s.objectKey("keys", id+keyFileExt))
}

func (s *S3Store) DeleteKey(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	key := s.objectKey("keys", id+keyFileExt)
	exists, err := s.objectExists(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("key document %s: %w", id, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
}

func (s *S3Store) ListKeys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.objectKey("keys") + "/"
	var ids []string
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list key documents: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, keyFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, keyFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *S3Store) PutSalt(data []byte, expectedVersion string) (string, error) {
	return s.putObject(s.objectKey("derivation.salt"), data, expectedVersion, "PutSalt")
}

func (s *S3Store) GetSalt() (*VersionedData, error) {
	return s.getObject(s.objectKey("derivation.salt"), "derivation salt")
}

func (s *S3Store) SaltExists() (bool, error) {
	return s.objectExists(s.objectKey("derivation.salt"))
}

func (s *S3Store) PutIndex(data []byte, expectedVersion string) (string, error) {
	return s.putObject(s.objectKey("keys.index"), data, expectedVersion, "PutIndex")
}

func (s *S3Store) GetIndex() (*VersionedData, error) {
	return s.getObject(s.objectKey("keys.index"), "key index")
}

func (s *S3Store) IndexExists() (bool, error) {
	return s.objectExists(s.objectKey("keys.index"))
}

func (s *S3Store) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	name := strings.TrimSpace(backupPath)
	if name == "" {
		name = container.BackupID
	}
	if !strings.HasSuffix(name, backupFileExt) {
		name += backupFileExt
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, s.bucketName, s.objectKey("backups", name),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

func (s *S3Store) RestoreBackup(backupPath string) (*BackupContainer, error) {
	name := strings.TrimSpace(backupPath)
	if !strings.HasSuffix(name, backupFileExt) {
		name += backupFileExt
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s.readObject(ctx, s.objectKey("backups", name))
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || err == ErrNotFound {
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
			return nil, fmt.Errorf("backup checksum mismatch: object is corrupted")
		}
	}
	return &container, nil
}

func (s *S3Store) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.objectKey("backups") + "/"
	var backups []BackupInfo
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}

		data, err := s.readObject(ctx, object.Key)
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

		backups = append(backups, BackupInfo{
			BackupID:         container.BackupID,
			BackupTimestamp:  container.BackupTimestamp,
			KeyringVersion:   container.KeyringVersion,
			BackupVersion:    container.BackupVersion,
			EncryptionMethod: container.EncryptionMethod,
			FileSize:         object.Size,
			IsValid:          isValid,
			Namespace:        container.Namespace,
			Checksum:         container.Checksum,
			StorePath:        object.Key,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (s *S3Store) DeleteBackup(backupID string) error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	for _, backup := range backups {
		if backup.BackupID == backupID {
			ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
			defer cancel()
			return s.client.RemoveObject(ctx, s.bucketName, backup.StorePath, minio.RemoveObjectOptions{})
		}
	}
	return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
}

// Ping verifies connectivity and bucket reachability.
func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s no longer exists", s.bucketName)
	}
	return nil
}

func (s *S3Store) Close() error {
	// The MinIO client holds no resources that need explicit release.
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
