package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, namespace string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace)

	case StoreTypeMemory:
		return NewMemoryStore(namespace)

	case StoreTypeLevelDB:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("leveldb storage requires 'base_path' in config")
		}
		return NewLevelDBStore(basePath, namespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

var keyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]*$`)

// validateNamespace validates the namespace for security
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}

// validateKeyID restricts key identifiers to characters that are safe as
// file names and object keys on every backend.
func validateKeyID(id string) error {
	if id == "" {
		return fmt.Errorf("key identifier cannot be empty")
	}
	if len(id) > 200 {
		return fmt.Errorf("key identifier too long (max 200 characters)")
	}
	if !keyIDRegex.MatchString(id) {
		return fmt.Errorf("key identifier contains invalid characters")
	}
	return nil
}

// calculateVersion derives the optimistic-concurrency version of a record
// from its content.
func calculateVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
