package signet

import "fmt"

// Options configures a KeyStore instance.
//
// Sensitive fields carry `json:"-"` so they never travel through
// serialized configuration. When neither DerivationPassphrase nor
// EnvPassphraseVar is set, key documents are stored unsealed and at-rest
// protection is left to the storage backend.
type Options struct {
	// DerivationSalt optionally fixes the salt used for key derivation.
	// When empty a random salt is generated on first use and persisted
	// through the storage backend. Minimum 16 bytes if provided.
	DerivationSalt []byte `json:"-"`

	// DerivationPassphrase seals stored key documents with
	// ChaCha20-Poly1305 under an Argon2id-derived key. Never persisted.
	DerivationPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the
	// passphrase. The variable is read once and cleared during
	// initialization, keeping the passphrase out of process arguments.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock attempts to mlock the process address space so
	// key material cannot be swapped to disk. Best effort; failure
	// downgrades the protection level rather than aborting.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// UserID identifies the operator in audit events.
	UserID string `json:"-"`
}

// Validate checks the Options configuration.
func (o Options) Validate() error {
	if o.DerivationPassphrase != "" && len(o.DerivationPassphrase) < 12 {
		return fmt.Errorf("derivation passphrase must be at least 12 characters long")
	}

	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		return fmt.Errorf("invalid environment variable name: %s", o.EnvPassphraseVar)
	}

	if len(o.DerivationSalt) > 0 && len(o.DerivationSalt) < 16 {
		return fmt.Errorf("derivation salt must be at least 16 bytes if provided")
	}

	return nil
}

// sealing reports whether at-rest sealing is configured.
func (o Options) sealing() bool {
	return o.DerivationPassphrase != "" || o.EnvPassphraseVar != ""
}

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}
