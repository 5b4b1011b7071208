package misc

const (
	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// PBKDF2Iterations is used for passphrase-sealed backup payloads where
	// the salt travels with the payload.
	PBKDF2Iterations = 100000

	FilePermissions = 0600 // user read + write
)
