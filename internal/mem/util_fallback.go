//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Swapping cannot be prevented here; buffers are still zeroed on
	// destroy.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
