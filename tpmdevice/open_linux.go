//go:build linux

package tpmdevice

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
)

// DefaultDevicePaths prefers the kernel resource manager so concurrent users
// do not trample each other's transient objects.
var DefaultDevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

// openTPM tries each path in order and returns the first that opens.
func openTPM(paths []string) (io.ReadWriteCloser, error) {
	if len(paths) == 0 {
		paths = DefaultDevicePaths
	}
	var lastErr error

	for _, p := range paths {
		rwc, err := tpm2.OpenTPM(p)
		if err == nil {
			return rwc, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("tpmdevice: no TPM device found in %v: %w", paths, lastErr)
}
