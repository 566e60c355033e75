//go:build !linux && !windows

package tpmdevice

import (
	"fmt"
	"io"
	"runtime"
)

var DefaultDevicePaths []string

func openTPM(_ []string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("tpmdevice: %w on %s", ErrUnsupported, runtime.GOOS)
}
