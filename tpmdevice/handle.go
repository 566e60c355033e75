// Package tpmdevice talks to the TPM: unsealing a persistent sealed object
// (through tpm2-tools or directly through go-tpm), provisioning one, and
// reading the device's persistent identity key.
package tpmdevice

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpmutil"
)

const (
	// Persistent object handles live in 0x81000000-0x81FFFFFF.
	persistentFirst = tpmutil.Handle(0x81000000)
	persistentLast  = tpmutil.Handle(0x81FFFFFF)

	DefaultKeyHandle      = "0x81000000"
	DefaultIdentityHandle = tpmutil.Handle(0x81000001)
)

var (
	ErrUnsupported   = errors.New("TPM device access is not supported")
	ErrInvalidHandle = errors.New("tpmdevice: invalid persistent handle")
)

// ParseHandle accepts a hex ("0x81000000") or decimal persistent handle.
func ParseHandle(s string) (tpmutil.Handle, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidHandle, s, err)
	}
	h := tpmutil.Handle(v)
	if h < persistentFirst || h > persistentLast {
		return 0, fmt.Errorf("%w %q: outside the persistent range", ErrInvalidHandle, s)
	}
	return h, nil
}

func FormatHandle(h tpmutil.Handle) string {
	return fmt.Sprintf("0x%08x", uint32(h))
}
