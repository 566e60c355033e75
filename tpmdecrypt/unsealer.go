package tpmdecrypt

import (
	"bytes"
	"context"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
	"github.com/quantumauth-io/tpm-decrypt/log"
	"github.com/quantumauth-io/tpm-decrypt/tpmdevice"
)

// asciiSpace is what tpm2_unseal output is trimmed of. Unicode spaces are
// left alone since a binary key may legitimately contain those bytes.
const asciiSpace = " \t\n\r\v\f"

// KeyUnsealer recovers the AES key sealed at a TPM persistent handle.
type KeyUnsealer struct {
	tpm    tpmdevice.Unsealer
	logger *zap.Logger
}

func NewKeyUnsealer(tpm tpmdevice.Unsealer, logger *zap.Logger) *KeyUnsealer {
	return &KeyUnsealer{tpm: tpm, logger: log.OrGlobal(logger)}
}

// Unseal is attempted exactly once; TPM failures are not retried. The raw
// output is wiped on every path and key bytes are never logged.
func (u *KeyUnsealer) Unseal(ctx context.Context, handle string) (*KeyMaterial, error) {
	raw, err := u.tpm.Unseal(ctx, handle)
	defer memguard.WipeBytes(raw)
	if err != nil {
		return nil, &UnsealError{Handle: handle, Diagnostic: cmdrun.Diagnostic(err), Err: err}
	}

	key, err := NewKeyMaterial(bytes.Trim(raw, asciiSpace))
	if err != nil {
		u.logger.Warn("unsealed data is not an AES key",
			zap.String("handle", handle), zap.Error(err))
		return nil, err
	}

	u.logger.Info("key unsealed", zap.String("handle", handle), zap.Int("size", key.Len()))
	return key, nil
}
