package tpmdecrypt

import (
	"context"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
	"github.com/quantumauth-io/tpm-decrypt/enctool"
	"github.com/quantumauth-io/tpm-decrypt/keyfile"
	"github.com/quantumauth-io/tpm-decrypt/log"
)

// FileDecryptor decrypts an openssl enc file with a key that only touches
// disk as an ephemeral key file for the length of the call.
type FileDecryptor struct {
	store  *keyfile.Store
	cipher enctool.Decrypter
	fs     afero.Fs
	logger *zap.Logger
}

// NewFileDecryptor checks inputs for existence on fs (the OS filesystem
// when nil).
func NewFileDecryptor(store *keyfile.Store, cipher enctool.Decrypter, fs afero.Fs, logger *zap.Logger) *FileDecryptor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileDecryptor{store: store, cipher: cipher, fs: fs, logger: log.OrGlobal(logger)}
}

// DecryptFile returns the plaintext of path. The encrypted file is never
// modified, and the plaintext is never written anywhere.
//
// A wrong key of valid length is reported as ErrDecryptionFailure. If the
// key file cannot be erased, ErrEraseFailure is returned (combined with any
// decryption error) and no plaintext is.
func (d *FileDecryptor) DecryptFile(ctx context.Context, key *KeyMaterial, path string) ([]byte, error) {
	if !key.Alive() {
		return nil, ErrKeyDestroyed
	}
	if _, err := d.fs.Stat(path); err != nil {
		return nil, &DecryptionError{Path: path, Diagnostic: err.Error(), Err: err}
	}

	// Held outside the scope so plaintext withheld by a failed erase can be wiped.
	var plain []byte
	out, err := keyfile.WithEphemeralKey(d.store, key.Bytes(), func(keyPath string) ([]byte, error) {
		out, err := d.cipher.DecryptFile(ctx, keyPath, path)
		if err != nil {
			memguard.WipeBytes(out)
			return nil, &DecryptionError{Path: path, Diagnostic: cmdrun.Diagnostic(err), Err: err}
		}
		plain = out
		d.logger.Debug("file decrypted", zap.String("path", path), zap.Int("bytes", len(out)))
		return out, nil
	})
	if errors.Is(err, keyfile.ErrEraseFailure) {
		memguard.WipeBytes(plain)
	}
	return out, err
}
