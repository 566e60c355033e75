// Package enctool decrypts files produced by "openssl enc", either by
// running the openssl binary or in process.
package enctool

import (
	"context"
	"strconv"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
	"github.com/quantumauth-io/tpm-decrypt/opensslenc"
)

// Decrypter decrypts encryptedPath with the passphrase stored in keyPath and
// returns the plaintext. Implementations must not write the plaintext to
// the filesystem.
type Decrypter interface {
	DecryptFile(ctx context.Context, keyPath, encryptedPath string) ([]byte, error)
}

// Encryptor is the inverse of Decrypter, used when provisioning.
type Encryptor interface {
	EncryptFile(ctx context.Context, keyPath, inPath, outPath string) error
}

// OpenSSL shells out to the openssl binary.
type OpenSSL struct {
	Runner     cmdrun.Runner
	Binary     string
	Iterations int
}

var _ Decrypter = (*OpenSSL)(nil)

func NewOpenSSL(runner cmdrun.Runner, binary string, iterations int) *OpenSSL {
	if runner == nil {
		runner = cmdrun.ExecRunner{}
	}
	if binary == "" {
		binary = "openssl"
	}
	if iterations <= 0 {
		iterations = opensslenc.DefaultIterations
	}
	return &OpenSSL{Runner: runner, Binary: binary, Iterations: iterations}
}

func (o *OpenSSL) Args(keyPath, encryptedPath string) []string {
	return []string{
		"enc", "-d", "-aes-256-cbc",
		"-in", encryptedPath,
		"-pass", "file:" + keyPath,
		"-pbkdf2",
		"-iter", strconv.Itoa(o.Iterations),
	}
}

func (o *OpenSSL) DecryptFile(ctx context.Context, keyPath, encryptedPath string) ([]byte, error) {
	return o.Runner.Run(ctx, o.Binary, o.Args(keyPath, encryptedPath)...)
}

// Native decrypts with opensslenc, reading both files through fs.
type Native struct {
	fs         afero.Fs
	iterations int
}

var (
	_ Decrypter = (*Native)(nil)
	_ Encryptor = (*Native)(nil)
)

func NewNative(fs afero.Fs, iterations int) *Native {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if iterations <= 0 {
		iterations = opensslenc.DefaultIterations
	}
	return &Native{fs: fs, iterations: iterations}
}

func (n *Native) DecryptFile(ctx context.Context, keyPath, encryptedPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pass, raw, err := n.readPassphrase(keyPath)
	defer memguard.WipeBytes(raw)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(n.fs, encryptedPath)
	if err != nil {
		return nil, errors.Wrap(err, "enctool: read encrypted file")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plain, err := opensslenc.Decrypt(data, pass, n.iterations)
	if err != nil {
		return nil, errors.Wrapf(err, "enctool: decrypt %s", encryptedPath)
	}
	return plain, nil
}

// EncryptFile writes the openssl container of inPath to outPath (mode 0600).
func (n *Native) EncryptFile(ctx context.Context, keyPath, inPath, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pass, raw, err := n.readPassphrase(keyPath)
	defer memguard.WipeBytes(raw)
	if err != nil {
		return err
	}

	plain, err := afero.ReadFile(n.fs, inPath)
	if err != nil {
		return errors.Wrap(err, "enctool: read plaintext")
	}
	ct, err := opensslenc.Encrypt(plain, pass, n.iterations)
	if err != nil {
		return errors.Wrap(err, "enctool: encrypt")
	}
	if err := afero.WriteFile(n.fs, outPath, ct, 0o600); err != nil {
		return errors.Wrap(err, "enctool: write encrypted file")
	}
	return nil
}

func (n *Native) readPassphrase(keyPath string) (pass, raw []byte, err error) {
	raw, err = afero.ReadFile(n.fs, keyPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "enctool: read key file")
	}
	pass, err = opensslenc.PassphraseFromFile(raw)
	if err != nil {
		return nil, raw, errors.Wrap(err, "enctool: key file")
	}
	return pass, raw, nil
}
