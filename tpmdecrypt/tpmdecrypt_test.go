package tpmdecrypt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
	"github.com/quantumauth-io/tpm-decrypt/enctool"
	"github.com/quantumauth-io/tpm-decrypt/keyfile"
	"github.com/quantumauth-io/tpm-decrypt/opensslenc"
)

const (
	keyDir  = "/run/tpmdecrypt"
	testKey = "0123456789abcdef0123456789abcdef"
)

type fakeUnsealer struct {
	mu    sync.Mutex
	out   []byte
	err   error
	calls int
}

func (f *fakeUnsealer) Unseal(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, f.err
}

// decryptFunc adapts a function to enctool.Decrypter.
type decryptFunc func(ctx context.Context, keyPath, encryptedPath string) ([]byte, error)

func (f decryptFunc) DecryptFile(ctx context.Context, keyPath, encryptedPath string) ([]byte, error) {
	return f(ctx, keyPath, encryptedPath)
}

func mustKey(t *testing.T, s string) *KeyMaterial {
	t.Helper()
	k, err := NewKeyMaterial([]byte(s))
	require.NoError(t, err)
	t.Cleanup(k.Destroy)
	return k
}

func keyFilesLeft(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, keyDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newDecryptor(fs afero.Fs, cipher enctool.Decrypter, eraseOpts ...keyfile.EraserOption) *FileDecryptor {
	eraser := keyfile.NewEraser(fs, append([]keyfile.EraserOption{keyfile.WithPasses(2)}, eraseOpts...)...)
	return NewFileDecryptor(keyfile.NewStore(fs, keyDir, eraser, nil), cipher, fs, nil)
}

func writeEncrypted(t *testing.T, fs afero.Fs, path string, plain []byte, key string) {
	t.Helper()
	ct, err := opensslenc.Encrypt(plain, []byte(key), opensslenc.DefaultIterations)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, ct, 0o644))
}

func TestUnsealStripsWhitespace(t *testing.T) {
	for _, raw := range []string{testKey, testKey + "\n", "  " + testKey + "\r\n", "\t" + testKey[:16] + "\v\f"} {
		out := []byte(raw)
		u := NewKeyUnsealer(&fakeUnsealer{out: out}, nil)

		key, err := u.Unseal(context.Background(), "0x81000000")
		require.NoError(t, err, "%q", raw)
		assert.Equal(t, strings.Trim(raw, asciiSpace), string(key.Bytes()))
		assert.Equal(t, make([]byte, len(out)), out, "raw TPM output must be wiped")
		key.Destroy()
	}
}

func TestUnsealKeepsNonASCIISpace(t *testing.T) {
	// U+00A0 encodes as C2 A0; those are key bytes, not padding.
	raw := append([]byte(testKey[:30]), 0xC2, 0xA0)
	key, err := NewKeyUnsealer(&fakeUnsealer{out: append([]byte(nil), raw...)}, nil).Unseal(context.Background(), "h")
	require.NoError(t, err)
	defer key.Destroy()
	assert.Equal(t, raw, key.Bytes())
}

func TestUnsealRejectsInvalidSizes(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 31, 33, 64} {
		out := bytes.Repeat([]byte{'k'}, n)
		_, err := NewKeyUnsealer(&fakeUnsealer{out: out}, nil).Unseal(context.Background(), "h")
		require.ErrorIs(t, err, ErrInvalidKeySize, "size %d", n)

		var sizeErr *KeySizeError
		require.True(t, errors.As(err, &sizeErr))
		assert.Equal(t, n, sizeErr.Size)
		assert.Equal(t, make([]byte, n), out)
	}
}

func TestUnsealAcceptsAESSizes(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		key, err := NewKeyUnsealer(&fakeUnsealer{out: bytes.Repeat([]byte{'k'}, n)}, nil).Unseal(context.Background(), "h")
		require.NoError(t, err)
		assert.Equal(t, n, key.Len())
		key.Destroy()
	}
}

func TestUnsealFailureCarriesDiagnosticAndIsNotRetried(t *testing.T) {
	tpm := &fakeUnsealer{err: &cmdrun.ExitError{
		Name:     "tpm2_unseal",
		ExitCode: 1,
		Stderr:   "ERROR: Esys_Unseal(0x18B) - tpm:handle(1):the handle is not correct for the use\n",
	}}

	_, err := NewKeyUnsealer(tpm, nil).Unseal(context.Background(), "0x81000000")
	require.ErrorIs(t, err, ErrUnsealFailure)

	var unsealErr *UnsealError
	require.True(t, errors.As(err, &unsealErr))
	assert.Equal(t, "0x81000000", unsealErr.Handle)
	assert.Contains(t, unsealErr.Diagnostic, "Esys_Unseal")
	assert.Equal(t, 1, tpm.calls)
}

func TestUnsealNeverLogsKeyBytes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	u := NewKeyUnsealer(&fakeUnsealer{out: []byte(testKey + "\n")}, zap.New(core))

	key, err := u.Unseal(context.Background(), "0x81000000")
	require.NoError(t, err)
	defer key.Destroy()

	entries := logs.FilterMessage("key unsealed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(32), entries[0].ContextMap()["size"])
	assertNoSecretLogged(t, logs, testKey)
}

func assertNoSecretLogged(t *testing.T, logs *observer.ObservedLogs, secret string) {
	t.Helper()
	for _, e := range logs.All() {
		assert.NotContains(t, e.Message, secret)
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, secret)
			}
		}
	}
}

func TestKeyMaterialLifecycle(t *testing.T) {
	src := []byte(testKey)
	k, err := NewKeyMaterial(src)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(testKey)), src, "source is wiped")
	assert.Equal(t, testKey, string(k.Bytes()))

	k.Destroy()
	k.Destroy()
	assert.False(t, k.Alive())
	assert.Nil(t, k.Bytes())
	assert.Zero(t, k.Len())

	var nilKey *KeyMaterial
	assert.NotPanics(t, nilKey.Destroy)
}

func TestDecryptFileUsesEphemeralKeyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/in.enc", []byte("ciphertext"), 0o644))

	var keyPath string
	cipher := decryptFunc(func(_ context.Context, kp, in string) ([]byte, error) {
		keyPath = kp
		assert.Equal(t, "/data/in.enc", in)
		assert.True(t, strings.HasPrefix(kp, keyDir+"/"))

		info, err := fs.Stat(kp)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		data, err := afero.ReadFile(fs, kp)
		require.NoError(t, err)
		assert.Equal(t, testKey, string(data))
		return []byte("plaintext"), nil
	})

	out, err := newDecryptor(fs, cipher).DecryptFile(context.Background(), mustKey(t, testKey), "/data/in.enc")
	require.NoError(t, err)
	assert.Equal(t, "plaintext", string(out))

	exists, _ := afero.Exists(fs, keyPath)
	assert.False(t, exists)
	assert.Empty(t, keyFilesLeft(t, fs))

	in, err := afero.ReadFile(fs, "/data/in.enc")
	require.NoError(t, err)
	assert.Equal(t, "ciphertext", string(in), "input is never modified")
}

func TestDecryptFileCipherFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.enc", []byte("junk"), 0o644))
	cipher := decryptFunc(func(context.Context, string, string) ([]byte, error) {
		return nil, &cmdrun.ExitError{Name: "openssl", ExitCode: 1, Stderr: "bad decrypt\n"}
	})

	_, err := newDecryptor(fs, cipher).DecryptFile(context.Background(), mustKey(t, testKey), "/in.enc")
	require.ErrorIs(t, err, ErrDecryptionFailure)
	assert.NotErrorIs(t, err, ErrEraseFailure)

	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "bad decrypt", decErr.Diagnostic)
	assert.Equal(t, "/in.enc", decErr.Path)
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestDecryptFileMissingInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	called := false
	cipher := decryptFunc(func(context.Context, string, string) ([]byte, error) {
		called = true
		return nil, nil
	})

	_, err := newDecryptor(fs, cipher).DecryptFile(context.Background(), mustKey(t, testKey), "/absent.enc")
	require.ErrorIs(t, err, ErrDecryptionFailure)
	assert.False(t, called)
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestDecryptFileWrongKeyOfValidLength(t *testing.T) {
	fs := afero.NewMemMapFs()
	ct, err := opensslenc.EncryptWithSalt([]byte("attack at dawn\n"),
		[]byte("correcthorsebatterystaple0123456"), []byte{1, 2, 3, 4, 5, 6, 7, 8}, opensslenc.DefaultIterations)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/in.enc", ct, 0o644))

	d := newDecryptor(fs, enctool.NewNative(fs, 0))
	_, err = d.DecryptFile(context.Background(), mustKey(t, "wrongwrongwrongwrongwrongwrong00"), "/in.enc")
	require.ErrorIs(t, err, ErrDecryptionFailure)
	assert.ErrorIs(t, err, opensslenc.ErrBadPadding)
	assert.Empty(t, keyFilesLeft(t, fs))
}

// syncFailFs fails every Sync, which breaks the first erase pass.
type syncFailFs struct{ afero.Fs }

func (s syncFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := s.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncFailFile{f}, nil
}

type syncFailFile struct{ afero.File }

func (syncFailFile) Sync() error { return errors.New("EIO") }

func TestDecryptFileEraseFailureSurfacesWithCipherError(t *testing.T) {
	fs := syncFailFs{afero.NewMemMapFs()}
	require.NoError(t, afero.WriteFile(fs.Fs, "/in.enc", []byte("junk"), 0o644))
	cipher := decryptFunc(func(context.Context, string, string) ([]byte, error) {
		return nil, errors.New("bad decrypt")
	})

	_, err := newDecryptor(fs, cipher).DecryptFile(context.Background(), mustKey(t, testKey), "/in.enc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEraseFailure)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Equal(t, "erase_failure", Kind(err))
}

func TestDecryptFileEraseFailureWithholdsPlaintext(t *testing.T) {
	fs := syncFailFs{afero.NewMemMapFs()}
	require.NoError(t, afero.WriteFile(fs.Fs, "/in.enc", []byte("junk"), 0o644))
	plain := []byte("plaintext")
	cipher := decryptFunc(func(context.Context, string, string) ([]byte, error) {
		return plain, nil
	})

	out, err := newDecryptor(fs, cipher).DecryptFile(context.Background(), mustKey(t, testKey), "/in.enc")
	require.ErrorIs(t, err, ErrEraseFailure)
	assert.Nil(t, out)
	assert.Equal(t, make([]byte, len(plain)), plain, "withheld plaintext is wiped")
}

func TestDecryptFileCancellationStillErases(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.enc", []byte("junk"), 0o644))
	ctx, cancel := context.WithCancel(context.Background())

	cipher := decryptFunc(func(ctx context.Context, _, _ string) ([]byte, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := newDecryptor(fs, cipher).DecryptFile(ctx, mustKey(t, testKey), "/in.enc")
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestDecryptFilePanicStillErases(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.enc", []byte("junk"), 0o644))
	cipher := decryptFunc(func(context.Context, string, string) ([]byte, error) {
		panic("cipher crashed")
	})

	d := newDecryptor(fs, cipher)
	assert.Panics(t, func() {
		_, _ = d.DecryptFile(context.Background(), mustKey(t, testKey), "/in.enc")
	})
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestDecryptFileRejectsDestroyedKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	k := mustKey(t, testKey)
	k.Destroy()

	_, err := newDecryptor(fs, nil).DecryptFile(context.Background(), k, "/in.enc")
	require.ErrorIs(t, err, ErrKeyDestroyed)
}

func TestRoundTripAllKeySizes(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := newDecryptor(fs, enctool.NewNative(fs, 0))
	plain := bytes.Repeat([]byte("payload "), 100)

	for _, key := range []string{testKey[:16], testKey[:24], testKey} {
		writeEncrypted(t, fs, "/in.enc", plain, key)
		out, err := d.DecryptFile(context.Background(), mustKey(t, key), "/in.enc")
		require.NoError(t, err, "key size %d", len(key))
		assert.Equal(t, plain, out)
	}
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestConcurrentDecryptsUseDistinctKeyFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeEncrypted(t, fs, "/in.enc", []byte("shared"), testKey)

	var (
		mu    sync.Mutex
		paths = map[string]struct{}{}
	)
	native := enctool.NewNative(fs, 0)
	cipher := decryptFunc(func(ctx context.Context, kp, in string) ([]byte, error) {
		mu.Lock()
		paths[kp] = struct{}{}
		mu.Unlock()
		return native.DecryptFile(ctx, kp, in)
	})
	d := newDecryptor(fs, cipher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := NewKeyMaterial([]byte(testKey))
			if !assert.NoError(t, err) {
				return
			}
			defer k.Destroy()
			out, err := d.DecryptFile(context.Background(), k, "/in.enc")
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(out))
		}()
	}
	wg.Wait()

	assert.Len(t, paths, 8)
	assert.Empty(t, keyFilesLeft(t, fs))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "success", Kind(nil))
	assert.Equal(t, "invalid_key_size", Kind(&KeySizeError{Size: 3}))
	assert.Equal(t, "unseal_failure", Kind(&UnsealError{Err: errors.New("x")}))
	assert.Equal(t, "decryption_failure", Kind(&DecryptionError{Err: context.Canceled}))
	assert.Equal(t, "erase_failure", Kind(&keyfile.EraseError{Err: errors.New("x")}))
	assert.Equal(t, "cancelled", Kind(context.DeadlineExceeded))
	assert.Equal(t, "error", Kind(errors.New("other")))
}
