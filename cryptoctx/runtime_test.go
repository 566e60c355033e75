package cryptoctx

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/tpm-decrypt/audit"
	"github.com/quantumauth-io/tpm-decrypt/config"
	"github.com/quantumauth-io/tpm-decrypt/opensslenc"
	"github.com/quantumauth-io/tpm-decrypt/tpmdecrypt"
)

const testKey = "0123456789abcdef0123456789abcdef"

type staticUnsealer struct{ out string }

func (s staticUnsealer) Unseal(context.Context, string) ([]byte, error) {
	return []byte(s.out), nil
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Record(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// blockingSink waits for its context, like a sink whose database stopped
// answering.
type blockingSink struct {
	hadDeadline bool
	err         error
}

func (s *blockingSink) Record(ctx context.Context, _ audit.Event) error {
	_, s.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	s.err = ctx.Err()
	return s.err
}

func testSettings() *config.Settings {
	s := &config.Settings{}
	s.ApplyDefaults()
	s.Cipher.Backend = config.CipherBackendNative
	s.KeyFile.Dir = "/keys"
	s.KeyFile.ErasePasses = 2
	return s
}

func newTestRuntime(t *testing.T, s *config.Settings) (*Runtime, afero.Fs, *memSink) {
	t.Helper()
	fs := afero.NewMemMapFs()
	sink := &memSink{}
	rt, err := New(context.Background(), s,
		WithFs(fs),
		WithUnsealer(staticUnsealer{out: testKey + "\n"}),
		WithAuditSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, fs, sink
}

func TestRuntimeDecrypt(t *testing.T) {
	rt, fs, sink := newTestRuntime(t, testSettings())
	ct, err := opensslenc.Encrypt([]byte("hello"), []byte(testKey), opensslenc.DefaultIterations)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/in.enc", ct, 0o644))

	out, err := rt.Service().Decrypt(context.Background(), "0x81000000", "/in.enc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.OperationDecrypt, sink.events[0].Operation)

	entries, err := afero.ReadDir(fs, "/keys")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRuntimeEncryptThenDecrypt(t *testing.T) {
	rt, fs, sink := newTestRuntime(t, testSettings())
	require.NoError(t, afero.WriteFile(fs, "/plain", []byte("round trip"), 0o600))

	require.NoError(t, rt.Encrypt(context.Background(), "0x81000000", "/plain", "/plain.enc"))
	out, err := rt.Service().Decrypt(context.Background(), "0x81000000", "/plain.enc")
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(out))

	require.Len(t, sink.events, 2)
	assert.Equal(t, audit.OperationEncrypt, sink.events[0].Operation)
	assert.Equal(t, audit.ResultSuccess, sink.events[0].Result)
}

func TestRuntimeEncryptReportsUnsealErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := &memSink{}
	rt, err := New(context.Background(), testSettings(),
		WithFs(fs), WithUnsealer(staticUnsealer{out: "short"}), WithAuditSink(sink))
	require.NoError(t, err)

	err = rt.Encrypt(context.Background(), "0x81000000", "/plain", "/out.enc")
	require.ErrorIs(t, err, tpmdecrypt.ErrInvalidKeySize)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "invalid_key_size", sink.events[0].ErrorKind)
}

func TestRuntimeProvisionRejectsBadHandle(t *testing.T) {
	rt, _, sink := newTestRuntime(t, testSettings())
	err := rt.Provision(context.Background(), ProvisionOptions{Handle: "0x01"})
	require.Error(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.OperationProvision, sink.events[0].Operation)
	assert.Equal(t, audit.ResultFailure, sink.events[0].Result)
}

func TestRuntimeAuditRecordIsBounded(t *testing.T) {
	sink := &blockingSink{}
	rt, err := New(context.Background(), testSettings(),
		WithFs(afero.NewMemMapFs()), WithUnsealer(staticUnsealer{out: testKey}), WithAuditSink(sink))
	require.NoError(t, err)
	rt.auditTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Provision(ctx, ProvisionOptions{Handle: "0x01"}) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Provision blocked on a hung audit sink")
	}
	assert.True(t, sink.hadDeadline)
	assert.ErrorIs(t, sink.err, context.DeadlineExceeded)
}

func TestRuntimeLicenseValidatorNeedsAccount(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testSettings())
	_, err := rt.LicenseValidator(context.Background())
	require.ErrorIs(t, err, ErrLicenseNotConfigured)

	rt.settings.License.AccountID = "acct"
	v, err := rt.LicenseValidator(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestGenerateKeyIsPrintable(t *testing.T) {
	k, err := GenerateKey(bytes.NewReader(bytes.Repeat([]byte{0xff}, provisionKeyEntropy)))
	require.NoError(t, err)
	defer k.Destroy()

	assert.Equal(t, 32, k.Size())
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, provisionKeyEntropy)), string(k.Bytes()))
	assert.False(t, bytes.ContainsAny(k.Bytes(), "\x00\n"))

	_, err = GenerateKey(bytes.NewReader(nil))
	require.Error(t, err)
}

func TestCloseWritesMetricsTextfile(t *testing.T) {
	s := testSettings()
	s.Metrics.TextfilePath = filepath.Join(t.TempDir(), "tpmdecrypt.prom")
	rt, err := New(context.Background(), s, WithFs(afero.NewMemMapFs()), WithUnsealer(staticUnsealer{out: testKey}), WithAuditSink(&memSink{}))
	require.NoError(t, err)

	rt.Metrics().ObserveErase(2, nil)
	require.NoError(t, rt.Close())

	data, err := os.ReadFile(s.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "tpmdecrypt_erase_total"))
}

func TestNewSelectsBackends(t *testing.T) {
	s := testSettings()
	s.Cipher.Backend = config.CipherBackendOpenSSL
	s.TPM.Backend = config.TPMBackendDevice

	rt, err := New(context.Background(), s, WithFs(afero.NewMemMapFs()), WithAuditSink(&memSink{}))
	require.NoError(t, err)
	assert.NotNil(t, rt.Service())
	assert.Same(t, s, rt.Settings())

	_, err = New(context.Background(), nil)
	require.Error(t, err)
}

type argvRunner struct{ args []string }

func (r *argvRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.args = append([]string{name}, args...)
	return []byte("plain"), nil
}

func TestOpenSSLBackendUsesFixedIterations(t *testing.T) {
	s := testSettings()
	s.Cipher.Backend = config.CipherBackendOpenSSL
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.enc", []byte("Salted__"), 0o644))
	runner := &argvRunner{}

	rt, err := New(context.Background(), s,
		WithFs(fs), WithRunner(runner), WithUnsealer(staticUnsealer{out: testKey}), WithAuditSink(&memSink{}))
	require.NoError(t, err)

	out, err := rt.Service().Decrypt(context.Background(), "0x81000000", "/in.enc")
	require.NoError(t, err)
	assert.Equal(t, "plain", string(out))
	require.Len(t, runner.args, 11)
	assert.Equal(t, []string{"-pbkdf2", "-iter", "10000"}, runner.args[8:])
}

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/out/plain.txt", []byte("secret"), 0o600))

	data, err := afero.ReadFile(fs, "/out/plain.txt")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(data))

	info, err := fs.Stat("/out/plain.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")

	require.NoError(t, WriteFileAtomic(fs, "/out/plain.txt", []byte("replaced"), 0o600))
	data, _ = afero.ReadFile(fs, "/out/plain.txt")
	assert.Equal(t, "replaced", string(data))
}
