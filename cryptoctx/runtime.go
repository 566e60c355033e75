// Package cryptoctx assembles the decrypt service and its collaborators
// (TPM backend, cipher backend, key file store, audit, metrics, license
// client) from configuration.
package cryptoctx

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/audit"
	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
	"github.com/quantumauth-io/tpm-decrypt/config"
	"github.com/quantumauth-io/tpm-decrypt/database"
	"github.com/quantumauth-io/tpm-decrypt/enctool"
	"github.com/quantumauth-io/tpm-decrypt/keyfile"
	"github.com/quantumauth-io/tpm-decrypt/license"
	"github.com/quantumauth-io/tpm-decrypt/log"
	"github.com/quantumauth-io/tpm-decrypt/metrics"
	"github.com/quantumauth-io/tpm-decrypt/opensslenc"
	"github.com/quantumauth-io/tpm-decrypt/redis"
	"github.com/quantumauth-io/tpm-decrypt/tpmdecrypt"
	"github.com/quantumauth-io/tpm-decrypt/tpmdevice"
)

var ErrLicenseNotConfigured = errors.New("cryptoctx: license.accountid is not configured")

// provisionKeyEntropy random bytes encode to a 32 character base64url key.
// A printable key survives openssl's "-pass file:" line handling intact.
const provisionKeyEntropy = 24

const defaultAuditTimeout = 5 * time.Second

type Runtime struct {
	settings *config.Settings
	fs       afero.Fs
	logger   *zap.Logger
	runner   cmdrun.Runner

	metrics   *metrics.Metrics
	store     *keyfile.Store
	service   *tpmdecrypt.Service
	encryptor enctool.Encryptor
	audit     audit.Sink

	unsealer     tpmdevice.Unsealer
	closers      []func() error
	auditTimeout time.Duration
}

type Option func(*Runtime)

func WithFs(fs afero.Fs) Option { return func(r *Runtime) { r.fs = fs } }

func WithLogger(l *zap.Logger) Option { return func(r *Runtime) { r.logger = l } }

func WithRunner(rn cmdrun.Runner) Option { return func(r *Runtime) { r.runner = rn } }

// WithUnsealer overrides the TPM backend chosen by settings.
func WithUnsealer(u tpmdevice.Unsealer) Option { return func(r *Runtime) { r.unsealer = u } }

func WithAuditSink(s audit.Sink) Option { return func(r *Runtime) { r.audit = s } }

func New(ctx context.Context, s *config.Settings, opts ...Option) (*Runtime, error) {
	if s == nil {
		return nil, errors.New("cryptoctx: settings are required")
	}
	rt := &Runtime{settings: s, auditTimeout: defaultAuditTimeout}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.fs == nil {
		rt.fs = afero.NewOsFs()
	}
	if rt.runner == nil {
		rt.runner = cmdrun.ExecRunner{}
	}
	rt.logger = log.OrGlobal(rt.logger)
	rt.metrics = metrics.New(nil)

	if rt.unsealer == nil {
		switch s.TPM.Backend {
		case config.TPMBackendDevice:
			rt.unsealer = tpmdevice.NewDeviceUnsealer(s.TPM.DevicePaths)
		default:
			rt.unsealer = tpmdevice.NewToolUnsealer(rt.runner, s.TPM.UnsealTool)
		}
	}

	native := enctool.NewNative(rt.fs, opensslenc.DefaultIterations)
	rt.encryptor = native
	var cipher enctool.Decrypter = native
	if s.Cipher.Backend != config.CipherBackendNative {
		cipher = enctool.NewOpenSSL(rt.runner, s.Cipher.OpenSSLPath, opensslenc.DefaultIterations)
	}

	eraser := keyfile.NewEraser(rt.fs,
		keyfile.WithPasses(s.KeyFile.ErasePasses),
		keyfile.WithLogger(rt.logger),
		keyfile.WithObserver(rt.metrics))
	rt.store = keyfile.NewStore(rt.fs, s.KeyFile.Dir, eraser, rt.logger)

	if rt.audit == nil {
		sink, err := rt.newAuditSink(ctx)
		if err != nil {
			return nil, err
		}
		rt.audit = sink
	}

	rt.service = tpmdecrypt.NewService(
		tpmdecrypt.NewKeyUnsealer(rt.unsealer, rt.logger),
		tpmdecrypt.NewFileDecryptor(rt.store, cipher, rt.fs, rt.logger),
		tpmdecrypt.WithAudit(rt.audit),
		tpmdecrypt.WithMetrics(rt.metrics),
		tpmdecrypt.WithLogger(rt.logger),
	)
	return rt, nil
}

func (r *Runtime) newAuditSink(ctx context.Context) (audit.Sink, error) {
	logSink := audit.NewLogSink(r.logger)
	if !r.settings.Audit.Enabled {
		return logSink, nil
	}
	dbSettings := r.settings.Audit.Database
	if err := audit.Migrate(ctx, dbSettings); err != nil {
		return nil, errors.Wrap(err, "cryptoctx: audit migrations")
	}
	pool, err := database.NewPool(ctx, dbSettings)
	if err != nil {
		return nil, errors.Wrap(err, "cryptoctx: audit database")
	}
	r.closers = append(r.closers, func() error { pool.Close(); return nil })
	return audit.Multi{logSink, audit.NewPostgresSink(pool)}, nil
}

func (r *Runtime) Service() *tpmdecrypt.Service { return r.service }

func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

func (r *Runtime) Settings() *config.Settings { return r.settings }

// Encrypt seals inPath into an openssl enc container at outPath using the
// key at handle. The key only touches disk as an ephemeral key file.
func (r *Runtime) Encrypt(ctx context.Context, handle, inPath, outPath string) (err error) {
	start := time.Now()
	defer func() {
		r.record(ctx, audit.OperationEncrypt, handle, inPath, start, err)
	}()

	key, err := r.service.Unseal(ctx, handle)
	if err != nil {
		return err
	}
	defer key.Destroy()

	_, err = keyfile.WithEphemeralKey(r.store, key.Bytes(), func(keyPath string) (struct{}, error) {
		return struct{}{}, r.encryptor.EncryptFile(ctx, keyPath, inPath, outPath)
	})
	return err
}

type ProvisionOptions struct {
	Handle   string
	ForceNew bool
	// Random defaults to crypto/rand.
	Random io.Reader
}

// Provision generates a fresh printable AES-256 key and seals it at the
// handle. The key is never returned or logged.
func (r *Runtime) Provision(ctx context.Context, opts ProvisionOptions) (err error) {
	start := time.Now()
	defer func() {
		r.record(ctx, audit.OperationProvision, opts.Handle, "", start, err)
	}()

	h, err := tpmdevice.ParseHandle(opts.Handle)
	if err != nil {
		return err
	}
	key, err := GenerateKey(opts.Random)
	if err != nil {
		return err
	}
	defer key.Destroy()

	return tpmdevice.Provision(ctx, tpmdevice.ProvisionConfig{
		Handle:      h,
		ForceNew:    opts.ForceNew,
		OwnerAuth:   r.settings.TPM.OwnerAuth,
		DevicePaths: r.settings.TPM.DevicePaths,
		Logger:      r.logger,
	}, key.Bytes())
}

// GenerateKey returns a 32 byte base64url key in guarded memory.
func GenerateKey(random io.Reader) (*memguard.LockedBuffer, error) {
	if random == nil {
		random = rand.Reader
	}
	entropy := make([]byte, provisionKeyEntropy)
	defer memguard.WipeBytes(entropy)
	if _, err := io.ReadFull(random, entropy); err != nil {
		return nil, errors.Wrap(err, "cryptoctx: generate key")
	}
	encoded := make([]byte, base64.RawURLEncoding.EncodedLen(len(entropy)))
	base64.RawURLEncoding.Encode(encoded, entropy)
	return memguard.NewBufferFromBytes(encoded), nil
}

// Fingerprint reads (or creates) the TPM identity key and returns its
// fingerprint, the default license scope for this machine.
func (r *Runtime) Fingerprint(ctx context.Context) (string, error) {
	h, err := tpmdevice.ParseHandle(r.settings.TPM.IdentityHandle)
	if err != nil {
		return "", err
	}
	id, err := tpmdevice.OpenIdentity(ctx, tpmdevice.IdentityConfig{
		Handle:      h,
		OwnerAuth:   r.settings.TPM.OwnerAuth,
		DevicePaths: r.settings.TPM.DevicePaths,
		Logger:      r.logger,
	})
	if err != nil {
		return "", err
	}
	defer id.Close()
	return id.Fingerprint(), nil
}

// LicenseValidator builds the Keygen client, fronted by the redis cache when
// redis is enabled and a cache TTL is set.
func (r *Runtime) LicenseValidator(ctx context.Context) (license.Validator, error) {
	ls := r.settings.License
	if ls.AccountID == "" {
		return nil, ErrLicenseNotConfigured
	}
	client, err := license.NewClient(license.Config{
		AccountID:  ls.AccountID,
		Host:       ls.Host,
		Timeout:    ls.Timeout,
		MaxRetries: ls.MaxRetries,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, err
	}
	if !r.settings.Redis.Enabled || ls.CacheTTL <= 0 {
		return client, nil
	}

	rdb, err := redis.NewClient(ctx, r.settings.Redis)
	if err != nil {
		// The cache is an optimisation; validate directly without it.
		r.logger.Warn("license cache unavailable", zap.Error(err))
		return client, nil
	}
	r.closers = append(r.closers, rdb.Close)
	return license.NewCachedValidator(client, redis.NewCache(rdb, r.settings.Redis.Prefix), ls.CacheTTL, r.logger), nil
}

func (r *Runtime) record(ctx context.Context, op, handle, path string, start time.Time, err error) {
	if r.audit == nil {
		return
	}
	e := audit.Event{
		ID:        uuid.New(),
		Operation: op,
		Handle:    handle,
		Path:      path,
		Result:    audit.ResultSuccess,
		Duration:  time.Since(start),
		Time:      start,
	}
	if err != nil {
		e.Result = audit.ResultFailure
		e.ErrorKind = tpmdecrypt.Kind(err)
	}
	// Outlives caller cancellation but not a hung sink.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.auditTimeout)
	defer cancel()
	if recErr := r.audit.Record(actx, e); recErr != nil {
		r.logger.Warn("audit record failed", zap.Error(recErr))
	}
}

// Close releases pooled connections and flushes metrics to the textfile
// when one is configured.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	err := r.metrics.WriteTextfile(r.settings.Metrics.TextfilePath)
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	r.closers = nil
	return err
}
