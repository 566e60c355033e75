// Package tpmdecrypt recovers an AES key sealed in the TPM and uses it to
// decrypt openssl-encrypted files without leaving the key or the plaintext
// on disk.
//
// Every call is synchronous and independent: it unseals once, writes the key
// to its own owner-only ephemeral file, runs the cipher and securely erases
// the key file before returning, even when the caller's context is cancelled.
package tpmdecrypt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/audit"
	"github.com/quantumauth-io/tpm-decrypt/log"
	"github.com/quantumauth-io/tpm-decrypt/metrics"
)

const auditTimeout = 5 * time.Second

type Service struct {
	unsealer  *KeyUnsealer
	decryptor *FileDecryptor
	audit     audit.Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithAudit(s audit.Sink) Option {
	return func(svc *Service) { svc.audit = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

func NewService(unsealer *KeyUnsealer, decryptor *FileDecryptor, opts ...Option) *Service {
	s := &Service{unsealer: unsealer, decryptor: decryptor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrGlobal(s.logger)
	return s
}

// Decrypt unseals the key at handle, decrypts path with it and destroys the
// key before returning.
func (s *Service) Decrypt(ctx context.Context, handle, path string) (out []byte, err error) {
	opID := uuid.New()
	logger := s.logger.With(zap.String("operationId", opID.String()))
	start := s.now()
	defer func() {
		s.record(ctx, logger, audit.Event{
			ID:        opID,
			Operation: audit.OperationDecrypt,
			Handle:    handle,
			Path:      path,
			Result:    resultOf(err),
			ErrorKind: errorKind(err),
			Duration:  s.now().Sub(start),
			Time:      start,
		})
	}()

	key, err := s.Unseal(ctx, handle)
	if err != nil {
		logger.Error("unseal failed", zap.String("handle", handle), zap.Error(err))
		return nil, err
	}
	defer key.Destroy()

	decryptStart := s.now()
	out, err = s.decryptor.DecryptFile(ctx, key, path)
	s.metrics.ObserveDecrypt(Kind(err), s.now().Sub(decryptStart), len(out))
	if err != nil {
		logger.Error("decryption failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Info("file decrypted", zap.String("path", path), zap.Int("bytes", len(out)))
	return out, nil
}

// Unseal exposes the instrumented unseal step on its own. The caller owns
// the returned key and must Destroy it.
func (s *Service) Unseal(ctx context.Context, handle string) (*KeyMaterial, error) {
	start := s.now()
	key, err := s.unsealer.Unseal(ctx, handle)
	s.metrics.ObserveUnseal(Kind(err), s.now().Sub(start))
	return key, err
}

// record never fails the operation; audit outages are logged.
func (s *Service) record(ctx context.Context, logger *zap.Logger, e audit.Event) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, e); err != nil {
		logger.Warn("audit record failed", zap.Error(err))
	}
}

func resultOf(err error) string {
	if err != nil {
		return audit.ResultFailure
	}
	return audit.ResultSuccess
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return Kind(err)
}
