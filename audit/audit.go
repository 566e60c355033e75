// Package audit records who decrypted what, and how it went. Events never
// carry key material or plaintext.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

const (
	OperationDecrypt   = "decrypt"
	OperationEncrypt   = "encrypt"
	OperationProvision = "provision"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Event struct {
	ID        uuid.UUID
	Operation string
	Handle    string
	Path      string
	Result    string
	ErrorKind string
	Duration  time.Duration
	Time      time.Time
}

type Sink interface {
	Record(ctx context.Context, e Event) error
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: log.OrGlobal(logger)}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("id", e.ID.String()),
		zap.String("operation", e.Operation),
		zap.String("handle", e.Handle),
		zap.String("path", e.Path),
		zap.String("result", e.Result),
		zap.Duration("duration", e.Duration),
		zap.Time("time", e.Time),
	}
	if e.ErrorKind != "" {
		fields = append(fields, zap.String("errorKind", e.ErrorKind))
	}
	s.logger.Info("audit", fields...)
	return nil
}

// Multi fans an event out to every sink and combines their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		if s == nil {
			continue
		}
		err = multierr.Append(err, s.Record(ctx, e))
	}
	return err
}
