package keyfile

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

const namePrefix = "tpmkey-"

// Store hands out ephemeral key files inside one private directory.
type Store struct {
	fs     afero.Fs
	dir    string
	eraser *Eraser
	logger *zap.Logger
}

// NewStore returns a Store creating files in dir (DefaultDir when empty).
// A nil eraser means NewEraser(fs).
func NewStore(fs afero.Fs, dir string, eraser *Eraser, logger *zap.Logger) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = DefaultDir()
	}
	if eraser == nil {
		eraser = NewEraser(fs, WithLogger(logger))
	}
	return &Store{
		fs:     fs,
		dir:    dir,
		eraser: eraser,
		logger: log.OrGlobal(logger),
	}
}

func (s *Store) Dir() string { return s.dir }

// DefaultDir prefers $XDG_RUNTIME_DIR, a per-user tmpfs on systemd hosts, so
// key bytes stay in memory-backed storage. Falls back to os.TempDir.
func DefaultDir() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			return d
		}
	}
	return os.TempDir()
}

// WithEphemeralKey writes key to a new owner-only file, runs body with its
// path and securely erases the file before returning, whether body succeeds,
// fails or panics. The erase ignores cancellation of any context body uses.
//
// A store whose eraser cannot erase (fewer than one pass) is rejected with
// ErrInvalidPasses before any file is created. If the file cannot be created
// nothing is erased and the creation error is returned. If the erase fails its error is reported first, combined with
// body's error, and body's result is discarded.
func WithEphemeralKey[T any](s *Store, key []byte, body func(path string) (T, error)) (result T, err error) {
	if p := s.eraser.Passes(); p < 1 {
		return result, errors.Wrapf(ErrInvalidPasses, "keyfile: ephemeral key store configured with %d passes", p)
	}
	f, path, err := s.create()
	if err != nil {
		return result, errors.Wrap(err, "keyfile: create ephemeral key file")
	}

	defer func() {
		eraseErr := s.eraser.Erase(path)
		if eraseErr == nil {
			return
		}
		s.logger.Error("ephemeral key file was not erased", zap.String("path", path), zap.Error(eraseErr))
		var zero T
		result = zero
		err = multierr.Combine(eraseErr, err)
	}()

	if err := writeKey(f, key); err != nil {
		_ = f.Close()
		return result, errors.Wrap(err, "keyfile: write ephemeral key file")
	}
	if err := f.Close(); err != nil {
		return result, errors.Wrap(err, "keyfile: close ephemeral key file")
	}

	return body(path)
}

func (s *Store) create() (afero.File, string, error) {
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return nil, "", err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(s.dir, namePrefix+id.String())
	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func writeKey(f afero.File, key []byte) error {
	n, err := f.Write(key)
	if err != nil {
		return err
	}
	if n != len(key) {
		return io.ErrShortWrite
	}
	return nil
}
