// Package keyfile manages short-lived on-disk copies of key material.
//
// A key file is created with owner-only permissions, handed to a single
// consumer and then destroyed with SecureErase: every byte is overwritten
// with fresh random data, flushed to stable storage, for a fixed number of
// passes before the name is unlinked.
//
// Overwriting in place cannot reach blocks the storage stack has already
// relocated. Copy-on-write filesystems (btrfs, ZFS), snapshots, journaling
// of data blocks and SSD wear-levelling may all retain earlier contents.
// Prefer a tmpfs directory (see DefaultDir) so the key never reaches a disk.
package keyfile

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

const DefaultPasses = 10

var (
	// ErrEraseFailure marks every failure of the overwrite-then-remove
	// sequence. The file may still hold key material.
	ErrEraseFailure = errors.New("secure erase failed")

	ErrInvalidPasses = errors.New("erase pass count must be positive")
)

// EraseError reports where an erase stopped. Pass is 0 when no overwrite was
// attempted, and Passes+1 when all overwrites succeeded but close or remove
// failed.
type EraseError struct {
	Path   string
	Pass   int
	Passes int
	Err    error
}

func (e *EraseError) Error() string {
	return fmt.Sprintf("keyfile: %s: %s (pass %d of %d): %v", ErrEraseFailure, e.Path, e.Pass, e.Passes, e.Err)
}

func (e *EraseError) Unwrap() []error { return []error{ErrEraseFailure, e.Err} }

// EraseObserver is notified once per Erase call with the number of
// completed overwrite passes.
type EraseObserver interface {
	ObserveErase(completedPasses int, err error)
}

type Eraser struct {
	fs       afero.Fs
	passes   int
	random   io.Reader
	logger   *zap.Logger
	observer EraseObserver
}

type EraserOption func(*Eraser)

func WithPasses(n int) EraserOption {
	return func(e *Eraser) { e.passes = n }
}

// WithRandom replaces crypto/rand as the source of overwrite bytes.
func WithRandom(r io.Reader) EraserOption {
	return func(e *Eraser) { e.random = r }
}

func WithLogger(l *zap.Logger) EraserOption {
	return func(e *Eraser) { e.logger = l }
}

func WithObserver(o EraseObserver) EraserOption {
	return func(e *Eraser) { e.observer = o }
}

// NewEraser returns an Eraser over fs (the OS filesystem when nil) doing
// DefaultPasses passes unless configured otherwise.
func NewEraser(fs afero.Fs, opts ...EraserOption) *Eraser {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	e := &Eraser{
		fs:     fs,
		passes: DefaultPasses,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.OrGlobal(e.logger)
	return e
}

func (e *Eraser) Passes() int { return e.passes }

// SecureErase overwrites path on the OS filesystem passes times and removes it.
func SecureErase(path string, passes int) error {
	return NewEraser(afero.NewOsFs(), WithPasses(passes)).Erase(path)
}

// Erase overwrites the whole file with random bytes, syncing after every
// pass, and unlinks it only once all passes completed. On any failure the
// file is left in place and an *EraseError is returned.
func (e *Eraser) Erase(path string) (err error) {
	completed := 0
	defer func() {
		if e.observer != nil {
			e.observer.ObserveErase(completed, err)
		}
	}()

	if e.passes < 1 {
		return &EraseError{Path: path, Passes: e.passes, Err: ErrInvalidPasses}
	}

	f, err := e.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &EraseError{Path: path, Passes: e.passes, Err: errors.Wrap(err, "open")}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &EraseError{Path: path, Passes: e.passes, Err: errors.Wrap(err, "stat")}
	}

	buf := make([]byte, info.Size())
	for pass := 1; pass <= e.passes; pass++ {
		if err := overwrite(f, buf, e.random); err != nil {
			_ = f.Close()
			return &EraseError{Path: path, Pass: pass, Passes: e.passes, Err: err}
		}
		completed = pass
	}

	if err := f.Close(); err != nil {
		return &EraseError{Path: path, Pass: e.passes + 1, Passes: e.passes, Err: errors.Wrap(err, "close")}
	}
	if err := e.fs.Remove(path); err != nil {
		return &EraseError{Path: path, Pass: e.passes + 1, Passes: e.passes, Err: errors.Wrap(err, "remove")}
	}

	e.logger.Debug("key file erased",
		zap.String("path", path),
		zap.Int("passes", e.passes),
		zap.Int64("bytes", info.Size()))
	return nil
}

func overwrite(f afero.File, buf []byte, random io.Reader) error {
	if _, err := io.ReadFull(random, buf); err != nil {
		return errors.Wrap(err, "generate random bytes")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek")
	}
	n, err := f.Write(buf)
	if err != nil {
		return errors.Wrap(err, "write")
	}
	if n != len(buf) {
		return errors.Wrap(io.ErrShortWrite, "write")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}
