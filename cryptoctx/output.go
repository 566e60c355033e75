package cryptoctx

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never see a partial plaintext.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "cryptoctx: mkdir")
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "cryptoctx: create tmp")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "cryptoctx: write tmp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "cryptoctx: sync tmp")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "cryptoctx: close tmp")
	}
	if err := fs.Chmod(tmpName, perm); err != nil {
		cleanup()
		return errors.Wrap(err, "cryptoctx: chmod tmp")
	}
	if err := fs.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, "cryptoctx: rename")
	}
	return nil
}
