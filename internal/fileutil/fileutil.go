// Package fileutil provides common file operation utilities.
package fileutil

import (
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFile writes data to a temp file next to path and renames it into
// place, creating parent directories as needed. Readers never observe a
// partially written file.
func WriteFile(fs afero.Fs, path string, data []byte) (retErr error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	return fs.Rename(tmp, path)
}
