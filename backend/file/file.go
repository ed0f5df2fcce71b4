// Package file provides a backend.Storage backed by an *os.File, for either
// a disk image file or a raw block device path.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/MrRooten/meta-reader/backend"
)

type rawBackend struct {
	storage fs.File
}

// New creates a backend.Storage from an already-open fs.File.
func New(f fs.File) backend.Storage {
	return rawBackend{storage: f}
}

// OpenFromPath opens a backend.Storage from a path to a device or image
// file, read-only. readOnly is accepted for call-site symmetry with other
// storage constructors, but this module never opens for write and rejects
// a false value.
func OpenFromPath(pathName string, readOnly bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}
	if !readOnly {
		return nil, errors.New("this module only supports read-only access")
	}

	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist", pathName)
	}

	f, err := os.OpenFile(pathName, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s read-only: %w", pathName, err)
	}

	return rawBackend{storage: f}, nil
}

// interface guard
var _ backend.Storage = (*rawBackend)(nil)

// Sys returns the underlying *os.File so callers can issue ioctls against
// its file descriptor (block device geometry, see blockio.sectorSizes).
func (f rawBackend) Sys() (*os.File, error) {
	if osFile, ok := f.storage.(*os.File); ok {
		return osFile, nil
	}
	return nil, backend.ErrNotSuitable
}

func (f rawBackend) Stat() (fs.FileInfo, error) {
	return f.storage.Stat()
}

func (f rawBackend) Read(b []byte) (int, error) {
	return f.storage.Read(b)
}

func (f rawBackend) Close() error {
	return f.storage.Close()
}

func (f rawBackend) ReadAt(p []byte, off int64) (n int, err error) {
	if readerAt, ok := f.storage.(io.ReaderAt); ok {
		return readerAt.ReadAt(p, off)
	}
	return -1, backend.ErrNotSuitable
}

func (f rawBackend) Seek(offset int64, whence int) (int64, error) {
	if seeker, ok := f.storage.(io.Seeker); ok {
		return seeker.Seek(offset, whence)
	}
	return -1, backend.ErrNotSuitable
}
