package backend

import (
	"io"
	"io/fs"
	"os"
)

// SubStorage is a read-only view over a byte range of an underlying Storage,
// used to address the bytes of a single volume embedded at some offset
// inside a larger image or device (e.g. a partition, or an ext4/NTFS
// filesystem that does not begin at byte 0).
type SubStorage struct {
	underlying Storage
	offset     int64
	size       int64
}

// Sub creates a Storage whose byte 0 is byte offset of u, and whose ReadAt
// refuses reads past offset+size. Seek and Read are passed through to u
// without a bounds check.
func Sub(u Storage, offset, size int64) Storage {
	return SubStorage{
		underlying: u,
		offset:     offset,
		size:       size,
	}
}

func (s SubStorage) Stat() (fs.FileInfo, error) {
	return s.underlying.Stat()
}

func (s SubStorage) Read(b []byte) (int, error) {
	return s.underlying.Read(b)
}

func (s SubStorage) Close() error {
	return s.underlying.Close()
}

func (s SubStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrNotSuitable
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if remaining := s.size - off; int64(len(p)) > remaining {
		n, err = s.underlying.ReadAt(p[:remaining], s.offset+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.underlying.ReadAt(p, s.offset+off)
}

func (s SubStorage) Seek(offset int64, whence int) (int64, error) {
	var (
		pos int64
		err error
	)

	switch whence {
	case io.SeekStart:
		pos, err = s.underlying.Seek(offset+s.offset, io.SeekStart)
	case io.SeekCurrent:
		pos, err = s.underlying.Seek(offset, io.SeekCurrent)
	case io.SeekEnd:
		pos, err = s.underlying.Seek(s.offset+s.size+offset, io.SeekStart)
	default:
		return -1, ErrNotSuitable
	}

	if err != nil {
		return -1, err
	}

	return pos - s.offset, nil
}

func (s SubStorage) Sys() (*os.File, error) {
	return s.underlying.Sys()
}
