package blockio

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/MrRooten/meta-reader/backend"
	backendfile "github.com/MrRooten/meta-reader/backend/file"
)

// sector-size ioctls for Linux raw block devices.
const (
	blksszGet = 0x1268
	blkbszGet = 0x80081270
)

// ByteRange is an absolute [Start, Start+Length) byte range on the device.
type ByteRange struct {
	Start  int64
	Length int64
}

// End returns the first byte past the range.
func (r ByteRange) End() int64 {
	return r.Start + r.Length
}

// Contains reports whether off falls within the range.
func (r ByteRange) Contains(off int64) bool {
	return off >= r.Start && off < r.End()
}

// BlockReader is a positioned-read handle over an open file or block
// device. Its reads fail rather than short-read, and it is safe to call
// from multiple goroutines because it never uses Seek+Read, only ReadAt
// (io.ReaderAt's contract already requires this of every implementation,
// including backend.Storage's).
type BlockReader struct {
	storage backend.Storage
	size    int64
	path    string
}

// Open opens pathName read-only, accepting either a regular image file or a
// raw block device. For a block device it derives the device's total byte
// size via /sys/class/block/<dev>/size, since os.Stat on a Linux block
// device reports size 0. Sector sizes are not read here.
func Open(pathName string) (*BlockReader, error) {
	if pathName == "" {
		return nil, fmt.Errorf("%w: must pass a device or image path", ErrIo)
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrIo, pathName)
	}

	storage, err := backendfile.OpenFromPath(pathName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open %s: %v", ErrIo, pathName, err)
	}

	size, err := deviceSize(storage, pathName)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}

	return &BlockReader{storage: storage, size: size, path: pathName}, nil
}

// OpenPartition opens pathName the same way Open does, then narrows the
// returned reader to [byteOffset, byteOffset+size) via backend.Sub, so a
// volume known to start at a partition offset inside a larger image cannot
// have its reads or raw scans run into a neighboring partition's bytes. A
// size of 0 means "everything from byteOffset to the end of the device or
// image".
func OpenPartition(pathName string, byteOffset, size int64) (*BlockReader, error) {
	if byteOffset < 0 || size < 0 {
		return nil, fmt.Errorf("%w: negative partition offset %d or size %d", ErrIo, byteOffset, size)
	}

	storage, err := backendfile.OpenFromPath(pathName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open %s: %v", ErrIo, pathName, err)
	}

	deviceBytes, err := deviceSize(storage, pathName)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	if size == 0 {
		size = deviceBytes - byteOffset
	}
	if byteOffset+size > deviceBytes {
		_ = storage.Close()
		return nil, fmt.Errorf("%w: partition [%d, %d) runs past device size %d", ErrOutOfByteRange, byteOffset, byteOffset+size, deviceBytes)
	}

	sub := backend.Sub(storage, byteOffset, size)
	return &BlockReader{storage: sub, size: size, path: pathName}, nil
}

// Close releases the underlying storage handle.
func (r *BlockReader) Close() error {
	return r.storage.Close()
}

// Size returns the total addressable byte size of the device or image.
func (r *BlockReader) Size() int64 {
	return r.size
}

// Path returns the path this reader was opened from.
func (r *BlockReader) Path() string {
	return r.path
}

// ReadN reads exactly n bytes at offset off, failing with ErrIo on a short
// read, a negative offset, or a read that runs past the end of the device.
func (r *BlockReader) ReadN(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, fmt.Errorf("%w: negative offset %d or length %d", ErrIo, off, n)
	}
	if r.size > 0 && off+int64(n) > r.size {
		return nil, fmt.Errorf("%w: read of %d bytes at offset %d runs past device size %d", ErrIo, n, off, r.size)
	}
	buf := make([]byte, n)
	read, err := r.storage.ReadAt(buf, off)
	if err != nil {
		return nil, fmt.Errorf("%w: read at offset %d: %v", ErrIo, off, err)
	}
	if read != n {
		return nil, fmt.Errorf("%w: read %d of %d requested bytes at offset %d", ErrIo, read, n, off)
	}
	return buf, nil
}

// ReadRange reads the bytes covered by rng.
func (r *BlockReader) ReadRange(rng ByteRange) ([]byte, error) {
	if rng.Length < 0 {
		return nil, fmt.Errorf("%w: negative range length %d", ErrIo, rng.Length)
	}
	return r.ReadN(rng.Start, int(rng.Length))
}

func deviceSize(storage backend.Storage, pathName string) (int64, error) {
	info, err := storage.Stat()
	if err != nil {
		return 0, fmt.Errorf("could not stat %s: %w", pathName, err)
	}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return info.Size(), nil
	case mode&fs.ModeDevice != 0:
		return blockDeviceSize(storage, pathName)
	default:
		return 0, fmt.Errorf("%s is neither a regular file nor a block device", pathName)
	}
}

// blockDeviceSize reads the kernel-reported size of a block device in
// 512-byte sectors from sysfs, since os.Stat() cannot report a device
// node's capacity.
func blockDeviceSize(storage backend.Storage, pathName string) (int64, error) {
	devSizePath := fmt.Sprintf("/sys/class/block/%s/size", path.Base(pathName))
	sizeBytes, err := os.ReadFile(devSizePath)
	if err != nil {
		return 0, fmt.Errorf("could not get size of device %s from kernel: %w", pathName, err)
	}
	sizeString := strings.TrimSuffix(string(sizeBytes), "\n")
	sectors, err := strconv.ParseInt(sizeString, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sector count %q for device %s: %w", sizeString, pathName, err)
	}
	return sectors * 512, nil
}

// sectorSizes returns the logical and physical sector size of a block
// device, via BLKSSZGET/BLKBSZGET. Only meaningful for *os.File handles
// backed by an actual block device.
func sectorSizes(storage backend.Storage) (logical, physical int64, err error) {
	sysFile, err := storage.Sys()
	if err != nil {
		return 0, 0, err
	}
	fd := int(sysFile.Fd())
	l, err := unix.IoctlGetInt(fd, blksszGet)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	p, err := unix.IoctlGetInt(fd, blkbszGet)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device physical sector size: %w", err)
	}
	return int64(l), int64(p), nil
}

// SectorSizes exposes sectorSizes for callers that need physical geometry
// (e.g. the façade's Stat operation) without caring about it on every open.
func (r *BlockReader) SectorSizes() (logical, physical int64, err error) {
	return sectorSizes(r.storage)
}

// interface guard: BlockReader is itself usable wherever a narrower
// "positioned reader" is expected.
var _ interface {
	ReadN(int64, int) ([]byte, error)
} = (*BlockReader)(nil)
