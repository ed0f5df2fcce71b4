// Package ntfs decodes the on-disk structures of an NTFS volume directly
// from a backing block device or image: the boot sector, the Master File
// Table and its attribute chains, data runs, directory B-trees, the USN
// change journal, and the volume bitmap. Grounded on t9t/gomft's mft
// package, generalized from a one-shot MFT record parser into a full
// volume reader with its own positioned I/O, fix-up application, and
// directory/journal traversal.
package ntfs

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

const bootSectorSize = 512

// bootSector holds the fields of an NTFS boot sector this reader needs to
// locate and walk the volume.
type bootSector struct {
	bytesPerSector        uint16
	sectorsPerCluster     uint8
	mftClusterNumber      uint64
	mftMirrorClusterNumber uint64
	clustersPerMftRecord  int8
	clustersPerIndexBlock int8
	totalSectors          uint64
	volumeSerialNumber    uint64
}

func bootSectorFromBytes(b []byte) (*bootSector, error) {
	if len(b) < bootSectorSize {
		return nil, fmt.Errorf("%w: boot sector needs %d bytes, got %d", blockio.ErrOutOfByteRange, bootSectorSize, len(b))
	}
	c := blockio.NewCursor(b)

	oem, err := c.SubBytes(0x3, 8)
	if err != nil {
		return nil, err
	}
	if string(oem) != "NTFS    " {
		return nil, fmt.Errorf("%w: not an NTFS boot sector (OEM id %q)", blockio.ErrStructureInvalid, oem)
	}

	bytesPerSector, err := c.U16LE(0xB)
	if err != nil {
		return nil, err
	}
	sectorsPerCluster, err := c.U8(0xD)
	if err != nil {
		return nil, err
	}
	totalSectors, err := c.U64LE(0x28)
	if err != nil {
		return nil, err
	}
	mftCluster, err := c.U64LE(0x30)
	if err != nil {
		return nil, err
	}
	mftMirrorCluster, err := c.U64LE(0x38)
	if err != nil {
		return nil, err
	}
	clustersPerMftRecordRaw, err := c.U8(0x40)
	if err != nil {
		return nil, err
	}
	clustersPerIndexBlockRaw, err := c.U8(0x44)
	if err != nil {
		return nil, err
	}
	serial, err := c.U64LE(0x48)
	if err != nil {
		return nil, err
	}

	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return nil, fmt.Errorf("%w: zero bytes-per-sector or sectors-per-cluster", blockio.ErrStructureInvalid)
	}

	return &bootSector{
		bytesPerSector:         bytesPerSector,
		sectorsPerCluster:      sectorsPerCluster,
		mftClusterNumber:       mftCluster,
		mftMirrorClusterNumber: mftMirrorCluster,
		clustersPerMftRecord:   int8(clustersPerMftRecordRaw),
		clustersPerIndexBlock:  int8(clustersPerIndexBlockRaw),
		totalSectors:           totalSectors,
		volumeSerialNumber:     serial,
	}, nil
}

func (bs *bootSector) clusterSize() uint32 {
	return uint32(bs.bytesPerSector) * uint32(bs.sectorsPerCluster)
}

// mftRecordSize decodes the signed-byte-log2 encoding NTFS uses for sizes
// smaller than a cluster: a positive value is a cluster count, a negative
// value n means the size is 2^(-n) bytes.
func (bs *bootSector) mftRecordSize() uint32 {
	return decodeSignedClusterSize(bs.clustersPerMftRecord, bs.clusterSize())
}

func (bs *bootSector) indexBlockSize() uint32 {
	return decodeSignedClusterSize(bs.clustersPerIndexBlock, bs.clusterSize())
}

func decodeSignedClusterSize(raw int8, clusterSize uint32) uint32 {
	if raw >= 0 {
		return uint32(raw) * clusterSize
	}
	return uint32(1) << uint(-raw)
}

func (bs *bootSector) mftByteOffset() int64 {
	return int64(bs.mftClusterNumber) * int64(bs.clusterSize())
}

func (bs *bootSector) mftMirrorByteOffset() int64 {
	return int64(bs.mftMirrorClusterNumber) * int64(bs.clusterSize())
}

func (bs *bootSector) volumeSize() int64 {
	return int64(bs.totalSectors) * int64(bs.bytesPerSector)
}
