package ext4

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

// groupDescriptor is a single entry of the ext4 group descriptor table
// (GDT), in either its 32-byte or 64-byte (desc_size > 32) layout.
type groupDescriptor struct {
	number uint64

	blockBitmapLocation uint64
	inodeBitmapLocation uint64
	inodeTableLocation  uint64

	freeBlocks      uint32
	freeInodes      uint32
	usedDirectories uint32

	blockBitmapChecksum uint32
	inodeBitmapChecksum uint32

	flags uint16
}

const (
	gdFlagInodeUninit uint16 = 0x1
	gdFlagBlockUninit uint16 = 0x2
	gdFlagInodeZeroed uint16 = 0x4
)

// groupDescriptorFromBytes decodes one GDT entry. b must be exactly
// descSize bytes (32 or, with the 64bit feature, up to 64).
func groupDescriptorFromBytes(b []byte, number uint64, descSize uint16, is64Bit bool) (*groupDescriptor, error) {
	if len(b) < int(descSize) {
		return nil, fmt.Errorf("%w: group descriptor %d needs %d bytes, got %d", blockio.ErrOutOfByteRange, number, descSize, len(b))
	}
	c := blockio.NewCursor(b)

	blockBitmapLo, err := c.U32LE(0x0)
	if err != nil {
		return nil, err
	}
	inodeBitmapLo, err := c.U32LE(0x4)
	if err != nil {
		return nil, err
	}
	inodeTableLo, err := c.U32LE(0x8)
	if err != nil {
		return nil, err
	}
	freeBlocksLo, err := c.U16LE(0xC)
	if err != nil {
		return nil, err
	}
	freeInodesLo, err := c.U16LE(0xE)
	if err != nil {
		return nil, err
	}
	usedDirsLo, err := c.U16LE(0x10)
	if err != nil {
		return nil, err
	}
	flags, err := c.U16LE(0x12)
	if err != nil {
		return nil, err
	}
	blockBitmapCsumLo, err := c.U16LE(0x1E)
	if err != nil {
		return nil, err
	}
	inodeBitmapCsumLo, err := c.U16LE(0x1C)
	if err != nil {
		return nil, err
	}

	gd := &groupDescriptor{
		number:              number,
		blockBitmapLocation: uint64(blockBitmapLo),
		inodeBitmapLocation: uint64(inodeBitmapLo),
		inodeTableLocation:  uint64(inodeTableLo),
		freeBlocks:          uint32(freeBlocksLo),
		freeInodes:          uint32(freeInodesLo),
		usedDirectories:     uint32(usedDirsLo),
		flags:               flags,
		blockBitmapChecksum: uint32(blockBitmapCsumLo),
		inodeBitmapChecksum: uint32(inodeBitmapCsumLo),
	}

	if is64Bit && descSize > 32 {
		blockBitmapHi, err := c.U32LE(0x20)
		if err != nil {
			return nil, err
		}
		inodeBitmapHi, err := c.U32LE(0x24)
		if err != nil {
			return nil, err
		}
		inodeTableHi, err := c.U32LE(0x28)
		if err != nil {
			return nil, err
		}
		freeBlocksHi, err := c.U16LE(0x2C)
		if err != nil {
			return nil, err
		}
		freeInodesHi, err := c.U16LE(0x2E)
		if err != nil {
			return nil, err
		}
		usedDirsHi, err := c.U16LE(0x30)
		if err != nil {
			return nil, err
		}

		gd.blockBitmapLocation |= uint64(blockBitmapHi) << 32
		gd.inodeBitmapLocation |= uint64(inodeBitmapHi) << 32
		gd.inodeTableLocation |= uint64(inodeTableHi) << 32
		gd.freeBlocks |= uint32(freeBlocksHi) << 16
		gd.freeInodes |= uint32(freeInodesHi) << 16
		gd.usedDirectories |= uint32(usedDirsHi) << 16
	}

	return gd, nil
}

func (gd *groupDescriptor) inodeUninitialized() bool { return gd.flags&gdFlagInodeUninit != 0 }
func (gd *groupDescriptor) blockUninitialized() bool { return gd.flags&gdFlagBlockUninit != 0 }
