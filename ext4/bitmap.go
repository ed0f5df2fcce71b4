package ext4

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
	"github.com/MrRooten/meta-reader/util/bitmap"
)

// inodeBitmap and blockBitmap wrap the shared util/bitmap.Bitmap to answer
// "is this inode/block in use" without re-implementing bit scanning.
// readGroupBitmaps reads both bitmaps of a group in one call and caches
// nothing; a group flagged INODE_UNINIT or BLOCK_UNINIT has the matching
// bitmap left nil and its block is not read.
type groupBitmaps struct {
	inodeBitmap *bitmap.Bitmap
	blockBitmap *bitmap.Bitmap
}

func readGroupBitmaps(gd *groupDescriptor, br blockReader, blockSize uint32, inodesPerGroup uint32) (*groupBitmaps, error) {
	var gb groupBitmaps

	if !gd.inodeUninitialized() {
		raw, err := readBitmapBlock(gd.inodeBitmapLocation, br, blockSize)
		if err != nil {
			return nil, fmt.Errorf("reading inode bitmap for group %d: %w", gd.number, err)
		}
		gb.inodeBitmap = bitmap.FromBytes(raw)
	}

	if !gd.blockUninitialized() {
		raw, err := readBitmapBlock(gd.blockBitmapLocation, br, blockSize)
		if err != nil {
			return nil, fmt.Errorf("reading block bitmap for group %d: %w", gd.number, err)
		}
		gb.blockBitmap = bitmap.FromBytes(raw)
	}

	return &gb, nil
}

func readBitmapBlock(blockNum uint64, br blockReader, blockSize uint32) ([]byte, error) {
	data, err := br.readBlock(blockNum)
	if err != nil {
		return nil, err
	}
	return data[:blockio.SaturateLen(0, int(blockSize), len(data))], nil
}

// inodeTaken reports whether bit (inodeIndexInGroup) is set, meaning the
// group descriptor believes this inode slot is allocated. A group flagged
// INODE_UNINIT has no inode allocated in it at all.
func (gb *groupBitmaps) inodeTaken(indexInGroup uint32) bool {
	if gb.inodeBitmap == nil {
		return false
	}
	set, err := gb.inodeBitmap.IsSet(int(indexInGroup))
	return err == nil && set
}

func (gb *groupBitmaps) blockTaken(indexInGroup uint32) bool {
	if gb.blockBitmap == nil {
		return false
	}
	set, err := gb.blockBitmap.IsSet(int(indexInGroup))
	return err == nil && set
}
