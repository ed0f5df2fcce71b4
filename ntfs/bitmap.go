package ntfs

import (
	"github.com/MrRooten/meta-reader/util/bitmap"
)

// UnallocatedRange is a contiguous span of clusters the $Bitmap attribute
// marks free, in bytes. Free clusters are exactly the space a deleted
// file's data can still be recovered from if nothing has reused it since.
type UnallocatedRange struct {
	StartByte int64
	Length    int64
}

// unallocatedRangesFromBitmap reuses the shared bitmap package's
// FreeList() - the same contiguous-run extraction ext4's block/inode
// bitmaps use - rather than re-implementing run-length scanning for NTFS's
// $Bitmap, which has the same "bit per unit, 1 = used" on-disk shape.
func unallocatedRangesFromBitmap(raw []byte, clusterSize uint32) []UnallocatedRange {
	bm := bitmap.FromBytes(raw)
	free := bm.FreeList()

	ranges := make([]UnallocatedRange, 0, len(free))
	for _, c := range free {
		ranges = append(ranges, UnallocatedRange{
			StartByte: int64(c.Position) * int64(clusterSize),
			Length:    int64(c.Count) * int64(clusterSize),
		})
	}
	return ranges
}
