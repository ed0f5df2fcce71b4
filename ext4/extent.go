package ext4

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

const extentHeaderSignature uint16 = 0xF30A

// extentHeader is the 12-byte header shared by every extent tree node
// (leaf or internal).
type extentHeader struct {
	entries uint16
	max     uint16
	depth   uint16
	generation uint32
}

func extentHeaderFromBytes(b []byte) (*extentHeader, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: extent header needs 12 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	magic, err := c.U16LE(0x0)
	if err != nil {
		return nil, err
	}
	if magic != extentHeaderSignature {
		return nil, fmt.Errorf("%w: bad extent header magic 0x%04x", blockio.ErrStructureInvalid, magic)
	}
	entries, err := c.U16LE(0x2)
	if err != nil {
		return nil, err
	}
	max, err := c.U16LE(0x4)
	if err != nil {
		return nil, err
	}
	depth, err := c.U16LE(0x6)
	if err != nil {
		return nil, err
	}
	generation, err := c.U32LE(0x8)
	if err != nil {
		return nil, err
	}
	return &extentHeader{entries: entries, max: max, depth: depth, generation: generation}, nil
}

// extentLeaf is one 12-byte leaf entry: a contiguous run of logical file
// blocks mapped to a contiguous run of physical blocks.
type extentLeaf struct {
	fileBlock   uint32 // first logical block this extent covers
	blockCount  uint16 // number of blocks; count > 32768 means "uninitialized" per ext4 convention
	startBlock  uint64 // first physical block
}

func extentLeafFromBytes(b []byte) (*extentLeaf, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: extent leaf needs 12 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	fileBlock, err := c.U32LE(0x0)
	if err != nil {
		return nil, err
	}
	count, err := c.U16LE(0x4)
	if err != nil {
		return nil, err
	}
	startHi, err := c.U16LE(0x6)
	if err != nil {
		return nil, err
	}
	startLo, err := c.U32LE(0x8)
	if err != nil {
		return nil, err
	}
	return &extentLeaf{
		fileBlock:  fileBlock,
		blockCount: count,
		startBlock: uint64(startHi)<<32 | uint64(startLo),
	}, nil
}

func (e *extentLeaf) initialized() bool {
	return e.blockCount <= 32768
}

func (e *extentLeaf) realBlockCount() uint16 {
	if e.initialized() {
		return e.blockCount
	}
	return e.blockCount - 32768
}

// extentIndex is one 12-byte internal-node entry pointing to a child block
// that covers logical blocks starting at fileBlock.
type extentIndex struct {
	fileBlock uint32
	childLeaf uint64
}

func extentIndexFromBytes(b []byte) (*extentIndex, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: extent index needs 12 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	fileBlock, err := c.U32LE(0x0)
	if err != nil {
		return nil, err
	}
	leafLo, err := c.U32LE(0x4)
	if err != nil {
		return nil, err
	}
	leafHi, err := c.U16LE(0x8)
	if err != nil {
		return nil, err
	}
	return &extentIndex{fileBlock: fileBlock, childLeaf: uint64(leafHi)<<32 | uint64(leafLo)}, nil
}

// blockReader is the subset of volume state extent walking needs: reading
// an arbitrary block by number. Kept as an interface so extent.go has no
// dependency on *Volume's full surface.
type blockReader interface {
	readBlock(blockNumber uint64) ([]byte, error)
}

// walkExtents decodes the 60-byte inline extent root (inode.extentInfo) and,
// for internal nodes, iteratively follows child block pointers to collect
// every leaf extent in logical-block order. This is explicitly iterative
// (an explicit stack), never recursive, because extent trees are untrusted
// on-disk structures whose depth is not bounded by the code.
func walkExtents(root [60]byte, br blockReader) ([]extentLeaf, error) {
	hdr, err := extentHeaderFromBytes(root[:])
	if err != nil {
		return nil, err
	}

	type frame struct {
		hdr  *extentHeader
		body []byte
	}
	stack := []frame{{hdr: hdr, body: root[12:]}}

	var leaves []extentLeaf
	const maxNodes = 1 << 20 // guards against a corrupted tree cycling forever
	visited := 0

	for len(stack) > 0 {
		visited++
		if visited > maxNodes {
			return nil, fmt.Errorf("%w: extent tree exceeds %d nodes, refusing to continue", blockio.ErrStructureInvalid, maxNodes)
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.hdr.depth == 0 {
			for i := 0; i < int(top.hdr.entries); i++ {
				off := i * 12
				if off+12 > len(top.body) {
					return nil, fmt.Errorf("%w: extent leaf entry %d out of range", blockio.ErrStructureInvalid, i)
				}
				leaf, err := extentLeafFromBytes(top.body[off : off+12])
				if err != nil {
					return nil, err
				}
				if leaf.startBlock == 0 {
					// a physical block address of 0 is ext4's sparse/unused
					// marker, not a real reference to the boot block; treat
					// it as a hole rather than resolving it literally.
					continue
				}
				leaves = append(leaves, *leaf)
			}
			continue
		}

		for i := 0; i < int(top.hdr.entries); i++ {
			off := i * 12
			if off+12 > len(top.body) {
				return nil, fmt.Errorf("%w: extent index entry %d out of range", blockio.ErrStructureInvalid, i)
			}
			idx, err := extentIndexFromBytes(top.body[off : off+12])
			if err != nil {
				return nil, err
			}
			childBlock, err := br.readBlock(idx.childLeaf)
			if err != nil {
				return nil, fmt.Errorf("reading extent child block %d: %w", idx.childLeaf, err)
			}
			childHdr, err := extentHeaderFromBytes(childBlock)
			if err != nil {
				return nil, err
			}
			stack = append(stack, frame{hdr: childHdr, body: childBlock[12:]})
		}
	}

	sortExtentLeavesByFileBlock(leaves)
	return leaves, nil
}

func sortExtentLeavesByFileBlock(leaves []extentLeaf) {
	for i := 1; i < len(leaves); i++ {
		for j := i; j > 0 && leaves[j-1].fileBlock > leaves[j].fileBlock; j-- {
			leaves[j-1], leaves[j] = leaves[j], leaves[j-1]
		}
	}
}

// extentByteRanges converts decoded extents plus a block size into a
// logically-ordered list of physical byte ranges covering up to fileSize
// bytes, for sequential reconstruction of file content.
func extentByteRanges(leaves []extentLeaf, blockSize uint32, fileSize uint64) []blockio.ByteRange {
	ranges := make([]blockio.ByteRange, 0, len(leaves))
	var consumed uint64
	for _, leaf := range leaves {
		if consumed >= fileSize {
			break
		}
		length := uint64(leaf.realBlockCount()) * uint64(blockSize)
		if consumed+length > fileSize {
			length = fileSize - consumed
		}
		ranges = append(ranges, blockio.ByteRange{
			Start:  int64(leaf.startBlock) * int64(blockSize),
			Length: int64(length),
		})
		consumed += length
	}
	return ranges
}
