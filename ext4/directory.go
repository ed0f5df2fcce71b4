package ext4

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

// dirFileType is the file-type byte ext4 stores inline in a directory entry
// when the filetype feature is enabled, saving a separate inode lookup to
// tell a directory from a regular file while listing.
type dirFileType uint8

const (
	dirFileTypeUnknown         dirFileType = 0
	dirFileTypeRegular         dirFileType = 1
	dirFileTypeDirectory       dirFileType = 2
	dirFileTypeCharacterDevice dirFileType = 3
	dirFileTypeBlockDevice     dirFileType = 4
	dirFileTypeFIFO            dirFileType = 5
	dirFileTypeSocket          dirFileType = 6
	dirFileTypeSymlink         dirFileType = 7
)

// directoryEntry is one linear directory entry: inode_id, rec_len,
// name_len, file_type, name. Entries whose inode id is zero are "raw"
// slots — either padding or the leftover shell of a deleted entry whose
// name bytes often survive past the inode_id==0 write that unlinked it.
// recovered marks an entry that was only reachable by the 4-byte-stride
// raw walk (parseDirEntriesRaw), not by following the live rec_len chain -
// the far more common unlink case, where the deleted entry's own inode id
// and rec_len are left untouched and its slack space is folded into its
// predecessor's rec_len instead.
type directoryEntry struct {
	inodeNumber uint32
	recordLen   uint16
	nameLen     uint8
	fileType    dirFileType
	name        string
	nameToNUL   string

	offsetInBlock int // where this entry starts, for recoverability bookkeeping
	recovered     bool
}

func (e *directoryEntry) deleted() bool { return e.inodeNumber == 0 || e.recovered }

// NameToNUL returns the entry's name scanned from its first byte to the
// first zero byte found anywhere in the rest of the directory block,
// independent of name_len - a coalesced or otherwise corrupted name_len
// cannot be trusted on a recovered entry, but ext4 pads a directory block's
// unused tail with zeros often enough that this recovers a cleaner name
// than name_len alone would.
func (e *directoryEntry) NameToNUL() string { return e.nameToNUL }

// InodeNumber returns the entry's inode number, or 0 for a raw/deleted slot.
func (e *directoryEntry) InodeNumber() uint32 { return e.inodeNumber }

// Name returns the entry's filename as recovered from the directory block.
// For a deleted entry this is best-effort: the bytes may extend past the
// name length that was valid when the entry was live.
func (e *directoryEntry) Name() string { return e.name }

// IsDirectoryType reports whether the inline file-type hint ext4 stores in
// the entry marks a directory. It is false when the filesystem was not
// built with that feature.
func (e *directoryEntry) IsDirectoryType() bool { return e.fileType == dirFileTypeDirectory }

// Deleted reports whether this is a raw/unlinked slot (inode number zero)
// or an entry recovered from the slack of a predecessor's rec_len, rather
// than a live directory entry.
func (e *directoryEntry) Deleted() bool { return e.deleted() }

// OffsetInBlock returns the byte offset this entry starts at within its
// directory block, for recoverability bookkeeping and range indexing.
func (e *directoryEntry) OffsetInBlock() int { return e.offsetInBlock }

// parseDirEntriesLinear walks one directory data block's linear entry
// chain. includeDeleted controls whether inode_id==0 slots are emitted
// (a live listing drops them, a raw/deleted listing keeps them).
//
// Each entry's rec_len is trusted to advance the cursor (this is how ext4
// itself walks a directory block: a deleted entry's rec_len is coalesced
// into its predecessor, so only that predecessor still "knows" the slack
// space exists). Bounds are still saturated against the buffer length so a
// corrupted rec_len cannot run past the block.
func parseDirEntriesLinear(block []byte, blockSize uint32, includeDeleted bool) ([]directoryEntry, error) {
	var entries []directoryEntry
	total := blockio.SaturateLen(0, int(blockSize), len(block))
	data := block[:total]

	offset := 0
	for offset+8 <= len(data) {
		c := blockio.NewCursor(data[offset:])
		inodeNum, err := c.U32LE(0x0)
		if err != nil {
			break
		}
		recLen, err := c.U16LE(0x4)
		if err != nil {
			break
		}
		if recLen < 8 {
			// a zero or implausibly small rec_len would spin forever;
			// treat the remainder of the block as unparseable padding.
			break
		}
		nameLen, err := c.U8(0x6)
		if err != nil {
			break
		}
		ft, err := c.U8(0x7)
		if err != nil {
			break
		}

		entry := directoryEntry{
			inodeNumber:   inodeNum,
			recordLen:     recLen,
			nameLen:       nameLen,
			fileType:      dirFileType(ft),
			offsetInBlock: offset,
		}

		nameBytes, nerr := c.SubBytes(0x8, blockio.SaturateLen(0x8, int(nameLen), int(recLen)))
		if nerr == nil {
			entry.name = string(nameBytes)
		}
		if offset+8 <= len(data) {
			entry.nameToNUL = nameUntilNUL(data[offset+8:])
		}

		if !entry.deleted() || includeDeleted {
			entries = append(entries, entry)
		}

		offset += int(recLen)
	}

	return entries, nil
}

// parseDirEntriesRaw implements the 4-byte-aligned directory scan that
// recovers an entry deleted by ext4's common unlink path: removing any
// entry but the first in a block does not zero its inode id or give it a
// rec_len of its own - its slack space is folded into the *predecessor*
// entry's rec_len, so the rec_len-linear walk's cursor steps over it
// without ever reading it. This walk instead tries to parse a directory
// entry at every 4-byte-aligned offset in the block, the only way to reach
// bytes the live chain no longer points at. An inode id of the literal
// zero is skipped here - that is the first-entry-in-block deletion case,
// which parseDirEntriesLinear's includeDeleted already reports and which
// carries no id to read anyway.
func parseDirEntriesRaw(block []byte, blockSize uint32) []directoryEntry {
	total := blockio.SaturateLen(0, int(blockSize), len(block))
	data := block[:total]

	var entries []directoryEntry
	for offset := 0; offset+8 <= len(data); offset += 4 {
		c := blockio.NewCursor(data[offset:])
		inodeNum, err := c.U32LE(0x0)
		if err != nil || inodeNum == 0 {
			continue
		}
		recLen, err := c.U16LE(0x4)
		if err != nil || recLen == 0 || recLen > 4096 {
			continue
		}
		nameLen, err := c.U8(0x6)
		if err != nil {
			continue
		}
		ft, err := c.U8(0x7)
		if err != nil {
			continue
		}
		nameBytes, nerr := c.SubBytes(0x8, blockio.SaturateLen(0x8, int(nameLen), len(data)-offset))
		if nerr != nil {
			continue
		}

		entries = append(entries, directoryEntry{
			inodeNumber:   inodeNum,
			recordLen:     recLen,
			nameLen:       nameLen,
			fileType:      dirFileType(ft),
			name:          string(nameBytes),
			nameToNUL:     nameUntilNUL(data[offset+8:]),
			offsetInBlock: offset,
		})
	}
	return entries
}

// nameUntilNUL returns b up to (not including) its first zero byte, or all
// of b if it contains none.
func nameUntilNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// dirEntry is the resolved, caller-facing view of a directory entry: it
// folds in the dirFileType hint, used by listing operations that need to
// decide whether to recurse without reading the child inode.
type dirEntry struct {
	Name        string
	InodeNumber uint32
	IsDirectory bool
	Deleted     bool
}

func toDirEntries(raw []directoryEntry) []dirEntry {
	out := make([]dirEntry, 0, len(raw))
	for _, e := range raw {
		if e.name == "." || e.name == ".." {
			continue
		}
		out = append(out, dirEntry{
			Name:        e.name,
			InodeNumber: e.inodeNumber,
			IsDirectory: e.fileType == dirFileTypeDirectory,
			Deleted:     e.deleted(),
		})
	}
	return out
}

// readDirectoryBlocks reads every data block of a directory inode and
// parses its entries. Hashed (htree) directories are read the same way as
// linear ones here: the htree index nodes are themselves a special first
// block whose entries are skipped over by the same dot/dotdot handling,
// since this reader only needs iteration order, not O(1) name lookup.
//
// When includeDeleted is set, each block is also walked by
// parseDirEntriesRaw and any hit whose offset the live rec_len chain never
// reaches is appended as a recovered entry - the coalesced-rec_len case a
// rec_len-linear walk structurally cannot see.
func readDirectoryBlocks(in *inode, br blockReader, blockSize uint32, includeDeleted bool) ([]directoryEntry, error) {
	ranges, err := inodeDataBlocks(in, br, blockSize)
	if err != nil {
		return nil, err
	}

	var all []directoryEntry
	for _, blockNum := range ranges {
		block, err := br.readBlock(blockNum)
		if err != nil {
			return nil, fmt.Errorf("reading directory block %d: %w", blockNum, err)
		}
		entries, err := parseDirEntriesLinear(block, blockSize, includeDeleted)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)

		if !includeDeleted {
			continue
		}

		live, err := parseDirEntriesLinear(block, blockSize, false)
		if err != nil {
			return nil, err
		}
		liveOffsets := make(map[int]bool, len(live))
		for _, e := range live {
			liveOffsets[e.offsetInBlock] = true
		}
		for _, raw := range parseDirEntriesRaw(block, blockSize) {
			if liveOffsets[raw.offsetInBlock] {
				continue
			}
			raw.recovered = true
			all = append(all, raw)
		}
	}
	return all, nil
}

// inodeDataBlocks returns the physical block numbers backing an inode's
// data, in logical order, whether addressed via extents or (legacy) direct
// block pointers.
func inodeDataBlocks(in *inode, br blockReader, blockSize uint32) ([]uint64, error) {
	if in.usesExtents() {
		leaves, err := walkExtents(in.extentInfo, br)
		if err != nil {
			return nil, err
		}
		var blocks []uint64
		for _, leaf := range leaves {
			for i := uint64(0); i < uint64(leaf.realBlockCount()); i++ {
				blocks = append(blocks, leaf.startBlock+i)
			}
		}
		return blocks, nil
	}
	return directBlockPointers(in.extentInfo, br)
}

// directBlockPointers decodes the legacy (pre-extent) 15 x 4-byte block
// pointer array: 12 direct pointers, then single/double/triple indirect.
func directBlockPointers(raw [60]byte, br blockReader) ([]uint64, error) {
	c := blockio.NewCursor(raw[:])
	var blocks []uint64
	for i := 0; i < 12; i++ {
		v, err := c.U32LE(i * 4)
		if err != nil {
			return nil, err
		}
		if v != 0 {
			blocks = append(blocks, uint64(v))
		}
	}
	singleIndirect, err := c.U32LE(12 * 4)
	if err != nil {
		return nil, err
	}
	if singleIndirect != 0 {
		ptrs, err := readIndirectBlock(uint64(singleIndirect), br)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, ptrs...)
	}
	doubleIndirect, err := c.U32LE(13 * 4)
	if err != nil {
		return nil, err
	}
	if doubleIndirect != 0 {
		firstLevel, err := readIndirectBlock(uint64(doubleIndirect), br)
		if err != nil {
			return nil, err
		}
		for _, ptr := range firstLevel {
			secondLevel, err := readIndirectBlock(ptr, br)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, secondLevel...)
		}
	}
	// triple indirect is not chased: forensic images needing 4 layers of
	// indirection exceed the targets.
	return blocks, nil
}

func readIndirectBlock(blockNum uint64, br blockReader) ([]uint64, error) {
	block, err := br.readBlock(blockNum)
	if err != nil {
		return nil, fmt.Errorf("reading indirect block %d: %w", blockNum, err)
	}
	c := blockio.NewCursor(block)
	var ptrs []uint64
	for off := 0; off+4 <= len(block); off += 4 {
		v, err := c.U32LE(off)
		if err != nil {
			break
		}
		if v != 0 {
			ptrs = append(ptrs, uint64(v))
		}
	}
	return ptrs, nil
}
