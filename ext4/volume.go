// Package ext4 decodes the on-disk structures of an ext4 filesystem -
// superblock, group descriptors, inodes, extent trees, directory entries,
// and the JBD2 journal - directly from a backing block device or image,
// without going through the kernel's filesystem driver. It is read-only by
// construction: there is no code path in this package that writes to the
// backing store, adapted from a mountable read/write driver into a
// forensic metadata and recovery reader.
package ext4

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/MrRooten/meta-reader/blockio"
	"github.com/MrRooten/meta-reader/util/bitmap"
)

var log = logrus.WithField("component", "ext4")

// Volume is an opened ext4 filesystem. All reads go through the embedded
// *blockio.BlockReader, offset by start: the byte position of the ext4
// volume within that reader (0 for a bare image).
type Volume struct {
	reader *blockio.BlockReader
	start  int64 // byte offset of this volume within reader, for ReadAt calls

	sb    *superblock
	descs []*groupDescriptor

	journalSuper     *journalSuperblock
	journalTxns      []journalTransaction // populated by OpenJournal
	journalRevokeSeq map[uint64]uint32    // fsBlockNumber -> sequence that revoked it
}

// Open decodes the superblock and group descriptor table of the ext4
// volume starting at byteOffset within r.
func Open(r *blockio.BlockReader, byteOffset int64) (*Volume, error) {
	v := &Volume{reader: r, start: byteOffset}
	if err := v.setSuperblock(); err != nil {
		return nil, err
	}
	if err := v.setDescs(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) setSuperblock() error {
	raw, err := v.reader.ReadRange(blockio.ByteRange{Start: v.start + superblockOffset, Length: superblockSize})
	if err != nil {
		return fmt.Errorf("reading ext4 superblock: %w", err)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return err
	}
	v.sb = sb
	return nil
}

// setDescs reads the group descriptor table, walking blockGroupCount()
// entries rather than stopping at a zero terminator - a zeroed
// bitmap_lo in a sparse/uninitialized group is valid data, not an
// end-of-table marker.
func (v *Volume) setDescs() error {
	groupCount := v.sb.blockGroupCount()
	descSize := v.sb.groupDescriptorSize
	is64 := v.sb.isDescSize64()

	gdtBlock := uint64(1)
	if v.sb.blockSize == 1024 {
		gdtBlock = 2
	}
	gdtStart := int64(gdtBlock) * int64(v.sb.blockSize)
	gdtSize := int64(groupCount) * int64(descSize)

	raw, err := v.reader.ReadRange(blockio.ByteRange{Start: v.start + gdtStart, Length: gdtSize})
	if err != nil {
		return fmt.Errorf("reading group descriptor table: %w", err)
	}

	descs := make([]*groupDescriptor, 0, groupCount)
	for i := uint64(0); i < groupCount; i++ {
		off := int64(i) * int64(descSize)
		end := blockio.SaturateLen(int(off), int(descSize), len(raw))
		if end == 0 {
			return fmt.Errorf("%w: group descriptor table truncated at group %d", blockio.ErrStructureInvalid, i)
		}
		gd, err := groupDescriptorFromBytes(raw[off:int(off)+end], i, descSize, is64)
		if err != nil {
			return fmt.Errorf("decoding group descriptor %d: %w", i, err)
		}
		descs = append(descs, gd)
	}

	v.descs = descs
	return nil
}

// readBlock implements blockReader for extent/directory/journal walking.
func (v *Volume) readBlock(blockNumber uint64) ([]byte, error) {
	off := v.start + int64(blockNumber)*int64(v.sb.blockSize)
	return v.reader.ReadRange(blockio.ByteRange{Start: off, Length: int64(v.sb.blockSize)})
}

// BlockSize returns the filesystem's block size in bytes.
func (v *Volume) BlockSize() uint32 { return v.sb.blockSize }

// VolumeLabel returns the superblock's volume name.
func (v *Volume) VolumeLabel() string { return v.sb.volumeLabel }

// GetInodeByID decodes and returns the inode with the given 1-based number.
func (v *Volume) GetInodeByID(number uint32) (*inode, error) {
	if number == 0 {
		return nil, fmt.Errorf("%w: inode 0 does not exist", blockio.ErrNotFound)
	}
	group := (number - 1) / v.sb.inodesPerGroup
	if int(group) >= len(v.descs) {
		return nil, fmt.Errorf("%w: inode %d falls in group %d beyond %d known groups", blockio.ErrOutOfByteRange, number, group, len(v.descs))
	}
	indexInGroup := (number - 1) % v.sb.inodesPerGroup

	gd := v.descs[group]
	tableOffset := v.start + int64(gd.inodeTableLocation)*int64(v.sb.blockSize) + int64(indexInGroup)*int64(v.sb.inodeSize)

	raw, err := v.reader.ReadRange(blockio.ByteRange{Start: tableOffset, Length: int64(v.sb.inodeSize)})
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", number, err)
	}
	return inodeFromBytes(raw, v.sb.inodeSize, number)
}

// inodeTableBlockFor computes the block number and intra-block byte offset
// of inodeNumber's slot, for journal reverse-lookup and historical
// reconstruction.
func (v *Volume) inodeTableBlockFor(number uint32) (blockNum uint64, offsetInBlock int, err error) {
	group := (number - 1) / v.sb.inodesPerGroup
	if int(group) >= len(v.descs) {
		return 0, 0, fmt.Errorf("%w: inode %d falls in group %d beyond %d known groups", blockio.ErrOutOfByteRange, number, group, len(v.descs))
	}
	indexInGroup := (number - 1) % v.sb.inodesPerGroup
	gd := v.descs[group]

	byteOffset := int64(indexInGroup) * int64(v.sb.inodeSize)
	blockNum = gd.inodeTableLocation + uint64(byteOffset)/uint64(v.sb.blockSize)
	offsetInBlock = int(byteOffset % int64(v.sb.blockSize))
	return blockNum, offsetInBlock, nil
}

// IsInodeTaken reports whether the group's inode bitmap marks number as
// allocated.
func (v *Volume) IsInodeTaken(number uint32) (bool, error) {
	group := (number - 1) / v.sb.inodesPerGroup
	if int(group) >= len(v.descs) {
		return false, fmt.Errorf("%w: inode %d out of range", blockio.ErrOutOfByteRange, number)
	}
	gb, err := readGroupBitmaps(v.descs[group], v, v.sb.blockSize, v.sb.inodesPerGroup)
	if err != nil {
		return false, err
	}
	return gb.inodeTaken((number - 1) % v.sb.inodesPerGroup), nil
}

// ListDirectory returns the live entries of the directory inode. Dot and
// dot-dot are filtered out.
func (v *Volume) ListDirectory(dirInode *inode) ([]dirEntry, error) {
	if !dirInode.isDirectory() {
		return nil, fmt.Errorf("%w: inode %d is not a directory", blockio.ErrWrongType, dirInode.number)
	}
	raw, err := readDirectoryBlocks(dirInode, v, v.sb.blockSize, false)
	if err != nil {
		return nil, err
	}
	return toDirEntries(raw), nil
}

// ListDeletedEntries returns every raw directory slot including inode_id==0
// entries whose name bytes survived the unlink.
func (v *Volume) ListDeletedEntries(dirInode *inode) ([]directoryEntry, error) {
	if !dirInode.isDirectory() {
		return nil, fmt.Errorf("%w: inode %d is not a directory", blockio.ErrWrongType, dirInode.number)
	}
	return readDirectoryBlocks(dirInode, v, v.sb.blockSize, true)
}

// GetInodeByPath resolves a '/'-separated path starting from the root
// inode.
func (v *Volume) GetInodeByPath(p string) (*inode, error) {
	cur, err := v.GetInodeByID(rootInode)
	if err != nil {
		return nil, fmt.Errorf("reading root inode: %w", err)
	}

	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		return cur, nil
	}

	for _, component := range strings.Split(clean, "/") {
		if !cur.isDirectory() {
			return nil, fmt.Errorf("%w: %q is not a directory", blockio.ErrWrongType, component)
		}
		entries, err := v.ListDirectory(cur)
		if err != nil {
			return nil, err
		}
		var next *inode
		for _, e := range entries {
			if e.Name == component {
				next, err = v.GetInodeByID(e.InodeNumber)
				if err != nil {
					return nil, err
				}
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: no such entry %q", blockio.ErrNotFound, component)
		}
		cur = next
	}
	return cur, nil
}

// DataRanges returns the absolute device byte ranges backing a regular
// file inode's data, in file order, whether addressed via an extent tree
// or the legacy indirect-block scheme. Inline data (stored directly in the
// inode, or a short inline symlink target) has no device range and yields
// an empty, non-error result; callers that need the bytes themselves
// should prefer ReadFile.
func (v *Volume) DataRanges(in *inode) ([]blockio.ByteRange, error) {
	if _, ok := in.inlineSymlinkTarget(); ok {
		return nil, nil
	}
	if in.hasInlineData() {
		return nil, nil
	}

	if in.usesExtents() {
		leaves, err := walkExtents(in.extentInfo, v)
		if err != nil {
			return nil, err
		}
		ranges := extentByteRanges(leaves, v.sb.blockSize, in.size)
		for i := range ranges {
			ranges[i].Start += v.start
		}
		return ranges, nil
	}

	blocks, err := directBlockPointers(in.extentInfo, v)
	if err != nil {
		return nil, err
	}
	var ranges []blockio.ByteRange
	var consumed uint64
	for _, b := range blocks {
		if consumed >= in.size {
			break
		}
		length := uint64(v.sb.blockSize)
		if consumed+length > in.size {
			length = in.size - consumed
		}
		ranges = append(ranges, blockio.ByteRange{Start: v.start + int64(b)*int64(v.sb.blockSize), Length: int64(length)})
		consumed += length
	}
	return ranges, nil
}

// ReadFile reconstructs the full contents of a regular file inode.
func (v *Volume) ReadFile(in *inode) ([]byte, error) {
	if target, ok := in.inlineSymlinkTarget(); ok {
		return []byte(target), nil
	}
	if in.hasInlineData() {
		return in.extentInfo[:blockio.SaturateLen(0, int(in.size), len(in.extentInfo))], nil
	}

	ranges, err := v.DataRanges(in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, in.size)
	for _, rng := range ranges {
		chunk, err := v.reader.ReadRange(rng)
		if err != nil {
			return nil, fmt.Errorf("reading file content for inode %d: %w", in.number, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// IterInodes walks every inode number 1..inodesCount, calling fn with the
// decoded inode. fn's error is logged and iteration continues: a single
// corrupted inode or callback failure must not abort a volume-wide scan.
func (v *Volume) IterInodes(fn func(*inode) error) error {
	for n := uint32(1); n <= v.sb.inodesCount; n++ {
		in, err := v.GetInodeByID(n)
		if err != nil {
			log.WithError(err).WithField("inode", n).Debug("skipping unreadable inode")
			continue
		}
		if err := fn(in); err != nil {
			log.WithError(err).WithField("inode", n).Debug("callback error, continuing scan")
		}
	}
	return nil
}

// JournalInode returns the reserved journal inode (inode 8), or
// ErrUnsupportedFeature if the volume has no journal feature.
func (v *Volume) JournalInode() (*inode, error) {
	if !v.sb.features.hasJournal {
		return nil, fmt.Errorf("%w: volume has no journal feature", blockio.ErrUnsupportedFeature)
	}
	return v.GetInodeByID(journalInodeNumber)
}

// OpenJournal decodes the journal superblock and loads every transaction
// into memory. This is an eager, one-time load: the journal is bounded in
// size (a few hundred MB at most) and crash/recovery reconstruction needs
// random access across transactions, so there is no benefit to lazily
// streaming it the way IterInodes streams the inode table.
func (v *Volume) OpenJournal() error {
	journalIn, err := v.JournalInode()
	if err != nil {
		return err
	}
	blocks, err := inodeDataBlocks(journalIn, v, v.sb.blockSize)
	if err != nil {
		return fmt.Errorf("listing journal blocks: %w", err)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("%w: journal inode has no data blocks", blockio.ErrStructureInvalid)
	}

	journalBR := &journalBlockIndirection{v: v, blocks: blocks}

	raw, err := journalBR.readBlock(0)
	if err != nil {
		return fmt.Errorf("reading journal superblock: %w", err)
	}
	jsb, err := journalSuperblockFromBytes(raw)
	if err != nil {
		return err
	}
	v.journalSuper = jsb

	txns, revokeSeq, err := readJournalTransactions(jsb, journalBR, uint32(len(blocks)))
	if err != nil {
		return fmt.Errorf("reading journal transactions: %w", err)
	}
	v.journalTxns = txns
	v.journalRevokeSeq = revokeSeq
	return nil
}

// journalBlockIndirection maps the journal's own logical block numbering
// (0..len(blocks)-1, as addressed inside JBD2 headers) onto the volume's
// filesystem block numbers backing the journal inode's extents.
type journalBlockIndirection struct {
	v      *Volume
	blocks []uint64
}

func (j *journalBlockIndirection) readBlock(journalBlockNumber uint64) ([]byte, error) {
	if int(journalBlockNumber) >= len(j.blocks) {
		return nil, fmt.Errorf("%w: journal block %d beyond %d available", blockio.ErrOutOfByteRange, journalBlockNumber, len(j.blocks))
	}
	return j.v.readBlock(j.blocks[journalBlockNumber])
}

// RecoverInodeHistory returns every journaled historical copy of
// inodeNumber's on-disk record, oldest first. OpenJournal must have been
// called first.
func (v *Volume) RecoverInodeHistory(number uint32) ([]*inode, error) {
	if v.journalSuper == nil {
		return nil, errors.New("journal not opened: call OpenJournal first")
	}
	blockNum, offsetInBlock, err := v.inodeTableBlockFor(number)
	if err != nil {
		return nil, err
	}
	return historicalInodeVersions(v.journalTxns, blockNum, offsetInBlock, v.sb.inodeSize, number)
}

// RecoverBlock returns the most recent journaled copy of a filesystem
// block, if the journal still holds one. OpenJournal must have been
// called first.
func (v *Volume) RecoverBlock(fsBlockNumber uint64) ([]byte, bool, error) {
	if v.journalSuper == nil {
		return nil, false, errors.New("journal not opened: call OpenJournal first")
	}
	data, ok := reverseBlockLookup(v.journalTxns, v.journalRevokeSeq, fsBlockNumber)
	return data, ok, nil
}

// UnallocatedRanges walks every block group's block bitmap and returns the
// device-relative byte ranges of every free block, the same way
// ntfs.Volume.UnallocatedRanges reads $Bitmap: both reuse
// util/bitmap.Bitmap.FreeList() for the actual contiguous-run extraction, a
// block group with BLOCK_UNINIT set is entirely free and is reported as one
// range without reading a bitmap block for it at all.
func (v *Volume) UnallocatedRanges() ([]blockio.ByteRange, error) {
	var ranges []blockio.ByteRange
	blockSize := int64(v.sb.blockSize)
	totalBlocks := v.sb.blocksCount()

	for _, gd := range v.descs {
		groupFirstBlock := v.sb.firstDataBlock + uint32(gd.number)*v.sb.blocksPerGroup
		blocksInGroup := v.sb.blocksPerGroup
		if remaining := totalBlocks - uint64(groupFirstBlock); remaining < uint64(blocksInGroup) {
			blocksInGroup = uint32(remaining)
		}
		if blocksInGroup == 0 {
			continue
		}

		if gd.blockUninitialized() {
			ranges = append(ranges, blockio.ByteRange{
				Start:  v.start + int64(groupFirstBlock)*blockSize,
				Length: int64(blocksInGroup) * blockSize,
			})
			continue
		}

		raw, err := readBitmapBlock(gd.blockBitmapLocation, v, v.sb.blockSize)
		if err != nil {
			return nil, fmt.Errorf("reading block bitmap for group %d: %w", gd.number, err)
		}
		for _, free := range bitmap.FromBytes(raw).FreeList() {
			if uint32(free.Position) >= blocksInGroup {
				continue
			}
			count := free.Count
			if free.Position+count > int(blocksInGroup) {
				count = int(blocksInGroup) - free.Position
			}
			ranges = append(ranges, blockio.ByteRange{
				Start:  v.start + (int64(groupFirstBlock)+int64(free.Position))*blockSize,
				Length: int64(count) * blockSize,
			})
		}
	}
	return ranges, nil
}
