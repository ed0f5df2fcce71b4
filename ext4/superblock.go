package ext4

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MrRooten/meta-reader/blockio"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	ext4Magic        = 0xEF53

	minBlockLogSize = 0
	maxBlockLogSize = 6 // 1024 << 6 == 65536, the largest block size ext4 allows
)

// featureFlags is the subset of the three ext4 feature bitmasks this reader
// cares about; unknown bits are preserved in the raw fields for callers that
// want them but are not individually decoded (this is a reader, not a
// driver, and decoding every feature bit on-disk reading requires is out of
// scope).
type featureFlags struct {
	compat   uint32
	incompat uint32
	roCompat uint32

	is64Bit                bool // incompat & INCOMPAT_64BIT
	hasJournal              bool // compat & COMPAT_HAS_JOURNAL
	hasExtents              bool // incompat & INCOMPAT_EXTENTS
	flexBlockGroups         bool // incompat & INCOMPAT_FLEX_BG
	metadataChecksums       bool // roCompat & RO_COMPAT_METADATA_CSUM
	hugeFile                bool // roCompat & RO_COMPAT_HUGE_FILE
	gdtChecksum             bool // roCompat & RO_COMPAT_GDT_CSUM
	largeDirectory          bool // incompat & INCOMPAT_LARGEDIR
	filetype                bool // incompat & INCOMPAT_FILETYPE
	sparseSuper              bool // roCompat & RO_COMPAT_SPARSE_SUPER
}

const (
	compatHasJournal uint32 = 0x0004

	incompatFiletype    uint32 = 0x0002
	incompatExtents     uint32 = 0x0040
	incompat64Bit       uint32 = 0x0080
	incompatFlexBg      uint32 = 0x0200
	incompatLargeDir    uint32 = 0x4000
	incompatInlineData  uint32 = 0x8000

	roCompatSparseSuper   uint32 = 0x0001
	roCompatLargeFile     uint32 = 0x0002
	roCompatHugeFile      uint32 = 0x0008
	roCompatGdtCsum       uint32 = 0x0010
	roCompatDirNlink      uint32 = 0x0020
	roCompatExtraIsize    uint32 = 0x0040
	roCompatMetadataCsum  uint32 = 0x0400
)

func decodeFeatures(compat, incompat, roCompat uint32) featureFlags {
	return featureFlags{
		compat:            compat,
		incompat:          incompat,
		roCompat:          roCompat,
		is64Bit:           incompat&incompat64Bit != 0,
		hasJournal:        compat&compatHasJournal != 0,
		hasExtents:        incompat&incompatExtents != 0,
		flexBlockGroups:   incompat&incompatFlexBg != 0,
		metadataChecksums: roCompat&roCompatMetadataCsum != 0,
		hugeFile:          roCompat&roCompatHugeFile != 0,
		gdtChecksum:       roCompat&roCompatGdtCsum != 0,
		largeDirectory:    incompat&incompatLargeDir != 0,
		filetype:          incompat&incompatFiletype != 0,
		sparseSuper:       roCompat&roCompatSparseSuper != 0,
	}
}

// gdtChecksumType distinguishes how group descriptors are checksummed:
// either with the legacy crc16 (GDT_CSUM) or, if metadata_csum is set,
// folded into the crc32c metadata checksum.
type gdtChecksumType int

const (
	gdtChecksumNone gdtChecksumType = iota
	gdtChecksumCRC16
	gdtChecksumCRC32c
)

func (f featureFlags) gdtChecksumType() gdtChecksumType {
	switch {
	case f.metadataChecksums:
		return gdtChecksumCRC32c
	case f.gdtChecksum:
		return gdtChecksumCRC16
	default:
		return gdtChecksumNone
	}
}

// superblock holds the on-disk ext4 superblock fields this reader needs.
// Fields not read into named struct members (author/timestamp/quota
// bookkeeping, etc.) are of no forensic interest to a read-only metadata
// walker and are left unparsed.
type superblock struct {
	inodesCount       uint32
	blocksCountLo     uint32
	blocksCountHi     uint32
	freeBlocksCountLo uint32
	freeInodesCount   uint32
	firstDataBlock    uint32
	logBlockSize      uint32
	blocksPerGroup    uint32
	inodesPerGroup    uint32
	mountCount        uint16
	magic             uint16
	firstInode        uint32
	inodeSize         uint16
	features          featureFlags
	uuid              uuid.UUID
	volumeLabel       string
	reservedGdtBlocks uint16
	journalInum       uint32
	hashSeed          [4]uint32
	descSize          uint16
	logGroupsPerFlex  uint8
	checksumSeed      uint32

	blockSize             uint32
	groupDescriptorSize   uint16
	backupSuperblockGroups []uint64
}

// superblockFromBytes decodes a 1024-byte ext4 superblock. Errors here are
// fatal to the volume: a superblock that cannot be parsed means the
// volume cannot be opened at all.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("%w: superblock needs %d bytes, got %d", blockio.ErrOutOfByteRange, superblockSize, len(b))
	}
	c := blockio.NewCursor(b)

	magic, err := c.U16LE(0x38)
	if err != nil {
		return nil, err
	}
	if magic != ext4Magic {
		return nil, fmt.Errorf("%w: bad ext4 superblock magic 0x%04x", blockio.ErrStructureInvalid, magic)
	}

	inodesCount, err := c.U32LE(0x0)
	if err != nil {
		return nil, err
	}
	blocksCountLo, err := c.U32LE(0x4)
	if err != nil {
		return nil, err
	}
	freeBlocksCountLo, err := c.U32LE(0xC)
	if err != nil {
		return nil, err
	}
	freeInodesCount, err := c.U32LE(0x10)
	if err != nil {
		return nil, err
	}
	firstDataBlock, err := c.U32LE(0x14)
	if err != nil {
		return nil, err
	}
	logBlockSize, err := c.U32LE(0x18)
	if err != nil {
		return nil, err
	}
	blocksPerGroup, err := c.U32LE(0x20)
	if err != nil {
		return nil, err
	}
	inodesPerGroup, err := c.U32LE(0x28)
	if err != nil {
		return nil, err
	}
	mountCount, err := c.U16LE(0x34)
	if err != nil {
		return nil, err
	}

	blockSize := uint32(1024) << logBlockSize
	switch blockSize {
	case 1024, 2048, 4096, 65536:
	default:
		return nil, fmt.Errorf("%w: unsupported ext4 block size %d", blockio.ErrStructureInvalid, blockSize)
	}

	sb := &superblock{
		inodesCount:       inodesCount,
		blocksCountLo:     blocksCountLo,
		freeBlocksCountLo: freeBlocksCountLo,
		freeInodesCount:   freeInodesCount,
		firstDataBlock:    firstDataBlock,
		logBlockSize:      logBlockSize,
		blocksPerGroup:    blocksPerGroup,
		inodesPerGroup:    inodesPerGroup,
		mountCount:        mountCount,
		magic:             magic,
		blockSize:         blockSize,
	}

	if sb.inodesPerGroup == 0 || sb.blocksPerGroup == 0 {
		return nil, fmt.Errorf("%w: zero inodes-per-group or blocks-per-group", blockio.ErrStructureInvalid)
	}

	firstIno, err := c.U32LE(0x54)
	if err != nil {
		return nil, err
	}
	inodeSize, err := c.U16LE(0x58)
	if err != nil {
		return nil, err
	}
	featureCompat, err := c.U32LE(0x5C)
	if err != nil {
		return nil, err
	}
	featureIncompat, err := c.U32LE(0x60)
	if err != nil {
		return nil, err
	}
	featureRoCompat, err := c.U32LE(0x64)
	if err != nil {
		return nil, err
	}
	uuidBytes, err := c.SubBytes(0x68, 16)
	if err != nil {
		return nil, err
	}
	volumeLabelBytes, err := c.SubBytes(0x78, 16)
	if err != nil {
		return nil, err
	}
	reservedGdtBlocks, err := c.U16LE(0xCE)
	if err != nil {
		return nil, err
	}
	journalInum, err := c.U32LE(0xE0)
	if err != nil {
		return nil, err
	}

	sb.firstInode = firstIno
	sb.inodeSize = inodeSize
	if sb.inodeSize == 0 {
		sb.inodeSize = 128
	}
	sb.features = decodeFeatures(featureCompat, featureIncompat, featureRoCompat)
	parsedUUID, uerr := uuid.FromBytes(uuidBytes)
	if uerr == nil {
		sb.uuid = parsedUUID
	}
	sb.volumeLabel = cStringTrim(volumeLabelBytes)
	sb.reservedGdtBlocks = reservedGdtBlocks
	sb.journalInum = journalInum

	for i := 0; i < 4; i++ {
		v, err := c.U32LE(0xEC + i*4)
		if err != nil {
			return nil, err
		}
		sb.hashSeed[i] = v
	}

	descSize := uint16(32)
	if sb.features.is64Bit {
		if v, err := c.U16LE(0xFE); err == nil && v > 32 {
			descSize = v
		}
	}
	sb.descSize = descSize
	sb.groupDescriptorSize = descSize

	blocksCountHi, _, logGroupsPerFlex, checksumSeed, err := superblock64BitFields(c, sb.features.is64Bit)
	if err != nil {
		return nil, err
	}
	sb.blocksCountHi = blocksCountHi
	sb.logGroupsPerFlex = logGroupsPerFlex
	sb.checksumSeed = checksumSeed

	sb.backupSuperblockGroups = calculateBackupSuperblockGroups(int64(sb.blockGroupCount()), sb.features.sparseSuper)

	return sb, nil
}

// superblock64BitFields reads the fields that only exist, or only make
// sense, when the 64-bit feature is set. s_log_groups_per_flex is only
// read when is64Bit is true.
func superblock64BitFields(c *blockio.ByteCursor, is64Bit bool) (blocksCountHi, freeBlocksCountHi uint32, logGroupsPerFlex uint8, checksumSeed uint32, err error) {
	if !is64Bit {
		return 0, 0, 0, 0, nil
	}
	blocksCountHi, err = c.U32LE(0x150)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	freeBlocksCountHi, err = c.U32LE(0x158)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	logGroupsPerFlex, err = c.U8(0x174)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	// s_checksum_seed is only meaningful with metadata_csum; absent on
	// older 64-bit-only images, so a read failure here is tolerated.
	if cs, cerr := c.U32LE(0x270); cerr == nil {
		checksumSeed = cs
	}
	return blocksCountHi, freeBlocksCountHi, logGroupsPerFlex, checksumSeed, nil
}

// blocksCount returns the full 64-bit block count.
func (sb *superblock) blocksCount() uint64 {
	return uint64(sb.blocksCountHi)<<32 | uint64(sb.blocksCountLo)
}

// blockGroupCount computes how many block groups the volume has, per the
// standard ext4 formula: ceil(blocks_count / blocks_per_group).
func (sb *superblock) blockGroupCount() uint64 {
	n := sb.blocksCount()
	bpg := uint64(sb.blocksPerGroup)
	return (n + bpg - 1) / bpg
}

// isDescSize64 reports whether the group descriptor table uses the 64-bit
// layout: desc_size > 32.
func (sb *superblock) isDescSize64() bool {
	return sb.descSize > 32
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// calculateBackupSuperblockGroups returns the block groups that, per the
// ext4 sparse_super layout, carry a backup superblock: group 0 always, plus
// powers of 3, 5 and 7 when sparse_super is set, else every group.
func calculateBackupSuperblockGroups(bgs int64, sparseSuper bool) []uint64 {
	if bgs <= 0 {
		return nil
	}
	if !sparseSuper {
		groups := make([]uint64, 0, bgs)
		for i := int64(0); i < bgs; i++ {
			groups = append(groups, uint64(i))
		}
		return groups
	}
	seen := map[int64]bool{0: true}
	groups := []uint64{0}
	for _, base := range []int64{3, 5, 7} {
		for p := base; p < bgs; p *= base {
			if !seen[p] {
				seen[p] = true
				groups = append(groups, uint64(p))
			}
		}
	}
	return sortUint64(groups)
}

func sortUint64(s []uint64) []uint64 {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
	return s
}
