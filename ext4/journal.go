package ext4

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MrRooten/meta-reader/blockio"
)

// JBD2 (ext4's journal format) is big-endian throughout, unlike every other
// structure in this package.
const journalMagic uint32 = 0xC03B3998

type journalBlockType uint32

const (
	journalBlockDescriptor   journalBlockType = 1
	journalBlockCommit       journalBlockType = 2
	journalBlockSuperblockV1 journalBlockType = 3
	journalBlockSuperblockV2 journalBlockType = 4
	journalBlockRevoke       journalBlockType = 5
)

// journalHeader is the 12-byte header common to every JBD2 block.
type journalHeader struct {
	magic     uint32
	blockType journalBlockType
	sequence  uint32
}

func journalHeaderFromBytes(b []byte) (*journalHeader, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: journal header needs 12 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	magic, err := c.U32BE(0x0)
	if err != nil {
		return nil, err
	}
	if magic != journalMagic {
		return nil, fmt.Errorf("%w: bad journal block magic 0x%08x", blockio.ErrStructureInvalid, magic)
	}
	blockType, err := c.U32BE(0x4)
	if err != nil {
		return nil, err
	}
	sequence, err := c.U32BE(0x8)
	if err != nil {
		return nil, err
	}
	return &journalHeader{magic: magic, blockType: journalBlockType(blockType), sequence: sequence}, nil
}

// journalSuperblock describes the journal's own geometry: how many blocks
// it has, which one is "first", and the UUID tying its transactions to the
// filesystem being journaled.
type journalSuperblock struct {
	header        journalHeader
	blockSize     uint32
	maxLen        uint32
	first         uint32
	sequence      uint32
	start         uint32
	featureCompat   uint32
	featureIncompat uint32
	featureRoCompat uint32
	uuid          uuid.UUID
}

func journalSuperblockFromBytes(b []byte) (*journalSuperblock, error) {
	hdr, err := journalHeaderFromBytes(b)
	if err != nil {
		return nil, err
	}
	if hdr.blockType != journalBlockSuperblockV1 && hdr.blockType != journalBlockSuperblockV2 {
		return nil, fmt.Errorf("%w: block is not a journal superblock (type %d)", blockio.ErrWrongType, hdr.blockType)
	}
	if len(b) < 0x100 {
		return nil, fmt.Errorf("%w: journal superblock needs %d bytes, got %d", blockio.ErrOutOfByteRange, 0x100, len(b))
	}
	c := blockio.NewCursor(b)

	blockSize, err := c.U32BE(0xC)
	if err != nil {
		return nil, err
	}
	maxLen, err := c.U32BE(0x10)
	if err != nil {
		return nil, err
	}
	first, err := c.U32BE(0x14)
	if err != nil {
		return nil, err
	}
	sequence, err := c.U32BE(0x18)
	if err != nil {
		return nil, err
	}
	start, err := c.U32BE(0x1C)
	if err != nil {
		return nil, err
	}
	featureCompat, err := c.U32BE(0x24)
	if err != nil {
		return nil, err
	}
	featureIncompat, err := c.U32BE(0x28)
	if err != nil {
		return nil, err
	}
	featureRoCompat, err := c.U32BE(0x2C)
	if err != nil {
		return nil, err
	}
	uuidBytes, err := c.SubBytes(0x30, 16)
	if err != nil {
		return nil, err
	}

	sb := &journalSuperblock{
		header:          *hdr,
		blockSize:       blockSize,
		maxLen:          maxLen,
		first:           first,
		sequence:        sequence,
		start:           start,
		featureCompat:   featureCompat,
		featureIncompat: featureIncompat,
		featureRoCompat: featureRoCompat,
	}
	if parsed, err := uuid.FromBytes(uuidBytes); err == nil {
		sb.uuid = parsed
	}
	return sb, nil
}

const journalIncompat64Bit uint32 = 0x1

func (sb *journalSuperblock) is64Bit() bool { return sb.featureIncompat&journalIncompat64Bit != 0 }

const (
	tagFlagEscaped  uint32 = 0x1
	tagFlagSameUUID uint32 = 0x2
	tagFlagDeleted  uint32 = 0x4
	tagFlagLast     uint32 = 0x8
)

// journalBlockTag identifies, within a descriptor block, which filesystem
// block a following data block belongs to. A checksum word follows the
// block number (and the optional high 32 bits for a 64-bit-capable
// journal) regardless of which checksum feature bits the journal
// superblock carries - the same layout diskfs-go-diskfs's own
// parseBlockTag/getBlockTagSize use.
type journalBlockTag struct {
	blockNr  uint64
	flags    uint32
	checksum uint32
	uuid     uuid.UUID
}

// parseDescriptorTags decodes the variable-length tag list of a descriptor
// block: blockNr low 32 bits, flags, an optional blockNr high 32 bits when
// is64Bit, an always-present checksum word, and a 16-byte UUID unless the
// tag's SameUUID flag is set. The list ends at the first tag carrying
// tagFlagLast, or when the buffer runs out.
func parseDescriptorTags(body []byte, is64Bit bool) ([]journalBlockTag, error) {
	var tags []journalBlockTag
	offset := 0

	for offset+8 <= len(body) {
		c := blockio.NewCursor(body[offset:])
		blockNrLo, err := c.U32BE(0x0)
		if err != nil {
			return tags, nil
		}
		flags, err := c.U32BE(0x4)
		if err != nil {
			return tags, nil
		}
		cursor := offset + 8

		var blockNrHi uint32
		if is64Bit {
			if cursor+4 > len(body) {
				break
			}
			blockNrHi, err = blockio.NewCursor(body[cursor:]).U32BE(0x0)
			if err != nil {
				return tags, nil
			}
			cursor += 4
		}

		tag := journalBlockTag{
			blockNr: uint64(blockNrHi)<<32 | uint64(blockNrLo),
			flags:   flags,
		}

		if cursor+4 <= len(body) {
			if checksum, err := blockio.NewCursor(body[cursor:]).U32BE(0x0); err == nil {
				tag.checksum = checksum
			}
			cursor += 4
		}

		if flags&tagFlagSameUUID == 0 {
			if cursor+16 <= len(body) {
				if parsed, err := uuid.FromBytes(body[cursor : cursor+16]); err == nil {
					tag.uuid = parsed
				}
				cursor += 16
			}
		}

		tags = append(tags, tag)
		offset = cursor
		if flags&tagFlagLast != 0 {
			break
		}
	}

	return tags, nil
}

// journalTransaction groups one commit's descriptor tags with the raw bytes
// of each tagged data block, in the order they were written to the
// journal - the unit historical inode reconstruction replays.
type journalTransaction struct {
	sequence uint32
	blocks   map[uint64][]byte // fsBlockNumber -> journaled copy of that block's bytes
}

// journalRevokedBlocks decodes a revoke block's list of filesystem block
// numbers, following diskfs-go-diskfs's journalRevokeBlockFromBytes: a
// 12-byte header, a 4-byte count (the byte length of header+count+list
// together, not just the list), then the list itself, 4 bytes per entry or
// 8 when the journal uses 64-bit block numbers.
func journalRevokedBlocks(raw []byte, is64Bit bool) []uint64 {
	if len(raw) < 16 {
		return nil
	}
	c := blockio.NewCursor(raw)
	count, err := c.U32BE(0xC)
	if err != nil || count < 16 {
		return nil
	}
	entrySize := uint32(4)
	if is64Bit {
		entrySize = 8
	}
	numBlocks := (count - 16) / entrySize
	blocks := make([]uint64, 0, numBlocks)
	offset := 16
	for i := uint32(0); i < numBlocks; i++ {
		if is64Bit {
			v, err := c.U64BE(offset)
			if err != nil {
				break
			}
			blocks = append(blocks, v)
			offset += 8
		} else {
			v, err := c.U32BE(offset)
			if err != nil {
				break
			}
			blocks = append(blocks, uint64(v))
			offset += 4
		}
	}
	return blocks
}

// readJournalTransactions walks the journal from sb.start (or sb.first when
// sb.start is 0), grouping
// descriptor+data blocks into transactions terminated by a commit block.
// revokedSeq maps each revoked filesystem block number to the sequence of
// the transaction that revoked it: reverseBlockLookup uses this to refuse a
// journaled copy written before its own revoke, since the kernel would have
// discarded that copy at replay time rather than writing it back. Full
// history reconstruction (historicalInodeVersions) ignores revoke status
// entirely, since its purpose is recovering every version that ever
// existed, not replaying the journal to a single consistent end state.
func readJournalTransactions(sb *journalSuperblock, br blockReader, journalBlockCount uint32) ([]journalTransaction, map[uint64]uint32, error) {
	var transactions []journalTransaction
	revokedSeq := map[uint64]uint32{}

	cur := journalTransaction{blocks: map[uint64][]byte{}}
	pendingTags := ([]journalBlockTag)(nil)
	tagCursor := 0

	journalBlockNum := sb.start
	if journalBlockNum == 0 {
		journalBlockNum = sb.first
	}

	for visited := uint32(0); visited < journalBlockCount; visited++ {
		raw, err := br.readBlock(uint64(journalBlockNum))
		if err != nil {
			return transactions, revokedSeq, fmt.Errorf("reading journal block %d: %w", journalBlockNum, err)
		}

		if pendingTags != nil && tagCursor < len(pendingTags) {
			tag := pendingTags[tagCursor]
			tagCursor++
			data := make([]byte, len(raw))
			copy(data, raw)
			if tag.flags&tagFlagEscaped != 0 && len(data) >= 4 {
				// escaped blocks had their first 4 bytes overwritten with the
				// journal magic at write time and must be restored to zero.
				data[0], data[1], data[2], data[3] = 0, 0, 0, 0
			}
			cur.blocks[tag.blockNr] = data
			if tagCursor >= len(pendingTags) {
				pendingTags = nil
			}
			journalBlockNum = nextJournalBlock(journalBlockNum, sb)
			continue
		}

		hdr, err := journalHeaderFromBytes(raw)
		if err != nil {
			// not a valid block header; the journal may have unused tail
			// blocks after the last commit, which is not an error.
			break
		}

		switch hdr.blockType {
		case journalBlockDescriptor:
			tags, err := parseDescriptorTags(raw[12:], sb.is64Bit())
			if err != nil {
				return transactions, revokedSeq, err
			}
			pendingTags = tags
			tagCursor = 0
			cur.sequence = hdr.sequence
		case journalBlockCommit:
			if len(cur.blocks) > 0 {
				transactions = append(transactions, cur)
			}
			cur = journalTransaction{blocks: map[uint64][]byte{}}
		case journalBlockRevoke:
			for _, blockNr := range journalRevokedBlocks(raw, sb.is64Bit()) {
				if existing, ok := revokedSeq[blockNr]; !ok || hdr.sequence > existing {
					revokedSeq[blockNr] = hdr.sequence
				}
			}
		case journalBlockSuperblockV1, journalBlockSuperblockV2:
			// unexpected mid-stream; skip the block and keep walking.
			journalBlockNum = nextJournalBlock(journalBlockNum, sb)
			continue
		}

		journalBlockNum = nextJournalBlock(journalBlockNum, sb)
	}

	return transactions, revokedSeq, nil
}

func nextJournalBlock(current uint32, sb *journalSuperblock) uint32 {
	next := current + 1
	if next >= sb.maxLen {
		return sb.first
	}
	return next
}

// reverseBlockLookup scans transactions, most recent first, given a
// filesystem block number, to find the most recent journaled version of
// it, which may be newer than what is on disk if the transaction
// committed but the fixed-location write did not (or, for a deleted
// inode's old table block, the only surviving copy at all once the live
// block has been overwritten).
//
// revokedSeq, if non-nil, excludes copies the kernel would never have
// replayed: a block revoked at sequence S means no transaction with
// sequence < S is a trustworthy "current" copy of that block, since a
// later operation freed or reallocated it before the journal was replayed.
func reverseBlockLookup(transactions []journalTransaction, revokedSeq map[uint64]uint32, fsBlockNumber uint64) ([]byte, bool) {
	revokedAt, isRevoked := revokedSeq[fsBlockNumber]
	for i := len(transactions) - 1; i >= 0; i-- {
		tx := transactions[i]
		if isRevoked && tx.sequence < revokedAt {
			continue
		}
		if data, ok := tx.blocks[fsBlockNumber]; ok {
			return data, true
		}
	}
	return nil, false
}

// historicalInodeVersions returns every journaled copy of the inode-table
// block containing inodeNumber, oldest first, decoded as inodes - the raw
// material for reconstructing a deleted file's metadata across its
// lifetime.
func historicalInodeVersions(transactions []journalTransaction, inodeTableBlock uint64, offsetInBlock int, inodeSize uint16, number uint32) ([]*inode, error) {
	var versions []*inode
	for _, tx := range transactions {
		data, ok := tx.blocks[inodeTableBlock]
		if !ok {
			continue
		}
		end := blockio.SaturateLen(offsetInBlock, int(inodeSize), len(data))
		if end == 0 {
			continue
		}
		in, err := inodeFromBytes(data[offsetInBlock:offsetInBlock+end], inodeSize, number)
		if err != nil {
			continue // a partially-journaled or corrupt copy is skipped, not fatal
		}
		versions = append(versions, in)
	}
	return versions, nil
}
