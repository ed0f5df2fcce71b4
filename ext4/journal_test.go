package ext4

import (
	"encoding/binary"
	"testing"
)

func buildJournalHeader(blockType journalBlockType, sequence uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0x0:], journalMagic)
	binary.BigEndian.PutUint32(b[0x4:], uint32(blockType))
	binary.BigEndian.PutUint32(b[0x8:], sequence)
	return b
}

func TestJournalHeaderFromBytesValid(t *testing.T) {
	b := buildJournalHeader(journalBlockDescriptor, 42)
	hdr, err := journalHeaderFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.sequence != 42 || hdr.blockType != journalBlockDescriptor {
		t.Errorf("unexpected header: %+v", hdr)
	}
}

func TestJournalHeaderFromBytesRejectsBadMagic(t *testing.T) {
	b := make([]byte, 12)
	if _, err := journalHeaderFromBytes(b); err == nil {
		t.Fatal("expected error for missing magic")
	}
}

func buildJournalSuperblock(blockSize, maxLen, first uint32) []byte {
	b := make([]byte, 0x100)
	copy(b, buildJournalHeader(journalBlockSuperblockV2, 0))
	binary.BigEndian.PutUint32(b[0xC:], blockSize)
	binary.BigEndian.PutUint32(b[0x10:], maxLen)
	binary.BigEndian.PutUint32(b[0x14:], first)
	return b
}

func TestJournalSuperblockFromBytes(t *testing.T) {
	b := buildJournalSuperblock(4096, 1024, 1)
	sb, err := journalSuperblockFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.blockSize != 4096 || sb.maxLen != 1024 || sb.first != 1 {
		t.Errorf("unexpected superblock: %+v", sb)
	}
}

func TestJournalSuperblockFromBytesRejectsWrongType(t *testing.T) {
	b := buildJournalHeader(journalBlockCommit, 0)
	b = append(b, make([]byte, 0x100-len(b))...)
	if _, err := journalSuperblockFromBytes(b); err == nil {
		t.Fatal("expected error for non-superblock block type")
	}
}

// buildDescriptorTag builds a tag with the always-present checksum word
// included, matching the on-disk layout parseDescriptorTags expects:
// blockNr, flags, checksum, with no UUID (tagFlagSameUUID set).
func buildDescriptorTag(blockNr uint32, flags uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:], blockNr)
	binary.BigEndian.PutUint32(b[4:], flags)
	binary.BigEndian.PutUint32(b[8:], 0xAAAAAAAA)
	return b
}

func TestParseDescriptorTagsStopsAtLastFlag(t *testing.T) {
	var body []byte
	body = append(body, buildDescriptorTag(10, tagFlagSameUUID)...)
	body = append(body, buildDescriptorTag(11, tagFlagSameUUID|tagFlagLast)...)

	tags, err := parseDescriptorTags(body, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags[0].blockNr != 10 || tags[1].blockNr != 11 {
		t.Errorf("unexpected tags: %+v", tags)
	}
	if tags[0].checksum != 0xAAAAAAAA {
		t.Errorf("expected checksum word to be decoded, got 0x%x", tags[0].checksum)
	}
}

func TestReverseBlockLookupReturnsMostRecent(t *testing.T) {
	txns := []journalTransaction{
		{sequence: 1, blocks: map[uint64][]byte{5: []byte("old")}},
		{sequence: 2, blocks: map[uint64][]byte{5: []byte("new")}},
	}
	data, ok := reverseBlockLookup(txns, nil, 5)
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(data) != "new" {
		t.Errorf("expected most recent copy 'new', got %q", string(data))
	}
}

func TestReverseBlockLookupMiss(t *testing.T) {
	if _, ok := reverseBlockLookup(nil, nil, 5); ok {
		t.Error("expected no hit on empty transaction list")
	}
}

func TestReverseBlockLookupSkipsCopiesBeforeRevoke(t *testing.T) {
	txns := []journalTransaction{
		{sequence: 1, blocks: map[uint64][]byte{5: []byte("old")}},
		{sequence: 2, blocks: map[uint64][]byte{5: []byte("stale-after-revoke")}},
		{sequence: 4, blocks: map[uint64][]byte{5: []byte("fresh")}},
	}
	revoked := map[uint64]uint32{5: 3}

	data, ok := reverseBlockLookup(txns, revoked, 5)
	if !ok {
		t.Fatal("expected a hit from the transaction committed after the revoke")
	}
	if string(data) != "fresh" {
		t.Errorf("expected 'fresh' (sequence 4, after revoke at 3), got %q", string(data))
	}
}

func TestReverseBlockLookupRevokedWithNoLaterCopy(t *testing.T) {
	txns := []journalTransaction{
		{sequence: 1, blocks: map[uint64][]byte{5: []byte("old")}},
	}
	revoked := map[uint64]uint32{5: 2}

	if _, ok := reverseBlockLookup(txns, revoked, 5); ok {
		t.Error("expected no hit: the only copy predates the revoke")
	}
}

func TestJournalRevokedBlocksDecodesList(t *testing.T) {
	raw := make([]byte, 16+2*4)
	copy(raw, buildJournalHeader(journalBlockRevoke, 7))
	binary.BigEndian.PutUint32(raw[0xC:], uint32(16+2*4))
	binary.BigEndian.PutUint32(raw[16:], 100)
	binary.BigEndian.PutUint32(raw[20:], 200)

	blocks := journalRevokedBlocks(raw, false)
	if len(blocks) != 2 || blocks[0] != 100 || blocks[1] != 200 {
		t.Errorf("unexpected revoked block list: %v", blocks)
	}
}

func TestNextJournalBlockWraps(t *testing.T) {
	sb := &journalSuperblock{maxLen: 10, first: 1}
	if got := nextJournalBlock(9, sb); got != 1 {
		t.Errorf("expected wrap to first block 1, got %d", got)
	}
	if got := nextJournalBlock(3, sb); got != 4 {
		t.Errorf("expected simple increment to 4, got %d", got)
	}
}
