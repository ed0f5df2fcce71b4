package ext4

import (
	"encoding/binary"
	"testing"
)

func buildDirEntry(inodeNum uint32, recLen uint16, fileType dirFileType, name string) []byte {
	b := make([]byte, recLen)
	binary.LittleEndian.PutUint32(b[0:], inodeNum)
	binary.LittleEndian.PutUint16(b[4:], recLen)
	b[6] = byte(len(name))
	b[7] = byte(fileType)
	copy(b[8:], name)
	return b
}

func TestParseDirEntriesLinearSkipsDeletedByDefault(t *testing.T) {
	block := make([]byte, 64)
	copy(block[0:], buildDirEntry(2, 12, dirFileTypeDirectory, "."))
	copy(block[12:], buildDirEntry(0, 52, dirFileTypeUnknown, "gone"))

	entries, err := parseDirEntriesLinear(block, 64, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 live entry, got %d", len(entries))
	}
	if entries[0].name != "." {
		t.Errorf("expected entry name '.', got %q", entries[0].name)
	}
}

func TestParseDirEntriesLinearIncludesDeletedWhenAsked(t *testing.T) {
	block := make([]byte, 64)
	copy(block[0:], buildDirEntry(2, 12, dirFileTypeDirectory, "."))
	copy(block[12:], buildDirEntry(0, 52, dirFileTypeUnknown, "gone"))

	entries, err := parseDirEntriesLinear(block, 64, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries including deleted slot, got %d", len(entries))
	}
	if !entries[1].deleted() {
		t.Error("expected second entry to report deleted")
	}
	if entries[1].name != "gone" {
		t.Errorf("expected surviving name bytes %q, got %q", "gone", entries[1].name)
	}
}

func TestParseDirEntriesRawRecoversCoalescedEntry(t *testing.T) {
	// Realistic unlink of a non-first entry: "victim"'s 16-byte slot is
	// folded into its predecessor "keep"'s rec_len (20 -> 36), so the
	// rec_len-linear walk never lands on offset 20 again, even though
	// "victim"'s inode id, rec_len and name bytes are all still sitting
	// there untouched.
	block := make([]byte, 64)
	copy(block[0:], buildDirEntry(2, 20, dirFileTypeRegular, "keep"))
	copy(block[20:], buildDirEntry(50, 16, dirFileTypeRegular, "victim"))
	binary.LittleEndian.PutUint16(block[4:], 36) // predecessor's rec_len now spans both slots

	live, err := parseDirEntriesLinear(block, 64, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(live) != 1 || live[0].name != "keep" {
		t.Fatalf("expected the linear walk to only see 'keep', got %+v", live)
	}

	raw := parseDirEntriesRaw(block, 64)
	var found *directoryEntry
	for i := range raw {
		if raw[i].offsetInBlock == 20 {
			found = &raw[i]
		}
	}
	if found == nil {
		t.Fatalf("expected the raw 4-byte-stride walk to recover the coalesced entry at offset 20, got %+v", raw)
	}
	if found.inodeNumber != 50 {
		t.Errorf("expected recovered inode number 50, got %d", found.inodeNumber)
	}
	if found.name != "victim" {
		t.Errorf("expected recovered name %q, got %q", "victim", found.name)
	}
}

func TestReadDirectoryBlocksMarksCoalescedEntryDeleted(t *testing.T) {
	block := make([]byte, 64)
	copy(block[0:], buildDirEntry(2, 20, dirFileTypeRegular, "keep"))
	copy(block[20:], buildDirEntry(50, 16, dirFileTypeRegular, "victim"))
	binary.LittleEndian.PutUint16(block[4:], 36)

	live, err := parseDirEntriesLinear(block, 64, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	liveOffsets := map[int]bool{}
	for _, e := range live {
		liveOffsets[e.offsetInBlock] = true
	}

	var recovered []directoryEntry
	for _, raw := range parseDirEntriesRaw(block, 64) {
		if liveOffsets[raw.offsetInBlock] {
			continue
		}
		raw.recovered = true
		recovered = append(recovered, raw)
	}

	if len(recovered) != 1 {
		t.Fatalf("expected exactly 1 recovered entry, got %d", len(recovered))
	}
	if !recovered[0].deleted() {
		t.Error("expected a recovered coalesced entry to report deleted")
	}
	if recovered[0].inodeNumber == 0 {
		t.Error("expected a coalesced deletion to keep its nonzero inode number, unlike the first-entry-in-block case")
	}
}

func TestParseDirEntriesLinearStopsOnZeroRecLen(t *testing.T) {
	block := make([]byte, 32)
	// rec_len of 0 must not spin forever
	entries, err := parseDirEntriesLinear(block, 32, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries from an all-zero block, got %d", len(entries))
	}
}

func TestToDirEntriesFiltersDotAndDotDot(t *testing.T) {
	raw := []directoryEntry{
		{inodeNumber: 2, name: "."},
		{inodeNumber: 2, name: ".."},
		{inodeNumber: 15, name: "real-file", fileType: dirFileTypeRegular},
	}
	out := toDirEntries(raw)
	if len(out) != 1 {
		t.Fatalf("expected 1 entry after filtering dot entries, got %d", len(out))
	}
	if out[0].Name != "real-file" {
		t.Errorf("expected real-file, got %q", out[0].Name)
	}
}

func TestDirectBlockPointersSkipsUnusedSlots(t *testing.T) {
	var raw [60]byte
	binary.LittleEndian.PutUint32(raw[0:], 100)
	binary.LittleEndian.PutUint32(raw[4:], 0) // unused
	binary.LittleEndian.PutUint32(raw[8:], 102)

	blocks, err := directBlockPointers(raw, &fakeBlockReader{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 || blocks[0] != 100 || blocks[1] != 102 {
		t.Errorf("unexpected blocks: %v", blocks)
	}
}
