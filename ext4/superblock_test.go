package ext4

import (
	"encoding/binary"
	"testing"
)

func buildMinimalSuperblock(blockSize uint32, inodesPerGroup, blocksPerGroup, blocksCount uint32) []byte {
	b := make([]byte, superblockSize)
	logBlockSize := uint32(0)
	for sz := uint32(1024); sz < blockSize; sz <<= 1 {
		logBlockSize++
	}

	binary.LittleEndian.PutUint32(b[0x0:], 128)          // inodes count
	binary.LittleEndian.PutUint32(b[0x4:], blocksCount)  // blocks count lo
	binary.LittleEndian.PutUint32(b[0xC:], 10)           // free blocks lo
	binary.LittleEndian.PutUint32(b[0x10:], 100)         // free inodes
	binary.LittleEndian.PutUint32(b[0x14:], 1)           // first data block
	binary.LittleEndian.PutUint32(b[0x18:], logBlockSize)
	binary.LittleEndian.PutUint32(b[0x20:], blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:], inodesPerGroup)
	binary.LittleEndian.PutUint16(b[0x34:], 1) // mount count
	binary.LittleEndian.PutUint16(b[0x38:], ext4Magic)
	binary.LittleEndian.PutUint32(b[0x54:], 11) // first inode
	binary.LittleEndian.PutUint16(b[0x58:], 256)
	copy(b[0x78:0x88], []byte("test-volume"))
	return b
}

func TestSuperblockFromBytesRejectsBadMagic(t *testing.T) {
	b := buildMinimalSuperblock(4096, 32, 8192, 16384)
	binary.LittleEndian.PutUint16(b[0x38:], 0xBEEF)
	if _, err := superblockFromBytes(b); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestSuperblockFromBytesRejectsShortBuffer(t *testing.T) {
	if _, err := superblockFromBytes(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestSuperblockFromBytesBasicFields(t *testing.T) {
	b := buildMinimalSuperblock(4096, 32, 8192, 16384)
	sb, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.blockSize != 4096 {
		t.Errorf("expected block size 4096, got %d", sb.blockSize)
	}
	if sb.inodesPerGroup != 32 {
		t.Errorf("expected inodes per group 32, got %d", sb.inodesPerGroup)
	}
	if sb.volumeLabel != "test-volume" {
		t.Errorf("expected volume label %q, got %q", "test-volume", sb.volumeLabel)
	}
	if sb.inodeSize != 256 {
		t.Errorf("expected inode size 256, got %d", sb.inodeSize)
	}
	if got := sb.blockGroupCount(); got != 2 {
		t.Errorf("expected 2 block groups for 16384 blocks / 8192 per group, got %d", got)
	}
}

func TestCalculateBackupSuperblockGroupsSparse(t *testing.T) {
	groups := calculateBackupSuperblockGroups(10, true)
	want := []uint64{0, 3, 5, 7, 9}
	if len(groups) != len(want) {
		t.Fatalf("expected %v, got %v", want, groups)
	}
	for i := range want {
		if groups[i] != want[i] {
			t.Errorf("expected %v, got %v", want, groups)
			break
		}
	}
}

func TestCalculateBackupSuperblockGroupsNonSparse(t *testing.T) {
	groups := calculateBackupSuperblockGroups(4, false)
	if len(groups) != 4 {
		t.Fatalf("expected every group to carry a backup, got %v", groups)
	}
}

func TestIsDescSize64(t *testing.T) {
	sb := &superblock{descSize: 32}
	if sb.isDescSize64() {
		t.Error("32-byte descriptors should not be treated as 64-bit")
	}
	sb.descSize = 64
	if !sb.isDescSize64() {
		t.Error("64-byte descriptors should be treated as 64-bit")
	}
}
