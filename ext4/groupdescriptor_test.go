package ext4

import (
	"encoding/binary"
	"testing"
)

func TestGroupDescriptorFromBytes32Bit(t *testing.T) {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0x0:], 100) // block bitmap
	binary.LittleEndian.PutUint32(b[0x4:], 101) // inode bitmap
	binary.LittleEndian.PutUint32(b[0x8:], 102) // inode table
	binary.LittleEndian.PutUint16(b[0xC:], 50)  // free blocks
	binary.LittleEndian.PutUint16(b[0xE:], 10)  // free inodes
	binary.LittleEndian.PutUint16(b[0x10:], 2)  // used dirs

	gd, err := groupDescriptorFromBytes(b, 0, 32, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gd.inodeTableLocation != 102 {
		t.Errorf("expected inode table at block 102, got %d", gd.inodeTableLocation)
	}
	if gd.freeBlocks != 50 || gd.freeInodes != 10 || gd.usedDirectories != 2 {
		t.Errorf("unexpected counts: %+v", gd)
	}
}

func TestGroupDescriptorFromBytes64BitFoldsHighWords(t *testing.T) {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b[0x8:], 1) // inode table lo
	binary.LittleEndian.PutUint32(b[0x28:], 1) // inode table hi -> table = (1<<32)|1
	gd, err := groupDescriptorFromBytes(b, 0, 64, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uint64(1)<<32 | 1
	if gd.inodeTableLocation != want {
		t.Errorf("expected inode table location %d, got %d", want, gd.inodeTableLocation)
	}
}

func TestGroupDescriptorFromBytesRejectsShortBuffer(t *testing.T) {
	if _, err := groupDescriptorFromBytes(make([]byte, 10), 0, 32, false); err == nil {
		t.Fatal("expected error for undersized descriptor")
	}
}

func TestGroupDescriptorFlags(t *testing.T) {
	gd := &groupDescriptor{flags: gdFlagInodeUninit | gdFlagBlockUninit}
	if !gd.inodeUninitialized() || !gd.blockUninitialized() {
		t.Error("expected both uninit flags set")
	}
}
