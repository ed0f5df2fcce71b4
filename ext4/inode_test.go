package ext4

import (
	"encoding/binary"
	"testing"
)

func buildTestInode(mode uint16, size uint64, flags uint32) []byte {
	b := make([]byte, 256)
	binary.LittleEndian.PutUint16(b[0x0:], mode)
	binary.LittleEndian.PutUint32(b[0x4:], uint32(size))
	binary.LittleEndian.PutUint32(b[0x6C:], uint32(size>>32))
	binary.LittleEndian.PutUint32(b[0x20:], flags)
	binary.LittleEndian.PutUint16(b[0x1A:], 1) // hard links
	return b
}

func TestInodeFromBytesRegularFile(t *testing.T) {
	b := buildTestInode(uint16(fileTypeRegularFile)|0644, 4096, uint32(flagExtents))
	in, err := inodeFromBytes(b, 256, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.isRegularFile() {
		t.Error("expected regular file type")
	}
	if in.size != 4096 {
		t.Errorf("expected size 4096, got %d", in.size)
	}
	if !in.usesExtents() {
		t.Error("expected extents flag set")
	}
	if in.hardLinks != 1 {
		t.Errorf("expected 1 hard link, got %d", in.hardLinks)
	}
}

func TestInodeFromBytesDirectory(t *testing.T) {
	b := buildTestInode(uint16(fileTypeDirectory)|0755, 4096, 0)
	in, err := inodeFromBytes(b, 256, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.isDirectory() {
		t.Error("expected directory type")
	}
}

func TestInodeFromBytesRejectsShortBuffer(t *testing.T) {
	if _, err := inodeFromBytes(make([]byte, 10), 128, 1); err == nil {
		t.Fatal("expected error for undersized inode buffer")
	}
}

func TestInlineSymlinkTarget(t *testing.T) {
	b := buildTestInode(uint16(fileTypeSymbolicLink)|0777, 11, 0)
	copy(b[0x28:], []byte("target-path"))
	in, err := inodeFromBytes(b, 256, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target, ok := in.inlineSymlinkTarget()
	if !ok {
		t.Fatal("expected inline symlink target")
	}
	if target != "target-path" {
		t.Errorf("expected %q, got %q", "target-path", target)
	}
}

func TestInodeDeletionTime(t *testing.T) {
	b := buildTestInode(uint16(fileTypeRegularFile)|0644, 0, 0)
	binary.LittleEndian.PutUint32(b[0x14:], 1700000000)
	in, err := inodeFromBytes(b, 256, 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.isDeleted() {
		t.Error("expected inode to report deleted")
	}
}

func TestEpochSecondsZeroIsUnset(t *testing.T) {
	if !epochSeconds(0).IsZero() {
		t.Error("expected zero epoch to produce zero time.Time")
	}
	if epochSeconds(1700000000).IsZero() {
		t.Error("expected nonzero epoch to produce a real time.Time")
	}
}
