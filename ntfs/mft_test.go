package ntfs

import (
	"encoding/binary"
	"testing"
)

func buildFileReference(recordNumber uint64, seq uint16) []byte {
	b := make([]byte, 8)
	b[0] = byte(recordNumber)
	b[1] = byte(recordNumber >> 8)
	b[2] = byte(recordNumber >> 16)
	b[3] = byte(recordNumber >> 24)
	b[4] = byte(recordNumber >> 32)
	b[5] = byte(recordNumber >> 40)
	binary.LittleEndian.PutUint16(b[6:], seq)
	return b
}

func TestFileReferenceFromBytes(t *testing.T) {
	b := buildFileReference(12345, 7)
	ref, err := fileReferenceFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.RecordNumber != 12345 || ref.SequenceNumber != 7 {
		t.Errorf("unexpected reference: %+v", ref)
	}
}

func TestFileReferenceFromBytesWrongLength(t *testing.T) {
	if _, err := fileReferenceFromBytes(make([]byte, 4)); err == nil {
		t.Fatal("expected error for wrong-length buffer")
	}
}

// buildMftRecord assembles a minimal well-formed FILE record with one
// resident $STANDARD_INFORMATION-shaped attribute, a fix-up array covering
// two 512-byte sectors, and a terminator.
func buildMftRecord(t *testing.T, recordSize int, flags uint16) []byte {
	t.Helper()
	b := make([]byte, recordSize)
	copy(b, fileRecordSignature)
	binary.LittleEndian.PutUint16(b[0x4:], 0x30) // update sequence offset
	sectorCount := recordSize / 512
	if sectorCount == 0 {
		sectorCount = 1
	}
	binary.LittleEndian.PutUint16(b[0x6:], uint16(sectorCount+1)) // usa size in words (incl. usn itself)
	binary.LittleEndian.PutUint16(b[0x10:], 1)                    // sequence number
	binary.LittleEndian.PutUint16(b[0x12:], 1)                    // hard link count
	binary.LittleEndian.PutUint16(b[0x14:], 0x40)                 // first attribute offset
	binary.LittleEndian.PutUint16(b[0x16:], flags)
	binary.LittleEndian.PutUint32(b[0x18:], uint32(recordSize)) // actual size
	binary.LittleEndian.PutUint32(b[0x1C:], uint32(recordSize)) // allocated size
	binary.LittleEndian.PutUint32(b[0x2C:], 5)                  // record number

	const usn = 0x1234
	binary.LittleEndian.PutUint16(b[0x30:], usn)
	sectorSize := 512
	if recordSize < sectorSize {
		sectorSize = recordSize
	}
	for i := 1; i <= sectorCount; i++ {
		pos := sectorSize*i - 2
		binary.LittleEndian.PutUint16(b[pos:], usn)
		binary.LittleEndian.PutUint16(b[0x30+i*2:], 0xAAAA) // real value saved by the usa
	}

	// One resident attribute at 0x40: type 0x10, length 0x20, resident, data at 0x18 len 8.
	attrOff := 0x40
	binary.LittleEndian.PutUint32(b[attrOff:], 0x10)
	binary.LittleEndian.PutUint32(b[attrOff+0x4:], 0x20)
	b[attrOff+0x8] = 0 // resident
	binary.LittleEndian.PutUint32(b[attrOff+0x10:], 8)
	binary.LittleEndian.PutUint16(b[attrOff+0x14:], 0x18)
	// Terminator after the one attribute.
	binary.LittleEndian.PutUint32(b[attrOff+0x20:], 0xFFFFFFFF)

	return b
}

func TestParseRecordAppliesFixUpAndParsesAttributes(t *testing.T) {
	b := buildMftRecord(t, 1024, RecordFlagInUse|RecordFlagIsDirectory)
	rec, err := ParseRecord(b, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.InUse() || !rec.IsDirectory() {
		t.Errorf("expected in-use directory record, got flags %v", rec.Flags)
	}
	if rec.FileReference.RecordNumber != 5 {
		t.Errorf("expected record number 5, got %d", rec.FileReference.RecordNumber)
	}
	if len(rec.Attributes) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(rec.Attributes))
	}
	if rec.Attributes[0].Type != AttributeTypeStandardInformation {
		t.Errorf("expected $STANDARD_INFORMATION, got %v", rec.Attributes[0].Type)
	}
	// ParseRecord fixes up its own copy and leaves b as it was; the same
	// fix-up applied to b must restore 0xAAAA, not the usn sentinel.
	if err := applyFixUp(b, 0x30, 3, 512); err != nil {
		t.Fatalf("unexpected fix-up error: %v", err)
	}
	sectorEnd := 512 - 2
	if binary.LittleEndian.Uint16(b[sectorEnd:]) != 0xAAAA {
		t.Errorf("expected fix-up restored bytes 0xAAAA, got %x", b[sectorEnd:sectorEnd+2])
	}
}

func TestParseRecordRejectsBadSignature(t *testing.T) {
	b := buildMftRecord(t, 1024, RecordFlagInUse)
	copy(b, "XXXX")
	if _, err := ParseRecord(b, 512); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestParseRecordRawToleratesUnknownSignature(t *testing.T) {
	b := buildMftRecord(t, 1024, RecordFlagInUse)
	copy(b, "XXXX")
	if _, err := parseRecordRaw(b, 512, false); err != nil {
		t.Fatalf("unexpected error tolerating unknown signature: %v", err)
	}
}

func TestParseRecordRejectsBaadSignature(t *testing.T) {
	b := buildMftRecord(t, 1024, RecordFlagInUse)
	copy(b, badRecordSignature)
	if _, err := parseRecordRaw(b, 512, false); err == nil {
		t.Fatal("expected error for BAAD record")
	}
}

func TestApplyFixUpDetectsMismatch(t *testing.T) {
	b := make([]byte, 1024)
	binary.LittleEndian.PutUint16(b[0:], 0x9999)
	binary.LittleEndian.PutUint16(b[510:], 0x1111) // does not match sentinel
	if err := applyFixUp(b, 0, 2, 512); err == nil {
		t.Fatal("expected error for update sequence mismatch")
	}
}

func TestFindAttributesFiltersByType(t *testing.T) {
	rec := &Record{Attributes: []Attribute{
		{Type: AttributeTypeData},
		{Type: AttributeTypeFileName},
		{Type: AttributeTypeData, Name: "alt"},
	}}
	got := rec.FindAttributes(AttributeTypeData)
	if len(got) != 2 {
		t.Fatalf("expected 2 $DATA attributes, got %d", len(got))
	}
}

func TestAttributeTypeNameKnownAndUnknown(t *testing.T) {
	if AttributeTypeFileName.Name() != "$FILE_NAME" {
		t.Errorf("unexpected name: %s", AttributeTypeFileName.Name())
	}
	if AttributeType(0xDEAD).Name() != "unknown" {
		t.Errorf("expected unknown for unrecognized type")
	}
}
