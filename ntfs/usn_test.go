package ntfs

import (
	"encoding/binary"
	"testing"
)

func buildUsnRecordV2(name string, reason uint32) []byte {
	nameBytes := make([]byte, len(name)*2)
	for i, r := range name {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], uint16(r))
	}
	nameOffset := 0x3C
	total := nameOffset + len(nameBytes)
	b := make([]byte, total)
	binary.LittleEndian.PutUint32(b[0x0:], uint32(total))
	binary.LittleEndian.PutUint16(b[0x4:], 2) // major version
	copy(b[0x8:], buildFileReference(10, 1))
	copy(b[0x10:], buildFileReference(5, 1))
	binary.LittleEndian.PutUint64(b[0x18:], 0x1000)
	binary.LittleEndian.PutUint64(b[0x20:], 130000000000000000) // a plausible FILETIME
	binary.LittleEndian.PutUint32(b[0x28:], reason)
	binary.LittleEndian.PutUint32(b[0x34:], 0x20) // FILE_ATTRIBUTE_ARCHIVE
	binary.LittleEndian.PutUint16(b[0x38:], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(b[0x3A:], uint16(nameOffset))
	copy(b[nameOffset:], nameBytes)
	return b
}

func TestParseUsnRecordV2(t *testing.T) {
	b := buildUsnRecordV2("test.txt", uint32(UsnReasonFileCreate))
	rec, n, err := parseUsnRecord(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(b) {
		t.Errorf("expected consumed length %d, got %d", len(b), n)
	}
	if rec.FileName != "test.txt" {
		t.Errorf("expected filename test.txt, got %q", rec.FileName)
	}
	if rec.FileReference.RecordNumber != 10 || rec.ParentRef.RecordNumber != 5 {
		t.Errorf("unexpected references: %+v", rec)
	}
	if rec.Reason != UsnReasonFileCreate {
		t.Errorf("unexpected reason: %v", rec.Reason)
	}
}

func TestParseUsnRecordRejectsZeroLength(t *testing.T) {
	b := make([]byte, 8)
	if _, _, err := parseUsnRecord(b); err == nil {
		t.Fatal("expected error for zero-length record")
	}
}

func TestParseUsnRecordRejectsUnknownVersion(t *testing.T) {
	b := buildUsnRecordV2("x", 0)
	binary.LittleEndian.PutUint16(b[0x4:], 9)
	if _, _, err := parseUsnRecord(b); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestIterateUsnRecordsSkipsPaddingAndAbsorbsErrors(t *testing.T) {
	rec1 := buildUsnRecordV2("a.txt", uint32(UsnReasonFileCreate))
	rec2 := buildUsnRecordV2("b.txt", uint32(UsnReasonFileDelete))

	// Records are only required to start 8-byte aligned; pad rec1 up to its
	// own alignment boundary the way a real journal leaves slack, rather
	// than an arbitrary fixed-size gap.
	padLen := alignUp(len(rec1), 8) - len(rec1)
	pad := make([]byte, padLen)
	blob := append(append(append([]byte{}, rec1...), pad...), rec2...)
	// A separate true padding block (a full zeroed allocation unit) after
	// the records, to exercise the zero-run skip path independently.
	zeroBlock := make([]byte, 16)
	blob = append(blob, zeroBlock...)

	var names []string
	err := iterateUsnRecords(blob, func(r UsnRecord) error {
		names = append(names, r.FileName)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{0, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{1, 8, 8},
	}
	for _, c := range cases {
		if got := alignUp(c.n, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}
