package ntfs

import (
	"fmt"
	"time"

	"github.com/MrRooten/meta-reader/blockio"
)

// UsnReason is the bitmask of changes a USN journal record reports.
type UsnReason uint32

const (
	UsnReasonDataOverwrite  UsnReason = 0x00000001
	UsnReasonDataExtend     UsnReason = 0x00000002
	UsnReasonDataTruncation UsnReason = 0x00000004
	UsnReasonFileCreate     UsnReason = 0x00000100
	UsnReasonFileDelete     UsnReason = 0x00000200
	UsnReasonRename         UsnReason = 0x00002000 // OLD_NAME/NEW_NAME pair
	UsnReasonClose          UsnReason = 0x80000000
)

// UsnRecord is a decoded $UsnJrnl:$J entry, V2 (64-bit file references) or
// V3 (128-bit, ReFS-style references - rare on NTFS but the format still
// defines it).
type UsnRecord struct {
	MajorVersion  uint16
	FileReference FileReference
	ParentRef     FileReference
	USN           int64
	Timestamp     time.Time
	Reason        UsnReason
	FileAttributes uint32
	FileName      string
}

// parseUsnRecord decodes one record from a buffer that starts exactly at
// the record (RecordLength is read from the buffer itself; callers slicing
// a larger journal blob should pass b[offset:] and use the returned
// recordLength to advance).
func parseUsnRecord(b []byte) (UsnRecord, int, error) {
	if len(b) < 8 {
		return UsnRecord{}, 0, fmt.Errorf("%w: usn record needs at least 8 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	recordLength, err := c.U32LE(0x0)
	if err != nil {
		return UsnRecord{}, 0, err
	}
	if recordLength == 0 {
		return UsnRecord{}, 0, fmt.Errorf("%w: zero-length usn record", blockio.ErrStructureInvalid)
	}
	if int(recordLength) > len(b) {
		return UsnRecord{}, 0, fmt.Errorf("%w: usn record length %d exceeds remaining %d bytes", blockio.ErrOutOfByteRange, recordLength, len(b))
	}
	majorVersion, err := c.U16LE(0x4)
	if err != nil {
		return UsnRecord{}, 0, err
	}

	var rec UsnRecord
	rec.MajorVersion = majorVersion

	switch majorVersion {
	case 2:
		rec, err = parseUsnRecordV2(b[:recordLength])
	case 3:
		rec, err = parseUsnRecordV3(b[:recordLength])
	default:
		return UsnRecord{}, int(recordLength), fmt.Errorf("%w: unsupported usn record version %d", blockio.ErrUnsupportedFeature, majorVersion)
	}
	if err != nil {
		return UsnRecord{}, int(recordLength), err
	}
	return rec, int(recordLength), nil
}

func parseUsnRecordV2(b []byte) (UsnRecord, error) {
	if len(b) < 0x3C {
		return UsnRecord{}, fmt.Errorf("%w: USN_RECORD_V2 needs %d bytes, got %d", blockio.ErrOutOfByteRange, 0x3C, len(b))
	}
	c := blockio.NewCursor(b)

	fileRefBytes, err := c.SubBytes(0x8, 8)
	if err != nil {
		return UsnRecord{}, err
	}
	parentRefBytes, err := c.SubBytes(0x10, 8)
	if err != nil {
		return UsnRecord{}, err
	}
	usn, err := c.I64LE(0x18)
	if err != nil {
		return UsnRecord{}, err
	}
	timestamp, err := c.U64LE(0x20)
	if err != nil {
		return UsnRecord{}, err
	}
	reason, err := c.U32LE(0x28)
	if err != nil {
		return UsnRecord{}, err
	}
	fileAttrs, err := c.U32LE(0x34)
	if err != nil {
		return UsnRecord{}, err
	}
	nameLen, err := c.U16LE(0x38)
	if err != nil {
		return UsnRecord{}, err
	}
	nameOffset, err := c.U16LE(0x3A)
	if err != nil {
		return UsnRecord{}, err
	}
	nameBytes, err := c.SubBytes(int(nameOffset), int(nameLen))
	if err != nil {
		return UsnRecord{}, err
	}

	fileRef, err := fileReferenceFromBytes(fileRefBytes)
	if err != nil {
		return UsnRecord{}, err
	}
	parentRef, err := fileReferenceFromBytes(parentRefBytes)
	if err != nil {
		return UsnRecord{}, err
	}

	ts, _ := filetimeToTime(timestamp)
	return UsnRecord{
		MajorVersion:   2,
		FileReference:  fileRef,
		ParentRef:      parentRef,
		USN:            usn,
		Timestamp:      ts,
		Reason:         UsnReason(reason),
		FileAttributes: fileAttrs,
		FileName:       decodeUTF16LE(nameBytes),
	}, nil
}

// parseUsnRecordV3 handles the 128-bit file-reference variant. Only the
// low 64 bits of each reference are kept (RecordNumber/SequenceNumber),
// matching FileReference's width elsewhere in this package - V3 journals
// are specific to ReFS and extremely rare on NTFS volumes, so the 64-bit
// NTFS-style view is judged sufficient for this reader rather than
// widening FileReference everywhere for a case.
func parseUsnRecordV3(b []byte) (UsnRecord, error) {
	if len(b) < 0x4C {
		return UsnRecord{}, fmt.Errorf("%w: USN_RECORD_V3 needs %d bytes, got %d", blockio.ErrOutOfByteRange, 0x4C, len(b))
	}
	c := blockio.NewCursor(b)

	fileRefBytes, err := c.SubBytes(0x8, 8)
	if err != nil {
		return UsnRecord{}, err
	}
	fileRef, err := fileReferenceFromBytes(fileRefBytes)
	if err != nil {
		return UsnRecord{}, err
	}
	parentRefBytes, err := c.SubBytes(0x18, 8)
	if err != nil {
		return UsnRecord{}, err
	}
	parentRef, err := fileReferenceFromBytes(parentRefBytes)
	if err != nil {
		return UsnRecord{}, err
	}
	usn, err := c.I64LE(0x28)
	if err != nil {
		return UsnRecord{}, err
	}
	timestamp, err := c.U64LE(0x30)
	if err != nil {
		return UsnRecord{}, err
	}
	reason, err := c.U32LE(0x38)
	if err != nil {
		return UsnRecord{}, err
	}
	fileAttrs, err := c.U32LE(0x44)
	if err != nil {
		return UsnRecord{}, err
	}
	nameLen, err := c.U16LE(0x48)
	if err != nil {
		return UsnRecord{}, err
	}
	nameOffset, err := c.U16LE(0x4A)
	if err != nil {
		return UsnRecord{}, err
	}
	nameBytes, err := c.SubBytes(int(nameOffset), int(nameLen))
	if err != nil {
		return UsnRecord{}, err
	}

	ts, _ := filetimeToTime(timestamp)
	return UsnRecord{
		MajorVersion:   3,
		FileReference:  fileRef,
		ParentRef:      parentRef,
		USN:            usn,
		Timestamp:      ts,
		Reason:         UsnReason(reason),
		FileAttributes: fileAttrs,
		FileName:       decodeUTF16LE(nameBytes),
	}, nil
}

// ScanUsnRecords exposes iterateUsnRecords for callers walking a raw buffer
// that is not necessarily the live $UsnJrnl:$J stream - e.g. unallocated
// clusters being searched for USN-record-shaped byte sequences after the
// journal itself has been deleted or truncated.
func ScanUsnRecords(data []byte, fn func(UsnRecord) error) error {
	return iterateUsnRecords(data, fn)
}

// iterateUsnRecords walks a raw $J stream buffer, skipping zero-padding
// that journals leave between allocation-unit boundaries, and calling fn
// per record. A malformed record is absorbed: iteration steps 8 bytes
// forward and continues rather than aborting the whole scan.
func iterateUsnRecords(journalData []byte, fn func(UsnRecord) error) error {
	offset := 0
	for offset+8 <= len(journalData) {
		remaining := journalData[offset:]
		if isZeroPadding(remaining[:minInt(8, len(remaining))]) {
			offset += 8
			continue
		}
		rec, length, err := parseUsnRecord(remaining)
		if err != nil {
			offset += 8
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
		offset += alignUp(length, 8)
	}
	return nil
}

func isZeroPadding(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func alignUp(n, align int) int {
	if n <= 0 {
		return align
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
