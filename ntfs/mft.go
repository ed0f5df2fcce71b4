package ntfs

import (
	"bytes"
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

var fileRecordSignature = []byte("FILE")
var badRecordSignature = []byte("BAAD")

// RecordFlag is the bit mask stored in an MFT record's flags field.
type RecordFlag uint16

const (
	RecordFlagInUse       RecordFlag = 0x0001
	RecordFlagIsDirectory RecordFlag = 0x0002
)

func (f RecordFlag) has(c RecordFlag) bool { return f&c == c }

// FileReference packs an MFT record number with the sequence number that
// changes every time the slot is reused, so a stale reference from an old
// directory entry can be detected rather than silently resolved to a
// different, newer file.
type FileReference struct {
	RecordNumber   uint64
	SequenceNumber uint16
}

func fileReferenceFromBytes(b []byte) (FileReference, error) {
	if len(b) != 8 {
		return FileReference{}, fmt.Errorf("%w: file reference needs 8 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	recordNumber := blockio.UnsignedLE(b[:6])
	c := blockio.NewCursor(b)
	seq, err := c.U16LE(6)
	if err != nil {
		return FileReference{}, err
	}
	return FileReference{RecordNumber: recordNumber, SequenceNumber: seq}, nil
}

// Record is a decoded MFT entry: header fields plus every attribute's
// header and raw body bytes. Attribute bodies are not interpreted here;
// callers use the attrvalue.go ParseXxx functions per attribute type.
type Record struct {
	FileReference       FileReference
	BaseRecordReference FileReference
	Flags               RecordFlag
	HardLinkCount       uint16
	ActualSize          uint32
	AllocatedSize       uint32
	Attributes          []Attribute
}

func (r *Record) InUse() bool       { return r.Flags.has(RecordFlagInUse) }
func (r *Record) IsDirectory() bool { return r.Flags.has(RecordFlagIsDirectory) }
func (r *Record) IsBaseRecord() bool {
	return r.BaseRecordReference.RecordNumber == 0
}

// FindAttributes returns every attribute of the given type in record order.
func (r *Record) FindAttributes(t AttributeType) []Attribute {
	var out []Attribute
	for _, a := range r.Attributes {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// parseRecordRaw decodes an MFT record from raw bytes without requiring a
// valid "FILE" signature, for recovery scanning over slack/unallocated
// space where a record's header may have been partially overwritten. It
// still applies fix-up, and fails if the update sequence does not check out.
func parseRecordRaw(b []byte, bytesPerSector uint16, requireSignature bool) (Record, error) {
	if len(b) < 48 {
		return Record{}, fmt.Errorf("%w: mft record needs at least 48 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}

	sig := b[:4]
	if bytes.Equal(sig, badRecordSignature) {
		return Record{}, fmt.Errorf("%w: record marked BAAD", blockio.ErrStructureInvalid)
	}
	if requireSignature && !bytes.Equal(sig, fileRecordSignature) {
		return Record{}, fmt.Errorf("%w: unknown record signature %q", blockio.ErrStructureInvalid, sig)
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	c := blockio.NewCursor(buf)

	updateSeqOffset, err := c.U16LE(0x4)
	if err != nil {
		return Record{}, err
	}
	updateSeqSize, err := c.U16LE(0x6)
	if err != nil {
		return Record{}, err
	}
	firstAttrOffset, err := c.U16LE(0x14)
	if err != nil {
		return Record{}, err
	}
	flags, err := c.U16LE(0x16)
	if err != nil {
		return Record{}, err
	}
	actualSize, err := c.U32LE(0x18)
	if err != nil {
		return Record{}, err
	}
	allocatedSize, err := c.U32LE(0x1C)
	if err != nil {
		return Record{}, err
	}
	baseRefBytes, err := c.SubBytes(0x20, 8)
	if err != nil {
		return Record{}, err
	}
	hardLinkCount, err := c.U16LE(0x12)
	if err != nil {
		return Record{}, err
	}
	recordNumber, err := c.U32LE(0x2C)
	if err != nil {
		return Record{}, err
	}
	seqNumber, err := c.U16LE(0x10)
	if err != nil {
		return Record{}, err
	}

	if int(firstAttrOffset) >= len(buf) {
		return Record{}, fmt.Errorf("%w: first attribute offset %d beyond record length %d", blockio.ErrStructureInvalid, firstAttrOffset, len(buf))
	}

	baseRef, err := fileReferenceFromBytes(baseRefBytes)
	if err != nil {
		return Record{}, err
	}

	if err := applyFixUp(buf, int(updateSeqOffset), int(updateSeqSize), bytesPerSector); err != nil {
		return Record{}, err
	}

	attrs, err := parseAttributes(buf[firstAttrOffset:])
	if err != nil {
		return Record{}, err
	}

	return Record{
		FileReference:       FileReference{RecordNumber: uint64(recordNumber), SequenceNumber: seqNumber},
		BaseRecordReference: baseRef,
		Flags:               RecordFlag(flags),
		HardLinkCount:       hardLinkCount,
		ActualSize:          actualSize,
		AllocatedSize:       allocatedSize,
		Attributes:          attrs,
	}, nil
}

// ParseRecord decodes a well-formed "FILE" record, applying fix-up.
func ParseRecord(b []byte, bytesPerSector uint16) (Record, error) {
	return parseRecordRaw(b, bytesPerSector, true)
}

// applyFixUp restores the two bytes at the end of every sector that the
// update sequence array temporarily overwrote with a sentinel, verifying
// the sentinel matches before restoring. Fix-ups are applied on every
// record and index-block read, not just on mount.
func applyFixUp(b []byte, offset, lengthInWords int, bytesPerSector uint16) error {
	if lengthInWords == 0 {
		return nil
	}
	needed := offset + lengthInWords*2
	if needed > len(b) {
		return fmt.Errorf("%w: update sequence array needs %d bytes, record is %d", blockio.ErrOutOfByteRange, needed, len(b))
	}

	updateSeqNumber := b[offset : offset+2]
	updateSeqArray := b[offset+2 : needed]

	sectorCount := len(updateSeqArray) / 2
	sectorSize := int(bytesPerSector)
	if sectorSize == 0 && sectorCount > 0 {
		sectorSize = len(b) / sectorCount
	}
	if sectorSize == 0 {
		return fmt.Errorf("%w: cannot determine sector size for fix-up", blockio.ErrStructureInvalid)
	}

	for i := 1; i <= sectorCount; i++ {
		pos := sectorSize*i - 2
		if pos+2 > len(b) {
			return fmt.Errorf("%w: fix-up sector %d out of range", blockio.ErrStructureInvalid, i)
		}
		if !bytes.Equal(updateSeqNumber, b[pos:pos+2]) {
			return fmt.Errorf("%w: update sequence mismatch at sector %d", blockio.ErrStructureInvalid, i)
		}
	}

	for i := 0; i < sectorCount; i++ {
		pos := sectorSize*(i+1) - 2
		copy(b[pos:pos+2], updateSeqArray[i*2:i*2+2])
	}
	return nil
}

// AttributeType identifies the kind of data an attribute carries.
type AttributeType uint32

const (
	AttributeTypeStandardInformation AttributeType = 0x10
	AttributeTypeAttributeList       AttributeType = 0x20
	AttributeTypeFileName            AttributeType = 0x30
	AttributeTypeObjectID            AttributeType = 0x40
	AttributeTypeSecurityDescriptor  AttributeType = 0x50
	AttributeTypeVolumeName          AttributeType = 0x60
	AttributeTypeVolumeInformation   AttributeType = 0x70
	AttributeTypeData                AttributeType = 0x80
	AttributeTypeIndexRoot           AttributeType = 0x90
	AttributeTypeIndexAllocation     AttributeType = 0xA0
	AttributeTypeBitmap              AttributeType = 0xB0
	AttributeTypeReparsePoint        AttributeType = 0xC0
	AttributeTypeEAInformation       AttributeType = 0xD0
	AttributeTypeEA                  AttributeType = 0xE0
	AttributeTypePropertySet         AttributeType = 0xF0
	AttributeTypeLoggedUtilityStream AttributeType = 0x100
	attributeTypeTerminator          AttributeType = 0xFFFFFFFF
)

func (t AttributeType) Name() string {
	switch t {
	case AttributeTypeStandardInformation:
		return "$STANDARD_INFORMATION"
	case AttributeTypeAttributeList:
		return "$ATTRIBUTE_LIST"
	case AttributeTypeFileName:
		return "$FILE_NAME"
	case AttributeTypeObjectID:
		return "$OBJECT_ID"
	case AttributeTypeSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case AttributeTypeVolumeName:
		return "$VOLUME_NAME"
	case AttributeTypeVolumeInformation:
		return "$VOLUME_INFORMATION"
	case AttributeTypeData:
		return "$DATA"
	case AttributeTypeIndexRoot:
		return "$INDEX_ROOT"
	case AttributeTypeIndexAllocation:
		return "$INDEX_ALLOCATION"
	case AttributeTypeBitmap:
		return "$BITMAP"
	case AttributeTypeReparsePoint:
		return "$REPARSE_POINT"
	case AttributeTypeEAInformation:
		return "$EA_INFORMATION"
	case AttributeTypeEA:
		return "$EA"
	case AttributeTypePropertySet:
		return "$PROPERTY_SET"
	case AttributeTypeLoggedUtilityStream:
		return "$LOGGED_UTILITY_STREAM"
	}
	return "unknown"
}

// Attribute is one decoded attribute header plus its raw body: resident
// attribute bodies hold the actual value bytes, non-resident ones hold the
// data-run byte sequence (decode with parseDataRuns).
type Attribute struct {
	Type          AttributeType
	Resident      bool
	Name          string
	AttributeID   int
	AllocatedSize uint64
	ActualSize    uint64
	Data          []byte
}

func parseAttributes(b []byte) ([]Attribute, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var attrs []Attribute
	for len(b) >= 4 {
		c := blockio.NewCursor(b)
		typ, err := c.U32LE(0)
		if err != nil {
			return nil, err
		}
		if AttributeType(typ) == attributeTypeTerminator {
			break
		}
		if len(b) < 8 {
			return nil, fmt.Errorf("%w: truncated attribute header", blockio.ErrStructureInvalid)
		}
		recordLen, err := c.U32LE(0x4)
		if err != nil {
			return nil, err
		}
		if recordLen == 0 || int(recordLen) > len(b) {
			return nil, fmt.Errorf("%w: attribute record length %d invalid for remaining %d bytes", blockio.ErrStructureInvalid, recordLen, len(b))
		}

		attr, err := parseAttribute(b[:recordLen])
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
		b = b[recordLen:]
	}
	return attrs, nil
}

func parseAttribute(b []byte) (Attribute, error) {
	if len(b) < 22 {
		return Attribute{}, fmt.Errorf("%w: attribute header needs 22 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)

	typ, err := c.U32LE(0)
	if err != nil {
		return Attribute{}, err
	}
	nonResidentFlag, err := c.U8(0x8)
	if err != nil {
		return Attribute{}, err
	}
	nameLen, err := c.U8(0x9)
	if err != nil {
		return Attribute{}, err
	}
	nameOffset, err := c.U16LE(0xA)
	if err != nil {
		return Attribute{}, err
	}
	attrID, err := c.U16LE(0xE)
	if err != nil {
		return Attribute{}, err
	}

	var name string
	if nameLen != 0 {
		nameBytes, err := c.SubBytes(int(nameOffset), int(nameLen)*2)
		if err != nil {
			return Attribute{}, err
		}
		name = decodeUTF16LE(nameBytes)
	}

	resident := nonResidentFlag == 0
	attr := Attribute{Type: AttributeType(typ), Resident: resident, Name: name, AttributeID: int(attrID)}

	if resident {
		dataLen, err := c.U32LE(0x10)
		if err != nil {
			return Attribute{}, err
		}
		dataOffset, err := c.U16LE(0x14)
		if err != nil {
			return Attribute{}, err
		}
		data, err := c.SubBytes(int(dataOffset), int(dataLen))
		if err != nil {
			return Attribute{}, err
		}
		attr.Data = append([]byte(nil), data...)
		attr.ActualSize = uint64(dataLen)
		attr.AllocatedSize = uint64(dataLen)
	} else {
		allocSize, err := c.U64LE(0x28)
		if err != nil {
			return Attribute{}, err
		}
		actualSize, err := c.U64LE(0x30)
		if err != nil {
			return Attribute{}, err
		}
		dataOffset, err := c.U16LE(0x20)
		if err != nil {
			return Attribute{}, err
		}
		if int(dataOffset) > len(b) {
			return Attribute{}, fmt.Errorf("%w: non-resident data run offset %d beyond attribute length %d", blockio.ErrStructureInvalid, dataOffset, len(b))
		}
		attr.Data = append([]byte(nil), b[dataOffset:]...)
		attr.AllocatedSize = allocSize
		attr.ActualSize = actualSize
	}

	return attr, nil
}
