package ntfs

import (
	"fmt"
	"time"

	"github.com/MrRooten/meta-reader/blockio"
)

// filetimeEpochOffset is the number of 100ns ticks between the FILETIME
// epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochOffset = 116444736000000000

// filetimeToTime converts a raw FILETIME tick count to a time.Time. It
// never panics: an implausible value (the all-ones "never" sentinel, or a
// tick count that would overflow) returns ok=false instead.
func filetimeToTime(ticks uint64) (time.Time, bool) {
	if ticks == 0 || ticks == ^uint64(0) {
		return time.Time{}, false
	}
	unixTicks := int64(ticks) - filetimeEpochOffset
	if unixTicks < 0 {
		return time.Time{}, false
	}
	sec := unixTicks / 10000000
	nsec := (unixTicks % 10000000) * 100
	return time.Unix(sec, nsec).UTC(), true
}

// StandardInformation is the always-resident $STANDARD_INFORMATION
// attribute: POSIX-style timestamps and DOS attribute flags that exist on
// every file, independent of which hard-linked name is used to reach it.
type StandardInformation struct {
	CreationTime   time.Time
	ModifiedTime   time.Time
	MftModifiedTime time.Time
	AccessTime     time.Time
	FileAttributes uint32
}

func ParseStandardInformation(attr Attribute) (StandardInformation, error) {
	b := attr.Data
	if len(b) < 0x30 {
		return StandardInformation{}, fmt.Errorf("%w: $STANDARD_INFORMATION needs %d bytes, got %d", blockio.ErrOutOfByteRange, 0x30, len(b))
	}
	c := blockio.NewCursor(b)

	creation, err := c.U64LE(0x0)
	if err != nil {
		return StandardInformation{}, err
	}
	modified, err := c.U64LE(0x8)
	if err != nil {
		return StandardInformation{}, err
	}
	mftModified, err := c.U64LE(0x10)
	if err != nil {
		return StandardInformation{}, err
	}
	accessed, err := c.U64LE(0x18)
	if err != nil {
		return StandardInformation{}, err
	}
	fileAttrs, err := c.U32LE(0x20)
	if err != nil {
		return StandardInformation{}, err
	}

	si := StandardInformation{FileAttributes: fileAttrs}
	si.CreationTime, _ = filetimeToTime(creation)
	si.ModifiedTime, _ = filetimeToTime(modified)
	si.MftModifiedTime, _ = filetimeToTime(mftModified)
	si.AccessTime, _ = filetimeToTime(accessed)
	return si, nil
}

// NamespaceType is the file-name namespace ($FILE_NAME records one name
// per namespace a file is known by; a file created from a 16-bit program
// often has both a POSIX/Win32 long name and a DOS 8.3 short name).
type NamespaceType uint8

const (
	NamespacePOSIX    NamespaceType = 0
	NamespaceWin32    NamespaceType = 1
	NamespaceDOS      NamespaceType = 2
	NamespaceWin32DOS NamespaceType = 3
)

// FileName is a decoded $FILE_NAME attribute value: the parent directory
// reference, the name string itself, and a second, independent copy of the
// POSIX-style timestamps (kept in sync with $STANDARD_INFORMATION by
// Windows, but not guaranteed to be, which is exactly why forensic readers
// check both).
type FileName struct {
	ParentDirectory FileReference
	CreationTime    time.Time
	ModifiedTime    time.Time
	MftModifiedTime time.Time
	AccessTime      time.Time
	AllocatedSize   uint64
	RealSize        uint64
	FileAttributes  uint32
	Namespace       NamespaceType
	Name            string
}

func ParseFileName(attr Attribute) (FileName, error) {
	b := attr.Data
	if len(b) < 0x42 {
		return FileName{}, fmt.Errorf("%w: $FILE_NAME needs at least %d bytes, got %d", blockio.ErrOutOfByteRange, 0x42, len(b))
	}
	c := blockio.NewCursor(b)

	parentRefBytes, err := c.SubBytes(0x0, 8)
	if err != nil {
		return FileName{}, err
	}
	parentRef, err := fileReferenceFromBytes(parentRefBytes)
	if err != nil {
		return FileName{}, err
	}
	creation, err := c.U64LE(0x8)
	if err != nil {
		return FileName{}, err
	}
	modified, err := c.U64LE(0x10)
	if err != nil {
		return FileName{}, err
	}
	mftModified, err := c.U64LE(0x18)
	if err != nil {
		return FileName{}, err
	}
	accessed, err := c.U64LE(0x20)
	if err != nil {
		return FileName{}, err
	}
	allocatedSize, err := c.U64LE(0x28)
	if err != nil {
		return FileName{}, err
	}
	realSize, err := c.U64LE(0x30)
	if err != nil {
		return FileName{}, err
	}
	fileAttrs, err := c.U32LE(0x38)
	if err != nil {
		return FileName{}, err
	}
	nameLen, err := c.U8(0x40)
	if err != nil {
		return FileName{}, err
	}
	namespace, err := c.U8(0x41)
	if err != nil {
		return FileName{}, err
	}
	nameBytes, err := c.SubBytes(0x42, int(nameLen)*2)
	if err != nil {
		return FileName{}, err
	}

	fn := FileName{
		ParentDirectory: parentRef,
		AllocatedSize:   allocatedSize,
		RealSize:        realSize,
		FileAttributes:  fileAttrs,
		Namespace:       NamespaceType(namespace),
		Name:            decodeUTF16LE(nameBytes),
	}
	fn.CreationTime, _ = filetimeToTime(creation)
	fn.ModifiedTime, _ = filetimeToTime(modified)
	fn.MftModifiedTime, _ = filetimeToTime(mftModified)
	fn.AccessTime, _ = filetimeToTime(accessed)
	return fn, nil
}

// VolumeInformation is the $VOLUME_INFORMATION attribute: NTFS version and
// dirty/mount-state flags.
type VolumeInformation struct {
	MajorVersion uint8
	MinorVersion uint8
	Flags        uint16
}

func ParseVolumeInformation(attr Attribute) (VolumeInformation, error) {
	b := attr.Data
	if len(b) < 0xC {
		return VolumeInformation{}, fmt.Errorf("%w: $VOLUME_INFORMATION needs %d bytes, got %d", blockio.ErrOutOfByteRange, 0xC, len(b))
	}
	c := blockio.NewCursor(b)
	major, err := c.U8(0x8)
	if err != nil {
		return VolumeInformation{}, err
	}
	minor, err := c.U8(0x9)
	if err != nil {
		return VolumeInformation{}, err
	}
	flags, err := c.U16LE(0xA)
	if err != nil {
		return VolumeInformation{}, err
	}
	return VolumeInformation{MajorVersion: major, MinorVersion: minor, Flags: flags}, nil
}

// ParseVolumeName decodes the $VOLUME_NAME attribute to a plain string.
func ParseVolumeName(attr Attribute) string {
	return decodeUTF16LE(attr.Data)
}

// ObjectID is the $OBJECT_ID attribute's volume-unique GUID. Only the first
// 16 bytes are kept; the optional birth-volume, birth-object and domain
// GUIDs that may follow are not decoded.
type ObjectID struct {
	ObjectID []byte // 16-byte GUID, kept raw to avoid a forced dependency on a GUID type mismatch with ext4's uuid.UUID usage
}

func ParseObjectID(attr Attribute) (ObjectID, error) {
	if len(attr.Data) < 16 {
		return ObjectID{}, fmt.Errorf("%w: $OBJECT_ID needs 16 bytes, got %d", blockio.ErrOutOfByteRange, len(attr.Data))
	}
	return ObjectID{ObjectID: append([]byte(nil), attr.Data[:16]...)}, nil
}

// SymbolicLink holds a reparse point's substitute-name target when the
// reparse tag identifies it as a symlink or mount point. Other reparse
// tags (deduplication, cloud placeholders) are left unparsed: this reader
// is scoped to filesystem-identity metadata, not every vendor's reparse
// payload format.
type SymbolicLink struct {
	ReparseTag  uint32
	PrintName   string
	TargetName  string
}

const reparseTagSymlink uint32 = 0xA000000C
const reparseTagMountPoint uint32 = 0xA0000003

func ParseSymbolicLink(attr Attribute) (SymbolicLink, bool, error) {
	b := attr.Data
	if len(b) < 8 {
		return SymbolicLink{}, false, fmt.Errorf("%w: reparse point needs at least 8 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	tag, err := c.U32LE(0x0)
	if err != nil {
		return SymbolicLink{}, false, err
	}
	if tag != reparseTagSymlink && tag != reparseTagMountPoint {
		return SymbolicLink{ReparseTag: tag}, false, nil
	}

	headerLen := 0x14 // substitute-name-offset field starts at byte 8 of the data buffer, after the 8-byte generic reparse header
	if tag == reparseTagSymlink {
		headerLen = 0x14
	} else {
		headerLen = 0x10
	}
	if len(b) < headerLen {
		return SymbolicLink{}, false, fmt.Errorf("%w: reparse point body truncated", blockio.ErrStructureInvalid)
	}

	substOffset, err := c.U16LE(0x8)
	if err != nil {
		return SymbolicLink{}, false, err
	}
	substLen, err := c.U16LE(0xA)
	if err != nil {
		return SymbolicLink{}, false, err
	}
	printOffset, err := c.U16LE(0xC)
	if err != nil {
		return SymbolicLink{}, false, err
	}
	printLen, err := c.U16LE(0xE)
	if err != nil {
		return SymbolicLink{}, false, err
	}

	pathBufferStart := headerLen
	substBytes, err := c.SubBytes(pathBufferStart+int(substOffset), int(substLen))
	if err != nil {
		return SymbolicLink{}, false, err
	}
	printBytes, err := c.SubBytes(pathBufferStart+int(printOffset), int(printLen))
	if err != nil {
		return SymbolicLink{}, false, err
	}

	return SymbolicLink{
		ReparseTag: tag,
		TargetName: decodeUTF16LE(substBytes),
		PrintName:  decodeUTF16LE(printBytes),
	}, true, nil
}
