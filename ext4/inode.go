package ext4

import (
	"fmt"
	"time"

	"github.com/MrRooten/meta-reader/blockio"
)

// fileType is the type encoded in the top 4 bits of inode.mode.
type fileType uint16

const (
	fileTypeFIFO            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xA000
	fileTypeSocket          fileType = 0xC000
	fileTypeMask            fileType = 0xF000
)

// inodeFlag is the ext4 inode flags bitmask (i_flags), restricted to the
// bits this reader inspects.
type inodeFlag uint32

const (
	flagIndexedDirectory inodeFlag = 0x1000 // EXT4_INDEX_FL, hashed htree directory
	flagExtents          inodeFlag = 0x80000
	flagInlineData       inodeFlag = 0x10000000
	flagHugeFile         inodeFlag = 0x40000
)

const (
	rootInode              uint32 = 2
	userQuotaInode         uint32 = 3
	groupQuotaInode        uint32 = 4
	bootLoaderInode        uint32 = 5
	undeleteDirectoryInode uint32 = 6
	groupDescriptorsInode  uint32 = 7
	journalInodeNumber     uint32 = 8
	excludeInode           uint32 = 9
	replicaInode           uint32 = 10
	lostFoundInode         uint32 = 11
)

// inode is the decoded form of one ext4 on-disk inode: split lo/hi fields
// are combined and timestamps converted, so field names and layout do not
// follow the on-disk structure.
type inode struct {
	number uint32

	mode  uint16
	ftype fileType
	perm  uint16

	uid uint32
	gid uint32

	size uint64

	atime time.Time
	ctime time.Time
	mtime time.Time
	crtime time.Time

	flags inodeFlag

	hardLinks   uint16
	blocksCount uint64

	extentInfo [60]byte // raw extent tree root, or inline symlink target, or inline data

	deletionTime uint32
	generation   uint32
	inodeSize    uint16

	extendedAttributeBlock uint64
}

// inodeFromBytes decodes one inode-sized record. number is 1-based per the
// ext4 convention (inode 0 does not exist).
func inodeFromBytes(b []byte, sbInodeSize uint16, number uint32) (*inode, error) {
	if len(b) < 128 {
		return nil, fmt.Errorf("%w: inode %d needs at least 128 bytes, got %d", blockio.ErrOutOfByteRange, number, len(b))
	}
	c := blockio.NewCursor(b)

	mode, err := c.U16LE(0x0)
	if err != nil {
		return nil, err
	}
	uidLo, err := c.U16LE(0x2)
	if err != nil {
		return nil, err
	}
	sizeLo, err := c.U32LE(0x4)
	if err != nil {
		return nil, err
	}
	atimeSec, err := c.U32LE(0x8)
	if err != nil {
		return nil, err
	}
	ctimeSec, err := c.U32LE(0xC)
	if err != nil {
		return nil, err
	}
	mtimeSec, err := c.U32LE(0x10)
	if err != nil {
		return nil, err
	}
	deletionTime, err := c.U32LE(0x14)
	if err != nil {
		return nil, err
	}
	gidLo, err := c.U16LE(0x18)
	if err != nil {
		return nil, err
	}
	hardLinks, err := c.U16LE(0x1A)
	if err != nil {
		return nil, err
	}
	blocksLo, err := c.U32LE(0x1C)
	if err != nil {
		return nil, err
	}
	flags, err := c.U32LE(0x20)
	if err != nil {
		return nil, err
	}
	extentInfoBytes, err := c.SubBytes(0x28, 60)
	if err != nil {
		return nil, err
	}
	generation, err := c.U32LE(0x64)
	if err != nil {
		return nil, err
	}
	extendedAttrLo, err := c.U32LE(0x68)
	if err != nil {
		return nil, err
	}
	sizeHi, err := c.U32LE(0x6C)
	if err != nil {
		return nil, err
	}
	blocksHi, err := c.U16LE(0x74)
	if err != nil {
		return nil, err
	}
	extendedAttrHi, err := c.U16LE(0x76)
	if err != nil {
		return nil, err
	}
	uidHi, err := c.U16LE(0x78)
	if err != nil {
		return nil, err
	}
	gidHi, err := c.U16LE(0x7A)
	if err != nil {
		return nil, err
	}

	in := &inode{
		number:                 number,
		mode:                   mode,
		ftype:                  fileType(mode) & fileTypeMask,
		perm:                   mode &^ uint16(fileTypeMask),
		uid:                    uint32(uidHi)<<16 | uint32(uidLo),
		gid:                    uint32(gidHi)<<16 | uint32(gidLo),
		size:                   uint64(sizeHi)<<32 | uint64(sizeLo),
		flags:                  inodeFlag(flags),
		hardLinks:              hardLinks,
		blocksCount:            uint64(blocksHi)<<32 | uint64(blocksLo),
		deletionTime:           deletionTime,
		generation:             generation,
		extendedAttributeBlock: uint64(extendedAttrHi)<<16 | uint64(extendedAttrLo),
	}
	copy(in.extentInfo[:], extentInfoBytes)

	in.atime = epochSeconds(atimeSec)
	in.ctime = epochSeconds(ctimeSec)
	in.mtime = epochSeconds(mtimeSec)

	in.inodeSize = 128
	if sbInodeSize > 128 && len(b) >= 160 {
		if extraIsize, err := c.U16LE(0x80); err == nil {
			in.inodeSize = 128 + extraIsize
			if crtimeSec, err := c.U32LE(0x90); err == nil {
				in.crtime = epochSeconds(crtimeSec)
			}
		}
	}

	return in, nil
}

// epochSeconds converts a raw ext4 32-bit timestamp to time.Time. ext4
// treats 0 as "unset"; callers that care must check IsZero.
func epochSeconds(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func (in *inode) isDirectory() bool    { return in.ftype == fileTypeDirectory }
func (in *inode) isRegularFile() bool  { return in.ftype == fileTypeRegularFile }
func (in *inode) isSymlink() bool      { return in.ftype == fileTypeSymbolicLink }
func (in *inode) usesExtents() bool    { return in.flags&flagExtents != 0 }
func (in *inode) hasInlineData() bool  { return in.flags&flagInlineData != 0 }
func (in *inode) isHashedDirectory() bool { return in.flags&flagIndexedDirectory != 0 }
func (in *inode) isDeleted() bool      { return in.deletionTime != 0 }

// inlineSymlinkTarget returns the symlink target when it is small enough to
// be stored directly in the extent-info region instead of pointed to by an
// extent tree (ext4 inlines targets shorter than 60 bytes).
func (in *inode) inlineSymlinkTarget() (string, bool) {
	if !in.isSymlink() || in.size == 0 || in.size >= 60 {
		return "", false
	}
	return string(in.extentInfo[:in.size]), true
}

// Number returns the 1-based inode number this record was decoded from.
func (in *inode) Number() uint32 { return in.number }

// Size returns the file size in bytes as recorded in the inode.
func (in *inode) Size() uint64 { return in.size }

// Mode returns the raw on-disk mode word, file-type bits included.
func (in *inode) Mode() uint16 { return in.mode }

// Perm returns the permission bits of Mode with the file-type bits masked
// off, suitable for use as an os.FileMode's permission bits.
func (in *inode) Perm() uint16 { return in.perm }

// UID returns the owning user id, combining the low and high 16-bit halves
// ext4 stores split across the base and extended inode regions.
func (in *inode) UID() uint32 { return in.uid }

// GID returns the owning group id, combined the same way as UID.
func (in *inode) GID() uint32 { return in.gid }

// HardLinks returns the inode's on-disk link count.
func (in *inode) HardLinks() uint16 { return in.hardLinks }

// BlocksCount returns the raw on-disk i_blocks value (low 32 bits plus the
// high 16 bits). It counts 512-byte sectors; for an inode with the huge-file
// flag ext4 counts filesystem blocks instead, and the value is returned
// unscaled either way.
func (in *inode) BlocksCount() uint64 { return in.blocksCount }

// AccessTime returns the inode's last-access time. Zero when unset.
func (in *inode) AccessTime() time.Time { return in.atime }

// ModTime returns the inode's last-modification time. Zero when unset.
func (in *inode) ModTime() time.Time { return in.mtime }

// ChangeTime returns the inode's last metadata-change time. Zero when unset.
func (in *inode) ChangeTime() time.Time { return in.ctime }

// CreateTime returns the inode's creation time, when the extended inode
// region storing it is present. Zero when unset or unavailable.
func (in *inode) CreateTime() time.Time { return in.crtime }

// Generation returns the inode's NFS generation number.
func (in *inode) Generation() uint32 { return in.generation }

// IsDirectory reports whether this inode is a directory.
func (in *inode) IsDirectory() bool { return in.isDirectory() }

// IsRegularFile reports whether this inode is a regular file.
func (in *inode) IsRegularFile() bool { return in.isRegularFile() }

// IsSymlink reports whether this inode is a symbolic link.
func (in *inode) IsSymlink() bool { return in.isSymlink() }

// UsesExtents reports whether the inode's block mapping is an extent tree
// rather than the legacy indirect-block scheme.
func (in *inode) UsesExtents() bool { return in.usesExtents() }

// HasInlineData reports whether the inode stores its data inline in the
// inode itself rather than in separate data blocks.
func (in *inode) HasInlineData() bool { return in.hasInlineData() }

// IsHashedDirectory reports whether the directory uses an htree index
// rather than a flat linear entry list.
func (in *inode) IsHashedDirectory() bool { return in.isHashedDirectory() }

// IsDeleted reports whether the inode carries a nonzero deletion time,
// ext4's marker for an unlinked-but-not-yet-reused inode.
func (in *inode) IsDeleted() bool { return in.isDeleted() }

// LinkTarget returns the symlink target for inodes small enough to store it
// inline in the extent-info region. ok is false for non-symlinks or for
// symlinks whose target is stored out-of-line in data blocks.
func (in *inode) LinkTarget() (target string, ok bool) { return in.inlineSymlinkTarget() }
