package query

import (
	"fmt"
	"path"

	"github.com/MrRooten/meta-reader/blockio"
	"github.com/MrRooten/meta-reader/ext4"
	"github.com/MrRooten/meta-reader/rawscan"
)

const ext4RootInode = 2

// FileEntry is the façade's plain-value view of one directory entry, built
// from either a live ext4 directory block or an NTFS index entry.
type FileEntry struct {
	Name        string
	RecordID    uint64
	IsDirectory bool
	Deleted     bool
}

// FileStat is the façade's plain-value view of one file or directory's
// metadata, assembled from an ext4 inode or an NTFS MFT record.
type FileStat struct {
	RecordID    uint64
	Name        string
	Size        uint64
	IsDirectory bool
	IsSymlink   bool
	LinkTarget  string
	Deleted     bool
	UID         uint32
	GID         uint32
	HardLinks   uint16
}

// RecoveredVersion is one journaled snapshot of a file's historical content,
// oldest first, produced by JournalRecoverFile.
type RecoveredVersion struct {
	Sequence int
	Data     []byte
}

// SearchHit is a raw scan match, with the owning record resolved against a
// caller-supplied rawscan.RangeIndex when one was passed to Search*.
type SearchHit struct {
	Offset   int64
	Matched  []byte
	RecordID uint64
	Path     string
	Resolved bool
}

const defaultSearchWindow = 4 << 20

// Ext4Handle is an opened ext4 volume together with the options governing
// how it is read.
type Ext4Handle struct {
	opts       Options
	reader     *blockio.BlockReader
	vol        *ext4.Volume
	journalled bool
}

// OpenExt4 opens the ext4 volume at devicePath, honoring opts.PartitionOffset
// and opts.PartitionSize to scope reads to a single partition of a larger
// device or image.
func OpenExt4(devicePath string, opts Options) (*Ext4Handle, error) {
	reader, err := blockio.OpenPartition(devicePath, opts.PartitionOffset, opts.PartitionSize)
	if err != nil {
		return nil, err
	}
	vol, err := ext4.Open(reader, 0)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return &Ext4Handle{opts: opts, reader: reader, vol: vol}, nil
}

// Close releases the underlying device handle.
func (h *Ext4Handle) Close() error { return h.reader.Close() }

// ListFiles returns the live entries of the directory at dirPath.
func (h *Ext4Handle) ListFiles(dirPath string) ([]FileEntry, error) {
	in, err := h.vol.GetInodeByPath(dirPath)
	if err != nil {
		return nil, err
	}
	entries, err := h.vol.ListDirectory(in)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileEntry{Name: e.Name, RecordID: uint64(e.InodeNumber), IsDirectory: e.IsDirectory})
	}
	return out, nil
}

// ListDeletedFiles returns every raw directory slot under dirPath whose
// inode link has been removed - inode_id==0 slots with a surviving name, and
// slots the kernel marked deleted but has not yet reused.
func (h *Ext4Handle) ListDeletedFiles(dirPath string) ([]FileEntry, error) {
	in, err := h.vol.GetInodeByPath(dirPath)
	if err != nil {
		return nil, err
	}
	entries, err := h.vol.ListDeletedEntries(in)
	if err != nil {
		return nil, err
	}
	var out []FileEntry
	for _, e := range entries {
		if !e.Deleted() {
			continue
		}
		out = append(out, FileEntry{
			Name:        e.Name(),
			RecordID:    uint64(e.InodeNumber()),
			IsDirectory: e.IsDirectoryType(),
			Deleted:     true,
		})
	}
	return out, nil
}

// ListRecoverableFiles narrows ListDeletedFiles to entries whose inode
// number still points at a decodable, IsDeleted inode - the set a caller can
// actually attempt to recover data for, as opposed to a name whose inode
// slot has already been reused or zeroed.
func (h *Ext4Handle) ListRecoverableFiles(dirPath string) ([]FileEntry, error) {
	deleted, err := h.ListDeletedFiles(dirPath)
	if err != nil {
		return nil, err
	}
	var out []FileEntry
	for _, e := range deleted {
		if e.RecordID == 0 {
			continue
		}
		in, err := h.vol.GetInodeByID(uint32(e.RecordID))
		if err != nil || !in.IsDeleted() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadFile reconstructs the full contents of the regular file at p.
func (h *Ext4Handle) ReadFile(p string) ([]byte, error) {
	in, err := h.vol.GetInodeByPath(p)
	if err != nil {
		return nil, err
	}
	if !in.IsRegularFile() {
		return nil, fmt.Errorf("%w: %q is not a regular file", blockio.ErrWrongType, p)
	}
	return h.vol.ReadFile(in)
}

// statView is the subset of *ext4.inode's exported method set Stat/StatInode
// need; declaring it lets the façade accept either a path-resolved or a
// directly-fetched inode through one code path without naming ext4's
// unexported concrete type.
type statView interface {
	Number() uint32
	Size() uint64
	IsDirectory() bool
	IsSymlink() bool
	IsDeleted() bool
	UID() uint32
	GID() uint32
	HardLinks() uint16
	LinkTarget() (string, bool)
}

// Stat returns the metadata of the live entry at p.
func (h *Ext4Handle) Stat(p string) (FileStat, error) {
	in, err := h.vol.GetInodeByPath(p)
	if err != nil {
		return FileStat{}, err
	}
	return h.statInode(in, path.Base(p)), nil
}

// StatInode stats inodeNumber directly, independent of any surviving
// directory entry - the operation a deleted-file recovery flow uses once it
// already has a candidate inode number in hand.
func (h *Ext4Handle) StatInode(inodeNumber uint32) (FileStat, error) {
	in, err := h.vol.GetInodeByID(inodeNumber)
	if err != nil {
		return FileStat{}, err
	}
	return h.statInode(in, ""), nil
}

func (h *Ext4Handle) statInode(in statView, name string) FileStat {
	target, _ := in.LinkTarget()
	return FileStat{
		RecordID:    uint64(in.Number()),
		Name:        name,
		Size:        in.Size(),
		IsDirectory: in.IsDirectory(),
		IsSymlink:   in.IsSymlink(),
		LinkTarget:  target,
		Deleted:     in.IsDeleted(),
		UID:         in.UID(),
		GID:         in.GID(),
		HardLinks:   in.HardLinks(),
	}
}

// JournalRecoverFile replays the JBD2 journal for inodeNumber, returning
// every historical on-disk version of its data the journal still holds,
// oldest first. A block the journal never touched falls back to its current
// live content, since a file's unmodified tail blocks are never re-logged.
func (h *Ext4Handle) JournalRecoverFile(inodeNumber uint32) ([]RecoveredVersion, error) {
	if !h.journalled {
		if err := h.vol.OpenJournal(); err != nil {
			return nil, err
		}
		h.journalled = true
	}

	versions, err := h.vol.RecoverInodeHistory(inodeNumber)
	if err != nil {
		return nil, err
	}

	blockSize := int64(h.vol.BlockSize())
	out := make([]RecoveredVersion, 0, len(versions))
	for i, in := range versions {
		ranges, err := h.vol.DataRanges(in)
		if err != nil {
			h.opts.dumpScratch(fmt.Sprintf("ext4_journal_recover_%d_%d", inodeNumber, i), nil)
			continue
		}
		var data []byte
		for _, rng := range ranges {
			for off := rng.Start; off < rng.End(); off += blockSize {
				length := blockSize
				if rng.End()-off < length {
					length = rng.End() - off
				}
				blockNum := uint64(off / blockSize)
				if raw, ok, _ := h.vol.RecoverBlock(blockNum); ok {
					data = append(data, raw[:blockio.SaturateLen(0, int(length), len(raw))]...)
					continue
				}
				raw, err := h.reader.ReadRange(blockio.ByteRange{Start: off, Length: length})
				if err != nil {
					continue
				}
				data = append(data, raw...)
			}
		}
		out = append(out, RecoveredVersion{Sequence: i, Data: data})
	}
	return out, nil
}

// pathIndex maps inode number to absolute path, built by a bounded walk of
// the live directory tree from root. It is the grounding for ref_file
// resolution on a search hit: a RangeIndex lookup yields an inode number,
// and this map turns that into something a human can read.
func (h *Ext4Handle) pathIndex(maxEntries int) map[uint64]string {
	index := map[uint64]string{ext4RootInode: "/"}
	var walk func(number uint32, dirPath string)
	walk = func(number uint32, dirPath string) {
		if len(index) >= maxEntries {
			return
		}
		in, err := h.vol.GetInodeByID(number)
		if err != nil || !in.IsDirectory() {
			return
		}
		entries, err := h.vol.ListDirectory(in)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			childPath := path.Join(dirPath, e.Name)
			index[uint64(e.InodeNumber)] = childPath
			if e.IsDirectory {
				walk(e.InodeNumber, childPath)
			}
		}
	}
	walk(ext4RootInode, "/")
	return index
}

// ResolvePath returns the full path of inodeNumber within the live
// directory tree, if the tree still reaches it.
func (h *Ext4Handle) ResolvePath(inodeNumber uint32) (string, bool) {
	index := h.pathIndex(1 << 20)
	p, ok := index[uint64(inodeNumber)]
	return p, ok
}

// BuildRangeIndex walks every live regular-file inode reachable from the
// live directory tree into a rawscan.RangeIndex, mapping each data range
// back to the owning inode number. Building this is proportional to the
// number of files on the volume and is meant to be built once per session
// and reused across many Search* calls, not rebuilt per search.
func (h *Ext4Handle) BuildRangeIndex() (*rawscan.RangeIndex, error) {
	var entries []rawscan.RangeEntry
	for number := range h.pathIndex(1 << 20) {
		in, err := h.vol.GetInodeByID(uint32(number))
		if err != nil || !in.IsRegularFile() {
			continue
		}
		ranges, err := h.vol.DataRanges(in)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			entries = append(entries, rawscan.RangeEntry{Range: rng, RecordID: number})
		}
	}
	return rawscan.NewRangeIndex(entries), nil
}

// SearchDisk scans the whole volume for pattern. When index is non-nil,
// each hit is resolved to the owning inode number and, if the live
// directory tree still reaches it, to a full path.
func (h *Ext4Handle) SearchDisk(pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	return h.search([]blockio.ByteRange{{Start: 0, Length: h.reader.Size()}}, pattern, index)
}

// SearchDeletedFiles scans only unallocated blocks for pattern - the space a
// deleted file's content can still live in undisturbed.
func (h *Ext4Handle) SearchDeletedFiles(pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	ranges, err := h.vol.UnallocatedRanges()
	if err != nil {
		return nil, err
	}
	return h.search(ranges, pattern, index)
}

// SearchRecoverableFiles is SearchDeletedFiles with resolution mandatory:
// a hit that does not resolve against index cannot be attributed to a
// recoverable file and is dropped rather than reported bare.
func (h *Ext4Handle) SearchRecoverableFiles(pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	hits, err := h.SearchDeletedFiles(pattern, index)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Resolved {
			out = append(out, hit)
		}
	}
	return out, nil
}

func (h *Ext4Handle) search(ranges []blockio.ByteRange, pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	scanner := rawscan.NewScanner(h.reader, 0, h.reader.Size())

	var paths map[uint64]string
	if index != nil {
		paths = h.pathIndex(1 << 20)
	}

	var hits []SearchHit
	err := scanner.Search(ranges, pattern, defaultSearchWindow, func(hit rawscan.Hit) bool {
		sh := SearchHit{Offset: hit.Offset, Matched: hit.Matched}
		if index != nil {
			if recordID, ok := index.Lookup(hit.Offset); ok {
				sh.RecordID = recordID
				sh.Resolved = true
				sh.Path = paths[recordID]
			}
		}
		hits = append(hits, sh)
		return false
	})
	return hits, err
}
