package query

import (
	"fmt"
	"path"
	"strings"

	"github.com/MrRooten/meta-reader/blockio"
	"github.com/MrRooten/meta-reader/ntfs"
	"github.com/MrRooten/meta-reader/rawscan"
)

const ntfsRootRecord = 5

// NtfsHandle is an opened NTFS volume together with the options governing
// how it is read.
type NtfsHandle struct {
	opts   Options
	reader *blockio.BlockReader
	vol    *ntfs.Volume
}

// OpenNtfs opens the NTFS volume at devicePath, honoring opts.PartitionOffset
// and opts.PartitionSize to scope reads to a single partition of a larger
// device or image.
func OpenNtfs(devicePath string, opts Options) (*NtfsHandle, error) {
	reader, err := blockio.OpenPartition(devicePath, opts.PartitionOffset, opts.PartitionSize)
	if err != nil {
		return nil, err
	}
	vol, err := ntfs.Open(reader, 0)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return &NtfsHandle{opts: opts, reader: reader, vol: vol}, nil
}

// Close releases the underlying device handle.
func (h *NtfsHandle) Close() error { return h.reader.Close() }

// ListFiles returns the directory entries of dirPath (Windows-style or
// '/'-separated; both are accepted).
func (h *NtfsHandle) ListFiles(dirPath string) ([]FileEntry, error) {
	rec, err := h.vol.GetMftByPath(dirPath)
	if err != nil {
		return nil, err
	}
	entries, err := h.vol.ListDirectory(rec)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name.Namespace == ntfs.NamespaceDOS {
			continue
		}
		out = append(out, FileEntry{
			Name:        e.Name.Name,
			RecordID:    e.Ref.RecordNumber,
			IsDirectory: e.Name.FileAttributes&fileAttributeDirectory != 0,
		})
	}
	return out, nil
}

// fileAttributeDirectory is the FILE_ATTRIBUTE_DIRECTORY bit Windows stores
// in $STANDARD_INFORMATION and $FILE_NAME's FileAttributes field.
const fileAttributeDirectory uint32 = 0x10

// ListDeletedFiles streams MFT records whose in-use flag is clear (flags ==
// 0 or 2: a deleted file or a deleted directory) and whose $FILE_NAME parent
// reference matches dirRecord. recordCount bounds how many MFT slots are
// scanned; callers typically pass the handle's MftRecordCount().
func (h *NtfsHandle) ListDeletedFiles(dirRecord uint64, recordCount uint64) ([]FileEntry, error) {
	var out []FileEntry
	err := h.vol.IterMftEntries(recordCount, func(index uint64, rec *ntfs.Record) error {
		if rec.InUse() {
			return nil
		}
		fn, err := ntfs.BestFileName(rec)
		if err != nil {
			return nil
		}
		if fn.ParentDirectory.RecordNumber != dirRecord {
			return nil
		}
		out = append(out, FileEntry{
			Name:        fn.Name,
			RecordID:    index,
			IsDirectory: rec.IsDirectory(),
			Deleted:     true,
		})
		return nil
	})
	return out, err
}

// ReadFile returns the unnamed $DATA stream's content for the file at p.
func (h *NtfsHandle) ReadFile(p string) ([]byte, error) {
	rec, err := h.vol.GetMftByPath(p)
	if err != nil {
		return nil, err
	}
	if rec.IsDirectory() {
		return nil, fmt.Errorf("%w: %q is a directory", blockio.ErrWrongType, p)
	}
	return h.vol.ReadFileData(rec)
}

// Stat returns the metadata of the entry at p, resolving both
// $STANDARD_INFORMATION and the best available $FILE_NAME.
func (h *NtfsHandle) Stat(p string) (FileStat, error) {
	rec, err := h.vol.GetMftByPath(p)
	if err != nil {
		return FileStat{}, err
	}
	return h.statRecord(rec, path.Base(strings.ReplaceAll(p, `\`, "/")))
}

// StatRecord stats an MFT record by index directly, independent of any
// surviving directory entry - the path a deleted-record recovery flow uses
// once it already has a candidate record number in hand.
func (h *NtfsHandle) StatRecord(recordIndex uint64) (FileStat, error) {
	rec, err := h.vol.GetMftEntryByIndex(recordIndex)
	if err != nil {
		return FileStat{}, err
	}
	return h.statRecord(rec, "")
}

func (h *NtfsHandle) statRecord(rec *ntfs.Record, fallbackName string) (FileStat, error) {
	name := fallbackName
	if fn, err := ntfs.BestFileName(rec); err == nil {
		name = fn.Name
	}

	stat := FileStat{
		RecordID:    rec.FileReference.RecordNumber,
		Name:        name,
		IsDirectory: rec.IsDirectory(),
		Deleted:     !rec.InUse(),
		HardLinks:   rec.HardLinkCount,
	}

	for _, attr := range rec.FindAttributes(ntfs.AttributeTypeData) {
		if attr.Name == "" {
			stat.Size = attr.ActualSize
			break
		}
	}

	if link, err := h.vol.ResolveSymbolicLink(rec); err == nil {
		stat.IsSymlink = true
		stat.LinkTarget = link.TargetName
	}

	return stat, nil
}

// pathIndex maps MFT record number to absolute Windows-style path, built by
// a bounded walk of the live directory tree from the root directory
// record - the grounding for ref_file resolution on a search hit.
func (h *NtfsHandle) pathIndex(maxEntries int) map[uint64]string {
	index := map[uint64]string{ntfsRootRecord: `\`}
	var walk func(recordIndex uint64, dirPath string)
	walk = func(recordIndex uint64, dirPath string) {
		if len(index) >= maxEntries {
			return
		}
		rec, err := h.vol.GetMftEntryByIndex(recordIndex)
		if err != nil || !rec.IsDirectory() {
			return
		}
		entries, err := h.vol.ListDirectory(rec)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.Name.Namespace == ntfs.NamespaceDOS {
				continue
			}
			childPath := strings.TrimRight(dirPath, `\`) + `\` + e.Name.Name
			index[e.Ref.RecordNumber] = childPath
			if e.Name.FileAttributes&fileAttributeDirectory != 0 {
				walk(e.Ref.RecordNumber, childPath)
			}
		}
	}
	walk(ntfsRootRecord, `\`)
	return index
}

// ResolvePath returns the full Windows-style path of recordIndex within the
// live directory tree, if the tree still reaches it.
func (h *NtfsHandle) ResolvePath(recordIndex uint64) (string, bool) {
	index := h.pathIndex(1 << 20)
	p, ok := index[recordIndex]
	return p, ok
}

// BuildRangeIndex walks every live regular-file record reachable from the
// live directory tree into a rawscan.RangeIndex, mapping each $DATA data
// run back to the owning record number. Meant to be built once per session
// and reused across many Search* calls.
func (h *NtfsHandle) BuildRangeIndex() (*rawscan.RangeIndex, error) {
	var entries []rawscan.RangeEntry
	for recordIndex := range h.pathIndex(1 << 20) {
		rec, err := h.vol.GetMftEntryByIndex(recordIndex)
		if err != nil || rec.IsDirectory() {
			continue
		}
		ranges, err := h.vol.DataRanges(rec)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			entries = append(entries, rawscan.RangeEntry{Range: rng, RecordID: recordIndex})
		}
	}
	return rawscan.NewRangeIndex(entries), nil
}

// SearchDisk scans the whole volume for pattern. When index is non-nil,
// each hit is resolved to the owning MFT record number and, if the live
// directory tree still reaches it, to a full path.
func (h *NtfsHandle) SearchDisk(pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	return h.search([]blockio.ByteRange{{Start: 0, Length: h.reader.Size()}}, pattern, index)
}

// SearchDeletedFiles scans only clusters $Bitmap marks free for pattern.
func (h *NtfsHandle) SearchDeletedFiles(pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
	unalloc, err := h.vol.UnallocatedRanges()
	if err != nil {
		return nil, err
	}
	ranges := make([]blockio.ByteRange, len(unalloc))
	for i, u := range unalloc {
		ranges[i] = blockio.ByteRange{Start: u.StartByte, Length: u.Length}
	}
	return h.search(ranges, pattern, index)
}

func (h *NtfsHandle) search(ranges []blockio.ByteRange, pattern rawscan.Pattern, index *rawscan.RangeIndex) ([]SearchHit, error) {
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

// SearchUsn scans $Bitmap-unallocated clusters for byte sequences shaped
// like a USN journal record, recovering change-journal history after
// $UsnJrnl:$J itself has been deleted or truncated. A structurally valid
// record found this way has no guarantee of belonging to the live
// filesystem's journal - it is reported as a candidate, not a fact.
func (h *NtfsHandle) SearchUsn() ([]ntfs.UsnRecord, error) {
	unalloc, err := h.vol.UnallocatedRanges()
	if err != nil {
		return nil, err
	}

	var records []ntfs.UsnRecord
	for _, rng := range unalloc {
		if rng.Length <= 0 {
			continue
		}
		data, err := h.reader.ReadRange(blockio.ByteRange{Start: rng.StartByte, Length: rng.Length})
		if err != nil {
			h.opts.dumpScratch(fmt.Sprintf("ntfs_search_usn_%d", rng.StartByte), nil)
			continue
		}
		_ = ntfs.ScanUsnRecords(data, func(rec ntfs.UsnRecord) error {
			records = append(records, rec)
			return nil
		})
	}
	return records, nil
}
