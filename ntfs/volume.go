package ntfs

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/MrRooten/meta-reader/blockio"
)

var log = logrus.WithField("component", "ntfs")

const (
	mftRecordIndexMFT      = 0
	mftRecordIndexMFTMirror = 1
	mftRecordIndexRoot      = 5
	mftRecordIndexBitmap    = 6
)

// Volume is an opened NTFS filesystem.
type Volume struct {
	reader *blockio.BlockReader
	start  int64

	boot *bootSector

	mftRuns []dataRun // decoded from the $MFT record's own $DATA attribute
}

// Open decodes the boot sector and locates the MFT's own data runs (by
// reading the MFT's first record, record 0, which describes itself).
func Open(r *blockio.BlockReader, byteOffset int64) (*Volume, error) {
	v := &Volume{reader: r, start: byteOffset}

	raw, err := r.ReadRange(blockio.ByteRange{Start: byteOffset, Length: bootSectorSize})
	if err != nil {
		return nil, fmt.Errorf("reading NTFS boot sector: %w", err)
	}
	boot, err := bootSectorFromBytes(raw)
	if err != nil {
		return nil, err
	}
	v.boot = boot

	selfRecordRaw, err := r.ReadRange(blockio.ByteRange{Start: byteOffset + boot.mftByteOffset(), Length: int64(boot.mftRecordSize())})
	if err != nil {
		return nil, fmt.Errorf("reading $MFT self-describing record: %w", err)
	}
	selfRecord, err := ParseRecord(selfRecordRaw, boot.bytesPerSector)
	if err != nil {
		return nil, fmt.Errorf("parsing $MFT self-describing record: %w", err)
	}

	dataAttrs := selfRecord.FindAttributes(AttributeTypeData)
	if len(dataAttrs) == 0 {
		return nil, fmt.Errorf("%w: $MFT record has no $DATA attribute", blockio.ErrStructureInvalid)
	}
	dataAttr := dataAttrs[0]
	if dataAttr.Resident {
		return nil, fmt.Errorf("%w: $MFT $DATA attribute is unexpectedly resident", blockio.ErrStructureInvalid)
	}
	runs, err := parseDataRuns(dataAttr.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding $MFT data runs: %w", err)
	}
	v.mftRuns = runs

	return v, nil
}

func (v *Volume) ClusterSize() uint32  { return v.boot.clusterSize() }
func (v *Volume) MftRecordSize() uint32 { return v.boot.mftRecordSize() }

func (v *Volume) mftReader() (*nonResidentReader, error) {
	ranges := runByteRanges(v.mftRuns, v.boot.clusterSize())
	var total int64
	for _, r := range ranges {
		total += r.Length
	}
	return &nonResidentReader{br: v.reader, volStart: v.start, ranges: ranges, total: total}, nil
}

// GetMftEntryByIndex decodes the MFT record at the given record number. A
// record whose FILE signature is intact but whose in-use flag is clear is
// still returned: a deleted file's MFT slot frequently survives,
// unreferenced, until reuse overwrites it.
func (v *Volume) GetMftEntryByIndex(index uint64) (*Record, error) {
	mr, err := v.mftReader()
	if err != nil {
		return nil, err
	}
	recordSize := int64(v.boot.mftRecordSize())
	raw, err := mr.ReadAt(int64(index)*recordSize, recordSize)
	if err != nil {
		return nil, fmt.Errorf("reading mft record %d: %w", index, err)
	}
	if len(raw) < int(recordSize) {
		return nil, fmt.Errorf("%w: mft record %d truncated", blockio.ErrOutOfByteRange, index)
	}
	rec, err := parseRecordRaw(raw, v.boot.bytesPerSector, false)
	if err != nil {
		return nil, fmt.Errorf("parsing mft record %d: %w", index, err)
	}
	return &rec, nil
}

// IterMftEntries walks every MFT record up to recordCount, absorbing
// per-record errors.
func (v *Volume) IterMftEntries(recordCount uint64, fn func(uint64, *Record) error) error {
	for i := uint64(0); i < recordCount; i++ {
		rec, err := v.GetMftEntryByIndex(i)
		if err != nil {
			log.WithError(err).WithField("record", i).Debug("skipping unreadable mft record")
			continue
		}
		if err := fn(i, rec); err != nil {
			log.WithError(err).WithField("record", i).Debug("callback error, continuing scan")
		}
	}
	return nil
}

// MftRecordCount estimates the number of records currently allocated to
// the MFT, derived from the total byte length of the $MFT $DATA runs.
func (v *Volume) MftRecordCount() (uint64, error) {
	ranges := runByteRanges(v.mftRuns, v.boot.clusterSize())
	var total int64
	for _, r := range ranges {
		total += r.Length
	}
	return uint64(total) / uint64(v.boot.mftRecordSize()), nil
}

// readDataStream finds the $DATA attribute named streamName ("" for the
// unnamed stream) and returns its content, copying resident bodies directly.
func (v *Volume) readDataStream(rec *Record, streamName string) ([]byte, error) {
	for _, attr := range rec.FindAttributes(AttributeTypeData) {
		if attr.Name != streamName {
			continue
		}
		if attr.Resident {
			return append([]byte(nil), attr.Data...), nil
		}
		nr, err := newNonResidentReader(v.reader, v.start, attr, v.boot.clusterSize())
		if err != nil {
			return nil, err
		}
		return nr.ReadAll(int64(attr.ActualSize))
	}
	return nil, fmt.Errorf("%w: no $DATA attribute named %q", blockio.ErrNotFound, streamName)
}

// ReadFileData returns the unnamed $DATA stream's content (a regular
// file's contents).
func (v *Volume) ReadFileData(rec *Record) ([]byte, error) {
	return v.readDataStream(rec, "")
}

// DataRanges returns the absolute device byte ranges backing the unnamed
// $DATA attribute's content, in file order, the same way
// ext4.Volume.DataRanges does for an ext4 inode. A resident attribute's
// bytes live inside the MFT record itself rather than at a device range and
// yield an empty, non-error result; a sparse run contributes no range since
// it occupies no space on disk.
func (v *Volume) DataRanges(rec *Record) ([]blockio.ByteRange, error) {
	for _, attr := range rec.FindAttributes(AttributeTypeData) {
		if attr.Name != "" {
			continue
		}
		if attr.Resident {
			return nil, nil
		}
		runs, err := parseDataRuns(attr.Data)
		if err != nil {
			return nil, err
		}
		all := runByteRanges(runs, v.boot.clusterSize())
		ranges := make([]blockio.ByteRange, 0, len(all))
		for _, rng := range all {
			if rng.Start < 0 {
				continue // sparse run: no backing device bytes
			}
			ranges = append(ranges, blockio.ByteRange{Start: v.start + rng.Start, Length: rng.Length})
		}
		return ranges, nil
	}
	return nil, fmt.Errorf("%w: no unnamed $DATA attribute", blockio.ErrNotFound)
}

// dirIndexSource implements indexBlockSource over a directory record's
// $INDEX_ALLOCATION attribute.
type dirIndexSource struct {
	v             *Volume
	reader        *nonResidentReader
	indexBlockSize int64
}

func (s *dirIndexSource) readIndexBlock(vcn uint64) ([]byte, error) {
	return s.reader.ReadAt(int64(vcn)*int64(s.v.boot.clusterSize()), s.indexBlockSize)
}

// DirectoryEntry pairs a resolved $FILE_NAME value with the MFT record it
// names, so callers can both display the entry and follow it.
type DirectoryEntry struct {
	Name FileName
	Ref  FileReference
}

// ListDirectory walks a directory record's $INDEX_ROOT (and, if present,
// $INDEX_ALLOCATION) B-tree and returns every $FILE_NAME stream found.
func (v *Volume) ListDirectory(rec *Record) ([]DirectoryEntry, error) {
	if !rec.IsDirectory() {
		return nil, fmt.Errorf("%w: mft record is not a directory", blockio.ErrWrongType)
	}

	rootAttrs := rec.FindAttributes(AttributeTypeIndexRoot)
	if len(rootAttrs) == 0 {
		return nil, fmt.Errorf("%w: directory record has no $INDEX_ROOT", blockio.ErrStructureInvalid)
	}
	rootAttr := rootAttrs[0]
	if len(rootAttr.Data) < 16 {
		return nil, fmt.Errorf("%w: $INDEX_ROOT too short", blockio.ErrStructureInvalid)
	}
	header, err := indexHeaderFromBytes(rootAttr.Data[16:])
	if err != nil {
		return nil, err
	}

	var src indexBlockSource
	allocAttrs := rec.FindAttributes(AttributeTypeIndexAllocation)
	if header.hasSubNodes() && len(allocAttrs) > 0 {
		nr, err := newNonResidentReader(v.reader, v.start, allocAttrs[0], v.boot.clusterSize())
		if err != nil {
			return nil, err
		}
		src = &dirIndexSource{v: v, reader: nr, indexBlockSize: int64(v.boot.indexBlockSize())}
	}

	var entries []IndexEntry
	if src != nil {
		entries, err = walkDirectoryIndex(header, rootAttr.Data[16:], src, v.boot.bytesPerSector)
	} else {
		entries, err = parseIndexEntries(rootAttr.Data[16:], header)
	}
	if err != nil {
		return nil, err
	}

	out := make([]DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		if len(e.Stream) == 0 {
			continue
		}
		fn, err := ParseFileName(Attribute{Data: e.Stream})
		if err != nil {
			log.WithError(err).Debug("skipping unparsable index entry stream")
			continue
		}
		out = append(out, DirectoryEntry{Name: fn, Ref: e.FileRef})
	}
	return out, nil
}

// BestFileName returns the most useful $FILE_NAME attribute on a record:
// a Win32 or POSIX long name wins over a DOS-only 8.3 short name.
func BestFileName(rec *Record) (FileName, error) {
	attrs := rec.FindAttributes(AttributeTypeFileName)
	if len(attrs) == 0 {
		return FileName{}, fmt.Errorf("%w: record has no $FILE_NAME attribute", blockio.ErrNotFound)
	}
	var best *FileName
	for _, a := range attrs {
		fn, err := ParseFileName(a)
		if err != nil {
			continue
		}
		if fn.Namespace != NamespaceDOS {
			return fn, nil
		}
		if best == nil {
			f := fn
			best = &f
		}
	}
	if best == nil {
		return FileName{}, fmt.Errorf("%w: no parsable $FILE_NAME attribute", blockio.ErrStructureInvalid)
	}
	return *best, nil
}

// GetMftByPath resolves a Windows-style '\'-separated path starting from
// the root directory (record 5), trying each component's long name first
// and falling back to its DOS 8.3 short name.
func (v *Volume) GetMftByPath(p string) (*Record, error) {
	cur, err := v.GetMftEntryByIndex(mftRecordIndexRoot)
	if err != nil {
		return nil, fmt.Errorf("reading root directory: %w", err)
	}

	clean := strings.Trim(strings.ReplaceAll(p, "/", `\`), `\`)
	if clean == "" {
		return cur, nil
	}

	for _, component := range strings.Split(clean, `\`) {
		entries, err := v.ListDirectory(cur)
		if err != nil {
			return nil, err
		}
		match, err := matchDirectoryEntry(entries, component)
		if err != nil {
			return nil, err
		}
		cur, err = v.GetMftEntryByIndex(match.Ref.RecordNumber)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// matchDirectoryEntry finds component among entries, preferring a long
// (Win32/POSIX) name match and falling back to a DOS 8.3 short name match.
func matchDirectoryEntry(entries []DirectoryEntry, component string) (DirectoryEntry, error) {
	for _, e := range entries {
		if e.Name.Namespace == NamespaceDOS {
			continue
		}
		if strings.EqualFold(e.Name.Name, component) {
			return e, nil
		}
	}
	for _, e := range entries {
		if e.Name.Namespace == NamespaceDOS && strings.EqualFold(e.Name.Name, component) {
			return e, nil
		}
	}
	return DirectoryEntry{}, fmt.Errorf("%w: no such entry %q", blockio.ErrNotFound, component)
}

// UnallocatedRanges decodes the root directory's $Bitmap file and returns
// every free-cluster run: the exact clusters a deleted file's data can
// still be recovered from if nothing has reused them since.
func (v *Volume) UnallocatedRanges() ([]UnallocatedRange, error) {
	rec, err := v.GetMftEntryByIndex(mftRecordIndexBitmap)
	if err != nil {
		return nil, fmt.Errorf("reading $Bitmap record: %w", err)
	}
	raw, err := v.readDataStream(rec, "")
	if err != nil {
		return nil, fmt.Errorf("reading $Bitmap data: %w", err)
	}
	return unallocatedRangesFromBitmap(raw, v.boot.clusterSize()), nil
}

// IterUsnRecords resolves \$Extend\$UsnJrnl's :$J alternate data stream and
// iterates every change-journal record in it. Per-record errors are
// absorbed by iterateUsnRecords itself; only a failure to locate or read
// the journal stream at all is surfaced to the caller.
func (v *Volume) IterUsnRecords(fn func(UsnRecord) error) error {
	rec, err := v.GetMftByPath(`$Extend\$UsnJrnl`)
	if err != nil {
		return fmt.Errorf("locating $UsnJrnl: %w", err)
	}
	journalData, err := v.readDataStream(rec, "$J")
	if err != nil {
		return fmt.Errorf("reading $UsnJrnl:$J: %w", err)
	}
	return iterateUsnRecords(journalData, fn)
}

// ResolveSymbolicLink returns the target path of a reparse point record, if
// it carries a $REPARSE_POINT attribute decodable as a symbolic link or
// mount point.
func (v *Volume) ResolveSymbolicLink(rec *Record) (SymbolicLink, error) {
	attrs := rec.FindAttributes(AttributeTypeReparsePoint)
	if len(attrs) == 0 {
		return SymbolicLink{}, fmt.Errorf("%w: record has no $REPARSE_POINT attribute", blockio.ErrNotFound)
	}
	link, recognized, err := ParseSymbolicLink(attrs[0])
	if err != nil {
		return SymbolicLink{}, err
	}
	if !recognized {
		return SymbolicLink{}, fmt.Errorf("%w: reparse tag 0x%x is not a symbolic link or mount point", blockio.ErrUnsupportedFeature, link.ReparseTag)
	}
	return link, nil
}
