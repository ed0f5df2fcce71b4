// Package rawscan implements the raw-disk pattern scanner and the range
// index that maps a scan hit's byte offset back to the MFT record or ext4
// inode that owns it.
package rawscan

import (
	"github.com/MrRooten/meta-reader/blockio"
)

// RangeEntry is one (device byte range, record id) pair. RecordID is an
// ext4 inode number or an NTFS MFT record index; the caller is responsible
// for keeping the two id spaces separate (one RangeIndex per volume).
type RangeEntry struct {
	Range    blockio.ByteRange
	RecordID uint64
}

// RangeIndex is a sorted, binary-searchable (device_byte_range, record_id)
// table built from every record's data extents, used to resolve a raw scan
// hit back to the record that owns it. It holds only numeric ids and
// outlives any individual record.
type RangeIndex struct {
	entries []RangeEntry
}

// NewRangeIndex builds a RangeIndex from an unordered set of entries,
// sorting them by range start. Matching the rest of this module's
// preference for a hand-rolled sort over small-to-moderate slices instead
// of pulling in the "sort" package for a single call site.
func NewRangeIndex(entries []RangeEntry) *RangeIndex {
	sorted := make([]RangeEntry, len(entries))
	copy(sorted, entries)
	insertionSortByStart(sorted)
	return &RangeIndex{entries: sorted}
}

func insertionSortByStart(entries []RangeEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Range.Start > entries[j].Range.Start; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Len reports the number of entries in the index, duplicates included.
func (idx *RangeIndex) Len() int { return len(idx.entries) }

// Lookup returns the record id whose data range contains offset. When
// ranges overlap (hard links, journal aliasing), the lowest-start range
// wins. Returns ok=false when no range covers offset (the byte belongs to
// unallocated space or metadata the index was not built from).
func (idx *RangeIndex) Lookup(offset int64) (recordID uint64, ok bool) {
	entries := idx.entries
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if entries[mid].Range.Start <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the first entry whose start is > offset. Every candidate range
	// starts at or before offset, so scan backward from lo-1, bounded to
	// avoid pathological O(n) behavior on adversarial overlapping inputs.
	// When more than one range covers offset
	// the lowest-start range wins; since entries are sorted ascending by
	// start, that is the last match found walking backward, not the first.
	found := false
	var best RangeEntry
	for i := lo - 1; i >= 0 && lo-i <= maxOverlapScan; i-- {
		if entries[i].Range.Contains(offset) {
			best = entries[i]
			found = true
		}
	}
	if found {
		return best.RecordID, true
	}
	return 0, false
}

// maxOverlapScan bounds how many lower-starting ranges Lookup will check
// behind the binary-search insertion point before giving up, so a
// maliciously crafted or deeply overlapping range set cannot turn a single
// lookup into a full linear scan.
const maxOverlapScan = 64
