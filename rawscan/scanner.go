package rawscan

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/MrRooten/meta-reader/blockio"
)

var log = logrus.WithField("component", "rawscan")

// bootRegionSize is the offset from the volume start at which IterDiyBlock
// starts scanning, skipping the boot sector/superblock region neither
// filesystem stores file content in.
const bootRegionSize = 0x1000

// Hit is one pattern match: its absolute device offset and the matched
// bytes.
type Hit struct {
	Offset  int64
	Matched []byte
}

// Pattern is either a literal byte string or a compiled regular expression;
// exactly one of Literal or Regex is set. Literal matching uses a fast
// substring search (bytes.Index); Regex matching applies a compiled
// *regexp.Regexp to each window.
type Pattern struct {
	Literal []byte
	Regex   *regexp.Regexp
}

// NewLiteralPattern builds a Pattern that matches an exact byte sequence.
func NewLiteralPattern(b []byte) Pattern { return Pattern{Literal: b} }

// NewRegexPattern compiles expr and returns a Pattern that matches it.
func NewRegexPattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: invalid regex %q: %v", blockio.ErrStructureInvalid, expr, err)
	}
	return Pattern{Regex: re}, nil
}

// redundancy is the byte length a pattern could span, used as window
// overlap so a match straddling a window boundary is never missed.
func (p Pattern) redundancy() int {
	if p.Regex != nil {
		// A regex's maximum match length is not statically knowable;
		// reserve a fixed 4096-byte overlap. A longer match that straddles
		// a window boundary is not found.
		return 4096
	}
	return len(p.Literal)
}

func (p Pattern) findAll(window []byte) [][2]int {
	var spans [][2]int
	if p.Regex != nil {
		spans = p.Regex.FindAllIndex(window, -1)
		return spans
	}
	if len(p.Literal) == 0 {
		return nil
	}
	start := 0
	for {
		idx := bytes.Index(window[start:], p.Literal)
		if idx < 0 {
			break
		}
		absIdx := start + idx
		spans = append(spans, [2]int{absIdx, absIdx + len(p.Literal)})
		start = absIdx + 1
	}
	return spans
}

// Scanner streams a volume's raw bytes through a BlockReader in fixed-size
// overlapping windows. It owns no state beyond its reader and is safe to
// run several instances over disjoint device ranges concurrently, each
// with its own BlockReader, sharing one read-only RangeIndex.
type Scanner struct {
	reader    *blockio.BlockReader
	volStart  int64
	deviceEnd int64
}

// NewScanner builds a Scanner over [volStart, volStart+size) of reader's
// address space.
func NewScanner(reader *blockio.BlockReader, volStart, size int64) *Scanner {
	return &Scanner{reader: reader, volStart: volStart, deviceEnd: volStart + size}
}

// BlockHandler is invoked once per scanned window; returning true stops
// iteration before the next read.
type BlockHandler func(blockID uint64, absoluteOffset int64, data []byte) (stop bool)

// IterDiyBlock reads fixed-size, overlapping windows starting at
// bootRegionSize, invoking handler with each window. redundancy is rounded
// up to sector alignment (512 bytes).
func (s *Scanner) IterDiyBlock(size, redundancy int, handler BlockHandler) error {
	start := s.volStart + bootRegionSize
	return s.IterSpBlock([]blockio.ByteRange{{Start: start, Length: s.deviceEnd - start}}, size, redundancy, handler)
}

// IterSpBlock is IterDiyBlock restricted to a caller-supplied set of device
// ranges (e.g. $Bitmap-derived unallocated clusters).
func (s *Scanner) IterSpBlock(ranges []blockio.ByteRange, size, redundancy int, handler BlockHandler) error {
	redundancy = roundUpSectorAligned(redundancy)
	if size <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %d", blockio.ErrStructureInvalid, size)
	}

	var blockID uint64
	for _, rng := range ranges {
		start := rng.Start
		end := rng.End()
		if end > s.deviceEnd {
			end = s.deviceEnd
		}
		for off := start; off < end; off += int64(size) {
			windowLen := int64(size) + int64(redundancy)
			if off+windowLen > end {
				windowLen = end - off
			}
			if windowLen <= 0 {
				break
			}
			data, err := s.reader.ReadRange(blockio.ByteRange{Start: off, Length: windowLen})
			if err != nil {
				log.WithError(err).WithField("offset", off).Warn("skipping unreadable scan window")
				continue
			}
			if handler(blockID, off, data) {
				return nil
			}
			blockID++
		}
	}
	return nil
}

func roundUpSectorAligned(n int) int {
	const sectorSize = 512
	if n <= 0 {
		return 0
	}
	if rem := n % sectorSize; rem != 0 {
		n += sectorSize - rem
	}
	return n
}

// Search scans ranges for pattern and reports every hit in ascending
// absolute offset order when run single-threaded. Overlap between
// consecutive windows can report the same match twice when it falls inside
// the overlap region; callers that need exact-once semantics should dedupe
// on (Offset, len(Matched)).
func (s *Scanner) Search(ranges []blockio.ByteRange, pattern Pattern, windowSize int, onHit func(Hit) (stop bool)) error {
	redundancy := pattern.redundancy()
	return s.IterSpBlock(ranges, windowSize, redundancy, func(_ uint64, absoluteOffset int64, data []byte) bool {
		for _, span := range pattern.findAll(data) {
			hit := Hit{Offset: absoluteOffset + int64(span[0]), Matched: append([]byte(nil), data[span[0]:span[1]]...)}
			if onHit(hit) {
				return true
			}
		}
		return false
	})
}
