package ntfs

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

// nonResidentReader answers byte-range reads against a non-resident
// attribute's data runs without materializing the whole attribute (an
// $UsnJrnl:$J stream or a heavily fragmented $DATA attribute can be many
// gigabytes). Sparse runs read back as zero without touching the backing
// store, matching how the filesystem itself presents them.
type nonResidentReader struct {
	br      *blockio.BlockReader
	volStart int64
	ranges  []blockio.ByteRange // absolute volume byte ranges; Start == -1 marks a sparse run
	total   int64
}

func newNonResidentReader(br *blockio.BlockReader, volStart int64, attr Attribute, clusterSize uint32) (*nonResidentReader, error) {
	if attr.Resident {
		return nil, fmt.Errorf("%w: attribute is resident, not a data-run list", blockio.ErrWrongType)
	}
	runs, err := parseDataRuns(attr.Data)
	if err != nil {
		return nil, err
	}
	ranges := runByteRanges(runs, clusterSize)
	var total int64
	for _, r := range ranges {
		total += r.Length
	}
	return &nonResidentReader{br: br, volStart: volStart, ranges: ranges, total: total}, nil
}

// ReadAt reads length bytes starting at byte offset "at" within the
// attribute's logical data (not the volume). Reads spanning multiple runs
// are stitched together; reads past the end of the last run are truncated.
func (r *nonResidentReader) ReadAt(at, length int64) ([]byte, error) {
	if at < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative offset or length", blockio.ErrOutOfByteRange)
	}
	out := make([]byte, 0, length)
	var consumed int64

	for _, rng := range r.ranges {
		runStart := consumed
		runEnd := consumed + rng.Length
		consumed = runEnd

		if int64(len(out)) >= length {
			break
		}
		wantStart := at + int64(len(out))
		if wantStart >= runEnd {
			continue
		}
		segStart := wantStart
		if segStart < runStart {
			segStart = runStart
		}
		segLen := runEnd - segStart
		if remaining := length - int64(len(out)); segLen > remaining {
			segLen = remaining
		}
		if segLen <= 0 {
			continue
		}

		if rng.Start < 0 {
			out = append(out, make([]byte, segLen)...)
			continue
		}

		absOffset := r.volStart + rng.Start + (segStart - runStart)
		chunk, err := r.br.ReadRange(blockio.ByteRange{Start: absOffset, Length: segLen})
		if err != nil {
			return nil, fmt.Errorf("reading non-resident attribute data: %w", err)
		}
		out = append(out, chunk...)
	}

	return out, nil
}

// ReadAll returns up to limit bytes of the attribute's logical data from
// the start.
func (r *nonResidentReader) ReadAll(limit int64) ([]byte, error) {
	n := r.total
	if limit >= 0 && limit < n {
		n = limit
	}
	return r.ReadAt(0, n)
}
