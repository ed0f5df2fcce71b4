package ntfs

import (
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

// dataRun is one entry of a non-resident attribute's run list: a
// contiguous span of clusterCount clusters starting clusterOffset clusters
// after the previous run's start (or, for the first run, after cluster 0).
// A header whose offset-length field is zero marks a sparse run:
// clusterCount clusters that read as zero and occupy no space on disk.
type dataRun struct {
	clusterOffset int64
	clusterCount  uint64
	sparse        bool
}

// parseDataRuns decodes the nibble-packed data-run byte sequence of a
// non-resident attribute.
func parseDataRuns(b []byte) ([]dataRun, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var runs []dataRun
	for len(b) > 0 {
		header := b[0]
		if header == 0 {
			break
		}
		lengthFieldLen := int(header & 0x0F)
		offsetFieldLen := int(header >> 4)

		need := 1 + lengthFieldLen + offsetFieldLen
		if need > len(b) {
			return nil, fmt.Errorf("%w: data run needs %d bytes, only %d remain", blockio.ErrOutOfByteRange, need, len(b))
		}

		lengthBytes := b[1 : 1+lengthFieldLen]
		length := blockio.UnsignedLE(lengthBytes)

		offsetBytes := b[1+lengthFieldLen : need]
		sparse := offsetFieldLen == 0
		var offset int64
		if !sparse {
			offset = blockio.SignMagnitudeLE(offsetBytes)
		}

		runs = append(runs, dataRun{clusterOffset: offset, clusterCount: length, sparse: sparse})
		b = b[need:]
	}
	return runs, nil
}

// runByteRanges converts relative data runs into absolute byte ranges on
// the volume. Each non-sparse run's start is explicitly computed as
// clusterNumber * clusterSize, rather than accumulating a running byte
// offset that could drift from an intermediate sparse run.
func runByteRanges(runs []dataRun, clusterSize uint32) []blockio.ByteRange {
	ranges := make([]blockio.ByteRange, 0, len(runs))
	var clusterNumber int64
	for _, run := range runs {
		clusterNumber += run.clusterOffset
		length := int64(run.clusterCount) * int64(clusterSize)
		if run.sparse {
			ranges = append(ranges, blockio.ByteRange{Start: -1, Length: length})
			continue
		}
		start := clusterNumber * int64(clusterSize)
		ranges = append(ranges, blockio.ByteRange{Start: start, Length: length})
	}
	return ranges
}
