package ntfs

import "testing"

func TestParseDataRunsSingleRun(t *testing.T) {
	// header 0x32: length field 2 bytes, offset field 3 bytes.
	b := []byte{0x32, 0x10, 0x00, 0x00, 0x10, 0x00, 0x00}
	runs, err := parseDataRuns(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].clusterCount != 0x10 || runs[0].clusterOffset != 0x1000 || runs[0].sparse {
		t.Errorf("unexpected run: %+v", runs[0])
	}
}

func TestParseDataRunsNegativeOffset(t *testing.T) {
	// Second run's offset is -5 relative to the first (0xFB = -5 as a signed byte).
	b := []byte{0x11, 0x05, 0x0A, 0x11, 0x03, 0xFB}
	runs, err := parseDataRuns(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[1].clusterOffset != -5 {
		t.Errorf("expected second run offset -5, got %d", runs[1].clusterOffset)
	}
}

func TestParseDataRunsSparseRun(t *testing.T) {
	// offset field length 0 marks a sparse run.
	b := []byte{0x01, 0x08}
	runs, err := parseDataRuns(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || !runs[0].sparse || runs[0].clusterCount != 8 {
		t.Errorf("unexpected sparse run: %+v", runs)
	}
}

func TestParseDataRunsStopsAtTerminator(t *testing.T) {
	b := []byte{0x11, 0x05, 0x0A, 0x00}
	runs, err := parseDataRuns(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run before terminator, got %d", len(runs))
	}
}

func TestParseDataRunsTruncatedErrors(t *testing.T) {
	b := []byte{0x32, 0x10}
	if _, err := parseDataRuns(b); err == nil {
		t.Fatal("expected error for truncated data run")
	}
}

func TestRunByteRangesComputesAbsoluteStart(t *testing.T) {
	runs := []dataRun{
		{clusterOffset: 10, clusterCount: 4},
		{clusterOffset: 0, clusterCount: 2, sparse: true},
		{clusterOffset: 20, clusterCount: 1},
	}
	ranges := runByteRanges(runs, 4096)
	if len(ranges) != 3 {
		t.Fatalf("expected 3 ranges, got %d", len(ranges))
	}
	if ranges[0].Start != 10*4096 {
		t.Errorf("expected first run start %d, got %d", 10*4096, ranges[0].Start)
	}
	if ranges[1].Start != -1 {
		t.Errorf("expected sparse run start sentinel -1, got %d", ranges[1].Start)
	}
	// Absolute cluster number accumulates across the sparse run (10 + 0 + 20 = 30),
	// not by adding byte lengths.
	if ranges[2].Start != 30*4096 {
		t.Errorf("expected third run start %d, got %d", 30*4096, ranges[2].Start)
	}
}
