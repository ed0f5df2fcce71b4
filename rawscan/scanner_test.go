package rawscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MrRooten/meta-reader/blockio"
)

func openTempImage(t *testing.T, data []byte) *blockio.BlockReader {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test image: %v", err)
	}
	r, err := blockio.Open(path)
	if err != nil {
		t.Fatalf("failed to open test image: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestScannerIterDiyBlockSkipsBootRegion(t *testing.T) {
	data := make([]byte, bootRegionSize+4096)
	r := openTempImage(t, data)
	s := NewScanner(r, 0, int64(len(data)))

	var seenOffsets []int64
	err := s.IterDiyBlock(2048, 0, func(_ uint64, off int64, _ []byte) bool {
		seenOffsets = append(seenOffsets, off)
		return false
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seenOffsets) == 0 || seenOffsets[0] != bootRegionSize {
		t.Errorf("expected first window at %d, got %v", bootRegionSize, seenOffsets)
	}
}

func TestScannerIterDiyBlockHandlerStop(t *testing.T) {
	data := make([]byte, bootRegionSize+4096)
	r := openTempImage(t, data)
	s := NewScanner(r, 0, int64(len(data)))

	count := 0
	err := s.IterDiyBlock(1024, 0, func(_ uint64, _ int64, _ []byte) bool {
		count++
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected iteration to stop after 1 window, got %d", count)
	}
}

func TestScannerSearchLiteralFindsHitAcrossWindowBoundary(t *testing.T) {
	data := make([]byte, bootRegionSize+4096)
	needle := []byte("DEADBEEFCAFEBABE")
	// Place the needle straddling a window boundary at size=1024.
	hitOffset := bootRegionSize + 1024 - 4
	copy(data[hitOffset:], needle)
	r := openTempImage(t, data)
	s := NewScanner(r, 0, int64(len(data)))

	var hits []Hit
	pattern := NewLiteralPattern(needle)
	err := s.Search([]blockio.ByteRange{{Start: bootRegionSize, Length: int64(len(data)) - bootRegionSize}}, pattern, 1024, func(h Hit) bool {
		hits = append(hits, h)
		return false
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, h := range hits {
		if h.Offset == int64(hitOffset) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a hit at offset %d, got %+v", hitOffset, hits)
	}
}

func TestScannerSearchRegex(t *testing.T) {
	data := make([]byte, bootRegionSize+2048)
	copy(data[bootRegionSize+10:], []byte("user=admin;pass=hunter2;"))
	r := openTempImage(t, data)
	s := NewScanner(r, 0, int64(len(data)))

	pattern, err := NewRegexPattern(`pass=\w+`)
	if err != nil {
		t.Fatalf("unexpected error compiling pattern: %v", err)
	}
	var hits []Hit
	err = s.Search([]blockio.ByteRange{{Start: bootRegionSize, Length: int64(len(data)) - bootRegionSize}}, pattern, 2048, func(h Hit) bool {
		hits = append(hits, h)
		return false
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || string(hits[0].Matched) != "pass=hunter2" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestNewRegexPatternRejectsInvalidExpr(t *testing.T) {
	if _, err := NewRegexPattern("("); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestRoundUpSectorAligned(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 0},
		{1, 512},
		{512, 512},
		{513, 1024},
	}
	for _, c := range cases {
		if got := roundUpSectorAligned(c.in); got != c.want {
			t.Errorf("roundUpSectorAligned(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
