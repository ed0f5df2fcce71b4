package query

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDumpScratchDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	var o Options // ScratchDir unset
	o.dumpScratch("case1", []byte("hello"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files written when ScratchDir is unset, found %d", len(entries))
	}
}

func TestDumpScratchWritesFile(t *testing.T) {
	dir := t.TempDir()
	o := Options{ScratchDir: dir}
	o.dumpScratch("case2", []byte("hello"))

	name := filepath.Join(dir, "error_data_case2")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("expected scratch dump file to exist: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty scratch dump content")
	}
}
