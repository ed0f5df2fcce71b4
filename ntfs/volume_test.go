package ntfs

import "testing"

func TestBestFileNamePrefersNonDOS(t *testing.T) {
	win32 := buildFileNameAttrData("longname.txt", NamespaceWin32)
	dos := buildFileNameAttrData("LONGNA~1.TXT", NamespaceDOS)
	rec := &Record{Attributes: []Attribute{
		{Type: AttributeTypeFileName, Data: dos},
		{Type: AttributeTypeFileName, Data: win32},
	}}
	fn, err := BestFileName(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn.Name != "longname.txt" {
		t.Errorf("expected win32 long name, got %q", fn.Name)
	}
}

func TestBestFileNameFallsBackToDOS(t *testing.T) {
	dos := buildFileNameAttrData("LONGNA~1.TXT", NamespaceDOS)
	rec := &Record{Attributes: []Attribute{{Type: AttributeTypeFileName, Data: dos}}}
	fn, err := BestFileName(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn.Name != "LONGNA~1.TXT" {
		t.Errorf("expected DOS fallback name, got %q", fn.Name)
	}
}

func TestBestFileNameNoAttributes(t *testing.T) {
	rec := &Record{}
	if _, err := BestFileName(rec); err == nil {
		t.Fatal("expected error for record with no $FILE_NAME attribute")
	}
}

func TestMatchDirectoryEntryPrefersLongName(t *testing.T) {
	entries := []DirectoryEntry{
		{Name: FileName{Name: "LONGNA~1.TXT", Namespace: NamespaceDOS}, Ref: FileReference{RecordNumber: 1}},
		{Name: FileName{Name: "longname.txt", Namespace: NamespaceWin32}, Ref: FileReference{RecordNumber: 2}},
	}
	match, err := matchDirectoryEntry(entries, "longname.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Ref.RecordNumber != 2 {
		t.Errorf("expected match on record 2, got %d", match.Ref.RecordNumber)
	}
}

func TestMatchDirectoryEntryFallsBackToDOSName(t *testing.T) {
	entries := []DirectoryEntry{
		{Name: FileName{Name: "LONGNA~1.TXT", Namespace: NamespaceDOS}, Ref: FileReference{RecordNumber: 1}},
	}
	match, err := matchDirectoryEntry(entries, "LONGNA~1.TXT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Ref.RecordNumber != 1 {
		t.Errorf("expected match on record 1, got %d", match.Ref.RecordNumber)
	}
}

func TestMatchDirectoryEntryNotFound(t *testing.T) {
	if _, err := matchDirectoryEntry(nil, "missing.txt"); err == nil {
		t.Fatal("expected error for no match")
	}
}
