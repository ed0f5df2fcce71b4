package query

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/MrRooten/meta-reader/blockio"
)

func TestEncodePatternHex(t *testing.T) {
	p, err := EncodePattern("hex", "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if !bytes.Equal(p.Literal, want) {
		t.Errorf("expected %x, got %x", want, p.Literal)
	}
}

func TestEncodePatternHexOddLength(t *testing.T) {
	if _, err := EncodePattern("hex", "abc"); err == nil {
		t.Fatal("expected error for odd-length hex string")
	} else if !errors.Is(err, blockio.ErrStructureInvalid) {
		t.Errorf("expected ErrStructureInvalid, got %v", err)
	}
}

func TestEncodePatternHexInvalidDigit(t *testing.T) {
	if _, err := EncodePattern("hex", "zz"); err == nil {
		t.Fatal("expected error for invalid hex digit")
	} else if !errors.Is(err, blockio.ErrStructureInvalid) {
		t.Errorf("expected ErrStructureInvalid, got %v", err)
	}
}

func TestEncodePatternBase64(t *testing.T) {
	// base64 of "hi"
	p, err := EncodePattern("base64", "aGk=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(p.Literal, []byte("hi")) {
		t.Errorf("expected %q, got %q", "hi", p.Literal)
	}
}

func TestEncodePatternBase64Invalid(t *testing.T) {
	if _, err := EncodePattern("base64", "not valid base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	} else if !errors.Is(err, blockio.ErrStructureInvalid) {
		t.Errorf("expected ErrStructureInvalid, got %v", err)
	}
}

func TestEncodePatternString(t *testing.T) {
	p, err := EncodePattern("string", "malware.exe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(p.Literal, []byte("malware.exe")) {
		t.Errorf("expected %q, got %q", "malware.exe", p.Literal)
	}
}

func TestEncodePatternU16String(t *testing.T) {
	p, err := EncodePattern("u16string", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{'h', 0, 'i', 0}
	if !bytes.Equal(p.Literal, want) {
		t.Errorf("expected %x, got %x", want, p.Literal)
	}
}

func TestEncodePatternRegex(t *testing.T) {
	p, err := EncodePattern("regex", `[A-Z]:\\Windows`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Regex == nil {
		t.Fatal("expected a compiled regex pattern")
	}
	if !p.Regex.MatchString(`C:\Windows`) {
		t.Error("expected compiled regex to match C:\\Windows")
	}
}

func TestEncodePatternRegexInvalid(t *testing.T) {
	if _, err := EncodePattern("regex", "(unclosed"); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestEncodePatternFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pattern")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	want := []byte{0x4d, 0x5a, 0x90, 0x00}
	if _, err := f.Write(want); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	f.Close()

	p, err := EncodePattern("file", f.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(p.Literal, want) {
		t.Errorf("expected %x, got %x", want, p.Literal)
	}
}

func TestEncodePatternFileMissing(t *testing.T) {
	if _, err := EncodePattern("file", "/nonexistent/path/does/not/exist"); err == nil {
		t.Fatal("expected error for missing pattern file")
	} else if !errors.Is(err, blockio.ErrIo) {
		t.Errorf("expected ErrIo, got %v", err)
	}
}

func TestEncodePatternUnknownEncoding(t *testing.T) {
	if _, err := EncodePattern("bogus", "value"); err == nil {
		t.Fatal("expected error for unknown encoding")
	} else if !errors.Is(err, blockio.ErrUnsupportedFeature) {
		t.Errorf("expected ErrUnsupportedFeature, got %v", err)
	}
}

func TestHexDecodeCaseInsensitive(t *testing.T) {
	lower, err := hexDecode("deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upper, err := hexDecode("DEADBEEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(lower, upper) {
		t.Errorf("expected case-insensitive hex decode to agree, got %x vs %x", lower, upper)
	}
}

func TestEncodeUTF16LEAscii(t *testing.T) {
	got := encodeUTF16LE("NTFS")
	want := []byte{'N', 0, 'T', 0, 'F', 0, 'S', 0}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %x, got %x", want, got)
	}
}
